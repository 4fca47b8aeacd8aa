package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitriver-vod/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	defaultDynamoRequestTimeout = 5 * time.Second
	dynamoTableWaitTimeout      = 2 * time.Minute
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoRepository.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type DynamoConfig struct {
	Table     string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// CreateTable provisions an on-demand table when it does not exist.
	CreateTable    bool
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// DynamoRepository stores one item per video keyed by "id".
type DynamoRepository struct {
	client DynamoAPI
	cfg    DynamoConfig
}

var _ Repository = (*DynamoRepository)(nil)

type videoItem struct {
	ID           string   `dynamodbav:"id"`
	Title        string   `dynamodbav:"title"`
	Description  string   `dynamodbav:"description"`
	FilePath     string   `dynamodbav:"filePath"`
	ContentType  string   `dynamodbav:"contentType"`
	ThumbnailURL string   `dynamodbav:"thumbnailUrl"`
	Uploader     string   `dynamodbav:"uploader"`
	UploadDate   string   `dynamodbav:"uploadDate"`
	Duration     int      `dynamodbav:"duration"`
	Views        int      `dynamodbav:"views"`
	Likes        int      `dynamodbav:"likes"`
	Dislikes     int      `dynamodbav:"dislikes"`
	Tags         []string `dynamodbav:"tags"`
	Status       string   `dynamodbav:"status"`
	ManifestPath string   `dynamodbav:"manifestPath"`
	Checksum     string   `dynamodbav:"checksum"`
	SizeBytes    int64    `dynamodbav:"sizeBytes"`
	CreatedAt    int64    `dynamodbav:"createdAt"`
	UpdatedAt    int64    `dynamodbav:"updatedAt"`
}

func toItem(v models.Video) videoItem {
	return videoItem{
		ID:           v.ID,
		Title:        v.Title,
		Description:  v.Description,
		FilePath:     v.FilePath,
		ContentType:  v.ContentType,
		ThumbnailURL: v.ThumbnailURL,
		Uploader:     v.Uploader,
		UploadDate:   v.UploadDate,
		Duration:     v.Duration,
		Views:        v.Views,
		Likes:        v.Likes,
		Dislikes:     v.Dislikes,
		Tags:         v.Tags,
		Status:       string(v.Status),
		ManifestPath: v.ManifestPath,
		Checksum:     v.Checksum,
		SizeBytes:    v.SizeBytes,
		CreatedAt:    v.CreatedAt.UnixNano(),
		UpdatedAt:    v.UpdatedAt.UnixNano(),
	}
}

func (i videoItem) video() models.Video {
	tags := i.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.Video{
		ID:           i.ID,
		Title:        i.Title,
		Description:  i.Description,
		FilePath:     i.FilePath,
		ContentType:  i.ContentType,
		ThumbnailURL: i.ThumbnailURL,
		Uploader:     i.Uploader,
		UploadDate:   i.UploadDate,
		Duration:     i.Duration,
		Views:        i.Views,
		Likes:        i.Likes,
		Dislikes:     i.Dislikes,
		Tags:         tags,
		Status:       models.VideoStatus(i.Status),
		ManifestPath: i.ManifestPath,
		Checksum:     i.Checksum,
		SizeBytes:    i.SizeBytes,
		CreatedAt:    time.Unix(0, i.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, i.UpdatedAt).UTC(),
	}
}

// NewDynamoRepository connects using the default AWS credential chain,
// optionally overridden by static keys and a custom endpoint such as
// DynamoDB Local.
func NewDynamoRepository(ctx context.Context, cfg DynamoConfig, opts ...Option) (*DynamoRepository, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoRepositoryWithClient(ctx, client, cfg, opts...)
}

// NewDynamoRepositoryWithClient wires an existing client.
func NewDynamoRepositoryWithClient(ctx context.Context, client DynamoAPI, cfg DynamoConfig, opts ...Option) (*DynamoRepository, error) {
	for _, opt := range opts {
		if opt != nil {
			opt.applyDynamo(&cfg)
		}
	}
	cfg.Table = strings.TrimSpace(cfg.Table)
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultDynamoRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	repo := &DynamoRepository{client: client, cfg: cfg}
	if cfg.CreateTable {
		if err := repo.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func (r *DynamoRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.RequestTimeout)
}

func (r *DynamoRepository) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// EnsureTable creates the table with on-demand billing when it is missing and
// waits for it to become active.
func (r *DynamoRepository) EnsureTable(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.cfg.Table)})
	if err == nil {
		return nil
	}
	var missing *types.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return fmt.Errorf("describe table %s: %w", r.cfg.Table, err)
	}
	_, err = r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(r.cfg.Table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", r.cfg.Table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(r.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.cfg.Table)}, dynamoTableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", r.cfg.Table, err)
	}
	return nil
}

func (r *DynamoRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.cfg.Table)}); err != nil {
		return fmt.Errorf("describe table %s: %w", r.cfg.Table, err)
	}
	return nil
}

func (r *DynamoRepository) Save(ctx context.Context, video models.Video) (models.Video, error) {
	prepared, err := prepareForSave(video, r.cfg.Clock)
	if err != nil {
		return models.Video{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if video.CreatedAt.IsZero() {
		existing, ok, err := r.FindByID(ctx, prepared.ID)
		if err != nil {
			return models.Video{}, err
		}
		if ok {
			prepared.CreatedAt = existing.CreatedAt
		}
	}

	av, err := attributevalue.MarshalMap(toItem(prepared))
	if err != nil {
		return models.Video{}, fmt.Errorf("marshal video %s: %w", prepared.ID, err)
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.cfg.Table),
		Item:      av,
	}); err != nil {
		return models.Video{}, fmt.Errorf("put video %s: %w", prepared.ID, err)
	}
	return prepared, nil
}

func (r *DynamoRepository) FindByID(ctx context.Context, id string) (models.Video, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.cfg.Table),
		Key:            r.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Video{}, false, fmt.Errorf("get video %s: %w", id, err)
	}
	if result.Item == nil {
		return models.Video{}, false, nil
	}
	var item videoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return models.Video{}, false, fmt.Errorf("unmarshal video %s: %w", id, err)
	}
	return item.video(), true, nil
}

func (r *DynamoRepository) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.cfg.Table),
		Key:       r.key(id),
	}); err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	return nil
}

func (r *DynamoRepository) FindAll(ctx context.Context) ([]models.Video, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:      aws.String(r.cfg.Table),
		ConsistentRead: aws.Bool(true),
	})
	var videos []models.Video
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan videos: %w", err)
		}
		var items []videoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal videos: %w", err)
		}
		for _, item := range items {
			videos = append(videos, item.video())
		}
	}
	sortVideos(videos)
	return videos, nil
}

func (r *DynamoRepository) Close(ctx context.Context) error {
	return nil
}

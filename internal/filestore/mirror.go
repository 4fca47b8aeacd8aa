package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// Mirror copies finished segment trees to secondary storage.
type Mirror interface {
	Enabled() bool
	MirrorSegments(ctx context.Context, videoID, dir string) (int, error)
	DeleteSegments(ctx context.Context, videoID string) error
}

// NoopMirror is used when no object storage is configured.
type NoopMirror struct{}

func (NoopMirror) Enabled() bool { return false }

func (NoopMirror) MirrorSegments(context.Context, string, string) (int, error) { return 0, nil }

func (NoopMirror) DeleteSegments(context.Context, string) error { return nil }

// S3API is the subset of the S3 client used by S3Mirror.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// UsePathStyle is required by most S3-compatible servers such as MinIO.
	UsePathStyle bool
	Concurrency  int
}

const defaultMirrorConcurrency = 4

// S3Mirror uploads segment directories as {prefix}/{videoID}/{file}.
type S3Mirror struct {
	client      S3API
	bucket      string
	prefix      string
	concurrency int
	logger      *slog.Logger
}

// NewS3Mirror builds a mirror from the default AWS credential chain, optionally
// overridden by static keys and a custom endpoint. An empty bucket yields a
// NoopMirror.
func NewS3Mirror(ctx context.Context, cfg S3Config, logger *slog.Logger) (Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return NoopMirror{}, nil
	}
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
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3MirrorWithClient(client, cfg, logger), nil
}

// NewS3MirrorWithClient wires an existing client, which tests use to inject a
// fake.
func NewS3MirrorWithClient(client S3API, cfg S3Config, logger *slog.Logger) *S3Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultMirrorConcurrency
	}
	return &S3Mirror{
		client:      client,
		bucket:      strings.TrimSpace(cfg.Bucket),
		prefix:      strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		concurrency: concurrency,
		logger:      logger,
	}
}

func (m *S3Mirror) Enabled() bool { return true }

func (m *S3Mirror) key(videoID, name string) string {
	if m.prefix == "" {
		return path.Join(videoID, name)
	}
	return path.Join(m.prefix, videoID, name)
}

// MirrorSegments uploads every regular file in dir. It returns the number of
// objects written; the first upload error cancels the rest.
func (m *S3Mirror) MirrorSegments(ctx context.Context, videoID, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read segment dir: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	uploaded := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		uploaded++
		group.Go(func() error {
			return m.upload(groupCtx, videoID, filepath.Join(dir, name), name)
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	m.logger.Info("mirrored segments", "video_id", videoID, "objects", uploaded, "bucket", m.bucket)
	return uploaded, nil
}

func (m *S3Mirror) upload(ctx context.Context, videoID, filePath, name string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	key := m.key(videoID, name)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ArtifactContentType(name)),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// DeleteSegments removes every object under {prefix}/{videoID}/. Missing
// objects are not an error.
func (m *S3Mirror) DeleteSegments(ctx context.Context, videoID string) error {
	prefix := m.key(videoID, "") + "/"
	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list mirrored objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			_, err := m.client.DeleteObject(groupCtx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// ArtifactContentType maps DASH artifacts and originals to a media type.
func ArtifactContentType(name string) string {
	switch {
	case name == ManifestName:
		return "application/dash+xml"
	case strings.HasSuffix(name, ".m4s"):
		return "video/iso.segment"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

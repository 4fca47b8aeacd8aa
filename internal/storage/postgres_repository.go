package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitriver-vod/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const videosSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	uploader      TEXT NOT NULL DEFAULT '',
	upload_date   TEXT NOT NULL DEFAULT '',
	duration      INTEGER NOT NULL DEFAULT 0,
	views         INTEGER NOT NULL DEFAULT 0,
	likes         INTEGER NOT NULL DEFAULT 0,
	dislikes      INTEGER NOT NULL DEFAULT 0,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	manifest_path TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL DEFAULT '',
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos (created_at, id);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
`

const videoColumns = `id, title, description, file_path, content_type, thumbnail_url, uploader,
	upload_date, duration, views, likes, dislikes, tags, status, manifest_path, checksum,
	size_bytes, created_at, updated_at`

// PostgresRepository stores video metadata in a single videos table.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens a pgx pool for dsn. Unless WithPostgresSchemaSetup
// is supplied the caller must have created the schema beforehand.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	poolCfg, err := buildPoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if cfg.EnsureSchema {
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func buildPoolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

// EnsureSchema creates the videos table and its indexes when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, videosSchema); err != nil {
		return fmt.Errorf("ensure videos schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Save(ctx context.Context, video models.Video) (models.Video, error) {
	prepared, err := prepareForSave(video, r.cfg.Clock)
	if err != nil {
		return models.Video{}, err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `
INSERT INTO videos (`+videoColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	file_path = EXCLUDED.file_path,
	content_type = EXCLUDED.content_type,
	thumbnail_url = EXCLUDED.thumbnail_url,
	uploader = EXCLUDED.uploader,
	upload_date = EXCLUDED.upload_date,
	duration = EXCLUDED.duration,
	views = EXCLUDED.views,
	likes = EXCLUDED.likes,
	dislikes = EXCLUDED.dislikes,
	tags = EXCLUDED.tags,
	status = EXCLUDED.status,
	manifest_path = EXCLUDED.manifest_path,
	checksum = EXCLUDED.checksum,
	size_bytes = EXCLUDED.size_bytes,
	updated_at = EXCLUDED.updated_at
RETURNING created_at`,
		prepared.ID, prepared.Title, prepared.Description, prepared.FilePath, prepared.ContentType,
		prepared.ThumbnailURL, prepared.Uploader, prepared.UploadDate, prepared.Duration, prepared.Views,
		prepared.Likes, prepared.Dislikes, prepared.Tags, string(prepared.Status), prepared.ManifestPath,
		prepared.Checksum, prepared.SizeBytes, prepared.CreatedAt, prepared.UpdatedAt,
	)
	if err := row.Scan(&prepared.CreatedAt); err != nil {
		return models.Video{}, fmt.Errorf("save video %s: %w", prepared.ID, err)
	}
	prepared.CreatedAt = prepared.CreatedAt.UTC()
	return prepared, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (models.Video, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, false, nil
		}
		return models.Video{}, false, fmt.Errorf("load video %s: %w", id, err)
	}
	return video, true, nil
}

func (r *PostgresRepository) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	return nil
}

func (r *PostgresRepository) FindAll(ctx context.Context) ([]models.Video, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video  models.Video
		status string
	)
	err := row.Scan(
		&video.ID, &video.Title, &video.Description, &video.FilePath, &video.ContentType,
		&video.ThumbnailURL, &video.Uploader, &video.UploadDate, &video.Duration, &video.Views,
		&video.Likes, &video.Dislikes, &video.Tags, &status, &video.ManifestPath,
		&video.Checksum, &video.SizeBytes, &video.CreatedAt, &video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	if video.Tags == nil {
		video.Tags = []string{}
	}
	return video, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

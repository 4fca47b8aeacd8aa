// Command migrate-json-to-postgres copies video metadata from the JSON
// datastore into Postgres, keeping every id.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/storage"
)

type migrationReport struct {
	Read    int
	Written int
	Skipped []string
}

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: string(logging.FormatText)})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("BITRIVER_VOD_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, BITRIVER_VOD_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	source, err := storage.NewJSONRepository(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON datastore", "error", err)
		os.Exit(1)
	}
	target, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer target.Close(ctx)

	report, err := migrate(ctx, source, target, logger)
	if err != nil {
		logger.Error("migration failed", "error", err, "written", report.Written)
		os.Exit(1)
	}
	if err := verifyCount(ctx, dsn, report.Written); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "read", report.Read, "written", report.Written, "skipped", len(report.Skipped))
}

// migrate saves every record of source into target. Records target would
// reject as drafts are reported and skipped.
func migrate(ctx context.Context, source, target storage.Repository, logger *slog.Logger) (migrationReport, error) {
	videos, err := source.FindAll(ctx)
	if err != nil {
		return migrationReport{}, fmt.Errorf("list source videos: %w", err)
	}
	report := migrationReport{Read: len(videos)}
	for _, video := range videos {
		if video.IsDraft() {
			logger.Warn("skipping record without a stored original", "video_id", video.ID)
			report.Skipped = append(report.Skipped, video.ID)
			continue
		}
		if _, err := target.Save(ctx, video); err != nil {
			return report, fmt.Errorf("save video %s: %w", video.ID, err)
		}
		report.Written++
	}
	for _, video := range videos {
		if video.IsDraft() {
			continue
		}
		if _, found, err := target.FindByID(ctx, video.ID); err != nil {
			return report, fmt.Errorf("read back video %s: %w", video.ID, err)
		} else if !found {
			return report, fmt.Errorf("video %s missing after migration", video.ID)
		}
	}
	return report, nil
}

func verifyCount(ctx context.Context, dsn string, minimum int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	var actual int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM videos").Scan(&actual); err != nil {
		return fmt.Errorf("count videos: %w", err)
	}
	if actual < minimum {
		return fmt.Errorf("expected at least %d videos, found %d", minimum, actual)
	}
	return nil
}

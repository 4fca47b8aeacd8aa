//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func startEphemeralPostgres(t *testing.T) (string, func()) {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("BITRIVER_TEST_POSTGRES_DSN not set and docker unavailable")
	}

	user := envOrDefault("BITRIVER_TEST_POSTGRES_USER", "bitriver")
	password := envOrDefault("BITRIVER_TEST_POSTGRES_PASSWORD", "bitriver")
	db := envOrDefault("BITRIVER_TEST_POSTGRES_DB", "bitriver_vod_test")
	port := envOrDefault("BITRIVER_TEST_POSTGRES_PORT", "54329")
	image := envOrDefault("BITRIVER_TEST_POSTGRES_IMAGE", "postgres:15-alpine")

	containerName := fmt.Sprintf("bitr-vod-postgres-test-%d", time.Now().UnixNano())
	args := []string{
		"run",
		"--rm",
		"--detach",
		"--name", containerName,
		"--publish", fmt.Sprintf("%s:5432", port),
		"--env", fmt.Sprintf("POSTGRES_USER=%s", user),
		"--env", fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
		"--env", fmt.Sprintf("POSTGRES_DB=%s", db),
		"--health-cmd", fmt.Sprintf("pg_isready -U %s -d %s", user, db),
		"--health-interval", "5s",
		"--health-timeout", "5s",
		"--health-retries", "10",
		image,
	}

	if output, err := exec.Command("docker", args...).CombinedOutput(); err != nil {
		t.Skipf("start postgres container: %v: %s", err, string(output))
	}

	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	}

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		output, err := exec.Command("docker", "inspect", "--format", "{{.State.Health.Status}}", containerName).CombinedOutput()
		status := strings.TrimSpace(string(output))
		if err == nil && status == "healthy" {
			dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db)
			return dsn, cleanup
		}
		if status == "unhealthy" {
			break
		}
		time.Sleep(time.Second)
	}

	logs, _ := exec.Command("docker", "logs", containerName).CombinedOutput()
	cleanup()
	t.Fatalf("postgres container did not become healthy: %s", string(logs))
	return "", nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()

	dsn := os.Getenv("BITRIVER_TEST_POSTGRES_DSN")
	var dockerCleanup func()
	if strings.TrimSpace(dsn) == "" {
		dsn, dockerCleanup = startEphemeralPostgres(t)
		_ = os.Setenv("BITRIVER_TEST_POSTGRES_DSN", dsn)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres pool: %v", err)
	}

	opts = append([]Option{WithPostgresSchemaSetup(true)}, opts...)
	repo, err := NewPostgresRepository(ctx, dsn, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, "TRUNCATE videos"); err != nil {
		pool.Close()
		t.Fatalf("truncate videos: %v", err)
	}

	cleanup := func() {
		if _, err := pool.Exec(context.Background(), "TRUNCATE videos"); err != nil {
			t.Errorf("truncate videos: %v", err)
		}
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
		pool.Close()
		if dockerCleanup != nil {
			dockerCleanup()
		}
	}
	return repo, cleanup, nil
}

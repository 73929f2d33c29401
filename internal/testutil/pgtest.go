// Package testutil starts a migrated Postgres for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres returns a database with every migration applied. Tables are
// truncated and resources released via t.Cleanup.
//
// POSTGRES_URL points at an existing server. Without it a postgres:16-alpine
// container is started, and the test is skipped if Docker is missing or
// PGTEST_SKIP_CONTAINER is set.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("PGTEST_SKIP_CONTAINER") != "" {
			t.Skip("POSTGRES_URL unset and containers disabled")
		}
		dsn = startContainer(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE institution_authorization_requests`)
		_ = db.Close()
	})

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil: ping: %v", err)
	}
	dir, err := migrationsDir()
	if err != nil {
		t.Fatalf("testutil: %v", err)
	}
	if err := Migrate(ctx, db, dir); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	return db
}

// Migrate applies the goose migrations in dir.
func Migrate(ctx context.Context, db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

func startContainer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("credgate"),
		postgres.WithUsername("credgate"),
		postgres.WithPassword("credgate"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("testutil: postgres container unavailable: %v", err)
	}
	// Registered before the db cleanup, so it runs after it.
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("testutil: connection string: %v", err)
	}
	return dsn
}

// migrationsDir finds migrations/ in the working directory or an ancestor.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above the working directory")
		}
		dir = parent
	}
}

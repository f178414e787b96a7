package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer creates a PostgreSQL test container for integration
// tests. Callers must terminate the container.
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("noiseguard_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	return container, connStr
}

// setupTestDatabase opens the database and creates the schema directly;
// migration files are not on the test's path.
func setupTestDatabase(t *testing.T, ctx context.Context, connStr string) *Database {
	t.Helper()

	db, err := NewDatabase(ctx, &DatabaseConfig{
		ConnectionString: connStr,
		MaxConnections:   5,
		ConnectTimeout:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := createTestTables(ctx, db); err != nil {
		db.Close()
		t.Fatalf("Failed to create test tables: %v", err)
	}
	return db
}

// createTestTables mirrors migrations/000001_init.up.sql.
func createTestTables(ctx context.Context, db *Database) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS budget_state (
			id               SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			consumed_high    DOUBLE PRECISION NOT NULL DEFAULT 0,
			consumed_medium  DOUBLE PRECISION NOT NULL DEFAULT 0,
			consumed_low     DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_exhausted     BOOLEAN NOT NULL DEFAULT FALSE,
			last_reset_time  TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS budget_config (
			id                 SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			total_budget_limit DOUBLE PRECISION NOT NULL,
			epsilon_high       DOUBLE PRECISION NOT NULL,
			epsilon_medium     DOUBLE PRECISION NOT NULL,
			epsilon_low        DOUBLE PRECISION NOT NULL,
			reset_period_hours INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS budget_history (
			id         UUID PRIMARY KEY,
			epsilon    DOUBLE PRECISION NOT NULL,
			level      TEXT NOT NULL,
			operation  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS user_reputations (
			pseudo_id                TEXT PRIMARY KEY,
			score                    DOUBLE PRECISION NOT NULL,
			level                    TEXT NOT NULL,
			total_contributions      INTEGER NOT NULL DEFAULT 0,
			anomaly_count            INTEGER NOT NULL DEFAULT 0,
			consecutive_normal_count INTEGER NOT NULL DEFAULT 0,
			isolated_at              TIMESTAMPTZ,
			last_updated             TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, tableSQL := range tables {
		if _, err := db.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_budget_history_created_at ON budget_history (created_at)",
		"CREATE INDEX IF NOT EXISTS idx_user_reputations_level ON user_reputations (level)",
	}
	for _, indexSQL := range indexes {
		if _, err := db.pool.Exec(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if FIELDREC_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("FIELDREC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FIELDREC_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	clean, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(clean.Close)
	if _, err := clean.Exec(ctx, `DROP TABLE IF EXISTS recordings`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)

	// Migration is idempotent.
	if err := MigratePostgres(ctx, s.pool); err != nil {
		t.Errorf("second migrate: %v", err)
	}
}

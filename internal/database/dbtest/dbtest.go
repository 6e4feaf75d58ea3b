// Package dbtest opens a migrated Postgres pool for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/dataintegration/internal/database"
	"github.com/nikhilbhutani/dataintegration/migrations"
)

// Open connects to TEST_DATABASE_URL and applies migrations. The test is
// skipped when the variable is unset. Tests isolate themselves by using
// fresh business ids.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.RunMigrationsFS(ctx, pool, migrations.FS))
	return pool
}

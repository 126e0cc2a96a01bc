package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects to the ledger named by databaseURL. postgres:// and
// postgresql:// URLs use the pgx pool; sqlite://, file: and :memory: use
// SQLite.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return NewPostgresStore(pool), nil

	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(databaseURL, "sqlite://"))

	case strings.HasPrefix(databaseURL, "file:"), databaseURL == ":memory:":
		return OpenSQLite(databaseURL)

	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

package tasks

import (
	"context"
	"fmt"
	"strings"
)

const sqliteScheme = "sqlite://"

// NewStore picks a ledger backend from the database URL:
// postgres:// and postgresql:// use Postgres, "memory" keeps everything in
// process, sqlite://<path> or an empty URL use SQLite.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	url := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		st, err := NewPostgresStore(ctx, url)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	case lower == "memory":
		return NewMemoryStore(), "memory", nil
	case lower == "", strings.HasPrefix(lower, sqliteScheme):
		path := sqlitePath
		if strings.HasPrefix(lower, sqliteScheme) {
			if p := strings.TrimSpace(url[len(sqliteScheme):]); p != "" {
				path = p
			}
		}
		st, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	default:
		return nil, "", fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}

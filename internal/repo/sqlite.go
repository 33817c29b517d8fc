package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db           *sql.DB
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time
}

var _ RequestStore = (*SQLiteRepository)(nil)

// NewSQLite opens a new connection to the SQLite database. pollInterval drives SubscribeCreated.
func NewSQLite(ctx context.Context, databasePath string, pollInterval time.Duration, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &SQLiteRepository{
		db:           db,
		logger:       logger.With("component", "repo_sqlite"),
		pollInterval: pollInterval,
		now:          time.Now,
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies every file under sqlite/ in order. Statements are idempotent.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	names, err := migrationNames(filesystem, "sqlite")
	if err != nil {
		return err
	}
	for _, name := range names {
		sqlContent, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx, string(sqlContent)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

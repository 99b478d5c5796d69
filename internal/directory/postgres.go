package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/wsgate/internal/protocol"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "gateway_directory"

// pgExecutor is the subset of pgxpool.Pool the directory needs.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresDirectory is a Directory backed by a PostgreSQL table.
type PostgresDirectory struct {
	db     pgExecutor
	table  string
	ttl    time.Duration
	logger *slog.Logger
}

// NewPostgres creates a PostgreSQL directory. An empty table uses DefaultTable.
// A zero ttl stores entries without expiry.
func NewPostgres(db pgExecutor, table string, ttl time.Duration, logger *slog.Logger) *PostgresDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	if table == "" {
		table = DefaultTable
	}
	return &PostgresDirectory{
		db:     db,
		table:  pgx.Identifier{table}.Sanitize(),
		ttl:    ttl,
		logger: logger.With("component", "postgres_directory"),
	}
}

// EnsureSchema creates the directory table if it does not exist.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			instance   TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`, d.table)
	if _, err := d.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%w: create table: %w", ErrDirectory, err)
	}
	return nil
}

// leaseMillis returns the lease length argument, or nil for no expiry.
func (d *PostgresDirectory) leaseMillis() any {
	if d.ttl <= 0 {
		return nil
	}
	return d.ttl.Milliseconds()
}

// Put implements Directory.
func (d *PostgresDirectory) Put(ctx context.Context, id protocol.ConnID, instance string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (key, instance, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET instance = EXCLUDED.instance, expires_at = EXCLUDED.expires_at`, d.table)

	key := Key(id)
	if _, err := d.db.Exec(ctx, sql, key, instance, d.leaseMillis()); err != nil {
		return fmt.Errorf("%w: upsert %s: %w", ErrDirectory, key, err)
	}
	return nil
}

// Delete implements Directory.
func (d *PostgresDirectory) Delete(ctx context.Context, id protocol.ConnID, instance string) error {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND instance = $2`, d.table)

	key := Key(id)
	tag, err := d.db.Exec(ctx, sql, key, instance)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrDirectory, key, err)
	}
	if tag.RowsAffected() == 0 {
		d.logger.Debug("entry not owned, left in place", "key", key, "instance", instance)
	}
	return nil
}

// Get implements Directory.
func (d *PostgresDirectory) Get(ctx context.Context, id protocol.ConnID) (string, bool, error) {
	sql := fmt.Sprintf(`
		SELECT instance FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, d.table)

	key := Key(id)
	var instance string
	err := d.db.QueryRow(ctx, sql, key).Scan(&instance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: select %s: %w", ErrDirectory, key, err)
	}
	return instance, true, nil
}

// Ping implements Directory.
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	if err := d.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrDirectory, err)
	}
	return nil
}

// Sweep implements Sweeper. Removes entries owned by instance and every
// expired entry.
func (d *PostgresDirectory) Sweep(ctx context.Context, instance string) (int, error) {
	sql := fmt.Sprintf(`
		DELETE FROM %s
		WHERE instance = $1 OR (expires_at IS NOT NULL AND expires_at <= now())`, d.table)

	tag, err := d.db.Exec(ctx, sql, instance)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %w", ErrDirectory, err)
	}
	return int(tag.RowsAffected()), nil
}

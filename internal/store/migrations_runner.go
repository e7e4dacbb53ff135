package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"gitea.jw6.us/james/busysync/internal/migrations"
)

// SchemaConn is the part of a pgx pool that schema migration needs.
type SchemaConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// schemaLockKey serializes migration runs of replicas starting together.
const schemaLockKey int64 = 0x6275737973796e63

const (
	sqlTrackingExists = `SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema='public' AND table_name='schema_migrations'
)`
	sqlUserTables = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
	sqlCreateTracking = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	sqlVersionApplied = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`
	sqlRecordVersion  = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
)

// ApplyMigrations runs every embedded migration not yet recorded in
// schema_migrations, each in its own transaction under an advisory lock. A
// database that already has tables but no tracking is taken to hold the
// first migration.
func ApplyMigrations(ctx context.Context, conn SchemaConn) error {
	defer observeDB(ctx, "migrations.apply")()

	versions, err := migrationVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return nil
	}
	if err := adoptSchema(ctx, conn, versions[0]); err != nil {
		return err
	}

	applied := 0
	for _, v := range versions {
		var done bool
		if err := conn.QueryRow(ctx, sqlVersionApplied, v).Scan(&done); err != nil {
			return fmt.Errorf("check migration %s: %w", v, err)
		}
		if done {
			continue
		}
		ran, err := applyVersion(ctx, conn, v)
		if err != nil {
			return err
		}
		if ran {
			applied++
		}
	}
	if applied > 0 {
		slog.Info("database schema migrated", "applied", applied, "latest", versions[len(versions)-1])
	}
	return nil
}

// migrationVersions lists the embedded .sql files in name order.
func migrationVersions() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// adoptSchema creates the tracking table on first start.
func adoptSchema(ctx context.Context, conn SchemaConn, first string) error {
	var tracked bool
	if err := conn.QueryRow(ctx, sqlTrackingExists).Scan(&tracked); err != nil {
		return fmt.Errorf("check migration table: %w", err)
	}
	if tracked {
		return nil
	}
	var tables int
	if err := conn.QueryRow(ctx, sqlUserTables).Scan(&tables); err != nil {
		return fmt.Errorf("count tables: %w", err)
	}
	if _, err := conn.Exec(ctx, sqlCreateTracking); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if tables == 0 {
		return nil
	}
	if _, err := conn.Exec(ctx, sqlRecordVersion, first); err != nil {
		return fmt.Errorf("record migration %s: %w", first, err)
	}
	slog.Warn("untracked schema found, assuming first migration applied", "version", first, "tables", tables)
	return nil
}

// applyVersion runs one migration under the advisory lock. It reports false
// when another replica applied it while this one waited for the lock.
func applyVersion(ctx context.Context, conn SchemaConn, version string) (ran bool, err error) {
	defer observeDB(ctx, "migrations.apply_version")()

	body, err := migrations.Files.ReadFile(version)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", version, err)
	}
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return false, fmt.Errorf("lock migration %s: %w", version, err)
	}
	var done bool
	if err = tx.QueryRow(ctx, sqlVersionApplied, version).Scan(&done); err != nil {
		return false, fmt.Errorf("recheck migration %s: %w", version, err)
	}
	if !done {
		if _, err = tx.Exec(ctx, string(body)); err != nil {
			return false, fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err = tx.Exec(ctx, sqlRecordVersion, version); err != nil {
			return false, fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", version, err)
	}
	if !done {
		slog.Info("applied migration", "version", version)
	}
	return !done, nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// step is one statement a scripted connection expects, in order.
type step struct {
	sql   *regexp.Regexp
	args  []any
	value any
	err   error
}

func expect(pattern string, args ...any) step {
	return step{sql: regexp.MustCompile(pattern), args: args}
}

func (s step) returns(v any) step { s.value = v; return s }
func (s step) fails(err error) step { s.err = err; return s }

// script pops the next step and checks sql and args against it.
type script []step

func (s *script) next(sql string, args []any) (step, error) {
	if len(*s) == 0 {
		return step{}, fmt.Errorf("unexpected statement: %s", sql)
	}
	st := (*s)[0]
	*s = (*s)[1:]
	if !st.sql.MatchString(sql) {
		return step{}, fmt.Errorf("statement %q does not match %s", sql, st.sql)
	}
	if len(st.args) > 0 && fmt.Sprint(st.args) != fmt.Sprint(args) {
		return step{}, fmt.Errorf("args %v, want %v", args, st.args)
	}
	return st, nil
}

type scriptedConn struct {
	t     *testing.T
	rows  script
	execs script
	txs   []*scriptedTx
}

func (c *scriptedConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	st, err := c.rows.next(sql, args)
	if err != nil {
		c.t.Fatal(err)
	}
	return scannedRow(st)
}

func (c *scriptedConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	st, err := c.execs.next(sql, args)
	if err != nil {
		c.t.Fatal(err)
	}
	return pgconn.NewCommandTag("OK"), st.err
}

func (c *scriptedConn) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if len(c.txs) == 0 {
		c.t.Fatal("unexpected transaction")
	}
	tx := c.txs[0]
	c.txs = c.txs[1:]
	return tx, nil
}

func (c *scriptedConn) finished() error {
	if len(c.rows)+len(c.execs) > 0 {
		return fmt.Errorf("%d queries and %d execs not run", len(c.rows), len(c.execs))
	}
	if len(c.txs) > 0 {
		return fmt.Errorf("%d transactions not begun", len(c.txs))
	}
	return nil
}

type scannedRow step

func (r scannedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch v := r.value.(type) {
	case bool:
		*dest[0].(*bool) = v
	case int:
		*dest[0].(*int) = v
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}

// scriptedTx embeds pgx.Tx so only the methods migration uses are defined.
type scriptedTx struct {
	pgx.Tx
	rows       script
	execs      script
	committed  bool
	rolledBack bool
}

func (tx *scriptedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	st, err := tx.rows.next(sql, args)
	if err != nil {
		return scannedRow{err: err}
	}
	return scannedRow(st)
}

func (tx *scriptedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	st, err := tx.execs.next(sql, args)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("OK"), st.err
}

func (tx *scriptedTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *scriptedTx) Rollback(ctx context.Context) error {
	tx.rolledBack = true
	return nil
}

func runTx(marker, version string) *scriptedTx {
	return &scriptedTx{
		execs: script{
			expect("pg_advisory_xact_lock", schemaLockKey),
			expect(marker),
			expect("INSERT INTO schema_migrations", version),
		},
		rows: script{expect(`WHERE version=\$1`, version).returns(false)},
	}
}

func TestApplyMigrations(t *testing.T) {
	trackingExists := expect(`table_name='schema_migrations'`)
	applied := func(version string, done bool) step { return expect(`WHERE version=\$1`, version).returns(done) }

	tests := []struct {
		name    string
		rows    script
		execs   script
		txs     []*scriptedTx
		wantErr string
	}{
		{
			name: "fresh database",
			rows: script{
				trackingExists.returns(false),
				expect(`COUNT\(\*\) FROM information_schema.tables`).returns(0),
				applied("001_init.sql", false),
				applied("002_sync_runs.sql", false),
			},
			execs: script{expect("CREATE TABLE IF NOT EXISTS schema_migrations")},
			txs: []*scriptedTx{
				runTx("-- Initial schema for busysync", "001_init.sql"),
				runTx("-- Per-run sync results", "002_sync_runs.sql"),
			},
		},
		{
			name: "untracked schema adopts first migration",
			rows: script{
				trackingExists.returns(false),
				expect(`COUNT\(\*\) FROM information_schema.tables`).returns(3),
				applied("001_init.sql", true),
				applied("002_sync_runs.sql", false),
			},
			execs: script{
				expect("CREATE TABLE IF NOT EXISTS schema_migrations"),
				expect("INSERT INTO schema_migrations", "001_init.sql"),
			},
			txs: []*scriptedTx{runTx("-- Per-run sync results", "002_sync_runs.sql")},
		},
		{
			name: "other replica applied while waiting for lock",
			rows: script{
				trackingExists.returns(true),
				applied("001_init.sql", true),
				applied("002_sync_runs.sql", false),
			},
			txs: []*scriptedTx{{
				execs: script{expect("pg_advisory_xact_lock", schemaLockKey)},
				rows:  script{applied("002_sync_runs.sql", true)},
			}},
		},
		{
			name: "up to date",
			rows: script{
				trackingExists.returns(true),
				applied("001_init.sql", true),
				applied("002_sync_runs.sql", true),
			},
		},
		{
			name: "failing migration rolls back",
			rows: script{
				trackingExists.returns(true),
				applied("001_init.sql", true),
				applied("002_sync_runs.sql", false),
			},
			txs: []*scriptedTx{{
				execs: script{
					expect("pg_advisory_xact_lock", schemaLockKey),
					expect("-- Per-run sync results").fails(errors.New("relation already exists")),
				},
				rows: script{applied("002_sync_runs.sql", false)},
			}},
			wantErr: "apply migration 002_sync_runs.sql",
		},
		{
			name:    "tracking check fails",
			rows:    script{trackingExists.fails(errors.New("connection refused"))},
			wantErr: "check migration table",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txs := append([]*scriptedTx(nil), tt.txs...)
			conn := &scriptedConn{t: t, rows: tt.rows, execs: tt.execs, txs: tt.txs}

			err := ApplyMigrations(context.Background(), conn)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("ApplyMigrations: %v", err)
			}
			if err := conn.finished(); err != nil {
				t.Fatal(err)
			}
			for i, tx := range txs {
				if len(tx.rows)+len(tx.execs) > 0 {
					t.Fatalf("tx %d: statements not run", i)
				}
				if tt.wantErr == "" && !tx.committed {
					t.Fatalf("tx %d not committed", i)
				}
				if tt.wantErr != "" && (tx.committed || !tx.rolledBack) {
					t.Fatalf("tx %d: committed=%v rolledBack=%v", i, tx.committed, tx.rolledBack)
				}
			}
		})
	}
}

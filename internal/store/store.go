package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txPool interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type backend interface {
	withinTx(ctx context.Context, fn func(*Store) error) error
	ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL or memory.
type Store struct {
	backend backend

	Users     UserRepository
	Accounts  AccountRepository
	Calendars CalendarRepository
	Events    EventRepository
	SyncRuns  SyncRunRepository
}

// New wires concrete repository implementations with shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return newPostgres(pool)
}

func newPostgres(pool txPool) *Store {
	s := bindRepos(pool)
	s.backend = &pgBackend{pool: pool}
	return s
}

func bindRepos(db querier) *Store {
	return &Store{
		Users:     &userRepo{db: db},
		Accounts:  &accountRepo{db: db},
		Calendars: &calendarRepo{db: db},
		Events:    &eventRepo{db: db},
		SyncRuns:  &syncRunRepo{db: db},
	}
}

// WithinTx runs fn against repositories bound to a single transaction. Any
// error returned by fn rolls the transaction back. Calls nested inside fn run
// in the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.backend == nil {
		return fn(s)
	}
	defer observeDB(ctx, "db.tx")()
	return s.backend.withinTx(ctx, fn)
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.backend.ping(ctx)
}

type pgBackend struct {
	pool txPool
}

func (b *pgBackend) withinTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	scoped := bindRepos(tx)
	scoped.backend = inlineBackend{store: scoped}
	if err := fn(scoped); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (b *pgBackend) ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// inlineBackend backs a store already scoped to a transaction.
type inlineBackend struct {
	store *Store
}

func (b inlineBackend) withinTx(ctx context.Context, fn func(*Store) error) error {
	return fn(b.store)
}

func (inlineBackend) ping(ctx context.Context) error { return nil }

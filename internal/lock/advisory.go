package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultPoll    = 250 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// session is one pooled connection. Advisory locks are owned by the session
// that took them, so acquire and release must run on the same one.
type session interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// Advisory is a Locker backed by PostgreSQL session advisory locks, shared by
// every replica using the same database.
type Advisory struct {
	open func(ctx context.Context) (session, error)
	wait time.Duration
	poll time.Duration
	ns   string
}

var _ Locker = (*Advisory)(nil)

// NewAdvisory returns an advisory Locker. Keys are namespaced so that
// unrelated lock users sharing the database do not collide.
func NewAdvisory(pool *pgxpool.Pool, namespace string, wait time.Duration) *Advisory {
	return &Advisory{
		open: func(ctx context.Context) (session, error) { return pool.Acquire(ctx) },
		wait: wait,
		poll: defaultPoll,
		ns:   namespace,
	}
}

func (a *Advisory) Acquire(ctx context.Context, key string) (func(), error) {
	id := a.lockID(key)
	conn, err := a.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	deadline := time.Now().Add(a.wait)
	for {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
			conn.Release()
			return nil, fmt.Errorf("try advisory lock %s: %w", key, err)
		}
		if ok {
			return a.releaser(conn, key, id), nil
		}
		if !time.Now().Before(deadline) {
			conn.Release()
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-time.After(a.poll):
		}
	}
}

func (a *Advisory) releaser(conn session, key string, id int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			var released bool
			if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", id).Scan(&released); err != nil || !released {
				slog.Warn("advisory unlock failed", "key", key, "error", err)
			}
			conn.Release()
		})
	}
}

func (a *Advisory) lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.ns))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

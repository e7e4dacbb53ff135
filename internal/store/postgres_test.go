package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapErr(t *testing.T) {
	other := errors.New("boom")
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "events_calendar_source_key"}, ErrConflict},
		{"check violation", &pgconn.PgError{Code: "23514", ConstraintName: "events_time_order"}, ErrInvalidEvent},
		{"passthrough", other, other},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapErr(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestWithinTxCommits(t *testing.T) {
	tx := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("UPDATE calendars SET sync_mode"), args: []any{int64(7), "polling"}, tag: "UPDATE 1"},
	}}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	s := newPostgres(pool)

	err := s.WithinTx(context.Background(), func(tx *Store) error {
		return tx.Calendars.SetSyncMode(context.Background(), 7, ModePolling)
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed || tx.rolled {
		t.Fatalf("expected commit without rollback")
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	tx := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("UPDATE calendars SET push_state"), tag: "UPDATE 0"},
	}}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	s := newPostgres(pool)

	err := s.WithinTx(context.Background(), func(tx *Store) error {
		return tx.Calendars.SetPushState(context.Background(), 99, PushDegraded, 1)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback")
	}
}

func TestWithinTxNestedRunsInline(t *testing.T) {
	tx := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("UPDATE events SET source_event_id=NULL"), args: []any{int64(3)}, tag: "UPDATE 1"},
	}}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	s := newPostgres(pool)

	err := s.WithinTx(context.Background(), func(outer *Store) error {
		return outer.WithinTx(context.Background(), func(inner *Store) error {
			return inner.Events.ClearSource(context.Background(), 3)
		})
	})
	if err != nil {
		t.Fatalf("nested WithinTx returned error: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
}

func TestDeactivateMissingAccount(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("UPDATE accounts SET active = FALSE"), args: []any{int64(5), at}, value: 0},
		},
	}
	s := newPostgres(pool)

	if err := s.Accounts.Deactivate(context.Background(), 5, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pool.assertDone()
}

func TestDeactivateCascadesInOneStatement(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile(`(?s)UPDATE accounts SET active = FALSE.*UPDATE calendars SET sync_enabled = FALSE`), value: 1},
		},
	}
	s := newPostgres(pool)

	if err := s.Accounts.Deactivate(context.Background(), 5, at); err != nil {
		t.Fatalf("Deactivate returned error: %v", err)
	}
	pool.assertDone()
}

func TestEventInsertValidatesBeforeQuery(t *testing.T) {
	pool := &mockPool{t: t}
	s := newPostgres(pool)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Events.Insert(context.Background(), Event{CalendarID: 1, ProviderEventID: "x", Start: at, End: at})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	pool.assertDone()
}

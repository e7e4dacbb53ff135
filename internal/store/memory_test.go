package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedMemory(t *testing.T) (*Store, *Calendar, *Calendar) {
	t.Helper()
	ctx := context.Background()
	s := NewMemory()
	u, err := s.Users.Create(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	acct, err := s.Accounts.Create(ctx, Account{UserID: u.ID, Provider: "google", Email: "ann@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	a, err := s.Calendars.Create(ctx, Calendar{AccountID: acct.ID, UserID: u.ID, ProviderCalendarID: "a", SyncEnabled: true})
	if err != nil {
		t.Fatalf("create calendar a: %v", err)
	}
	b, err := s.Calendars.Create(ctx, Calendar{AccountID: acct.ID, UserID: u.ID, ProviderCalendarID: "b", SyncEnabled: true})
	if err != nil {
		t.Fatalf("create calendar b: %v", err)
	}
	return s, a, b
}

func sampleEvent(calendarID int64, pid string) Event {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	return Event{CalendarID: calendarID, ProviderEventID: pid, Title: "Dentist", Start: start, End: start.Add(time.Hour)}
}

func TestMemoryEventUniqueness(t *testing.T) {
	ctx := context.Background()
	s, a, b := seedMemory(t)

	src, err := s.Events.Insert(ctx, sampleEvent(a.ID, "ev1"))
	if err != nil {
		t.Fatalf("insert source: %v", err)
	}
	if _, err := s.Events.Insert(ctx, sampleEvent(a.ID, "ev1")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate provider id, got %v", err)
	}

	block := sampleEvent(b.ID, "blk1")
	block.IsBusyBlock = true
	block.SourceEventID = &src.ID
	if _, err := s.Events.Insert(ctx, block); err != nil {
		t.Fatalf("insert block: %v", err)
	}
	second := sampleEvent(b.ID, "blk2")
	second.IsBusyBlock = true
	second.SourceEventID = &src.ID
	if _, err := s.Events.Insert(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second mirror, got %v", err)
	}
}

func TestMemoryEventValidation(t *testing.T) {
	ctx := context.Background()
	s, a, _ := seedMemory(t)

	bad := sampleEvent(a.ID, "ev1")
	bad.End = bad.Start
	if _, err := s.Events.Insert(ctx, bad); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for empty range, got %v", err)
	}

	src := int64(42)
	notBusy := sampleEvent(a.ID, "ev2")
	notBusy.SourceEventID = &src
	if _, err := s.Events.Insert(ctx, notBusy); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for source on non-busy event, got %v", err)
	}
}

func TestMemoryWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, a, _ := seedMemory(t)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx *Store) error {
		if _, err := tx.Events.Insert(ctx, sampleEvent(a.ID, "ev1")); err != nil {
			return err
		}
		cursor := "c1"
		if err := tx.Calendars.SaveCursor(ctx, a.ID, &cursor, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Events.GetByProviderID(ctx, a.ID, "ev1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected insert rolled back, got %v", err)
	}
	cal, err := s.Calendars.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get calendar: %v", err)
	}
	if cal.SyncCursor != nil {
		t.Fatalf("expected cursor rolled back, got %q", *cal.SyncCursor)
	}
}

func TestMemoryDeleteSourceNullsReferences(t *testing.T) {
	ctx := context.Background()
	s, a, b := seedMemory(t)

	src, _ := s.Events.Insert(ctx, sampleEvent(a.ID, "ev1"))
	block := sampleEvent(b.ID, "blk1")
	block.IsBusyBlock = true
	block.SourceEventID = &src.ID
	inserted, err := s.Events.Insert(ctx, block)
	if err != nil {
		t.Fatalf("insert block: %v", err)
	}

	if err := s.Events.Delete(ctx, src.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	got, err := s.Events.GetByID(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if got.SourceEventID != nil {
		t.Fatalf("expected source reference cleared, got %d", *got.SourceEventID)
	}
}

func TestMemoryDeactivateCascades(t *testing.T) {
	ctx := context.Background()
	s, a, b := seedMemory(t)

	if err := s.Accounts.Deactivate(ctx, a.AccountID, time.Now()); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		cal, _ := s.Calendars.GetByID(ctx, id)
		if cal.SyncEnabled {
			t.Fatalf("calendar %d still enabled", id)
		}
	}
	users, err := s.Users.ListWithEnabledCalendars(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users with enabled calendars, got %v", users)
	}
	if err := s.Accounts.Deactivate(ctx, 999, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
}

func TestMemoryFaults(t *testing.T) {
	ctx := context.Background()
	s, faults := NewMemoryWithFaults()
	boom := errors.New("down")
	faults.Fail("users.create", boom)

	if _, err := s.Users.Create(ctx, "x@example.com"); !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	if _, err := s.Users.Create(ctx, "x@example.com"); err != nil {
		t.Fatalf("fault should fire once, got %v", err)
	}
}

func TestMemoryListSourcesInWindow(t *testing.T) {
	ctx := context.Background()
	s, a, b := seedMemory(t)

	in, _ := s.Events.Insert(ctx, sampleEvent(a.ID, "in"))
	old := sampleEvent(a.ID, "old")
	old.Start = old.Start.AddDate(0, -3, 0)
	old.End = old.Start.Add(time.Hour)
	if _, err := s.Events.Insert(ctx, old); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	block := sampleEvent(a.ID, "blk")
	block.IsBusyBlock = true
	if _, err := s.Events.Insert(ctx, block); err != nil {
		t.Fatalf("insert block: %v", err)
	}

	from := in.Start.AddDate(0, 0, -30)
	to := in.Start.AddDate(0, 0, 90)
	got, err := s.Events.ListSourcesInWindow(ctx, a.ID, from, to)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != in.ID {
		t.Fatalf("expected only in-window source, got %+v", got)
	}
	if other, err := s.Events.ListSourcesInWindow(ctx, b.ID, from, to); err != nil || len(other) != 0 {
		t.Fatalf("expected nothing from another calendar, got %+v %v", other, err)
	}
}

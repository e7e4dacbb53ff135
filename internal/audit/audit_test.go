package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/busysync/internal/detect"
	"gitea.jw6.us/james/busysync/internal/lock"
	"gitea.jw6.us/james/busysync/internal/propagate"
	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/provider/providertest"
	"gitea.jw6.us/james/busysync/internal/store"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *store.Store
	fake    *providertest.Fake
	engine  *propagate.Engine
	auditor *Auditor
	userID  int64
	cals    map[string]*store.Calendar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.Users.Create(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	acct, err := s.Accounts.Create(ctx, store.Account{UserID: u.ID, Provider: "google", Email: "ann@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	f := &fixture{store: s, fake: providertest.New(), userID: u.ID, cals: map[string]*store.Calendar{}}
	for _, name := range []string{"a", "b", "c"} {
		cal, err := s.Calendars.Create(ctx, store.Calendar{AccountID: acct.ID, UserID: u.ID, ProviderCalendarID: name, SyncEnabled: true})
		if err != nil {
			t.Fatalf("create calendar: %v", err)
		}
		f.cals[name] = cal
	}
	f.engine = propagate.New(s, providertest.NewRegistry(f.fake), lock.NewKeyed(time.Second), propagate.Config{}, nil)
	f.auditor = New(s, f.engine, Config{}, nil)
	f.auditor.now = func() time.Time { return now }
	return f
}

func (f *fixture) source(t *testing.T, cal string, start time.Time) *store.Event {
	t.Helper()
	raw := f.fake.Put(cal, provider.RawEvent{Summary: "Dentist"})
	ev, err := f.store.Events.Insert(context.Background(), store.Event{
		CalendarID: f.cals[cal].ID, ProviderEventID: raw.ID, Title: "Dentist", Start: start, End: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("insert source: %v", err)
	}
	return ev
}

func (f *fixture) block(t *testing.T, cal string, source *int64) *store.Event {
	t.Helper()
	raw := f.fake.Put(cal, provider.RawEvent{Summary: "Busy"})
	ev, err := f.store.Events.Insert(context.Background(), store.Event{
		CalendarID: f.cals[cal].ID, ProviderEventID: raw.ID, Title: "Busy",
		Start: now, End: now.Add(time.Hour), IsBusyBlock: true, SourceEventID: source,
	})
	if err != nil {
		t.Fatalf("insert block: %v", err)
	}
	return ev
}

func TestAuditRepairsToCardinality(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.source(t, "a", now.Add(24*time.Hour))

	findings, err := f.auditor.Audit(ctx, f.userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(findings.Missing) != 2 || len(findings.Orphans) != 0 {
		t.Fatalf("expected 2 missing mirrors, got %+v", findings)
	}
	res := f.auditor.Repair(ctx, findings)
	if res.Created != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected repair %+v", res)
	}

	blocks, _ := f.store.Events.ListBusyBlocksBySource(ctx, src.ID)
	if len(blocks) != len(f.cals)-1 {
		t.Fatalf("expected N-1 = %d blocks, got %d", len(f.cals)-1, len(blocks))
	}
	again, err := f.auditor.Audit(ctx, f.userID)
	if err != nil || !again.Clean() {
		t.Fatalf("expected clean audit after repair, got %+v %v", again, err)
	}

	// Repairing the same findings twice must not duplicate anything.
	if res := f.auditor.Repair(ctx, findings); res.Created != 0 {
		t.Fatalf("expected idempotent repair, got %+v", res)
	}
	if got := len(f.fake.Events("b")); got != 1 {
		t.Fatalf("expected one block in b, got %d", got)
	}
}

func TestAuditIgnoresSourcesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source(t, "a", now.AddDate(0, 0, -60))
	f.source(t, "a", now.AddDate(0, 0, 120))

	findings, err := f.auditor.Audit(ctx, f.userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !findings.Clean() {
		t.Fatalf("expected out-of-window sources ignored, got %+v", findings)
	}
}

func TestAuditFindsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.block(t, "b", nil)

	gone := f.source(t, "a", now)
	goneBlock := f.block(t, "c", &gone.ID)
	if err := f.store.Events.Delete(ctx, gone.ID); err != nil {
		t.Fatalf("delete source: %v", err)
	}
	if got, err := f.store.Events.GetByID(ctx, goneBlock.ID); err != nil || got.SourceEventID != nil {
		t.Fatalf("expected source link cleared on delete, got %+v %v", got, err)
	}

	other := f.source(t, "c", now)
	f.block(t, "b", &other.ID)
	if err := f.store.Calendars.SetSyncEnabled(ctx, f.cals["c"].ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	findings, err := f.auditor.Audit(ctx, f.userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	reasons := map[string]int{}
	for _, o := range findings.Orphans {
		reasons[o.Reason]++
	}
	// The deleted source's block lost its link through ON DELETE SET NULL.
	if reasons[ReasonNoSource] != 2 || reasons[ReasonSourceDisabled] != 1 {
		t.Fatalf("unexpected orphan reasons %v", reasons)
	}

	res := f.auditor.Repair(ctx, findings)
	if res.Deleted != 3 {
		t.Fatalf("expected 3 orphans deleted, got %+v", res)
	}
	blocks, _ := f.store.Events.ListBusyBlocksForUser(ctx, f.userID)
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks left, got %d", len(blocks))
	}
	if len(f.fake.Events("b")) != 0 || len(f.fake.Events("c")) != 1 {
		t.Fatalf("unexpected provider state b=%d c=%d", len(f.fake.Events("b")), len(f.fake.Events("c")))
	}
}

func TestAuditSeversChains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.source(t, "a", now)
	first := f.block(t, "b", &src.ID)
	chained := f.block(t, "c", &first.ID)

	findings, err := f.auditor.Audit(ctx, f.userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(findings.Violations) != 1 || findings.Violations[0].BlockID != chained.ID || findings.Violations[0].Reason != ReasonChain {
		t.Fatalf("expected chain violation, got %+v", findings.Violations)
	}
	got, _ := f.store.Events.GetByID(ctx, chained.ID)
	if got.SourceEventID != nil {
		t.Fatalf("expected chain severed")
	}

	f.auditor.Repair(ctx, findings)
	if _, err := f.store.Events.GetByID(ctx, chained.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected chained block removed, got %v", err)
	}
	after, err := f.auditor.Audit(ctx, f.userID)
	if err != nil || !after.Clean() {
		t.Fatalf("expected clean audit, got %+v %v", after, err)
	}
}

func TestAuditAfterPropagationAndDeletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.source(t, "a", now.Add(time.Hour))
	f.engine.Propagate(ctx, f.cals["a"], detect.Change{Kind: detect.Created, EventID: src.ProviderEventID}, src)
	f.engine.Propagate(ctx, f.cals["a"], detect.Change{Kind: detect.Deleted, EventID: src.ProviderEventID, Existing: src}, src)

	sum, err := f.auditor.AuditAll(ctx, true)
	if err != nil {
		t.Fatalf("audit all: %v", err)
	}
	if sum.Users != 1 || sum.Orphans != 0 || sum.Missing != 0 {
		t.Fatalf("expected zero orphans after deletion, got %+v", sum)
	}
}

func TestAuditRefreshesMirrorAfterFailedUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.source(t, "a", now.Add(time.Hour))
	change := detect.Change{Kind: detect.Created, EventID: src.ProviderEventID}
	f.engine.Propagate(ctx, f.cals["a"], change, src)

	src.Start, src.End = src.Start.Add(3*time.Hour), src.End.Add(3*time.Hour)
	if err := f.store.Events.Update(ctx, *src); err != nil {
		t.Fatalf("move source: %v", err)
	}
	f.fake.Fail(providertest.OpUpdate, "b", errors.New("503 backend error"))
	change.Kind = detect.Updated
	if out := f.engine.Propagate(ctx, f.cals["a"], change, src); out.Updated != 1 || len(out.Failures) != 1 {
		t.Fatalf("expected c updated and b failed, got %+v", out)
	}

	sum, err := f.auditor.AuditAll(ctx, true)
	if err != nil {
		t.Fatalf("audit all: %v", err)
	}
	if sum.Stale != 1 || sum.Updated != 1 || sum.Missing != 0 || sum.Orphans != 0 || len(sum.Errors) != 0 {
		t.Fatalf("expected one stale mirror refreshed, got %+v", sum)
	}
	for _, cal := range []string{"b", "c"} {
		evs := f.fake.Events(cal)
		if len(evs) != 1 || evs[0].Start.DateTime != src.Start.Format(time.RFC3339) {
			t.Fatalf("mirror in %s not at source time: %+v", cal, evs)
		}
	}
	block, err := f.store.Events.FindBusyBlock(ctx, f.cals["b"].ID, src.ID)
	if err != nil || !block.Start.Equal(src.Start) {
		t.Fatalf("stored mirror = %+v, %v", block, err)
	}
	again, err := f.auditor.Audit(ctx, f.userID)
	if err != nil || !again.Clean() {
		t.Fatalf("expected clean audit after refresh, got %+v %v", again, err)
	}
}

func TestAuditRerendersWhenTargetTurnsPrivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.source(t, "a", now.Add(time.Hour))
	f.engine.Propagate(ctx, f.cals["a"], detect.Change{Kind: detect.Created, EventID: src.ProviderEventID}, src)
	if got := f.fake.Events("b"); len(got) != 1 || got[0].Summary != "Busy: Dentist" {
		t.Fatalf("expected titled mirror in b, got %+v", got)
	}

	if err := f.store.Calendars.SetPrivate(ctx, f.cals["b"].ID, true); err != nil {
		t.Fatalf("set private: %v", err)
	}
	findings, err := f.auditor.Audit(ctx, f.userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(findings.Stale) != 1 || findings.Stale[0].Target.ID != f.cals["b"].ID {
		t.Fatalf("expected b flagged stale, got %+v", findings.Stale)
	}
	if res := f.auditor.Repair(ctx, findings); res.Updated != 1 || len(res.Errors) != 0 {
		t.Fatalf("unexpected repair %+v", res)
	}

	got := f.fake.Events("b")
	if len(got) != 1 || got[0].Summary != "Busy" || got[0].Description != "" {
		t.Fatalf("expected generic private block, got %+v", got)
	}
	if c := f.fake.Events("c"); len(c) != 1 || c[0].Summary != "Busy: Dentist" {
		t.Fatalf("c should keep the source title, got %+v", c)
	}
}

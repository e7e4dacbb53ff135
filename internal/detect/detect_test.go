package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

var dentistStart = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *store.Calendar) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.Users.Create(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	acct, err := s.Accounts.Create(ctx, store.Account{UserID: u.ID, Provider: "google", Email: "ann@example.com", Active: true})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	cal, err := s.Calendars.Create(ctx, store.Calendar{AccountID: acct.ID, UserID: u.ID, ProviderCalendarID: "a", SyncEnabled: true})
	if err != nil {
		t.Fatalf("create calendar: %v", err)
	}
	return s, cal
}

func raw(id, title string, start time.Time, d time.Duration) provider.RawEvent {
	return provider.RawEvent{
		ID:      id,
		Status:  provider.StatusConfirmed,
		Summary: title,
		Start:   provider.EventTime{DateTime: start.Format(time.RFC3339)},
		End:     provider.EventTime{DateTime: start.Add(d).Format(time.RFC3339)},
	}
}

func track(t *testing.T, s *store.Store, cal *store.Calendar, id, title string, start time.Time) *store.Event {
	t.Helper()
	ev, err := s.Events.Insert(context.Background(), store.Event{
		CalendarID: cal.ID, ProviderEventID: id, Title: title, Start: start, End: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("track %s: %v", id, err)
	}
	return ev
}

func kinds(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Kind.String() + ":" + c.EventID
	}
	return out
}

func TestDetectClassifies(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	track(t, s, cal, "same", "Standup", dentistStart)
	track(t, s, cal, "moved", "Lunch", dentistStart)
	track(t, s, cal, "gone", "Gym", dentistStart)

	cancelled := raw("gone", "Gym", dentistStart, time.Hour)
	cancelled.Status = provider.StatusCancelled
	tentative := raw("new", "Dentist", dentistStart, time.Hour)
	tentative.Status = provider.StatusTentative

	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events: []provider.RawEvent{
			cancelled,
			raw("same", "Standup", dentistStart, time.Hour),
			raw("moved", "Lunch", dentistStart.Add(30*time.Minute), time.Hour),
			tentative,
		},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	want := []string{"created:new", "updated:moved", "deleted:gone"}
	got := kinds(res.Changes)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	upd := res.Changes[1]
	if !upd.Diff.Has(FieldStart|FieldEnd) || upd.Diff.Has(FieldTitle) {
		t.Fatalf("unexpected diff %s", upd.Diff)
	}
	if upd.Existing == nil || res.Changes[2].Existing == nil {
		t.Fatalf("expected tracked rows attached")
	}
}

func TestDetectEchoesNeverChange(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)

	structured := raw("blk1", "Busy", dentistStart, time.Hour)
	structured.Tag = "tag[source:ann@example.com:b:ev9]"
	inText := raw("blk2", "Busy: Dentist", dentistStart, time.Hour)
	inText.Description = "tag[source:ann@example.com:b:ev10]"
	hashed := raw("blk3", "Busy", dentistStart, time.Hour)
	hashed.Description = "tag[source:h:0123456789abcdef0123456789abcdef]"
	cancelledEcho := raw("blk4", "Busy", dentistStart, time.Hour)
	cancelledEcho.Status = provider.StatusCancelled
	cancelledEcho.Tag = "tag[source:ann@example.com:b:ev11]"

	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{structured, inText, hashed, cancelledEcho},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("expected zero changes for echoes, got %v", kinds(res.Changes))
	}
	if len(res.Echoes) != 4 {
		t.Fatalf("expected 4 echoes, got %d", len(res.Echoes))
	}
}

func TestDetectTrackedBusyBlockIsEcho(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	if _, err := s.Events.Insert(ctx, store.Event{
		CalendarID: cal.ID, ProviderEventID: "blk", Title: "Busy", Start: dentistStart, End: dentistStart.Add(time.Hour), IsBusyBlock: true,
	}); err != nil {
		t.Fatalf("insert block: %v", err)
	}

	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{raw("blk", "Busy (edited)", dentistStart, time.Hour)},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Changes) != 0 || len(res.Echoes) != 1 || !res.Echoes[0].Known {
		t.Fatalf("expected known echo, got %+v", res)
	}
}

func TestDetectDeclined(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	track(t, s, cal, "was-accepted", "Offsite", dentistStart)

	declined := func(id string) provider.RawEvent {
		ev := raw(id, "Offsite", dentistStart, time.Hour)
		ev.Attendees = []provider.Attendee{
			{Email: "boss@example.com", ResponseStatus: "accepted"},
			{Email: "ann@example.com", Self: true, ResponseStatus: provider.ResponseDeclined},
		}
		return ev
	}

	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{declined("never-seen"), declined("was-accepted")},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got := kinds(res.Changes); len(got) != 1 || got[0] != "deleted:was-accepted" {
		t.Fatalf("expected only deletion of tracked declined event, got %v", got)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != ReasonDeclined {
		t.Fatalf("expected declined skip, got %+v", res.Skipped)
	}
}

func TestDetectZoneOnlyChangeIsNotAChange(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	track(t, s, cal, "ev", "Dentist", dentistStart)

	berlin := time.FixedZone("CET", 3600)
	ev := raw("ev", "Dentist", dentistStart.In(berlin), time.Hour)
	ev.Start.DateTime = dentistStart.In(berlin).Format(time.RFC3339)
	ev.Start.TimeZone = "Europe/Berlin"

	sub := raw("ev", "Dentist", dentistStart, time.Hour)
	sub.Start.DateTime = "2024-03-04T10:00:00.400Z"

	for name, r := range map[string]provider.RawEvent{"zone": ev, "subsecond": sub} {
		t.Run(name, func(t *testing.T) {
			res, err := New(s.Events, nil).Detect(ctx, Batch{Calendar: cal, Events: []provider.RawEvent{r}})
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if len(res.Changes) != 0 {
				t.Fatalf("expected no change, got %v", kinds(res.Changes))
			}
		})
	}
}

func TestDetectSkipsUnparsable(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)

	badTime := raw("bad", "Broken", dentistStart, time.Hour)
	badTime.Start.DateTime = "yesterday"
	inverted := raw("inv", "Inverted", dentistStart, -time.Hour)
	noTimes := provider.RawEvent{ID: "none", Status: provider.StatusConfirmed}

	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{badTime, inverted, noTimes, {Status: provider.StatusConfirmed}, raw("ok", "Fine", dentistStart, time.Hour)},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got := kinds(res.Changes); len(got) != 1 || got[0] != "created:ok" {
		t.Fatalf("expected the valid event to survive, got %v", got)
	}
	if len(res.Skipped) != 4 {
		t.Fatalf("expected 4 skipped, got %+v", res.Skipped)
	}
}

func TestDetectAllDay(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	ev := provider.RawEvent{
		ID:     "holiday",
		Status: provider.StatusConfirmed,
		Start:  provider.EventTime{Date: "2024-03-04"},
		End:    provider.EventTime{Date: "2024-03-05"},
	}
	res, err := New(s.Events, nil).Detect(ctx, Batch{Calendar: cal, Events: []provider.RawEvent{ev}})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Changes) != 1 {
		t.Fatalf("expected one change, got %v", kinds(res.Changes))
	}
	p := res.Changes[0].Payload
	if !p.AllDay || !p.Start.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)) || p.End.Sub(p.Start) != 24*time.Hour {
		t.Fatalf("unexpected all-day payload %+v", p)
	}
}

func TestDetectDuplicatesLastWins(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	track(t, s, cal, "ev", "Dentist", dentistStart)

	cancelled := raw("ev", "Dentist", dentistStart, time.Hour)
	cancelled.Status = provider.StatusCancelled
	res, err := New(s.Events, nil).Detect(ctx, Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{raw("ev", "Dentist (moved)", dentistStart, time.Hour), cancelled},
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got := kinds(res.Changes); len(got) != 1 || got[0] != "deleted:ev" {
		t.Fatalf("expected single deletion, got %v", got)
	}
}

func TestDetectFullListingDeletesMissing(t *testing.T) {
	ctx := context.Background()
	s, cal := setup(t)
	track(t, s, cal, "kept", "Standup", dentistStart)
	track(t, s, cal, "vanished", "Gym", dentistStart)
	track(t, s, cal, "ancient", "Old", dentistStart.AddDate(-1, 0, 0))

	batch := Batch{
		Calendar: cal,
		Events:   []provider.RawEvent{raw("kept", "Standup", dentistStart, time.Hour)},
		Full:     true,
		Since:    dentistStart.AddDate(0, -1, 0),
	}
	res, err := New(s.Events, nil).Detect(ctx, batch)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if got := kinds(res.Changes); len(got) != 1 || got[0] != "deleted:vanished" {
		t.Fatalf("expected only in-window missing source deleted, got %v", got)
	}

	batch.Full = false
	res, err = New(s.Events, nil).Detect(ctx, batch)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Changes) != 0 {
		t.Fatalf("incremental listing must not infer deletions, got %v", kinds(res.Changes))
	}
}

func TestDetectStoreFailureAborts(t *testing.T) {
	ctx := context.Background()
	s, faults := store.NewMemoryWithFaults()
	cal := &store.Calendar{ID: 1}
	boom := errors.New("db down")
	faults.Fail("events.get_by_provider_id", boom)

	_, err := New(s.Events, nil).Detect(ctx, Batch{Calendar: cal, Events: []provider.RawEvent{raw("x", "X", dentistStart, time.Hour)}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store failure, got %v", err)
	}
}

func TestOrderNeverUpdatesAfterDelete(t *testing.T) {
	changes := []Change{
		{Kind: Deleted, EventID: "a"},
		{Kind: Updated, EventID: "a"},
		{Kind: Created, EventID: "b"},
		{Kind: Updated, EventID: "c"},
	}
	Order(changes)
	want := []string{"created:b", "updated:a", "updated:c", "deleted:a"}
	for i, got := range kinds(changes) {
		if got != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds(changes))
		}
	}
}

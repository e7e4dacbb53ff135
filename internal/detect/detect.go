// Package detect classifies provider-reported events against the store.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/tag"
)

// Skip reasons.
const (
	ReasonDeclined   = "declined"
	ReasonUnparsable = "unparsable"
	ReasonMissingID  = "missing_id"
)

const dateLayout = "2006-01-02"

// farFuture bounds the deletion window of a full listing.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Detector turns provider listings into ordered changes.
type Detector struct {
	events store.EventRepository
	log    *slog.Logger
}

// New returns a detector reading tracked events from events.
func New(events store.EventRepository, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{events: events, log: logger.With("component", "detect")}
}

// Detect classifies the batch. Bad individual events are skipped; only store
// failures abort.
func (d *Detector) Detect(ctx context.Context, b Batch) (Result, error) {
	var res Result
	if b.Calendar == nil {
		return res, errors.New("detect: batch without calendar")
	}
	cal := b.Calendar
	seen := make(map[string]bool)

	for _, raw := range dedupe(b.Events) {
		if raw.ID == "" {
			res.Skipped = append(res.Skipped, SkippedEvent{Reason: ReasonMissingID})
			d.log.Warn("skipping event without id", "calendar_id", cal.ID)
			continue
		}
		seen[raw.ID] = true

		existing, err := d.events.GetByProviderID(ctx, cal.ID, raw.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = nil
		case err != nil:
			return res, fmt.Errorf("lookup event %s: %w", raw.ID, err)
		}

		if isEcho(raw) || existing != nil && existing.IsBusyBlock {
			res.Echoes = append(res.Echoes, Echo{Event: raw, Known: existing != nil})
			metrics.CountChange("echo")
			continue
		}

		if raw.DeclinedBySelf() {
			if existing != nil {
				res.Changes = append(res.Changes, Change{Kind: Deleted, EventID: raw.ID, Existing: existing})
			} else {
				res.Skipped = append(res.Skipped, SkippedEvent{EventID: raw.ID, Reason: ReasonDeclined})
			}
			continue
		}

		if raw.Status == provider.StatusCancelled {
			res.Changes = append(res.Changes, Change{Kind: Deleted, EventID: raw.ID, Existing: existing})
			continue
		}

		p, err := normalize(raw)
		if err != nil {
			d.log.Warn("skipping unparsable event", "calendar_id", cal.ID, "event_id", raw.ID, "error", err)
			res.Skipped = append(res.Skipped, SkippedEvent{EventID: raw.ID, Reason: ReasonUnparsable})
			continue
		}

		if existing == nil {
			res.Changes = append(res.Changes, Change{Kind: Created, EventID: raw.ID, Payload: p})
			continue
		}
		if diff := compare(existing, p); diff != 0 {
			res.Changes = append(res.Changes, Change{Kind: Updated, EventID: raw.ID, Payload: p, Diff: diff, Existing: existing})
		}
	}

	if b.Full {
		missing, err := d.missingFromListing(ctx, cal.ID, b.Since, seen)
		if err != nil {
			return res, err
		}
		res.Changes = append(res.Changes, missing...)
	}

	Order(res.Changes)
	for _, c := range res.Changes {
		metrics.CountChange(c.Kind.String())
	}
	if len(res.Skipped) > 0 {
		metrics.CountChange("skipped")
	}
	return res, nil
}

// missingFromListing reports tracked sources that a full listing no longer
// contains.
func (d *Detector) missingFromListing(ctx context.Context, calendarID int64, since time.Time, seen map[string]bool) ([]Change, error) {
	tracked, err := d.events.ListSourcesInWindow(ctx, calendarID, since, farFuture)
	if err != nil {
		return nil, fmt.Errorf("list tracked sources: %w", err)
	}
	var out []Change
	for i := range tracked {
		ev := tracked[i]
		if seen[ev.ProviderEventID] {
			continue
		}
		out = append(out, Change{Kind: Deleted, EventID: ev.ProviderEventID, Existing: &ev})
	}
	return out, nil
}

// dedupe keeps the last entry for each event id, in order of last
// appearance.
func dedupe(events []provider.RawEvent) []provider.RawEvent {
	last := make(map[string]int, len(events))
	for i, ev := range events {
		last[ev.ID] = i
	}
	out := make([]provider.RawEvent, 0, len(last))
	for i, ev := range events {
		if ev.ID == "" || last[ev.ID] == i {
			out = append(out, ev)
		}
	}
	return out
}

func isEcho(raw provider.RawEvent) bool {
	return raw.Tag != "" || tag.Matches(raw.Summary) || tag.Matches(raw.Description)
}

func normalize(raw provider.RawEvent) (*Payload, error) {
	start, startAllDay, err := parseTime(raw.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, endAllDay, err := parseTime(raw.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if startAllDay != endAllDay {
		return nil, errors.New("mixed all-day and timed bounds")
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("start %s not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return &Payload{
		ProviderEventID: raw.ID,
		Title:           raw.Summary,
		Description:     raw.Description,
		Start:           start,
		End:             end,
		AllDay:          startAllDay,
	}, nil
}

// parseTime normalizes a provider time to UTC at whole-second precision.
// All-day dates are taken as UTC midnight.
func parseTime(et provider.EventTime) (time.Time, bool, error) {
	switch {
	case et.DateTime != "":
		t, err := time.Parse(time.RFC3339, et.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC().Truncate(time.Second), false, nil
	case et.Date != "":
		t, err := time.ParseInLocation(dateLayout, et.Date, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	default:
		return time.Time{}, false, errors.New("no date or datetime")
	}
}

func compare(existing *store.Event, p *Payload) FieldSet {
	var diff FieldSet
	if existing.Title != p.Title {
		diff |= FieldTitle
	}
	if !sameInstant(existing.Start, p.Start) {
		diff |= FieldStart
	}
	if !sameInstant(existing.End, p.End) {
		diff |= FieldEnd
	}
	if existing.AllDay != p.AllDay {
		diff |= FieldAllDay
	}
	return diff
}

func sameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

package syncer

import (
	"time"

	"gitea.jw6.us/james/busysync/internal/store"
)

// Triggers.
const (
	TriggerWebhook = "webhook"
	TriggerPoll    = "poll"
	TriggerManual  = "manual"
)

// Run modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// Skip reasons.
const (
	SkipBusy     = "busy"
	SkipDisabled = "disabled"
	SkipInactive = "account_inactive"
)

// Hint qualifies a trigger.
type Hint struct {
	Trigger string
	// ForceFull discards the stored cursor for this run.
	ForceFull bool
}

// RunResult is the outcome of one sync of one calendar. It is built by a
// single run and never shared.
type RunResult struct {
	RunID      string
	CalendarID int64
	Trigger    string
	Mode       string
	StartedAt  time.Time
	FinishedAt time.Time

	Skipped    bool
	SkipReason string

	// Source changes.
	Created int
	Updated int
	Deleted int
	Ignored int

	// Busy-block effects.
	BlocksCreated int
	BlocksUpdated int
	BlocksDeleted int
	Adopted       int
	Strays        int

	Errors         []string
	CursorAdvanced bool
}

// Failed reports whether the run recorded any error.
func (r RunResult) Failed() bool { return len(r.Errors) > 0 }

func (r RunResult) record() store.SyncRun {
	return store.SyncRun{
		ID:             r.RunID,
		CalendarID:     r.CalendarID,
		Trigger:        r.Trigger,
		Mode:           r.Mode,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Created:        r.Created,
		Updated:        r.Updated,
		Deleted:        r.Deleted,
		Skipped:        r.Ignored,
		Errors:         r.Errors,
		CursorAdvanced: r.CursorAdvanced,
	}
}

// Totals sums several runs.
type Totals struct {
	Runs          int
	Skipped       int
	Failed        int
	Created       int
	Updated       int
	Deleted       int
	BlocksCreated int
	BlocksUpdated int
	BlocksDeleted int
	Errors        []string
}

// Aggregate sums results for reporting.
func Aggregate(results ...RunResult) Totals {
	var t Totals
	for _, r := range results {
		t.Runs++
		if r.Skipped {
			t.Skipped++
			continue
		}
		if r.Failed() {
			t.Failed++
		}
		t.Created += r.Created
		t.Updated += r.Updated
		t.Deleted += r.Deleted
		t.BlocksCreated += r.BlocksCreated
		t.BlocksUpdated += r.BlocksUpdated
		t.BlocksDeleted += r.BlocksDeleted
		t.Errors = append(t.Errors, r.Errors...)
	}
	return t
}

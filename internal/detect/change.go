package detect

import (
	"sort"
	"strings"
	"time"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

// Kind classifies a change to a source event.
type Kind int

const (
	Created Kind = iota + 1
	Updated
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FieldSet is a bit set of mirrored fields that differ from the store.
type FieldSet uint8

const (
	FieldTitle FieldSet = 1 << iota
	FieldStart
	FieldEnd
	FieldAllDay
)

// Has reports whether every field in f is set.
func (s FieldSet) Has(f FieldSet) bool { return s&f == f }

func (s FieldSet) String() string {
	var parts []string
	for _, f := range []struct {
		bit  FieldSet
		name string
	}{{FieldTitle, "title"}, {FieldStart, "start"}, {FieldEnd, "end"}, {FieldAllDay, "all_day"}} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ",")
}

// Payload is the normalized content of a source event. Times are UTC and
// truncated to whole seconds.
type Payload struct {
	ProviderEventID string
	Title           string
	Description     string
	Start           time.Time
	End             time.Time
	AllDay          bool
}

// Change is one classified change to a source event.
type Change struct {
	Kind    Kind
	EventID string
	// Payload is nil for deletions.
	Payload *Payload
	Diff    FieldSet
	// Existing is the tracked source row, when there is one.
	Existing *store.Event
}

// Echo is a busy block written by this system and reported back by the
// provider.
type Echo struct {
	Event provider.RawEvent
	// Known is set when the store already tracks the block.
	Known bool
}

// SkippedEvent is a raw event dropped from the batch.
type SkippedEvent struct {
	EventID string
	Reason  string
}

// Batch is one provider listing for one calendar.
type Batch struct {
	Calendar       *store.Calendar
	PreviousCursor *string
	Events         []provider.RawEvent
	NextCursor     string
	// Full marks a complete listing. Tracked sources inside the listing
	// window that are absent from it are reported deleted.
	Full  bool
	Since time.Time
}

// Result is the detector output for one batch.
type Result struct {
	Changes []Change
	Echoes  []Echo
	Skipped []SkippedEvent
}

// Counts tallies changes by kind.
func (r Result) Counts() (created, updated, deleted int) {
	for _, c := range r.Changes {
		switch c.Kind {
		case Created:
			created++
		case Updated:
			updated++
		case Deleted:
			deleted++
		}
	}
	return created, updated, deleted
}

// Order sorts changes into lifecycle order: creations, then updates, then
// deletions. The sort is stable, so an update is never applied after a
// deletion of the same event.
func Order(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Kind < changes[j].Kind
	})
}

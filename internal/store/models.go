package store

import "time"

// User is the end-user owning one or more provider accounts.
type User struct {
	ID        int64
	Email     string
	CreatedAt time.Time
}

// Account is a connected provider identity. Credentials are opaque to the
// sync core and stored sealed.
type Account struct {
	ID              int64
	UserID          int64
	Provider        string
	Email           string
	TokenCiphertext []byte
	Active          bool
	CreatedAt       time.Time
	DeactivatedAt   *time.Time
}

// PushState describes the health of a calendar's push subscription.
type PushState string

const (
	PushHealthy  PushState = "healthy"
	PushDegraded PushState = "degraded"
	PushAbsent   PushState = "absent"
)

// SyncMode is the persisted state of the per-calendar sync state machine.
type SyncMode string

const (
	ModeWebhook    SyncMode = "webhook"
	ModePolling    SyncMode = "polling"
	ModeFullResync SyncMode = "full_resync"
)

// Channel is a provider push subscription bound to a calendar.
type Channel struct {
	ID         string
	ResourceID string
	Token      string
	ExpiresAt  *time.Time
}

// Calendar is one provider calendar belonging to an account.
type Calendar struct {
	ID                 int64
	AccountID          int64
	UserID             int64
	ProviderCalendarID string
	Name               string
	SyncEnabled        bool
	Private            bool
	SyncCursor         *string
	LastSyncedAt       *time.Time
	PushState          PushState
	PushFailures       int
	SyncMode           SyncMode
	Channel            Channel
	CreatedAt          time.Time
}

// NeedsFullSync reports whether the next pull must run without a cursor.
func (c *Calendar) NeedsFullSync() bool {
	return c.SyncCursor == nil || *c.SyncCursor == "" || c.SyncMode == ModeFullResync
}

// Event is a single occurrence in a calendar, either a source event mirrored
// from provider truth or a busy block derived from a source in another
// calendar of the same user.
type Event struct {
	ID              int64
	CalendarID      int64
	ProviderEventID string
	Title           string
	Description     string
	Start           time.Time
	End             time.Time
	AllDay          bool
	IsBusyBlock     bool
	SourceEventID   *int64
	Tag             string
	TagKey          string
	UpdatedAt       time.Time
}

// Validate checks the per-row invariants enforced before any write.
func (e *Event) Validate() error {
	if e.CalendarID == 0 || e.ProviderEventID == "" {
		return ErrInvalidEvent
	}
	if !e.Start.Before(e.End) {
		return ErrInvalidEvent
	}
	if !e.IsBusyBlock && e.SourceEventID != nil {
		return ErrInvalidEvent
	}
	return nil
}

// SyncRun is the immutable record of one sync invocation for one calendar.
type SyncRun struct {
	ID             string
	CalendarID     int64
	Trigger        string
	Mode           string
	StartedAt      time.Time
	FinishedAt     time.Time
	Created        int
	Updated        int
	Deleted        int
	Skipped        int
	Errors         []string
	CursorAdvanced bool
}

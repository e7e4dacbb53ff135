package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	ListWithEnabledCalendars(ctx context.Context) ([]int64, error)
}

// AccountRepository handles connected provider accounts.
type AccountRepository interface {
	Create(ctx context.Context, acct Account) (*Account, error)
	GetByID(ctx context.Context, id int64) (*Account, error)
	ListByUser(ctx context.Context, userID int64) ([]Account, error)
	UpdateToken(ctx context.Context, id int64, ciphertext []byte) error
	// Deactivate marks the account inactive and disables sync on all of its
	// calendars.
	Deactivate(ctx context.Context, id int64, at time.Time) error
}

// CalendarRepository handles calendars and their sync state.
type CalendarRepository interface {
	Create(ctx context.Context, cal Calendar) (*Calendar, error)
	GetByID(ctx context.Context, id int64) (*Calendar, error)
	GetByChannelID(ctx context.Context, channelID string) (*Calendar, error)
	ListByUser(ctx context.Context, userID int64) ([]Calendar, error)
	ListByMode(ctx context.Context, modes ...SyncMode) ([]Calendar, error)
	ListEnabled(ctx context.Context) ([]Calendar, error)
	SetSyncEnabled(ctx context.Context, id int64, enabled bool) error
	SetPrivate(ctx context.Context, id int64, private bool) error
	// SaveCursor stores the cursor reached by a fully applied batch.
	SaveCursor(ctx context.Context, id int64, cursor *string, syncedAt time.Time) error
	SetSyncMode(ctx context.Context, id int64, mode SyncMode) error
	SetPushState(ctx context.Context, id int64, state PushState, failures int) error
	SetChannel(ctx context.Context, id int64, ch Channel) error
}

// EventRepository handles source events and busy blocks.
type EventRepository interface {
	Insert(ctx context.Context, ev Event) (*Event, error)
	Update(ctx context.Context, ev Event) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*Event, error)
	GetByProviderID(ctx context.Context, calendarID int64, providerEventID string) (*Event, error)
	GetByTagKey(ctx context.Context, calendarID int64, tagKey string) (*Event, error)
	// FindBusyBlock returns the mirror of sourceID inside calendarID.
	FindBusyBlock(ctx context.Context, calendarID, sourceID int64) (*Event, error)
	ListBusyBlocksBySource(ctx context.Context, sourceID int64) ([]Event, error)
	ListBusyBlocksForUser(ctx context.Context, userID int64) ([]Event, error)
	ListSourcesInWindow(ctx context.Context, calendarID int64, from, to time.Time) ([]Event, error)
	// ClearSource severs the busy-block back-reference.
	ClearSource(ctx context.Context, id int64) error
}

// SyncRunRepository persists per-run results.
type SyncRunRepository interface {
	Record(ctx context.Context, run SyncRun) error
	ListRecent(ctx context.Context, calendarID int64, limit int) ([]SyncRun, error)
}

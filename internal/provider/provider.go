// Package provider defines the contract between the sync core and remote
// calendar providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/busysync/internal/store"
)

var (
	// ErrCursorInvalid reports that the provider rejected a sync cursor. The
	// caller recovers by listing again without a cursor.
	ErrCursorInvalid = errors.New("provider: sync cursor invalid")
	// ErrNotFound reports a missing calendar or event.
	ErrNotFound = errors.New("provider: not found")
)

// TerminalError wraps a provider failure that retrying will not fix.
type TerminalError struct {
	Op  string
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTerminal reports whether err is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Event statuses and attendee responses as reported by providers.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"

	ResponseDeclined = "declined"
)

// EventTime is a provider time value. Exactly one of DateTime (RFC 3339) or
// Date (YYYY-MM-DD, all-day) is normally set.
type EventTime struct {
	DateTime string
	Date     string
	TimeZone string
}

// Attendee is one participant of a provider event.
type Attendee struct {
	Email          string
	Self           bool
	ResponseStatus string
}

// RawEvent is an event as reported by the provider, before validation.
type RawEvent struct {
	ID          string
	Status      string
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
	Attendees   []Attendee
	// Tag is the busy-block marker stored as a structured private property.
	Tag string
}

// DeclinedBySelf reports whether the calendar owner declined the event.
func (e RawEvent) DeclinedBySelf() bool {
	for _, a := range e.Attendees {
		if a.Self && a.ResponseStatus == ResponseDeclined {
			return true
		}
	}
	return false
}

// IncrementalResult is one incremental or full listing.
type IncrementalResult struct {
	Events       []RawEvent
	NextCursor   string
	IsFullResync bool
	// Since is the lower time bound of a full listing.
	Since time.Time
}

// EventInput describes a busy block to create.
type EventInput struct {
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Tag         string
}

// EventFields is a partial update; nil fields are left untouched.
type EventFields struct {
	Title       *string
	Description *string
	Start       *time.Time
	End         *time.Time
	AllDay      *bool
	Tag         *string
}

// IsEmpty reports whether no field is set.
func (f EventFields) IsEmpty() bool {
	return f.Title == nil && f.Description == nil && f.Start == nil && f.End == nil && f.AllDay == nil && f.Tag == nil
}

// CalendarInfo is one calendar visible to an account.
type CalendarInfo struct {
	ID         string
	Name       string
	Primary    bool
	AccessRole string
}

// WatchRequest opens a push subscription.
type WatchRequest struct {
	ChannelID string
	Token     string
	Address   string
	TTL       time.Duration
}

// Subscription is an open push channel.
type Subscription struct {
	ChannelID  string
	ResourceID string
	Token      string
	Expiration time.Time
}

// Client is the provider surface used by the sync core. Implementations
// retry transient failures themselves.
type Client interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]RawEvent, error)
	// ListEventsIncremental lists changes since cursor. An empty cursor lists
	// everything and returns a fresh cursor with IsFullResync set.
	ListEventsIncremental(ctx context.Context, calendarID, cursor string) (*IncrementalResult, error)
	CreateEvent(ctx context.Context, calendarID string, in EventInput) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, fields EventFields) error
	// DeleteEvent returns false when the event was already gone.
	DeleteEvent(ctx context.Context, calendarID, eventID string) (bool, error)
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)
	Watch(ctx context.Context, calendarID string, req WatchRequest) (*Subscription, error)
	StopWatch(ctx context.Context, sub Subscription) error
}

// Registry resolves the client for a connected account.
type Registry interface {
	ForAccount(ctx context.Context, acct *store.Account) (Client, error)
}

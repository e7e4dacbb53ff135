// Package providertest provides an in-memory provider.Client for tests of the
// sync core.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

// Operation names accepted by Fail and Calls.
const (
	OpList      = "list"
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpCalendars = "calendars"
	OpWatch     = "watch"
	OpStop      = "stop"
)

// Fake is an in-memory calendar provider. The zero value is not usable; call
// New.
type Fake struct {
	mu        sync.Mutex
	calendars map[string]*calendarState
	order     []string
	nextID    int
	failures  map[string][]error
	calls     map[string]int
	forceFull map[string]bool
	channels  map[string]provider.Subscription
}

type calendarState struct {
	name     string
	version  int64
	minValid int64
	events   map[string]*entry
}

type entry struct {
	ev      provider.RawEvent
	version int64
}

var _ provider.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		calendars: make(map[string]*calendarState),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
		forceFull: make(map[string]bool),
		channels:  make(map[string]provider.Subscription),
	}
}

// AddCalendar registers a calendar so it shows up in ListCalendars.
func (f *Fake) AddCalendar(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendar(id).name = name
}

// Put creates or replaces an event as the calendar owner would. An empty ID
// is assigned; an empty Status becomes confirmed.
func (f *Fake) Put(calendarID string, ev provider.RawEvent) provider.RawEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.ID == "" {
		ev.ID = f.newID()
	}
	if ev.Status == "" {
		ev.Status = provider.StatusConfirmed
	}
	f.store(calendarID, ev)
	return ev
}

// Cancel marks an event cancelled as if the owner deleted it.
func (f *Fake) Cancel(calendarID, eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.calendar(calendarID).events[eventID]; ok {
		ev := e.ev
		ev.Status = provider.StatusCancelled
		f.store(calendarID, ev)
	}
}

// Events returns the live events of a calendar ordered by ID.
func (f *Fake) Events(calendarID string) []provider.RawEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.RawEvent
	for _, e := range f.calendar(calendarID).events {
		if e.ev.Status != provider.StatusCancelled {
			out = append(out, e.ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one event including tombstones.
func (f *Fake) Get(calendarID, eventID string) (provider.RawEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.calendar(calendarID).events[eventID]
	if !ok {
		return provider.RawEvent{}, false
	}
	return e.ev, true
}

// ExpireCursors invalidates every cursor issued so far for a calendar.
func (f *Fake) ExpireCursors(calendarID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cal := f.calendar(calendarID)
	cal.minValid = cal.version + 1
}

// ForceFullResync makes the next incremental listing answer with a full
// listing flagged IsFullResync, whatever cursor is passed.
func (f *Fake) ForceFullResync(calendarID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceFull[calendarID] = true
}

// Fail queues err for the next op against calendarID. An empty calendarID
// matches any calendar.
func (f *Fake) Fail(op, calendarID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + "|" + calendarID
	f.failures[key] = append(f.failures[key], err)
}

// Calls returns how many times op was invoked, failed calls included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Channels returns the open subscriptions by channel id.
func (f *Fake) Channels() map[string]provider.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]provider.Subscription, len(f.channels))
	for k, v := range f.channels {
		out[k] = v
	}
	return out
}

func (f *Fake) calendar(id string) *calendarState {
	cal, ok := f.calendars[id]
	if !ok {
		cal = &calendarState{name: id, version: 1, events: make(map[string]*entry)}
		f.calendars[id] = cal
		f.order = append(f.order, id)
	}
	return cal
}

func (f *Fake) newID() string {
	f.nextID++
	return "ev" + strconv.Itoa(f.nextID)
}

func (f *Fake) store(calendarID string, ev provider.RawEvent) {
	cal := f.calendar(calendarID)
	cal.version++
	cal.events[ev.ID] = &entry{ev: ev, version: cal.version}
}

// begin records a call and returns any queued failure. Caller holds f.mu.
func (f *Fake) begin(op, calendarID string) error {
	f.calls[op]++
	for _, key := range []string{op + "|" + calendarID, op + "|"} {
		if q := f.failures[key]; len(q) > 0 {
			f.failures[key] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (f *Fake) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpList, calendarID); err != nil {
		return nil, err
	}
	var out []provider.RawEvent
	for _, e := range f.calendar(calendarID).events {
		if e.ev.Status == provider.StatusCancelled {
			continue
		}
		start, end := bound(e.ev.Start), bound(e.ev.End)
		if !start.IsZero() && !start.Before(timeMax) || !end.IsZero() && !end.After(timeMin) {
			continue
		}
		out = append(out, e.ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) ListEventsIncremental(ctx context.Context, calendarID, cursor string) (*provider.IncrementalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpList, calendarID); err != nil {
		return nil, err
	}
	cal := f.calendar(calendarID)

	full := cursor == "" || f.forceFull[calendarID]
	delete(f.forceFull, calendarID)

	var since int64
	if !full {
		v, err := strconv.ParseInt(strings.TrimPrefix(cursor, "v"), 10, 64)
		if err != nil || v < cal.minValid {
			return nil, fmt.Errorf("list %s: %w", calendarID, provider.ErrCursorInvalid)
		}
		since = v
	}

	entries := make([]*entry, 0, len(cal.events))
	for _, e := range cal.events {
		if full && e.ev.Status == provider.StatusCancelled {
			continue
		}
		if !full && e.version <= since {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })

	res := &provider.IncrementalResult{
		IsFullResync: full,
		NextCursor:   fmt.Sprintf("v%d", cal.version),
	}
	for _, e := range entries {
		res.Events = append(res.Events, e.ev)
	}
	return res, nil
}

func (f *Fake) CreateEvent(ctx context.Context, calendarID string, in provider.EventInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreate, calendarID); err != nil {
		return "", err
	}
	ev := provider.RawEvent{
		ID:          f.newID(),
		Status:      provider.StatusConfirmed,
		Summary:     in.Title,
		Description: in.Description,
		Start:       timeOf(in.Start, in.AllDay),
		End:         timeOf(in.End, in.AllDay),
		Tag:         in.Tag,
	}
	f.store(calendarID, ev)
	return ev.ID, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, calendarID, eventID string, fields provider.EventFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpUpdate, calendarID); err != nil {
		return err
	}
	e, ok := f.calendar(calendarID).events[eventID]
	if !ok || e.ev.Status == provider.StatusCancelled {
		return fmt.Errorf("update %s/%s: %w", calendarID, eventID, provider.ErrNotFound)
	}
	ev := e.ev
	allDay := fields.AllDay != nil && *fields.AllDay
	if fields.Title != nil {
		ev.Summary = *fields.Title
	}
	if fields.Description != nil {
		ev.Description = *fields.Description
	}
	if fields.Start != nil {
		ev.Start = timeOf(*fields.Start, allDay)
	}
	if fields.End != nil {
		ev.End = timeOf(*fields.End, allDay)
	}
	if fields.Tag != nil {
		ev.Tag = *fields.Tag
	}
	f.store(calendarID, ev)
	return nil
}

func (f *Fake) DeleteEvent(ctx context.Context, calendarID, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpDelete, calendarID); err != nil {
		return false, err
	}
	e, ok := f.calendar(calendarID).events[eventID]
	if !ok || e.ev.Status == provider.StatusCancelled {
		return false, nil
	}
	ev := e.ev
	ev.Status = provider.StatusCancelled
	f.store(calendarID, ev)
	return true, nil
}

func (f *Fake) ListCalendars(ctx context.Context) ([]provider.CalendarInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCalendars, ""); err != nil {
		return nil, err
	}
	out := make([]provider.CalendarInfo, 0, len(f.order))
	for i, id := range f.order {
		out = append(out, provider.CalendarInfo{ID: id, Name: f.calendars[id].name, Primary: i == 0, AccessRole: "owner"})
	}
	return out, nil
}

func (f *Fake) Watch(ctx context.Context, calendarID string, req provider.WatchRequest) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpWatch, calendarID); err != nil {
		return nil, err
	}
	sub := provider.Subscription{
		ChannelID:  req.ChannelID,
		ResourceID: "resource-" + calendarID,
		Token:      req.Token,
		Expiration: time.Now().Add(req.TTL).UTC(),
	}
	f.channels[sub.ChannelID] = sub
	return &sub, nil
}

func (f *Fake) StopWatch(ctx context.Context, sub provider.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpStop, ""); err != nil {
		return err
	}
	delete(f.channels, sub.ChannelID)
	return nil
}

func timeOf(t time.Time, allDay bool) provider.EventTime {
	if allDay {
		return provider.EventTime{Date: t.UTC().Format("2006-01-02")}
	}
	return provider.EventTime{DateTime: t.UTC().Format(time.RFC3339)}
}

func bound(et provider.EventTime) time.Time {
	if et.DateTime != "" {
		t, _ := time.Parse(time.RFC3339, et.DateTime)
		return t
	}
	t, _ := time.Parse("2006-01-02", et.Date)
	return t
}

// Registry hands out fakes per account.
type Registry struct {
	mu       sync.Mutex
	fallback *Fake
	clients  map[int64]provider.Client
	errs     map[int64]error
}

var _ provider.Registry = (*Registry)(nil)

// NewRegistry returns a registry serving fallback for every account without
// a dedicated client.
func NewRegistry(fallback *Fake) *Registry {
	return &Registry{fallback: fallback, clients: map[int64]provider.Client{}, errs: map[int64]error{}}
}

// Set binds a client to one account.
func (r *Registry) Set(accountID int64, c provider.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[accountID] = c
}

// FailAccount makes ForAccount fail for one account.
func (r *Registry) FailAccount(accountID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[accountID] = err
}

func (r *Registry) ForAccount(ctx context.Context, acct *store.Account) (provider.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errs[acct.ID]; err != nil {
		return nil, err
	}
	if c, ok := r.clients[acct.ID]; ok {
		return c, nil
	}
	return r.fallback, nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Faults injects errors into an in-memory store. Each registered error is
// returned once by the next call of the named operation, e.g. "events.insert".
type Faults struct {
	mu   sync.Mutex
	next map[string][]error
}

// Fail queues err for the next call of op.
func (f *Faults) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		f.next = map[string][]error{}
	}
	f.next[op] = append(f.next[op], err)
}

func (f *Faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.next[op]
	if len(q) == 0 {
		return nil
	}
	f.next[op] = q[1:]
	return q[0]
}

type memDB struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	faults *Faults
	nextID int64

	users     map[int64]User
	accounts  map[int64]Account
	calendars map[int64]Calendar
	events    map[int64]Event
	runs      []SyncRun
}

// journal collects undo steps for one in-memory transaction.
type journal struct {
	undo []func()
}

func (j *journal) record(fn func()) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

// NewMemory returns a Store kept entirely in memory with the same uniqueness
// and transactional semantics as the PostgreSQL store.
func NewMemory() *Store {
	s, _ := NewMemoryWithFaults()
	return s
}

// NewMemoryWithFaults is NewMemory plus a handle for injecting errors.
func NewMemoryWithFaults() (*Store, *Faults) {
	db := &memDB{
		faults:    &Faults{},
		users:     map[int64]User{},
		accounts:  map[int64]Account{},
		calendars: map[int64]Calendar{},
		events:    map[int64]Event{},
	}
	s := bindMemory(db, nil)
	s.backend = &memBackend{db: db}
	return s, db.faults
}

func bindMemory(db *memDB, j *journal) *Store {
	return &Store{
		Users:     &memUsers{db: db, j: j},
		Accounts:  &memAccounts{db: db, j: j},
		Calendars: &memCalendars{db: db, j: j},
		Events:    &memEvents{db: db, j: j},
		SyncRuns:  &memSyncRuns{db: db, j: j},
	}
}

type memBackend struct {
	db *memDB
}

func (b *memBackend) withinTx(ctx context.Context, fn func(*Store) error) error {
	b.db.txMu.Lock()
	defer b.db.txMu.Unlock()

	j := &journal{}
	scoped := bindMemory(b.db, j)
	scoped.backend = inlineBackend{store: scoped}
	if err := fn(scoped); err != nil {
		b.db.mu.Lock()
		j.rollback()
		b.db.mu.Unlock()
		return err
	}
	return nil
}

func (b *memBackend) ping(ctx context.Context) error { return nil }

// begin locks the database and returns any injected fault for op.
func (d *memDB) begin(op string) error {
	if err := d.faults.take(op); err != nil {
		return err
	}
	d.mu.Lock()
	return nil
}

func (d *memDB) id() int64 {
	d.nextID++
	return d.nextID
}

type memUsers struct {
	db *memDB
	j  *journal
}

func (r *memUsers) Create(ctx context.Context, email string) (*User, error) {
	if err := r.db.begin("users.create"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Email == email {
			return nil, ErrConflict
		}
	}
	u := User{ID: r.db.id(), Email: email, CreatedAt: time.Now().UTC()}
	r.db.users[u.ID] = u
	r.j.record(func() { delete(r.db.users, u.ID) })
	return &u, nil
}

func (r *memUsers) GetByID(ctx context.Context, id int64) (*User, error) {
	if err := r.db.begin("users.get"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memUsers) ListWithEnabledCalendars(ctx context.Context) ([]int64, error) {
	if err := r.db.begin("users.list_enabled"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, c := range r.db.calendars {
		if !c.SyncEnabled || !r.db.accounts[c.AccountID].Active || seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		out = append(out, c.UserID)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out, nil
}

type memAccounts struct {
	db *memDB
	j  *journal
}

func (r *memAccounts) Create(ctx context.Context, acct Account) (*Account, error) {
	if err := r.db.begin("accounts.create"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	if _, ok := r.db.users[acct.UserID]; !ok {
		return nil, ErrNotFound
	}
	for _, a := range r.db.accounts {
		if a.Provider == acct.Provider && a.Email == acct.Email {
			return nil, ErrConflict
		}
	}
	acct.ID = r.db.id()
	acct.Active = true
	acct.CreatedAt = time.Now().UTC()
	acct.DeactivatedAt = nil
	r.db.accounts[acct.ID] = acct
	r.j.record(func() { delete(r.db.accounts, acct.ID) })
	return &acct, nil
}

func (r *memAccounts) GetByID(ctx context.Context, id int64) (*Account, error) {
	if err := r.db.begin("accounts.get"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (r *memAccounts) ListByUser(ctx context.Context, userID int64) ([]Account, error) {
	if err := r.db.begin("accounts.list_by_user"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	var out []Account
	for _, a := range r.db.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *memAccounts) UpdateToken(ctx context.Context, id int64, ciphertext []byte) error {
	if err := r.db.begin("accounts.update_token"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return ErrNotFound
	}
	prev := a
	a.TokenCiphertext = append([]byte(nil), ciphertext...)
	r.db.accounts[id] = a
	r.j.record(func() { r.db.accounts[id] = prev })
	return nil
}

func (r *memAccounts) Deactivate(ctx context.Context, id int64, at time.Time) error {
	if err := r.db.begin("accounts.deactivate"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return ErrNotFound
	}
	prev := a
	a.Active = false
	a.DeactivatedAt = &at
	r.db.accounts[id] = a
	r.j.record(func() { r.db.accounts[id] = prev })
	for cid, c := range r.db.calendars {
		if c.AccountID != id {
			continue
		}
		prevCal := c
		c.SyncEnabled = false
		c.PushState = PushAbsent
		r.db.calendars[cid] = c
		r.j.record(func() { r.db.calendars[prevCal.ID] = prevCal })
	}
	return nil
}

type memCalendars struct {
	db *memDB
	j  *journal
}

func (r *memCalendars) Create(ctx context.Context, cal Calendar) (*Calendar, error) {
	if err := r.db.begin("calendars.create"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	if _, ok := r.db.accounts[cal.AccountID]; !ok {
		return nil, ErrNotFound
	}
	for _, c := range r.db.calendars {
		if c.AccountID == cal.AccountID && c.ProviderCalendarID == cal.ProviderCalendarID {
			return nil, ErrConflict
		}
	}
	if cal.PushState == "" {
		cal.PushState = PushAbsent
	}
	if cal.SyncMode == "" {
		cal.SyncMode = ModePolling
	}
	cal.ID = r.db.id()
	cal.CreatedAt = time.Now().UTC()
	cal.SyncCursor = nil
	cal.LastSyncedAt = nil
	cal.Channel = Channel{}
	r.db.calendars[cal.ID] = cal
	r.j.record(func() { delete(r.db.calendars, cal.ID) })
	return &cal, nil
}

func (r *memCalendars) GetByID(ctx context.Context, id int64) (*Calendar, error) {
	if err := r.db.begin("calendars.get"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	c, ok := r.db.calendars[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *memCalendars) GetByChannelID(ctx context.Context, channelID string) (*Calendar, error) {
	if err := r.db.begin("calendars.get_by_channel"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	for _, c := range r.db.calendars {
		if channelID != "" && c.Channel.ID == channelID {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memCalendars) list(op string, keep func(Calendar) bool) ([]Calendar, error) {
	if err := r.db.begin(op); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	var out []Calendar
	for _, c := range r.db.calendars {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *memCalendars) ListByUser(ctx context.Context, userID int64) ([]Calendar, error) {
	return r.list("calendars.list_by_user", func(c Calendar) bool { return c.UserID == userID })
}

func (r *memCalendars) ListByMode(ctx context.Context, modes ...SyncMode) ([]Calendar, error) {
	return r.list("calendars.list_by_mode", func(c Calendar) bool {
		if !c.SyncEnabled {
			return false
		}
		for _, m := range modes {
			if c.SyncMode == m {
				return true
			}
		}
		return false
	})
}

func (r *memCalendars) ListEnabled(ctx context.Context) ([]Calendar, error) {
	return r.list("calendars.list_enabled", func(c Calendar) bool { return c.SyncEnabled })
}

func (r *memCalendars) update(op string, id int64, mutate func(*Calendar) error) error {
	if err := r.db.begin(op); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	c, ok := r.db.calendars[id]
	if !ok {
		return ErrNotFound
	}
	prev := c
	if err := mutate(&c); err != nil {
		return err
	}
	r.db.calendars[id] = c
	r.j.record(func() { r.db.calendars[id] = prev })
	return nil
}

func (r *memCalendars) SetSyncEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.update("calendars.set_enabled", id, func(c *Calendar) error {
		c.SyncEnabled = enabled
		return nil
	})
}

func (r *memCalendars) SetPrivate(ctx context.Context, id int64, private bool) error {
	return r.update("calendars.set_private", id, func(c *Calendar) error {
		c.Private = private
		return nil
	})
}

func (r *memCalendars) SaveCursor(ctx context.Context, id int64, cursor *string, syncedAt time.Time) error {
	return r.update("calendars.save_cursor", id, func(c *Calendar) error {
		if cursor != nil {
			v := *cursor
			c.SyncCursor = &v
		} else {
			c.SyncCursor = nil
		}
		at := syncedAt
		c.LastSyncedAt = &at
		return nil
	})
}

func (r *memCalendars) SetSyncMode(ctx context.Context, id int64, mode SyncMode) error {
	return r.update("calendars.set_mode", id, func(c *Calendar) error {
		c.SyncMode = mode
		return nil
	})
}

func (r *memCalendars) SetPushState(ctx context.Context, id int64, state PushState, failures int) error {
	return r.update("calendars.set_push_state", id, func(c *Calendar) error {
		c.PushState = state
		c.PushFailures = failures
		return nil
	})
}

func (r *memCalendars) SetChannel(ctx context.Context, id int64, ch Channel) error {
	return r.update("calendars.set_channel", id, func(c *Calendar) error {
		if ch.ID != "" {
			for _, other := range r.db.calendars {
				if other.ID != id && other.Channel.ID == ch.ID {
					return ErrConflict
				}
			}
		}
		c.Channel = ch
		return nil
	})
}

type memEvents struct {
	db *memDB
	j  *journal
}

func (r *memEvents) checkUnique(ev Event) error {
	for _, other := range r.db.events {
		if other.ID == ev.ID || other.CalendarID != ev.CalendarID {
			continue
		}
		if other.ProviderEventID == ev.ProviderEventID {
			return ErrConflict
		}
		if ev.SourceEventID != nil && other.SourceEventID != nil && *other.SourceEventID == *ev.SourceEventID {
			return ErrConflict
		}
	}
	return nil
}

func (r *memEvents) Insert(ctx context.Context, ev Event) (*Event, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if err := r.db.begin("events.insert"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	if _, ok := r.db.calendars[ev.CalendarID]; !ok {
		return nil, ErrNotFound
	}
	if ev.SourceEventID != nil {
		if _, ok := r.db.events[*ev.SourceEventID]; !ok {
			return nil, ErrNotFound
		}
	}
	ev.ID = 0
	if err := r.checkUnique(ev); err != nil {
		return nil, err
	}
	ev.ID = r.db.id()
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	ev.UpdatedAt = time.Now().UTC()
	r.db.events[ev.ID] = ev
	r.j.record(func() { delete(r.db.events, ev.ID) })
	out := ev
	return &out, nil
}

func (r *memEvents) Update(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := r.db.begin("events.update"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	cur, ok := r.db.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	prev := cur
	cur.Title = ev.Title
	cur.Description = ev.Description
	cur.Start = ev.Start.UTC()
	cur.End = ev.End.UTC()
	cur.AllDay = ev.AllDay
	cur.Tag = ev.Tag
	cur.TagKey = ev.TagKey
	cur.UpdatedAt = time.Now().UTC()
	r.db.events[ev.ID] = cur
	r.j.record(func() { r.db.events[prev.ID] = prev })
	return nil
}

func (r *memEvents) Delete(ctx context.Context, id int64) error {
	if err := r.db.begin("events.delete"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	ev, ok := r.db.events[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.db.events, id)
	r.j.record(func() { r.db.events[ev.ID] = ev })
	// ON DELETE SET NULL
	for oid, other := range r.db.events {
		if other.SourceEventID == nil || *other.SourceEventID != id {
			continue
		}
		prev := other
		other.SourceEventID = nil
		r.db.events[oid] = other
		r.j.record(func() { r.db.events[prev.ID] = prev })
	}
	return nil
}

func (r *memEvents) find(op string, match func(Event) bool) (*Event, error) {
	if err := r.db.begin(op); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	var found *Event
	for _, ev := range r.db.events {
		if match(ev) && (found == nil || ev.ID < found.ID) {
			e := ev
			found = &e
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r *memEvents) GetByID(ctx context.Context, id int64) (*Event, error) {
	return r.find("events.get", func(e Event) bool { return e.ID == id })
}

func (r *memEvents) GetByProviderID(ctx context.Context, calendarID int64, providerEventID string) (*Event, error) {
	return r.find("events.get_by_provider_id", func(e Event) bool {
		return e.CalendarID == calendarID && e.ProviderEventID == providerEventID
	})
}

func (r *memEvents) GetByTagKey(ctx context.Context, calendarID int64, tagKey string) (*Event, error) {
	return r.find("events.get_by_tag_key", func(e Event) bool {
		return tagKey != "" && e.CalendarID == calendarID && e.IsBusyBlock && e.TagKey == tagKey
	})
}

func (r *memEvents) FindBusyBlock(ctx context.Context, calendarID, sourceID int64) (*Event, error) {
	return r.find("events.find_busy_block", func(e Event) bool {
		return e.CalendarID == calendarID && e.SourceEventID != nil && *e.SourceEventID == sourceID
	})
}

func (r *memEvents) list(op string, keep func(Event) bool, less func(a, b Event) bool) ([]Event, error) {
	if err := r.db.begin(op); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	var out []Event
	for _, ev := range r.db.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	return out, nil
}

func byID(a, b Event) bool { return a.ID < b.ID }

func (r *memEvents) ListBusyBlocksBySource(ctx context.Context, sourceID int64) ([]Event, error) {
	return r.list("events.list_by_source", func(e Event) bool {
		return e.SourceEventID != nil && *e.SourceEventID == sourceID
	}, func(a, b Event) bool {
		if a.CalendarID != b.CalendarID {
			return a.CalendarID < b.CalendarID
		}
		return a.ID < b.ID
	})
}

func (r *memEvents) ListBusyBlocksForUser(ctx context.Context, userID int64) ([]Event, error) {
	return r.list("events.list_busy_for_user", func(e Event) bool {
		return e.IsBusyBlock && r.db.calendars[e.CalendarID].UserID == userID
	}, byID)
}

func (r *memEvents) ListSourcesInWindow(ctx context.Context, calendarID int64, from, to time.Time) ([]Event, error) {
	return r.list("events.list_sources_window", func(e Event) bool {
		return e.CalendarID == calendarID && !e.IsBusyBlock && e.End.After(from) && e.Start.Before(to)
	}, func(a, b Event) bool {
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
}

func (r *memEvents) ClearSource(ctx context.Context, id int64) error {
	if err := r.db.begin("events.clear_source"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	ev, ok := r.db.events[id]
	if !ok {
		return ErrNotFound
	}
	prev := ev
	ev.SourceEventID = nil
	ev.UpdatedAt = time.Now().UTC()
	r.db.events[id] = ev
	r.j.record(func() { r.db.events[id] = prev })
	return nil
}

type memSyncRuns struct {
	db *memDB
	j  *journal
}

func (r *memSyncRuns) Record(ctx context.Context, run SyncRun) error {
	if err := r.db.begin("sync_runs.record"); err != nil {
		return err
	}
	defer r.db.mu.Unlock()
	for _, existing := range r.db.runs {
		if existing.ID == run.ID {
			return ErrConflict
		}
	}
	run.Errors = append([]string(nil), run.Errors...)
	r.db.runs = append(r.db.runs, run)
	r.j.record(func() {
		for i, existing := range r.db.runs {
			if existing.ID == run.ID {
				r.db.runs = append(r.db.runs[:i], r.db.runs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *memSyncRuns) ListRecent(ctx context.Context, calendarID int64, limit int) ([]SyncRun, error) {
	if err := r.db.begin("sync_runs.list_recent"); err != nil {
		return nil, err
	}
	defer r.db.mu.Unlock()
	var out []SyncRun
	for _, run := range r.db.runs {
		if run.CalendarID == calendarID {
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

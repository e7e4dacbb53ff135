// Package propagate mirrors source event changes into busy blocks in every
// other enabled calendar of the same user.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/busysync/internal/detect"
	"gitea.jw6.us/james/busysync/internal/lock"
	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/tag"
)

const defaultConcurrency = 4

// Config tunes the engine.
type Config struct {
	// Concurrency bounds parallel writes across targets of one change.
	Concurrency int
	Rules       Rules
}

// Engine applies source changes to busy blocks.
type Engine struct {
	store       *store.Store
	providers   provider.Registry
	locks       lock.Locker
	rules       Rules
	concurrency int
	log         *slog.Logger
}

// New builds an engine. locks serializes work per source event and should be
// shared by every engine in the process, or be an advisory lock across
// replicas.
func New(s *store.Store, providers provider.Registry, locks lock.Locker, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	cfg.Rules.Normalize()
	return &Engine{
		store:       s,
		providers:   providers,
		locks:       locks,
		rules:       cfg.Rules,
		concurrency: cfg.Concurrency,
		log:         logger.With("component", "propagate"),
	}
}

// Failure is one target that could not be brought in line.
type Failure struct {
	CalendarID int64
	Op         string
	Err        error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s calendar %d: %v", f.Op, f.CalendarID, f.Err)
}

// Outcome records the effect of one Propagate call.
type Outcome struct {
	Kind      detect.Kind
	EventID   string
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Failures  []Failure
	// SourceErr is set when the source row itself could not be removed.
	SourceErr error
}

// Err joins every failure, or returns nil.
func (o Outcome) Err() error {
	errs := make([]error, 0, len(o.Failures)+1)
	for _, f := range o.Failures {
		errs = append(errs, f)
	}
	if o.SourceErr != nil {
		errs = append(errs, o.SourceErr)
	}
	return errors.Join(errs...)
}

type result int

const (
	resultNone result = iota
	resultCreated
	resultUpdated
	resultDeleted
)

func (o *Outcome) add(r result, f *Failure) {
	switch r {
	case resultCreated:
		o.Created++
	case resultUpdated:
		o.Updated++
	case resultDeleted:
		o.Deleted++
	default:
		if f == nil {
			o.Unchanged++
		}
	}
	if f != nil {
		o.Failures = append(o.Failures, *f)
	}
}

// target is an enabled calendar receiving busy blocks, with its account.
type target struct {
	cal  store.Calendar
	acct *store.Account
}

// origin describes the calendar a source event lives in.
type origin struct {
	cal  *store.Calendar
	acct *store.Account
}

func (o origin) tag(providerEventID string) tag.Tag {
	return tag.New(o.acct.Email, o.cal.ProviderCalendarID, providerEventID)
}

func sourceKey(id int64) string { return "source:" + strconv.FormatInt(id, 10) }

// Propagate applies change, which belongs to calendar cal, to all targets.
// For creations and updates source is the stored source row. For deletions
// source may be nil, in which case mirrors are located by tag key; the
// source row is deleted whatever happens to the mirrors.
func (e *Engine) Propagate(ctx context.Context, cal *store.Calendar, change detect.Change, source *store.Event) Outcome {
	out := Outcome{Kind: change.Kind, EventID: change.EventID}
	src, err := e.origin(ctx, cal)
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: cal.ID, Op: "load", Err: err})
		return out
	}

	if change.Kind == detect.Deleted {
		if source == nil {
			return e.deleteByTag(ctx, src, change.EventID, out)
		}
		return e.deleteAll(ctx, source, out)
	}
	if source == nil {
		out.Failures = append(out.Failures, Failure{CalendarID: cal.ID, Op: change.Kind.String(), Err: store.ErrNotFound})
		return out
	}

	release, err := e.locks.Acquire(ctx, sourceKey(source.ID))
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: cal.ID, Op: "lock", Err: err})
		return out
	}
	defer release()

	targets, err := e.targets(ctx, src.cal)
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: cal.ID, Op: "targets", Err: err})
		return out
	}

	srcTag := src.tag(source.ProviderEventID)
	results := make([]result, len(targets))
	failures := make([]*Failure, len(targets))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range targets {
		t := &targets[i]
		g.Go(func() error {
			var (
				r   result
				err error
				op  = change.Kind.String()
			)
			if change.Kind == detect.Created {
				r, err = e.ensure(ctx, t, source, srcTag)
			} else {
				r, err = e.update(ctx, t, source, srcTag)
			}
			results[i] = r
			if err != nil {
				failures[i] = &Failure{CalendarID: t.cal.ID, Op: op, Err: err}
				e.log.Warn("propagation failed", "op", op, "source_event_id", source.ID, "calendar_id", t.cal.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range targets {
		out.add(results[i], failures[i])
	}
	return out
}

// EnsureMirror makes sure target holds exactly one busy block for source.
// It reports whether a block was created.
func (e *Engine) EnsureMirror(ctx context.Context, source *store.Event, cal *store.Calendar) (bool, error) {
	r, err := e.single(ctx, source, cal, e.ensure)
	return r == resultCreated, err
}

// RefreshMirror rewrites the mirror of source in target so that it matches
// the source and the current title rules, creating it when missing. It
// reports whether the provider was written.
func (e *Engine) RefreshMirror(ctx context.Context, source *store.Event, cal *store.Calendar) (bool, error) {
	r, err := e.single(ctx, source, cal, e.update)
	return r == resultCreated || r == resultUpdated, err
}

// Drifted reports whether block no longer matches what source would render
// into target: times, all-day flag, or the title and description the rules
// produce for the block's tag.
func (e *Engine) Drifted(target *store.Calendar, source, block *store.Event) bool {
	title, desc := e.rules.Render(target, source.Title, block.Tag)
	return block.Title != title || block.Description != desc ||
		!block.Start.Equal(source.Start) || !block.End.Equal(source.End) || block.AllDay != source.AllDay
}

type mirrorFunc func(ctx context.Context, t *target, source *store.Event, srcTag tag.Tag) (result, error)

// single runs fn for one source and target pair under the source lock,
// after checking the pair may be linked at all.
func (e *Engine) single(ctx context.Context, source *store.Event, cal *store.Calendar, fn mirrorFunc) (result, error) {
	if source.IsBusyBlock {
		return resultNone, fmt.Errorf("event %d is a busy block: %w", source.ID, store.ErrInvalidEvent)
	}
	if source.CalendarID == cal.ID {
		return resultNone, fmt.Errorf("target %d is the source calendar: %w", cal.ID, store.ErrInvalidEvent)
	}
	srcCal, err := e.store.Calendars.GetByID(ctx, source.CalendarID)
	if err != nil {
		return resultNone, fmt.Errorf("load source calendar: %w", err)
	}
	if srcCal.UserID != cal.UserID {
		return resultNone, fmt.Errorf("target %d belongs to another user: %w", cal.ID, store.ErrInvalidEvent)
	}
	src, err := e.origin(ctx, srcCal)
	if err != nil {
		return resultNone, err
	}
	acct, err := e.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return resultNone, fmt.Errorf("load target account: %w", err)
	}

	release, err := e.locks.Acquire(ctx, sourceKey(source.ID))
	if err != nil {
		return resultNone, err
	}
	defer release()

	return fn(ctx, &target{cal: *cal, acct: acct}, source, src.tag(source.ProviderEventID))
}

// RemoveBlock deletes a busy block from its provider and then from the
// store. A block already gone from the provider is still removed locally.
func (e *Engine) RemoveBlock(ctx context.Context, block *store.Event) error {
	if !block.IsBusyBlock {
		return fmt.Errorf("event %d is not a busy block: %w", block.ID, store.ErrInvalidEvent)
	}
	cal, err := e.store.Calendars.GetByID(ctx, block.CalendarID)
	if err != nil {
		return fmt.Errorf("load calendar: %w", err)
	}
	acct, err := e.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	return e.remove(ctx, &target{cal: *cal, acct: acct}, block)
}

func (e *Engine) origin(ctx context.Context, cal *store.Calendar) (origin, error) {
	acct, err := e.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return origin{}, fmt.Errorf("load source account: %w", err)
	}
	return origin{cal: cal, acct: acct}, nil
}

// targets lists the enabled calendars of the source's user on active
// accounts, except the source calendar itself.
func (e *Engine) targets(ctx context.Context, srcCal *store.Calendar) ([]target, error) {
	cals, err := e.store.Calendars.ListByUser(ctx, srcCal.UserID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	accts, err := e.store.Accounts.ListByUser(ctx, srcCal.UserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	byID := make(map[int64]*store.Account, len(accts))
	for i := range accts {
		byID[accts[i].ID] = &accts[i]
	}

	var out []target
	for _, c := range cals {
		acct := byID[c.AccountID]
		if c.ID == srcCal.ID || !c.SyncEnabled || acct == nil || !acct.Active {
			continue
		}
		out = append(out, target{cal: c, acct: acct})
	}
	return out, nil
}

// ensure creates the mirror of source in t unless the store already tracks
// one. The caller holds the source lock.
func (e *Engine) ensure(ctx context.Context, t *target, source *store.Event, srcTag tag.Tag) (result, error) {
	if _, err := e.store.Events.FindBusyBlock(ctx, t.cal.ID, source.ID); err == nil {
		return resultNone, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return resultNone, fmt.Errorf("find mirror: %w", err)
	}

	client, err := e.providers.ForAccount(ctx, t.acct)
	if err != nil {
		return resultNone, err
	}
	title, desc := e.rules.Render(&t.cal, source.Title, srcTag.String())
	pid, err := client.CreateEvent(ctx, t.cal.ProviderCalendarID, provider.EventInput{
		Title:       title,
		Description: desc,
		Start:       source.Start,
		End:         source.End,
		AllDay:      source.AllDay,
		Tag:         srcTag.String(),
	})
	metrics.CountPropagation("create", err)
	if err != nil {
		return resultNone, fmt.Errorf("create block: %w", err)
	}

	block := store.Event{
		CalendarID:      t.cal.ID,
		ProviderEventID: pid,
		Title:           title,
		Description:     desc,
		Start:           source.Start,
		End:             source.End,
		AllDay:          source.AllDay,
		IsBusyBlock:     true,
		SourceEventID:   &source.ID,
		Tag:             srcTag.String(),
		TagKey:          srcTag.Key(),
	}
	err = e.store.WithinTx(ctx, func(tx *store.Store) error {
		_, err := tx.Events.Insert(ctx, block)
		return err
	})
	if err == nil {
		return resultCreated, nil
	}

	// The provider object must not outlive a failed insert.
	if _, derr := client.DeleteEvent(context.WithoutCancel(ctx), t.cal.ProviderCalendarID, pid); derr != nil {
		e.log.Error("compensating delete failed", "calendar_id", t.cal.ID, "provider_event_id", pid, "error", derr)
	}
	if errors.Is(err, store.ErrConflict) {
		return resultNone, nil
	}
	return resultNone, fmt.Errorf("record block: %w", err)
}

// update brings an existing mirror in line with source, creating it when it
// was never made. Only fields that differ are sent to the provider.
func (e *Engine) update(ctx context.Context, t *target, source *store.Event, srcTag tag.Tag) (result, error) {
	mirror, err := e.store.Events.FindBusyBlock(ctx, t.cal.ID, source.ID)
	if errors.Is(err, store.ErrNotFound) {
		return e.ensure(ctx, t, source, srcTag)
	}
	if err != nil {
		return resultNone, fmt.Errorf("find mirror: %w", err)
	}

	title, desc := e.rules.Render(&t.cal, source.Title, srcTag.String())
	var fields provider.EventFields
	if mirror.Title != title {
		fields.Title = &title
	}
	if mirror.Description != desc {
		fields.Description = &desc
	}
	timesChanged := !mirror.Start.Equal(source.Start) || !mirror.End.Equal(source.End) || mirror.AllDay != source.AllDay
	if timesChanged {
		start, end, allDay := source.Start, source.End, source.AllDay
		fields.Start, fields.End, fields.AllDay = &start, &end, &allDay
	}

	next := *mirror
	next.Title, next.Description = title, desc
	next.Start, next.End, next.AllDay = source.Start, source.End, source.AllDay
	next.Tag, next.TagKey = srcTag.String(), srcTag.Key()

	if fields.IsEmpty() {
		if err := e.store.Events.Update(ctx, next); err != nil {
			return resultNone, fmt.Errorf("touch block: %w", err)
		}
		return resultNone, nil
	}

	client, err := e.providers.ForAccount(ctx, t.acct)
	if err != nil {
		return resultNone, err
	}
	err = client.UpdateEvent(ctx, t.cal.ProviderCalendarID, mirror.ProviderEventID, fields)
	metrics.CountPropagation("update", err)
	if errors.Is(err, provider.ErrNotFound) {
		// Deleted behind our back: drop the stale row and mirror afresh.
		if err := e.store.Events.Delete(ctx, mirror.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return resultNone, fmt.Errorf("drop stale block: %w", err)
		}
		return e.ensure(ctx, t, source, srcTag)
	}
	if err != nil {
		return resultNone, fmt.Errorf("update block: %w", err)
	}
	if err := e.store.Events.Update(ctx, next); err != nil {
		return resultNone, fmt.Errorf("record block update: %w", err)
	}
	return resultUpdated, nil
}

// remove deletes one block from the provider and then the store.
func (e *Engine) remove(ctx context.Context, t *target, block *store.Event) error {
	client, err := e.providers.ForAccount(ctx, t.acct)
	if err != nil {
		return err
	}
	_, err = client.DeleteEvent(ctx, t.cal.ProviderCalendarID, block.ProviderEventID)
	metrics.CountPropagation("delete", err)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if err := e.store.Events.Delete(ctx, block.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("forget block: %w", err)
	}
	return nil
}

// deleteAll removes every mirror of source, best effort, then the source
// row. Mirrors that could not be removed lose their source reference and
// are collected by the auditor as orphans.
func (e *Engine) deleteAll(ctx context.Context, source *store.Event, out Outcome) Outcome {
	release, err := e.locks.Acquire(ctx, sourceKey(source.ID))
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: source.CalendarID, Op: "lock", Err: err})
		return out
	}
	defer release()

	blocks, err := e.store.Events.ListBusyBlocksBySource(ctx, source.ID)
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: source.CalendarID, Op: "list", Err: err})
	}
	out = e.removeBlocks(ctx, blocks, out)

	if err := e.store.Events.Delete(ctx, source.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		out.SourceErr = fmt.Errorf("delete source %d: %w", source.ID, err)
	}
	return out
}

// deleteByTag handles a cancellation for a source the store never tracked,
// removing any block that still carries its tag.
func (e *Engine) deleteByTag(ctx context.Context, src origin, providerEventID string, out Outcome) Outcome {
	key := src.tag(providerEventID).Key()
	cals, err := e.store.Calendars.ListByUser(ctx, src.cal.UserID)
	if err != nil {
		out.Failures = append(out.Failures, Failure{CalendarID: src.cal.ID, Op: "targets", Err: err})
		return out
	}
	var blocks []store.Event
	for _, c := range cals {
		if c.ID == src.cal.ID {
			continue
		}
		b, err := e.store.Events.GetByTagKey(ctx, c.ID, key)
		switch {
		case err == nil:
			blocks = append(blocks, *b)
		case !errors.Is(err, store.ErrNotFound):
			out.Failures = append(out.Failures, Failure{CalendarID: c.ID, Op: "find", Err: err})
		}
	}
	return e.removeBlocks(ctx, blocks, out)
}

func (e *Engine) removeBlocks(ctx context.Context, blocks []store.Event, out Outcome) Outcome {
	if len(blocks) == 0 {
		return out
	}
	failures := make([]*Failure, len(blocks))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range blocks {
		b := &blocks[i]
		g.Go(func() error {
			if err := e.RemoveBlock(ctx, b); err != nil {
				failures[i] = &Failure{CalendarID: b.CalendarID, Op: "delete", Err: err}
				e.log.Warn("busy block delete failed", "event_id", b.ID, "calendar_id", b.CalendarID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, f := range failures {
		if f != nil {
			out.add(resultNone, f)
		} else {
			out.add(resultDeleted, nil)
		}
	}
	return out
}

// Package syncer drives per-calendar sync runs: it fetches provider changes,
// classifies them, applies source rows, propagates busy blocks and advances
// the cursor, while tracking whether each calendar is push or poll driven.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/busysync/internal/detect"
	"gitea.jw6.us/james/busysync/internal/lock"
	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/propagate"
	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

const (
	defaultPushThreshold = 3
	defaultChannelTTL    = 7 * 24 * time.Hour
	defaultRenewBefore   = 24 * time.Hour
	defaultStaleAfter    = 6 * time.Hour
	defaultConcurrency   = 4
)

// Config tunes the orchestrator.
type Config struct {
	// PushFailureThreshold is the number of push failures tolerated before
	// falling back to polling.
	PushFailureThreshold int
	// WebhookAddress is the public URL push notifications are sent to. Push
	// subscriptions are disabled when it is empty.
	WebhookAddress string
	ChannelTTL     time.Duration
	// RenewBefore renews subscriptions expiring within this margin.
	RenewBefore time.Duration
	// StaleAfter polls webhook-driven calendars not synced for this long.
	StaleAfter  time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.PushFailureThreshold <= 0 {
		c.PushFailureThreshold = defaultPushThreshold
	}
	if c.ChannelTTL <= 0 {
		c.ChannelTTL = defaultChannelTTL
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = defaultRenewBefore
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Orchestrator runs calendar syncs. Runs for one calendar are serialized by
// locks; different calendars sync concurrently.
type Orchestrator struct {
	store     *store.Store
	providers provider.Registry
	detector  *detect.Detector
	engine    *propagate.Engine
	locks     lock.Locker
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// New wires an orchestrator.
func New(s *store.Store, providers provider.Registry, detector *detect.Detector, engine *propagate.Engine, locks lock.Locker, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		providers: providers,
		detector:  detector,
		engine:    engine,
		locks:     locks,
		cfg:       cfg.withDefaults(),
		log:       logger.With("component", "syncer"),
		now:       time.Now,
	}
}

func calendarKey(id int64) string { return "calendar:" + strconv.FormatInt(id, 10) }

// Trigger syncs one calendar. A calendar already being synced yields a
// skipped result rather than an error. The returned error is set when the
// run could not complete; the result is always populated.
func (o *Orchestrator) Trigger(ctx context.Context, calendarID int64, hint Hint) (RunResult, error) {
	if hint.Trigger == "" {
		hint.Trigger = TriggerManual
	}
	res := RunResult{RunID: uuid.NewString(), CalendarID: calendarID, Trigger: hint.Trigger, StartedAt: o.now().UTC()}

	release, err := o.locks.Acquire(ctx, calendarKey(calendarID))
	if errors.Is(err, lock.ErrBusy) {
		res.Skipped, res.SkipReason = true, SkipBusy
		res.FinishedAt = o.now().UTC()
		o.log.Info("sync already in progress", "calendar_id", calendarID, "trigger", hint.Trigger)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("lock calendar %d: %w", calendarID, err)
	}
	defer release()

	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return res, fmt.Errorf("load calendar %d: %w", calendarID, err)
	}
	if !cal.SyncEnabled {
		res.Skipped, res.SkipReason = true, SkipDisabled
		res.FinishedAt = o.now().UTC()
		return res, nil
	}
	acct, err := o.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return res, fmt.Errorf("load account %d: %w", cal.AccountID, err)
	}
	if !acct.Active {
		res.Skipped, res.SkipReason = true, SkipInactive
		res.FinishedAt = o.now().UTC()
		return res, nil
	}

	runErr := o.run(ctx, cal, acct, hint, &res)
	if runErr != nil {
		res.Errors = append(res.Errors, runErr.Error())
	}
	res.FinishedAt = o.now().UTC()

	outcome := "ok"
	switch {
	case runErr != nil:
		outcome = "error"
	case res.Failed():
		outcome = "partial"
	}
	metrics.ObserveSyncRun(res.Trigger, res.Mode, outcome, res.StartedAt)

	// Persisting the record is best effort; it must outlive a cancelled run.
	if err := o.store.SyncRuns.Record(context.WithoutCancel(ctx), res.record()); err != nil {
		o.log.Warn("record sync run failed", "calendar_id", cal.ID, "run_id", res.RunID, "error", err)
	}
	o.log.Info("sync finished",
		"calendar_id", cal.ID, "run_id", res.RunID, "trigger", res.Trigger, "mode", res.Mode,
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted,
		"blocks_created", res.BlocksCreated, "blocks_updated", res.BlocksUpdated, "blocks_deleted", res.BlocksDeleted,
		"errors", len(res.Errors), "cursor_advanced", res.CursorAdvanced)
	return res, runErr
}

// run performs one sync with the calendar lock held.
func (o *Orchestrator) run(ctx context.Context, cal *store.Calendar, acct *store.Account, hint Hint, res *RunResult) error {
	client, err := o.providers.ForAccount(ctx, acct)
	if err != nil {
		return fmt.Errorf("provider client: %w", err)
	}

	full := hint.ForceFull || cal.NeedsFullSync()
	listing, err := o.fetch(ctx, client, cal, full)
	if errors.Is(err, provider.ErrCursorInvalid) {
		o.log.Info("sync cursor rejected, running full resync", "calendar_id", cal.ID)
		if err := o.apply(ctx, cal, Transition(StateOf(cal), SignalCursorRejected, o.cfg.PushFailureThreshold)); err != nil {
			return err
		}
		full = true
		listing, err = o.fetch(ctx, client, cal, true)
	}
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if listing.IsFullResync {
		full = true
	}
	res.Mode = ModeIncremental
	if full {
		res.Mode = ModeFull
	}

	detected, err := o.detector.Detect(ctx, detect.Batch{
		Calendar:       cal,
		PreviousCursor: cal.SyncCursor,
		Events:         listing.Events,
		NextCursor:     listing.NextCursor,
		Full:           full,
		Since:          listing.Since,
	})
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	res.Ignored = len(detected.Skipped)
	res.Created, res.Updated, res.Deleted = detected.Counts()

	sources, err := o.applySources(ctx, cal, detected.Changes)
	if err != nil {
		return fmt.Errorf("apply source rows: %w", err)
	}

	var sourceErrs []error
	for _, change := range detected.Changes {
		src := sources[change.EventID]
		if change.Kind == detect.Deleted {
			src = change.Existing
		}
		out := o.engine.Propagate(ctx, cal, change, src)
		res.BlocksCreated += out.Created
		res.BlocksUpdated += out.Updated
		res.BlocksDeleted += out.Deleted
		for _, f := range out.Failures {
			res.Errors = append(res.Errors, f.Error())
		}
		if out.SourceErr != nil {
			sourceErrs = append(sourceErrs, out.SourceErr)
		}
	}

	for _, echo := range detected.Echoes {
		if echo.Known {
			continue
		}
		action, err := o.engine.Reconcile(ctx, cal, echo)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("reconcile %s: %v", echo.Event.ID, err))
			continue
		}
		switch action {
		case propagate.ActionAdopted:
			res.Adopted++
		case propagate.ActionDeleted:
			res.Strays++
		}
	}

	if len(sourceErrs) > 0 {
		return fmt.Errorf("source rows not applied, cursor kept: %w", errors.Join(sourceErrs...))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cursor := listing.NextCursor
	if err := o.store.Calendars.SaveCursor(ctx, cal.ID, &cursor, o.now().UTC()); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	res.CursorAdvanced = true

	if full {
		if err := o.apply(ctx, cal, Transition(StateOf(cal), SignalFullSyncDone, o.cfg.PushFailureThreshold)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context, client provider.Client, cal *store.Calendar, full bool) (*provider.IncrementalResult, error) {
	cursor := ""
	if !full && cal.SyncCursor != nil {
		cursor = *cal.SyncCursor
	}
	return client.ListEventsIncremental(ctx, cal.ProviderCalendarID, cursor)
}

// applySources writes created and updated source rows in one transaction and
// returns them by provider event id.
func (o *Orchestrator) applySources(ctx context.Context, cal *store.Calendar, changes []detect.Change) (map[string]*store.Event, error) {
	out := make(map[string]*store.Event, len(changes))
	err := o.store.WithinTx(ctx, func(tx *store.Store) error {
		for _, c := range changes {
			switch c.Kind {
			case detect.Created:
				ev, err := tx.Events.Insert(ctx, sourceRow(cal.ID, c.Payload))
				if err != nil {
					return fmt.Errorf("insert %s: %w", c.EventID, err)
				}
				out[c.EventID] = ev
			case detect.Updated:
				ev := sourceRow(cal.ID, c.Payload)
				ev.ID = c.Existing.ID
				if err := tx.Events.Update(ctx, ev); err != nil {
					return fmt.Errorf("update %s: %w", c.EventID, err)
				}
				out[c.EventID] = &ev
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sourceRow(calendarID int64, p *detect.Payload) store.Event {
	return store.Event{
		CalendarID:      calendarID,
		ProviderEventID: p.ProviderEventID,
		Title:           p.Title,
		Description:     p.Description,
		Start:           p.Start,
		End:             p.End,
		AllDay:          p.AllDay,
	}
}

// apply persists a state change, touching only what differs.
func (o *Orchestrator) apply(ctx context.Context, cal *store.Calendar, next State) error {
	cur := StateOf(cal)
	if next.Mode != cur.Mode {
		if err := o.store.Calendars.SetSyncMode(ctx, cal.ID, next.Mode); err != nil {
			return fmt.Errorf("set sync mode: %w", err)
		}
		o.log.Info("sync mode changed", "calendar_id", cal.ID, "from", cur.Mode, "to", next.Mode)
	}
	if next.Push != cur.Push || next.Failures != cur.Failures {
		if err := o.store.Calendars.SetPushState(ctx, cal.ID, next.Push, next.Failures); err != nil {
			return fmt.Errorf("set push state: %w", err)
		}
	}
	cal.SyncMode, cal.PushState, cal.PushFailures = next.Mode, next.Push, next.Failures
	return nil
}

// SyncUser syncs every enabled calendar of a user concurrently.
func (o *Orchestrator) SyncUser(ctx context.Context, userID int64) ([]RunResult, error) {
	cals, err := o.store.Calendars.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	var enabled []store.Calendar
	for _, c := range cals {
		if c.SyncEnabled {
			enabled = append(enabled, c)
		}
	}
	return o.runAll(ctx, enabled, Hint{Trigger: TriggerManual})
}

// PollDue syncs calendars that are not push driven, plus webhook-driven
// calendars whose last sync is older than StaleAfter. A quiet webhook
// calendar that turns out to have changes counts as a missed push.
func (o *Orchestrator) PollDue(ctx context.Context) ([]RunResult, error) {
	cals, err := o.store.Calendars.ListByMode(ctx, store.ModePolling, store.ModeFullResync)
	if err != nil {
		return nil, fmt.Errorf("list polling calendars: %w", err)
	}
	hooked, err := o.store.Calendars.ListByMode(ctx, store.ModeWebhook)
	if err != nil {
		return nil, fmt.Errorf("list webhook calendars: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	// Quiet webhook calendars from here on; changes found in them were missed
	// by push.
	quiet := len(cals)
	for _, c := range hooked {
		if c.LastSyncedAt == nil || c.LastSyncedAt.Before(cutoff) {
			cals = append(cals, c)
		}
	}
	results, err := o.runAll(ctx, cals, Hint{Trigger: TriggerPoll})
	for i := quiet; i < len(cals); i++ {
		r := results[i]
		if cals[i].LastSyncedAt == nil || r.Skipped || r.Created+r.Updated+r.Deleted == 0 {
			continue
		}
		o.log.Warn("poll found changes push did not deliver", "calendar_id", cals[i].ID, "created", r.Created, "updated", r.Updated, "deleted", r.Deleted)
		if perr := o.ReportPushFailure(ctx, cals[i].ID); perr != nil {
			o.log.Warn("record push failure failed", "calendar_id", cals[i].ID, "error", perr)
		}
	}
	return results, err
}

func (o *Orchestrator) runAll(ctx context.Context, cals []store.Calendar, hint Hint) ([]RunResult, error) {
	results := make([]RunResult, len(cals))
	errs := make([]error, len(cals))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i := range cals {
		id := cals[i].ID
		g.Go(func() error {
			results[i], errs[i] = o.Trigger(ctx, id, hint)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Package audit finds and repairs busy blocks that break the cardinality
// invariant (orphans without a live eligible source, sources missing a
// mirror in some other enabled calendar) and mirrors whose content has
// drifted from their source.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/store"
)

const (
	defaultLookback  = 30 * 24 * time.Hour
	defaultLookahead = 90 * 24 * time.Hour
)

// Orphan reasons.
const (
	ReasonNoSource       = "no_source"
	ReasonSourceGone     = "source_gone"
	ReasonSourceDisabled = "source_disabled"
	ReasonChain          = "chain"
	ReasonCrossUser      = "cross_user"
)

// Mirrorer creates, rewrites and removes busy blocks. *propagate.Engine
// satisfies it.
type Mirrorer interface {
	EnsureMirror(ctx context.Context, source *store.Event, target *store.Calendar) (bool, error)
	RefreshMirror(ctx context.Context, source *store.Event, target *store.Calendar) (bool, error)
	RemoveBlock(ctx context.Context, block *store.Event) error
	// Drifted reports whether block differs from what source renders into
	// target.
	Drifted(target *store.Calendar, source, block *store.Event) bool
}

// Config bounds the window checked for missing mirrors.
type Config struct {
	Lookback  time.Duration
	Lookahead time.Duration
}

// Auditor checks one user's busy blocks against their sources.
type Auditor struct {
	store    *store.Store
	mirrorer Mirrorer
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New returns an auditor. Zero window bounds default to 30 days back and 90
// days ahead.
func New(s *store.Store, m Mirrorer, cfg Config, logger *slog.Logger) *Auditor {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: s, mirrorer: m, cfg: cfg, log: logger.With("component", "audit"), now: time.Now}
}

// Orphan is a busy block with no live eligible source.
type Orphan struct {
	Block  store.Event
	Reason string
}

// Missing is a source lacking a mirror in Target.
type Missing struct {
	Source store.Event
	Target store.Calendar
}

// Stale is a mirror whose times or rendered text no longer match its source,
// typically after a failed update or a change of the target's privacy.
type Stale struct {
	Block  store.Event
	Source store.Event
	Target store.Calendar
}

// Violation is a data-integrity error found while walking source links.
type Violation struct {
	BlockID  int64
	SourceID int64
	Reason   string
}

// Findings is the result of auditing one user.
type Findings struct {
	UserID     int64
	Orphans    []Orphan
	Missing    []Missing
	Stale      []Stale
	Violations []Violation
}

// Clean reports whether nothing needs repair.
func (f Findings) Clean() bool {
	return len(f.Orphans) == 0 && len(f.Missing) == 0 && len(f.Stale) == 0 && len(f.Violations) == 0
}

// RepairResult summarizes one Repair call.
type RepairResult struct {
	Deleted int
	Created int
	Updated int
	Errors  []error
}

type pair struct {
	calendarID int64
	sourceID   int64
}

// Audit inspects every busy block of the user and every source inside the
// window. Busy blocks whose source is itself a busy block are severed on the
// spot, since following such links could loop.
func (a *Auditor) Audit(ctx context.Context, userID int64) (Findings, error) {
	f := Findings{UserID: userID}

	cals, err := a.store.Calendars.ListByUser(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("list calendars: %w", err)
	}
	accts, err := a.store.Accounts.ListByUser(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("list accounts: %w", err)
	}
	active := make(map[int64]bool, len(accts))
	for _, acct := range accts {
		active[acct.ID] = acct.Active
	}
	byID := make(map[int64]store.Calendar, len(cals))
	var enabled []store.Calendar
	for _, c := range cals {
		byID[c.ID] = c
		if c.SyncEnabled && active[c.AccountID] {
			enabled = append(enabled, c)
		}
	}
	isEnabled := func(id int64) bool {
		c, ok := byID[id]
		return ok && c.SyncEnabled && active[c.AccountID]
	}

	blocks, err := a.store.Events.ListBusyBlocksForUser(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("list busy blocks: %w", err)
	}
	mirrored := make(map[pair]bool, len(blocks))
	for _, b := range blocks {
		if b.SourceEventID == nil {
			f.Orphans = append(f.Orphans, Orphan{Block: b, Reason: ReasonNoSource})
			continue
		}
		src, err := a.store.Events.GetByID(ctx, *b.SourceEventID)
		if errors.Is(err, store.ErrNotFound) {
			f.Orphans = append(f.Orphans, Orphan{Block: b, Reason: ReasonSourceGone})
			continue
		}
		if err != nil {
			return f, fmt.Errorf("load source of %d: %w", b.ID, err)
		}

		if reason := a.integrity(b, src, byID); reason != "" {
			f.Violations = append(f.Violations, Violation{BlockID: b.ID, SourceID: src.ID, Reason: reason})
			a.log.Error("busy block integrity violation", "integrity", true, "reason", reason, "block_id", b.ID, "source_id", src.ID, "user_id", userID)
			metrics.CountIntegrityViolation(reason)
			if err := a.store.Events.ClearSource(ctx, b.ID); err != nil {
				return f, fmt.Errorf("sever block %d: %w", b.ID, err)
			}
			b.SourceEventID = nil
			f.Orphans = append(f.Orphans, Orphan{Block: b, Reason: reason})
			continue
		}

		if !isEnabled(src.CalendarID) {
			f.Orphans = append(f.Orphans, Orphan{Block: b, Reason: ReasonSourceDisabled})
			continue
		}
		mirrored[pair{calendarID: b.CalendarID, sourceID: src.ID}] = true

		if target := byID[b.CalendarID]; isEnabled(target.ID) && a.mirrorer.Drifted(&target, src, &b) {
			f.Stale = append(f.Stale, Stale{Block: b, Source: *src, Target: target})
		}
	}

	now := a.now()
	from, to := now.Add(-a.cfg.Lookback), now.Add(a.cfg.Lookahead)
	for _, c := range enabled {
		sources, err := a.store.Events.ListSourcesInWindow(ctx, c.ID, from, to)
		if err != nil {
			return f, fmt.Errorf("list sources of %d: %w", c.ID, err)
		}
		for _, src := range sources {
			for _, t := range enabled {
				if t.ID == c.ID || mirrored[pair{calendarID: t.ID, sourceID: src.ID}] {
					continue
				}
				f.Missing = append(f.Missing, Missing{Source: src, Target: t})
			}
		}
	}

	metrics.CountAuditFinding("orphan", len(f.Orphans))
	metrics.CountAuditFinding("missing", len(f.Missing))
	metrics.CountAuditFinding("stale", len(f.Stale))
	metrics.CountAuditFinding("violation", len(f.Violations))
	return f, nil
}

// integrity returns the violation a block's link represents, if any. Only
// one hop is ever followed.
func (a *Auditor) integrity(block store.Event, src *store.Event, cals map[int64]store.Calendar) string {
	if src.IsBusyBlock {
		return ReasonChain
	}
	if _, ok := cals[src.CalendarID]; !ok {
		return ReasonCrossUser
	}
	if src.CalendarID == block.CalendarID {
		return ReasonChain
	}
	return ""
}

// Repair deletes orphans, creates missing mirrors and rewrites stale ones.
// Each item is independent; failures are collected.
func (a *Auditor) Repair(ctx context.Context, f Findings) RepairResult {
	var res RepairResult
	for i := range f.Orphans {
		o := &f.Orphans[i]
		if err := a.mirrorer.RemoveBlock(ctx, &o.Block); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("remove orphan %d: %w", o.Block.ID, err))
			continue
		}
		res.Deleted++
	}
	for i := range f.Missing {
		m := &f.Missing[i]
		created, err := a.mirrorer.EnsureMirror(ctx, &m.Source, &m.Target)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("mirror %d into %d: %w", m.Source.ID, m.Target.ID, err))
			continue
		}
		if created {
			res.Created++
		}
	}
	for i := range f.Stale {
		st := &f.Stale[i]
		written, err := a.mirrorer.RefreshMirror(ctx, &st.Source, &st.Target)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("refresh block %d: %w", st.Block.ID, err))
			continue
		}
		if written {
			res.Updated++
		}
	}
	if len(res.Errors) > 0 {
		a.log.Warn("audit repair incomplete", "user_id", f.UserID, "errors", len(res.Errors))
	}
	return res
}

// Summary aggregates AuditAll over every user.
type Summary struct {
	Users      int
	Orphans    int
	Missing    int
	Stale      int
	Violations int
	Deleted    int
	Created    int
	Updated    int
	Errors     []error
}

// AuditAll audits every user with an enabled calendar, repairing when asked.
// A failing user does not stop the others.
func (a *Auditor) AuditAll(ctx context.Context, repair bool) (Summary, error) {
	var sum Summary
	users, err := a.store.Users.ListWithEnabledCalendars(ctx)
	if err != nil {
		return sum, fmt.Errorf("list users: %w", err)
	}
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		f, err := a.Audit(ctx, id)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Errorf("audit user %d: %w", id, err))
			continue
		}
		sum.Users++
		sum.Orphans += len(f.Orphans)
		sum.Missing += len(f.Missing)
		sum.Stale += len(f.Stale)
		sum.Violations += len(f.Violations)
		if repair && !f.Clean() {
			r := a.Repair(ctx, f)
			sum.Deleted += r.Deleted
			sum.Created += r.Created
			sum.Updated += r.Updated
			sum.Errors = append(sum.Errors, r.Errors...)
		}
	}
	a.log.Info("audit finished", "users", sum.Users, "orphans", sum.Orphans, "missing", sum.Missing, "stale", sum.Stale, "violations", sum.Violations, "repaired_deleted", sum.Deleted, "repaired_created", sum.Created, "repaired_updated", sum.Updated, "errors", len(sum.Errors))
	return sum, nil
}

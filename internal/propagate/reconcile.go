package propagate

import (
	"context"
	"errors"
	"fmt"

	"gitea.jw6.us/james/busysync/internal/detect"
	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/tag"
)

// Action is the result of reconciling one echoed busy block.
type Action string

const (
	ActionNone    Action = "none"
	ActionAdopted Action = "adopted"
	ActionDeleted Action = "deleted"
	ActionIgnored Action = "ignored"
)

// Reconcile resolves an echoed busy block in cal that the store does not
// track, which happens when a run stops between the provider create and the
// store commit. A block whose tag names a live source without a mirror in
// cal is adopted; any other untracked block is deleted as a stray.
func (e *Engine) Reconcile(ctx context.Context, cal *store.Calendar, echo detect.Echo) (Action, error) {
	raw := echo.Event
	if echo.Known || raw.Status == provider.StatusCancelled {
		return ActionNone, nil
	}
	t, ok := echoTag(raw)
	if !ok {
		return ActionIgnored, nil
	}

	acct, err := e.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return ActionNone, fmt.Errorf("load account: %w", err)
	}
	tgt := &target{cal: *cal, acct: acct}

	if dup, err := e.store.Events.GetByTagKey(ctx, cal.ID, t.Key()); err == nil {
		if dup.ProviderEventID == raw.ID {
			return ActionNone, nil
		}
		return e.deleteStray(ctx, tgt, raw.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return ActionNone, fmt.Errorf("find by tag: %w", err)
	}

	if t.Hash != "" {
		// Hashed tags cannot be traced back to a source.
		return ActionIgnored, nil
	}

	source, err := e.resolve(ctx, cal, t)
	if err != nil {
		return ActionNone, err
	}
	if source == nil {
		return e.deleteStray(ctx, tgt, raw.ID)
	}

	release, err := e.locks.Acquire(ctx, sourceKey(source.ID))
	if err != nil {
		return ActionNone, err
	}
	defer release()

	// A propagation may have committed the row while we waited.
	if _, err := e.store.Events.GetByProviderID(ctx, cal.ID, raw.ID); err == nil {
		return ActionNone, nil
	}
	if _, err := e.store.Events.FindBusyBlock(ctx, cal.ID, source.ID); err == nil {
		return e.deleteStray(ctx, tgt, raw.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return ActionNone, fmt.Errorf("find mirror: %w", err)
	}

	title, desc := e.rules.Render(cal, source.Title, t.String())
	_, err = e.store.Events.Insert(ctx, store.Event{
		CalendarID:      cal.ID,
		ProviderEventID: raw.ID,
		Title:           title,
		Description:     desc,
		Start:           source.Start,
		End:             source.End,
		AllDay:          source.AllDay,
		IsBusyBlock:     true,
		SourceEventID:   &source.ID,
		Tag:             t.String(),
		TagKey:          t.Key(),
	})
	if errors.Is(err, store.ErrConflict) {
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, fmt.Errorf("adopt block: %w", err)
	}
	e.log.Info("adopted untracked busy block", "calendar_id", cal.ID, "provider_event_id", raw.ID, "source_event_id", source.ID)
	return ActionAdopted, nil
}

// resolve finds the live, eligible source named by t among the calendars of
// cal's user. It returns nil when there is none.
func (e *Engine) resolve(ctx context.Context, cal *store.Calendar, t tag.Tag) (*store.Event, error) {
	cals, err := e.store.Calendars.ListByUser(ctx, cal.UserID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	for i := range cals {
		c := &cals[i]
		if c.ProviderCalendarID != t.CalendarID || c.ID == cal.ID || !c.SyncEnabled {
			continue
		}
		acct, err := e.store.Accounts.GetByID(ctx, c.AccountID)
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}
		if acct.Email != t.Account {
			continue
		}
		ev, err := e.store.Events.GetByProviderID(ctx, c.ID, t.EventID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup source: %w", err)
		}
		if ev.IsBusyBlock {
			return nil, nil
		}
		return ev, nil
	}
	return nil, nil
}

func (e *Engine) deleteStray(ctx context.Context, t *target, providerEventID string) (Action, error) {
	client, err := e.providers.ForAccount(ctx, t.acct)
	if err != nil {
		return ActionNone, err
	}
	if _, err := client.DeleteEvent(ctx, t.cal.ProviderCalendarID, providerEventID); err != nil {
		return ActionNone, fmt.Errorf("delete stray block: %w", err)
	}
	e.log.Info("deleted stray busy block", "calendar_id", t.cal.ID, "provider_event_id", providerEventID)
	return ActionDeleted, nil
}

func echoTag(raw provider.RawEvent) (tag.Tag, bool) {
	for _, text := range []string{raw.Tag, raw.Description, raw.Summary} {
		if t, ok := tag.Parse(text); ok {
			return t, true
		}
	}
	return tag.Tag{}, false
}

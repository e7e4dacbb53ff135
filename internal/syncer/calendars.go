package syncer

import (
	"context"
	"errors"
	"fmt"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

// Access roles that cannot receive busy blocks.
const (
	roleFreeBusyReader = "freeBusyReader"
	roleReader         = "reader"
)

// DiscoverCalendars lists the account's calendars at the provider and
// records the ones not yet known. The primary calendar starts enabled;
// everything else waits for an operator to opt in. Calendars the account
// can only read are skipped. It returns the calendars created.
func (o *Orchestrator) DiscoverCalendars(ctx context.Context, accountID int64) ([]store.Calendar, error) {
	acct, err := o.store.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, fmt.Errorf("account %d is disconnected: %w", acct.ID, store.ErrNotFound)
	}
	client, err := o.providers.ForAccount(ctx, acct)
	if err != nil {
		return nil, err
	}
	infos, err := client.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list provider calendars: %w", err)
	}

	var created []store.Calendar
	for _, info := range infos {
		if info.AccessRole == roleFreeBusyReader || info.AccessRole == roleReader {
			continue
		}
		cal, err := o.store.Calendars.Create(ctx, store.Calendar{
			AccountID:          acct.ID,
			UserID:             acct.UserID,
			ProviderCalendarID: info.ID,
			Name:               info.Name,
			SyncEnabled:        info.Primary,
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("record calendar %s: %w", info.ID, err)
		}
		created = append(created, *cal)
	}
	o.log.Info("calendars discovered", "account_id", acct.ID, "listed", len(infos), "created", len(created))
	return created, nil
}

// CalendarOptions are the operator-controlled flags of a calendar. Nil
// fields are left unchanged.
type CalendarOptions struct {
	SyncEnabled *bool
	Private     *bool
}

// SetCalendarOptions updates a calendar's flags under its lock. Disabling
// sync closes the push channel; the audit removes the blocks it left behind.
func (o *Orchestrator) SetCalendarOptions(ctx context.Context, calendarID int64, opts CalendarOptions) (*store.Calendar, error) {
	release, err := o.locks.Acquire(ctx, calendarKey(calendarID))
	if err != nil {
		return nil, err
	}
	defer release()

	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	if opts.Private != nil && *opts.Private != cal.Private {
		if err := o.store.Calendars.SetPrivate(ctx, cal.ID, *opts.Private); err != nil {
			return nil, fmt.Errorf("set private: %w", err)
		}
		cal.Private = *opts.Private
	}
	if opts.SyncEnabled != nil && *opts.SyncEnabled != cal.SyncEnabled {
		if err := o.store.Calendars.SetSyncEnabled(ctx, cal.ID, *opts.SyncEnabled); err != nil {
			return nil, fmt.Errorf("set sync enabled: %w", err)
		}
		cal.SyncEnabled = *opts.SyncEnabled
		if !cal.SyncEnabled && cal.Channel.ID != "" {
			o.closeChannel(ctx, cal)
		}
	}
	o.log.Info("calendar options updated", "calendar_id", cal.ID, "sync_enabled", cal.SyncEnabled, "private", cal.Private)
	return cal, nil
}

// closeChannel stops and forgets cal's push channel. A provider failure is
// only logged since the channel lapses on its own.
func (o *Orchestrator) closeChannel(ctx context.Context, cal *store.Calendar) {
	if err := o.stopChannel(ctx, cal); err != nil {
		o.log.Warn("stop channel failed", "calendar_id", cal.ID, "channel_id", cal.Channel.ID, "error", err)
	}
	if err := o.store.Calendars.SetChannel(ctx, cal.ID, store.Channel{}); err != nil {
		o.log.Warn("clear channel failed", "calendar_id", cal.ID, "error", err)
		return
	}
	cal.Channel = store.Channel{}
	if err := o.apply(ctx, cal, Transition(StateOf(cal), SignalSubscriptionLost, o.cfg.PushFailureThreshold)); err != nil {
		o.log.Warn("record lost subscription failed", "calendar_id", cal.ID, "error", err)
	}
}

func (o *Orchestrator) stopChannel(ctx context.Context, cal *store.Calendar) error {
	acct, err := o.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return err
	}
	client, err := o.providers.ForAccount(ctx, acct)
	if err != nil {
		return err
	}
	return client.StopWatch(ctx, provider.Subscription{ChannelID: cal.Channel.ID, ResourceID: cal.Channel.ResourceID})
}

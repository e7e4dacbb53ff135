package syncer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/store"
)

// ErrUnknownChannel reports a push notification for a channel we do not
// own, or with the wrong token.
var ErrUnknownChannel = errors.New("syncer: unknown push channel")

// evicter is implemented by registries that cache per-account clients.
type evicter interface {
	Evict(accountID int64)
}

// CalendarForChannel resolves the calendar a push notification is about.
// The channel token is compared in constant time.
func (o *Orchestrator) CalendarForChannel(ctx context.Context, channelID, token string) (*store.Calendar, error) {
	if channelID == "" {
		return nil, ErrUnknownChannel
	}
	cal, err := o.store.Calendars.GetByChannelID(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(cal.Channel.Token), []byte(token)) != 1 {
		return nil, ErrUnknownChannel
	}
	return cal, nil
}

// ReportPushFailure counts a failed push delivery for a calendar, falling
// back to polling once the threshold is exceeded.
func (o *Orchestrator) ReportPushFailure(ctx context.Context, calendarID int64) error {
	release, err := o.locks.Acquire(ctx, calendarKey(calendarID))
	if err != nil {
		return err
	}
	defer release()
	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return err
	}
	next := Transition(StateOf(cal), SignalPushFailed, o.cfg.PushFailureThreshold)
	if next.Mode != cal.SyncMode {
		o.log.Warn("push unhealthy, falling back to polling", "calendar_id", cal.ID, "failures", next.Failures)
	}
	return o.apply(ctx, cal, next)
}

// Subscribe opens a push channel for cal, replacing any existing one.
func (o *Orchestrator) Subscribe(ctx context.Context, calendarID int64) error {
	if o.cfg.WebhookAddress == "" {
		return errors.New("push disabled: no webhook address")
	}
	release, err := o.locks.Acquire(ctx, calendarKey(calendarID))
	if err != nil {
		return err
	}
	defer release()

	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return err
	}
	acct, err := o.store.Accounts.GetByID(ctx, cal.AccountID)
	if err != nil {
		return err
	}
	client, err := o.providers.ForAccount(ctx, acct)
	if err != nil {
		return err
	}

	sub, err := client.Watch(ctx, cal.ProviderCalendarID, provider.WatchRequest{
		ChannelID: uuid.NewString(),
		Token:     uuid.NewString(),
		Address:   o.cfg.WebhookAddress,
		TTL:       o.cfg.ChannelTTL,
	})
	if err != nil {
		if aerr := o.apply(ctx, cal, Transition(StateOf(cal), SignalPushFailed, o.cfg.PushFailureThreshold)); aerr != nil {
			o.log.Warn("record push failure failed", "calendar_id", cal.ID, "error", aerr)
		}
		return fmt.Errorf("watch calendar %d: %w", cal.ID, err)
	}

	old := cal.Channel
	expires := sub.Expiration
	if err := o.store.Calendars.SetChannel(ctx, cal.ID, store.Channel{
		ID:         sub.ChannelID,
		ResourceID: sub.ResourceID,
		Token:      sub.Token,
		ExpiresAt:  &expires,
	}); err != nil {
		_ = client.StopWatch(context.WithoutCancel(ctx), *sub)
		return fmt.Errorf("store channel: %w", err)
	}
	if old.ID != "" {
		if err := client.StopWatch(ctx, provider.Subscription{ChannelID: old.ID, ResourceID: old.ResourceID}); err != nil {
			o.log.Warn("stop previous channel failed", "calendar_id", cal.ID, "channel_id", old.ID, "error", err)
		}
	}
	o.log.Info("push subscription established", "calendar_id", cal.ID, "channel_id", sub.ChannelID, "expires", sub.Expiration)
	return o.apply(ctx, cal, Transition(StateOf(cal), SignalSubscribed, o.cfg.PushFailureThreshold))
}

// RenewSubscriptions subscribes enabled calendars without a healthy channel
// and renews channels close to expiry. It returns how many were renewed and how
// many failed.
func (o *Orchestrator) RenewSubscriptions(ctx context.Context) (renewed, failed int, err error) {
	if o.cfg.WebhookAddress == "" {
		return 0, 0, nil
	}
	cals, err := o.store.Calendars.ListEnabled(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list calendars: %w", err)
	}
	now := o.now()
	horizon := now.Add(o.cfg.RenewBefore)
	for _, c := range cals {
		if c.PushState == store.PushHealthy && c.Channel.ID != "" && c.Channel.ExpiresAt != nil && c.Channel.ExpiresAt.After(horizon) {
			continue
		}
		if c.Channel.ID != "" && c.Channel.ExpiresAt != nil && !c.Channel.ExpiresAt.After(now) {
			if err := o.expireChannel(ctx, c.ID); err != nil {
				o.log.Warn("record lost subscription failed", "calendar_id", c.ID, "error", err)
			}
		}
		if err := o.Subscribe(ctx, c.ID); err != nil {
			failed++
			o.log.Warn("push subscription failed", "calendar_id", c.ID, "error", err)
			continue
		}
		renewed++
	}
	return renewed, failed, nil
}

// expireChannel drops a channel that lapsed without renewal, so the calendar
// polls until a new subscription is in place.
func (o *Orchestrator) expireChannel(ctx context.Context, calendarID int64) error {
	release, err := o.locks.Acquire(ctx, calendarKey(calendarID))
	if err != nil {
		return err
	}
	defer release()
	cal, err := o.store.Calendars.GetByID(ctx, calendarID)
	if err != nil {
		return err
	}
	if cal.Channel.ExpiresAt == nil || cal.Channel.ExpiresAt.After(o.now()) {
		return nil
	}
	if err := o.store.Calendars.SetChannel(ctx, cal.ID, store.Channel{}); err != nil {
		return fmt.Errorf("clear channel: %w", err)
	}
	o.log.Warn("push channel expired", "calendar_id", cal.ID, "channel_id", cal.Channel.ID, "expired", *cal.Channel.ExpiresAt)
	return o.apply(ctx, cal, Transition(StateOf(cal), SignalSubscriptionLost, o.cfg.PushFailureThreshold))
}

// DisconnectAccount deactivates an account, disabling sync on its calendars
// and closing their push channels. Busy blocks mirrored from those calendars
// become orphans and are removed by the next audit.
func (o *Orchestrator) DisconnectAccount(ctx context.Context, accountID int64) error {
	acct, err := o.store.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	cals, err := o.store.Calendars.ListByUser(ctx, acct.UserID)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	if acct.Active {
		client, err := o.providers.ForAccount(ctx, acct)
		if err != nil {
			o.log.Warn("provider unavailable while disconnecting", "account_id", acct.ID, "error", err)
		}
		for _, c := range cals {
			if c.AccountID != acct.ID || c.Channel.ID == "" || client == nil {
				continue
			}
			if err := client.StopWatch(ctx, provider.Subscription{ChannelID: c.Channel.ID, ResourceID: c.Channel.ResourceID}); err != nil {
				o.log.Warn("stop channel failed", "calendar_id", c.ID, "error", err)
			}
		}
	}

	err = o.store.WithinTx(ctx, func(tx *store.Store) error {
		if err := tx.Accounts.Deactivate(ctx, acct.ID, o.now().UTC()); err != nil {
			return err
		}
		for _, c := range cals {
			if c.AccountID != acct.ID || c.Channel.ID == "" {
				continue
			}
			if err := tx.Calendars.SetChannel(ctx, c.ID, store.Channel{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deactivate account %d: %w", acct.ID, err)
	}
	if ev, ok := o.providers.(evicter); ok {
		ev.Evict(acct.ID)
	}
	o.log.Info("account disconnected", "account_id", acct.ID, "user_id", acct.UserID)
	return nil
}

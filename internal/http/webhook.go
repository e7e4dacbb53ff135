package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"gitea.jw6.us/james/busysync/internal/http/ratelimit"
	"gitea.jw6.us/james/busysync/internal/metrics"
	"gitea.jw6.us/james/busysync/internal/syncer"
)

// Push notification headers sent by the Calendar API.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// webhookHandler turns authenticated push notifications into sync triggers.
// The notification carries no event data, only a hint that the calendar
// changed.
type webhookHandler struct {
	syncer  Syncer
	limiter *ratelimit.Limiter
	log     *slog.Logger
	// dispatch runs the triggered sync off the request goroutine. It reports
	// false when the server is draining.
	dispatch func(func(ctx context.Context)) bool
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	state := r.Header.Get(headerResourceState)

	cal, err := h.syncer.CalendarForChannel(r.Context(), channelID, r.Header.Get(headerChannelToken))
	if errors.Is(err, syncer.ErrUnknownChannel) {
		metrics.CountWebhook("unknown")
		h.log.Warn("push for unknown channel", "channel_id", channelID, "state", state)
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if err != nil {
		metrics.CountWebhook("error")
		h.log.Error("resolve push channel", "channel_id", channelID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// The first message on a new channel only confirms the subscription.
	if state == "sync" {
		metrics.CountWebhook("handshake")
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.limiter.Allow(channelID) {
		metrics.CountWebhook("throttled")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	calendarID := cal.ID
	msg := r.Header.Get(headerMessageNumber)
	started := h.dispatch(func(ctx context.Context) {
		res, err := h.syncer.Trigger(ctx, calendarID, syncer.Hint{Trigger: syncer.TriggerWebhook})
		if err != nil {
			h.log.Error("push-triggered sync failed", "calendar_id", calendarID, "message", msg, "error", err)
			return
		}
		if res.Skipped {
			h.log.Debug("push-triggered sync skipped", "calendar_id", calendarID, "reason", res.SkipReason)
		}
	})
	if !started {
		// The provider retries 503s, and the next process picks the change up.
		metrics.CountWebhook("draining")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	metrics.CountWebhook("accepted")
	w.WriteHeader(http.StatusAccepted)
}

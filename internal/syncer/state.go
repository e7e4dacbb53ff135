package syncer

import "gitea.jw6.us/james/busysync/internal/store"

// Signal is an event that may move a calendar between sync modes.
type Signal int

const (
	// SignalPushFailed reports one failed or missed push delivery or a
	// failed subscription attempt.
	SignalPushFailed Signal = iota + 1
	// SignalSubscribed reports a freshly established push subscription.
	SignalSubscribed
	// SignalSubscriptionLost reports that the subscription is gone.
	SignalSubscriptionLost
	// SignalCursorRejected reports that the provider refused the cursor.
	SignalCursorRejected
	// SignalFullSyncDone reports a completed pull without a cursor.
	SignalFullSyncDone
)

// State is the persisted sync state of one calendar.
type State struct {
	Mode     store.SyncMode
	Push     store.PushState
	Failures int
}

// StateOf extracts the state of cal.
func StateOf(cal *store.Calendar) State {
	return State{Mode: cal.SyncMode, Push: cal.PushState, Failures: cal.PushFailures}
}

// Transition applies sig to s. More than threshold push failures move a
// webhook-driven calendar to polling; a new subscription moves it back. A
// rejected cursor forces a full resync, after which the calendar returns to
// webhook mode if push is healthy and to polling otherwise.
func Transition(s State, sig Signal, threshold int) State {
	switch sig {
	case SignalPushFailed:
		s.Failures++
		if s.Failures > threshold {
			s.Push = store.PushDegraded
			if s.Mode == store.ModeWebhook {
				s.Mode = store.ModePolling
			}
		}
	case SignalSubscribed:
		s.Push = store.PushHealthy
		s.Failures = 0
		if s.Mode == store.ModePolling {
			s.Mode = store.ModeWebhook
		}
	case SignalSubscriptionLost:
		s.Push = store.PushAbsent
		if s.Mode == store.ModeWebhook {
			s.Mode = store.ModePolling
		}
	case SignalCursorRejected:
		s.Mode = store.ModeFullResync
	case SignalFullSyncDone:
		if s.Mode == store.ModeFullResync {
			if s.Push == store.PushHealthy {
				s.Mode = store.ModeWebhook
			} else {
				s.Mode = store.ModePolling
			}
		}
	}
	return s
}

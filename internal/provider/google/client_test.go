package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/provider/google/googletest"
	"gitea.jw6.us/james/busysync/internal/secrets"
	"gitea.jw6.us/james/busysync/internal/store"
)

func newTestClient(t *testing.T, srv *googletest.Server) *Client {
	t.Helper()
	c, err := New(context.Background(), srv.Client(), Config{
		Endpoint:    srv.Endpoint(),
		RPS:         1000,
		Burst:       1000,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func userEvent(summary string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: "Europe/Berlin"},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	}
}

func TestIncrementalSync(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	srv.AddEvent("primary", userEvent("Dentist", now.Add(2*time.Hour)))

	full, err := c.ListEventsIncremental(ctx, "primary", "")
	if err != nil {
		t.Fatalf("full listing: %v", err)
	}
	if !full.IsFullResync || full.NextCursor == "" || len(full.Events) != 1 {
		t.Fatalf("unexpected full result: %+v", full)
	}
	if full.Events[0].Summary != "Dentist" || full.Events[0].Start.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected event: %+v", full.Events[0])
	}
	if full.Since.IsZero() {
		t.Fatalf("expected full listing lower bound")
	}

	second := srv.AddEvent("primary", userEvent("Standup", now.Add(4*time.Hour)))
	inc, err := c.ListEventsIncremental(ctx, "primary", full.NextCursor)
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if inc.IsFullResync || len(inc.Events) != 1 || inc.Events[0].ID != second.Id {
		t.Fatalf("unexpected incremental result: %+v", inc)
	}

	srv.CancelEvent("primary", second.Id)
	inc2, err := c.ListEventsIncremental(ctx, "primary", inc.NextCursor)
	if err != nil {
		t.Fatalf("incremental after cancel: %v", err)
	}
	if len(inc2.Events) != 1 || inc2.Events[0].Status != provider.StatusCancelled {
		t.Fatalf("expected cancelled tombstone, got %+v", inc2.Events)
	}
}

func TestExpiredCursor(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	full, err := c.ListEventsIncremental(ctx, "primary", "")
	if err != nil {
		t.Fatalf("full listing: %v", err)
	}
	srv.ExpireSyncTokens("primary")
	if _, err := c.ListEventsIncremental(ctx, "primary", full.NextCursor); !errors.Is(err, provider.ErrCursorInvalid) {
		t.Fatalf("expected ErrCursorInvalid, got %v", err)
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()
	start := time.Now().Add(time.Hour).Truncate(time.Second).UTC()

	id, err := c.CreateEvent(ctx, "work", provider.EventInput{
		Title: "Busy",
		Start: start,
		End:   start.Add(time.Hour),
		Tag:   "tag[source:a:b:c]",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := srv.Events("work")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[TagProperty] != "tag[source:a:b:c]" {
		t.Fatalf("tag property missing: %+v", ev.ExtendedProperties)
	}
	if ev.Description != "" || ev.Summary != "Busy" {
		t.Fatalf("unexpected body: %+v", ev)
	}

	title := "Busy: Lunch"
	if err := c.UpdateEvent(ctx, "work", id, provider.EventFields{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev = srv.Events("work")[0]
	if ev.Summary != title {
		t.Fatalf("title not patched: %q", ev.Summary)
	}
	if ev.Start == nil || ev.Start.DateTime != start.Format(time.RFC3339) {
		t.Fatalf("start must be untouched by title patch, got %+v", ev.Start)
	}
	if srv.Requests("patch") != 1 {
		t.Fatalf("expected one patch, got %d", srv.Requests("patch"))
	}
	if err := c.UpdateEvent(ctx, "work", id, provider.EventFields{}); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if srv.Requests("patch") != 1 {
		t.Fatalf("empty update must not call the API")
	}

	deleted, err := c.DeleteEvent(ctx, "work", id)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	deleted, err = c.DeleteEvent(ctx, "work", id)
	if err != nil || deleted {
		t.Fatalf("second delete = %v, %v; want false, nil", deleted, err)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	start := time.Now().Add(time.Hour)

	srv.FailNext(http.StatusServiceUnavailable, "backendError")
	srv.FailNext(http.StatusForbidden, "rateLimitExceeded")
	if _, err := c.CreateEvent(context.Background(), "work", provider.EventInput{Title: "Busy", Start: start, End: start.Add(time.Hour)}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if srv.Requests("insert") != 1 {
		t.Fatalf("expected one successful insert, got %d", srv.Requests("insert"))
	}
}

func TestClientErrorsAreTerminal(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	start := time.Now().Add(time.Hour)

	srv.FailNext(http.StatusBadRequest, "invalid")
	_, err := c.CreateEvent(context.Background(), "work", provider.EventInput{Title: "Busy", Start: start, End: start.Add(time.Hour)})
	if !provider.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestWatchAndStop(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	sub, err := c.Watch(ctx, "primary", provider.WatchRequest{ChannelID: "ch-1", Token: "secret", Address: "https://example.com/webhooks/google", TTL: time.Hour})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if sub.ResourceID == "" || sub.Token != "secret" || sub.Expiration.IsZero() {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if _, ok := srv.Channels()["ch-1"]; !ok {
		t.Fatalf("channel not registered")
	}
	if err := c.StopWatch(ctx, *sub); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.StopWatch(ctx, *sub); err != nil {
		t.Fatalf("stopping an unknown channel should be a no-op, got %v", err)
	}
}

func TestListCalendars(t *testing.T) {
	srv := googletest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv)
	srv.AddCalendar("primary", "Ann")
	srv.AddCalendar("team@group.calendar.google.com", "Team")

	cals, err := c.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("list calendars: %v", err)
	}
	if len(cals) != 2 || !cals[0].Primary || cals[1].Name != "Team" {
		t.Fatalf("unexpected calendars: %+v", cals)
	}
}

func TestRegistryPersistsRefreshedToken(t *testing.T) {
	api := googletest.NewServer()
	defer api.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	ctx := context.Background()
	box, err := secrets.NewBox(strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	st := store.NewMemory()
	u, _ := st.Users.Create(ctx, "ann@example.com")
	sealed, err := SealToken(box, &oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("SealToken: %v", err)
	}
	acct, err := st.Accounts.Create(ctx, store.Account{UserID: u.ID, Provider: ProviderName, Email: "ann@example.com", TokenCiphertext: sealed})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	oauthCfg := OAuthConfig("id", "secret", "")
	oauthCfg.Endpoint = oauth2.Endpoint{TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams}
	reg := NewRegistry(oauthCfg, box, st.Accounts, Config{Endpoint: api.Endpoint(), RPS: 1000, Burst: 1000}, nil)

	client, err := reg.ForAccount(ctx, acct)
	if err != nil {
		t.Fatalf("ForAccount: %v", err)
	}
	if again, _ := reg.ForAccount(ctx, acct); again != client {
		t.Fatalf("expected cached client")
	}
	if _, err := client.ListCalendars(ctx); err != nil {
		t.Fatalf("list calendars: %v", err)
	}

	stored, _ := st.Accounts.GetByID(ctx, acct.ID)
	raw, err := box.Open(stored.TokenCiphertext)
	if err != nil {
		t.Fatalf("open stored token: %v", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		t.Fatalf("decode stored token: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Fatalf("expected refreshed token persisted, got %q", tok.AccessToken)
	}

	acct.Active = false
	reg.Evict(acct.ID)
	if _, err := reg.ForAccount(ctx, acct); !provider.IsTerminal(err) {
		t.Fatalf("expected terminal error for inactive account, got %v", err)
	}
}

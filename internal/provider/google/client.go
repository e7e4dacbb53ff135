// Package google implements provider.Client on the Google Calendar v3 API.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"gitea.jw6.us/james/busysync/internal/provider"
)

// TagProperty is the private extended property holding the busy-block tag.
const TagProperty = "busysync_tag"

// Config tunes API access.
type Config struct {
	// Endpoint overrides the API base URL, used with the fake server.
	Endpoint string
	// RPS and Burst bound request rate per account.
	RPS   float64
	Burst int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
	// Lookback is how far into the past a full listing reaches.
	Lookback time.Duration
	PageSize int64
}

func (c Config) withDefaults() Config {
	if c.RPS <= 0 {
		c.RPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 250
	}
	return c
}

// Client talks to one Google account.
type Client struct {
	svc     *calendar.Service
	limiter *rate.Limiter
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

var _ provider.Client = (*Client)(nil)

// New builds a client over an authorized HTTP client.
func New(ctx context.Context, httpClient *http.Client, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
		log:     logger.With("component", "google"),
		now:     time.Now,
	}, nil
}

func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RawEvent, error) {
	var out []provider.RawEvent
	pageToken := ""
	for {
		page, err := call(ctx, c, "events.list", func(ctx context.Context) (*calendar.Events, error) {
			req := c.svc.Events.List(calendarID).Context(ctx).
				SingleEvents(true).
				OrderBy("startTime").
				MaxResults(c.cfg.PageSize).
				TimeMin(timeMin.UTC().Format(time.RFC3339)).
				TimeMax(timeMax.UTC().Format(time.RFC3339))
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			return req.Do()
		})
		if err != nil {
			return nil, mapError("list events", err)
		}
		for _, ev := range page.Items {
			out = append(out, toRaw(ev))
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) ListEventsIncremental(ctx context.Context, calendarID, cursor string) (*provider.IncrementalResult, error) {
	res := &provider.IncrementalResult{IsFullResync: cursor == ""}
	if res.IsFullResync {
		res.Since = c.now().Add(-c.cfg.Lookback).UTC().Truncate(time.Second)
	}

	pageToken := ""
	for {
		page, err := call(ctx, c, "events.sync", func(ctx context.Context) (*calendar.Events, error) {
			req := c.svc.Events.List(calendarID).Context(ctx).
				SingleEvents(true).
				ShowDeleted(true).
				MaxResults(c.cfg.PageSize)
			if res.IsFullResync {
				req = req.TimeMin(res.Since.Format(time.RFC3339))
			} else {
				req = req.SyncToken(cursor)
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			return req.Do()
		})
		if err != nil {
			return nil, mapError("sync events", err)
		}
		for _, ev := range page.Items {
			res.Events = append(res.Events, toRaw(ev))
		}
		if page.NextPageToken == "" {
			res.NextCursor = page.NextSyncToken
			return res, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, in provider.EventInput) (string, error) {
	body := fromInput(in)
	created, err := call(ctx, c, "events.insert", func(ctx context.Context) (*calendar.Event, error) {
		return c.svc.Events.Insert(calendarID, body).Context(ctx).Do()
	})
	if err != nil {
		return "", mapError("create event", err)
	}
	return created.Id, nil
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, fields provider.EventFields) error {
	if fields.IsEmpty() {
		return nil
	}
	body := fromFields(fields)
	_, err := call(ctx, c, "events.patch", func(ctx context.Context) (*calendar.Event, error) {
		return c.svc.Events.Patch(calendarID, eventID, body).Context(ctx).Do()
	})
	if err != nil {
		return mapError("update event", err)
	}
	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) (bool, error) {
	_, err := call(ctx, c, "events.delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound, http.StatusGone) {
			return false, nil
		}
		return false, mapError("delete event", err)
	}
	return true, nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]provider.CalendarInfo, error) {
	var out []provider.CalendarInfo
	pageToken := ""
	for {
		page, err := call(ctx, c, "calendarList.list", func(ctx context.Context) (*calendar.CalendarList, error) {
			req := c.svc.CalendarList.List().Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			return req.Do()
		})
		if err != nil {
			return nil, mapError("list calendars", err)
		}
		for _, item := range page.Items {
			out = append(out, provider.CalendarInfo{
				ID:         item.Id,
				Name:       item.Summary,
				Primary:    item.Primary,
				AccessRole: item.AccessRole,
			})
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) Watch(ctx context.Context, calendarID string, req provider.WatchRequest) (*provider.Subscription, error) {
	ch := &calendar.Channel{
		Id:      req.ChannelID,
		Token:   req.Token,
		Type:    "web_hook",
		Address: req.Address,
	}
	if req.TTL > 0 {
		ch.Expiration = c.now().Add(req.TTL).UnixMilli()
	}
	got, err := call(ctx, c, "events.watch", func(ctx context.Context) (*calendar.Channel, error) {
		return c.svc.Events.Watch(calendarID, ch).Context(ctx).Do()
	})
	if err != nil {
		return nil, mapError("watch", err)
	}
	sub := &provider.Subscription{ChannelID: got.Id, ResourceID: got.ResourceId, Token: req.Token}
	if got.Expiration > 0 {
		sub.Expiration = time.UnixMilli(got.Expiration).UTC()
	}
	return sub, nil
}

func (c *Client) StopWatch(ctx context.Context, sub provider.Subscription) error {
	_, err := call(ctx, c, "channels.stop", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.svc.Channels.Stop(&calendar.Channel{Id: sub.ChannelID, ResourceId: sub.ResourceID}).Context(ctx).Do()
	})
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return mapError("stop watch", err)
	}
	return nil
}

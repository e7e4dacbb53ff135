// Package googletest provides a fake Google Calendar API server for tests.
// It implements the subset of Calendar API v3 used by busysync: event CRUD,
// pagination, sync tokens, push channels and the calendar list.
package googletest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
)

// Server is a fake Google Calendar API server.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	calendars map[string]*fakeCalendar
	order     []string
	channels  map[string]*calendar.Channel
	nextID    int
	failures  []failure
	requests  map[string]int
}

type fakeCalendar struct {
	summary  string
	version  int64
	minValid int64
	events   map[string]*calendar.Event
	versions map[string]int64
}

type failure struct {
	code   int
	reason string
}

// NewServer starts a fake server. Point clients at Endpoint() with
// option.WithEndpoint.
func NewServer() *Server {
	s := &Server{
		calendars: make(map[string]*fakeCalendar),
		channels:  make(map[string]*calendar.Channel),
		nextID:    1,
		requests:  make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	s.Server = httptest.NewServer(mux)
	return s
}

// Endpoint is the API base to pass to option.WithEndpoint.
func (s *Server) Endpoint() string {
	return s.Server.URL + "/calendar/v3/"
}

// AddCalendar registers a calendar in the calendar list.
func (s *Server) AddCalendar(id, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendar(id).summary = summary
}

// AddEvent stores a pre-configured event, as if created by the user.
func (s *Server) AddEvent(calendarID string, event *calendar.Event) *calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Id == "" {
		event.Id = s.newID()
	}
	if event.Status == "" {
		event.Status = "confirmed"
	}
	s.put(calendarID, event)
	return event
}

// CancelEvent marks an event cancelled, as if deleted by the user.
func (s *Server) CancelEvent(calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal := s.calendar(calendarID)
	if ev, ok := cal.events[eventID]; ok {
		ev.Status = "cancelled"
		s.put(calendarID, ev)
	}
}

// Events returns the live (non-cancelled) events of a calendar.
func (s *Server) Events(calendarID string) []*calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*calendar.Event
	for _, ev := range s.calendar(calendarID).events {
		if ev.Status != "cancelled" {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// ExpireSyncTokens invalidates every sync token issued so far for a calendar.
func (s *Server) ExpireSyncTokens(calendarID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal := s.calendar(calendarID)
	cal.minValid = cal.version + 1
}

// FailNext makes the next request fail with the given status and reason.
func (s *Server) FailNext(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{code: code, reason: reason})
}

// Channels returns the open push channels by id.
func (s *Server) Channels() map[string]*calendar.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*calendar.Channel, len(s.channels))
	for k, v := range s.channels {
		out[k] = v
	}
	return out
}

// Requests returns how many requests of a kind ("insert", "patch", "delete",
// "list", "watch", "stop", "calendarList") were served.
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

func (s *Server) calendar(id string) *fakeCalendar {
	cal, ok := s.calendars[id]
	if !ok {
		cal = &fakeCalendar{
			summary:  id,
			version:  1,
			events:   make(map[string]*calendar.Event),
			versions: make(map[string]int64),
		}
		s.calendars[id] = cal
		s.order = append(s.order, id)
	}
	return cal
}

func (s *Server) newID() string {
	id := fmt.Sprintf("event%d", s.nextID)
	s.nextID++
	return id
}

func (s *Server) put(calendarID string, ev *calendar.Event) {
	cal := s.calendar(calendarID)
	cal.version++
	ev.Updated = time.Now().UTC().Format(time.RFC3339Nano)
	cal.events[ev.Id] = ev
	cal.versions[ev.Id] = cal.version
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		writeError(w, f.code, f.reason)
		return
	}
	s.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/channels/stop"):
		s.stopChannel(w, r)
	case strings.HasSuffix(path, "/users/me/calendarList"):
		s.listCalendars(w, r)
	case strings.Contains(path, "/calendars/"):
		s.handleCalendars(w, r)
	default:
		writeError(w, http.StatusNotFound, "notFound")
	}
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	path = path[strings.Index(path, "/calendars/")+len("/calendars/"):]
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[1] != "events" {
		writeError(w, http.StatusNotFound, "notFound")
		return
	}
	calendarID := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.listEvents(w, r, calendarID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.insertEvent(w, r, calendarID)
	case len(parts) == 3 && parts[2] == "watch" && r.Method == http.MethodPost:
		s.watch(w, r, calendarID)
	case len(parts) == 3 && r.Method == http.MethodPatch:
		s.patchEvent(w, r, calendarID, parts[2])
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.deleteEvent(w, calendarID, parts[2])
	default:
		writeError(w, http.StatusMethodNotAllowed, "methodNotAllowed")
	}
}

func (s *Server) insertEvent(w http.ResponseWriter, r *http.Request, calendarID string) {
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["insert"]++
	ev.Id = s.newID()
	ev.Status = "confirmed"
	ev.Created = time.Now().UTC().Format(time.RFC3339)
	s.put(calendarID, &ev)
	writeJSON(w, &ev)
}

func (s *Server) patchEvent(w http.ResponseWriter, r *http.Request, calendarID, eventID string) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["patch"]++
	ev, ok := s.calendar(calendarID).events[eventID]
	if !ok || ev.Status == "cancelled" {
		writeError(w, http.StatusNotFound, "notFound")
		return
	}
	updated := *ev
	for key, raw := range fields {
		var err error
		switch key {
		case "summary":
			err = json.Unmarshal(raw, &updated.Summary)
		case "description":
			err = json.Unmarshal(raw, &updated.Description)
		case "start":
			err = json.Unmarshal(raw, &updated.Start)
		case "end":
			err = json.Unmarshal(raw, &updated.End)
		case "extendedProperties":
			err = json.Unmarshal(raw, &updated.ExtendedProperties)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid")
			return
		}
	}
	s.put(calendarID, &updated)
	writeJSON(w, &updated)
}

func (s *Server) deleteEvent(w http.ResponseWriter, calendarID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["delete"]++
	ev, ok := s.calendar(calendarID).events[eventID]
	if !ok {
		writeError(w, http.StatusNotFound, "notFound")
		return
	}
	if ev.Status == "cancelled" {
		writeError(w, http.StatusGone, "deleted")
		return
	}
	tomb := *ev
	tomb.Status = "cancelled"
	s.put(calendarID, &tomb)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, calendarID string) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["list"]++
	cal := s.calendar(calendarID)

	var since int64
	if token := q.Get("syncToken"); token != "" {
		v, err := strconv.ParseInt(strings.TrimPrefix(token, "v"), 10, 64)
		if err != nil || v < cal.minValid {
			writeError(w, http.StatusGone, "fullSyncRequired")
			return
		}
		since = v
	}
	showDeleted := q.Get("showDeleted") == "true" || since > 0
	timeMin := parseTime(q.Get("timeMin"))
	timeMax := parseTime(q.Get("timeMax"))

	var items []*calendar.Event
	for id, ev := range cal.events {
		if since > 0 && cal.versions[id] <= since {
			continue
		}
		if ev.Status == "cancelled" && !showDeleted {
			continue
		}
		if since == 0 && !overlaps(ev, timeMin, timeMax) {
			continue
		}
		items = append(items, ev)
	}
	sort.Slice(items, func(i, j int) bool {
		return cal.versions[items[i].Id] < cal.versions[items[j].Id]
	})

	start, _ := strconv.Atoi(q.Get("pageToken"))
	size := len(items)
	if n, err := strconv.Atoi(q.Get("maxResults")); err == nil && n > 0 {
		size = n
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}

	resp := &calendar.Events{Kind: "calendar#events", Summary: cal.summary, Items: items[start:end]}
	if end < len(items) {
		resp.NextPageToken = strconv.Itoa(end)
	} else {
		resp.NextSyncToken = fmt.Sprintf("v%d", cal.version)
	}
	writeJSON(w, resp)
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request, calendarID string) {
	var ch calendar.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["watch"]++
	s.calendar(calendarID)
	ch.ResourceId = "resource-" + calendarID
	ch.Kind = "api#channel"
	if ch.Expiration == 0 {
		ch.Expiration = time.Now().Add(7 * 24 * time.Hour).UnixMilli()
	}
	s.channels[ch.Id] = &ch
	writeJSON(w, &ch)
}

func (s *Server) stopChannel(w http.ResponseWriter, r *http.Request) {
	var ch calendar.Channel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["stop"]++
	if _, ok := s.channels[ch.Id]; !ok {
		writeError(w, http.StatusNotFound, "notFound")
		return
	}
	delete(s.channels, ch.Id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCalendars(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests["calendarList"]++
	list := &calendar.CalendarList{Kind: "calendar#calendarList"}
	for i, id := range s.order {
		list.Items = append(list.Items, &calendar.CalendarListEntry{
			Id:         id,
			Summary:    s.calendars[id].summary,
			Primary:    i == 0,
			AccessRole: "owner",
		})
	}
	writeJSON(w, list)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

func eventBound(dt *calendar.EventDateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	if dt.DateTime != "" {
		return parseTime(dt.DateTime)
	}
	t, _ := time.Parse("2006-01-02", dt.Date)
	return t
}

func overlaps(ev *calendar.Event, from, to time.Time) bool {
	start, end := eventBound(ev.Start), eventBound(ev.End)
	if !from.IsZero() && !end.IsZero() && !end.After(from) {
		return false
	}
	if !to.IsZero() && !start.IsZero() && !start.Before(to) {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []map[string]string{{"reason": reason, "message": http.StatusText(code)}},
		},
	})
}

package httpserver

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/busysync/internal/http/errors"
	"gitea.jw6.us/james/busysync/internal/store"
	"gitea.jw6.us/james/busysync/internal/syncer"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	maxAdminBody    = 4 << 10
)

type adminHandler struct {
	store   *store.Store
	syncer  Syncer
	auditor Auditor
}

type calendarView struct {
	ID                 int64  `json:"id"`
	AccountID          int64  `json:"account_id"`
	ProviderCalendarID string `json:"provider_calendar_id"`
	Name               string `json:"name"`
	SyncEnabled        bool   `json:"sync_enabled"`
	Private            bool   `json:"private"`
	SyncMode           string `json:"sync_mode"`
	PushState          string `json:"push_state"`
}

func newCalendarView(c *store.Calendar) calendarView {
	return calendarView{
		ID: c.ID, AccountID: c.AccountID, ProviderCalendarID: c.ProviderCalendarID, Name: c.Name,
		SyncEnabled: c.SyncEnabled, Private: c.Private, SyncMode: string(c.SyncMode), PushState: string(c.PushState),
	}
}

type calendarOptionsRequest struct {
	SyncEnabled *bool `json:"sync_enabled"`
	Private     *bool `json:"private"`
}

type runView struct {
	RunID          string    `json:"run_id"`
	CalendarID     int64     `json:"calendar_id"`
	Trigger        string    `json:"trigger"`
	Mode           string    `json:"mode"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Skipped        bool      `json:"skipped,omitempty"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Deleted        int       `json:"deleted"`
	Ignored        int       `json:"ignored"`
	BlocksCreated  int       `json:"blocks_created"`
	BlocksUpdated  int       `json:"blocks_updated"`
	BlocksDeleted  int       `json:"blocks_deleted"`
	Errors         []string  `json:"errors"`
	CursorAdvanced bool      `json:"cursor_advanced"`
}

type orphanView struct {
	BlockID    int64  `json:"block_id"`
	CalendarID int64  `json:"calendar_id"`
	Reason     string `json:"reason"`
}

type missingView struct {
	SourceID         int64 `json:"source_id"`
	TargetCalendarID int64 `json:"target_calendar_id"`
}

type staleView struct {
	BlockID    int64 `json:"block_id"`
	SourceID   int64 `json:"source_id"`
	CalendarID int64 `json:"calendar_id"`
}

type violationView struct {
	BlockID  int64  `json:"block_id"`
	SourceID int64  `json:"source_id"`
	Reason   string `json:"reason"`
}

type auditView struct {
	UserID     int64           `json:"user_id"`
	Orphans    []orphanView    `json:"orphans"`
	Missing    []missingView   `json:"missing"`
	Stale      []staleView     `json:"stale"`
	Violations []violationView `json:"violations"`
	Repaired   *repairView     `json:"repaired,omitempty"`
}

type repairView struct {
	Deleted int      `json:"deleted"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

func (h *adminHandler) SyncCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	hint := syncer.Hint{Trigger: syncer.TriggerManual, ForceFull: queryBool(r, "full")}
	res, err := h.syncer.Trigger(r.Context(), id, hint)
	if stderrors.Is(err, store.ErrNotFound) {
		errors.NotFoundError(w, r, "calendar not found")
		return
	}
	view := runView{
		RunID: res.RunID, CalendarID: res.CalendarID, Trigger: res.Trigger, Mode: res.Mode,
		StartedAt: res.StartedAt, FinishedAt: res.FinishedAt, Skipped: res.Skipped, SkipReason: res.SkipReason,
		Created: res.Created, Updated: res.Updated, Deleted: res.Deleted, Ignored: res.Ignored,
		BlocksCreated: res.BlocksCreated, BlocksUpdated: res.BlocksUpdated, BlocksDeleted: res.BlocksDeleted,
		Errors: res.Errors, CursorAdvanced: res.CursorAdvanced,
	}
	status := http.StatusOK
	if err != nil {
		errors.LogError(r, "manual sync failed", err)
		status = http.StatusBadGateway
		if view.Errors == nil {
			view.Errors = []string{err.Error()}
		}
	}
	writeJSON(w, r, status, view)
}

func (h *adminHandler) SubscribeCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.syncer.Subscribe(r.Context(), id); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.NotFoundError(w, r, "calendar not found")
			return
		}
		errors.LogError(r, "subscribe failed", err)
		http.Error(w, "subscription failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := defaultRunLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxRunLimit {
			limit = parsed
		}
	}
	if _, err := h.store.Calendars.GetByID(r.Context(), id); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.NotFoundError(w, r, "calendar not found")
			return
		}
		errors.InternalError(w, r, err, "load calendar")
		return
	}
	runs, err := h.store.SyncRuns.ListRecent(r.Context(), id, limit)
	if err != nil {
		errors.InternalError(w, r, err, "list sync runs")
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{
			RunID: run.ID, CalendarID: run.CalendarID, Trigger: run.Trigger, Mode: run.Mode,
			StartedAt: run.StartedAt, FinishedAt: run.FinishedAt,
			Created: run.Created, Updated: run.Updated, Deleted: run.Deleted, Ignored: run.Skipped,
			Errors: run.Errors, CursorAdvanced: run.CursorAdvanced,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *adminHandler) AuditUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f, err := h.auditor.Audit(r.Context(), id)
	if err != nil {
		errors.InternalError(w, r, err, fmt.Sprintf("audit user %d", id))
		return
	}
	view := auditView{UserID: id, Orphans: []orphanView{}, Missing: []missingView{}, Stale: []staleView{}, Violations: []violationView{}}
	for _, v := range f.Violations {
		view.Violations = append(view.Violations, violationView{BlockID: v.BlockID, SourceID: v.SourceID, Reason: v.Reason})
	}
	for _, o := range f.Orphans {
		view.Orphans = append(view.Orphans, orphanView{BlockID: o.Block.ID, CalendarID: o.Block.CalendarID, Reason: o.Reason})
	}
	for _, m := range f.Missing {
		view.Missing = append(view.Missing, missingView{SourceID: m.Source.ID, TargetCalendarID: m.Target.ID})
	}
	for _, st := range f.Stale {
		view.Stale = append(view.Stale, staleView{BlockID: st.Block.ID, SourceID: st.Source.ID, CalendarID: st.Target.ID})
	}
	if queryBool(r, "repair") && !f.Clean() {
		res := h.auditor.Repair(r.Context(), f)
		rv := &repairView{Deleted: res.Deleted, Created: res.Created, Updated: res.Updated, Errors: []string{}}
		for _, e := range res.Errors {
			rv.Errors = append(rv.Errors, e.Error())
		}
		view.Repaired = rv
	}
	writeJSON(w, r, http.StatusOK, view)
}

func (h *adminHandler) UpdateCalendar(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if r.ContentLength > maxAdminBody {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req calendarOptionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		errors.BadRequestError(w, r, err, "invalid JSON body")
		return
	}
	if req.SyncEnabled == nil && req.Private == nil {
		errors.BadRequestError(w, r, fmt.Errorf("empty options for calendar %d", id), "nothing to update")
		return
	}
	cal, err := h.syncer.SetCalendarOptions(r.Context(), id, syncer.CalendarOptions{SyncEnabled: req.SyncEnabled, Private: req.Private})
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.NotFoundError(w, r, "calendar not found")
			return
		}
		errors.InternalError(w, r, err, fmt.Sprintf("update calendar %d", id))
		return
	}
	writeJSON(w, r, http.StatusOK, newCalendarView(cal))
}

func (h *adminHandler) DiscoverCalendars(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	created, err := h.syncer.DiscoverCalendars(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.NotFoundError(w, r, "account not found")
			return
		}
		errors.LogError(r, "calendar discovery failed", err)
		http.Error(w, "calendar discovery failed", http.StatusBadGateway)
		return
	}
	out := make([]calendarView, 0, len(created))
	for i := range created {
		out = append(out, newCalendarView(&created[i]))
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *adminHandler) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.syncer.DisconnectAccount(r.Context(), id); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			errors.NotFoundError(w, r, "account not found")
			return
		}
		errors.InternalError(w, r, err, fmt.Sprintf("disconnect account %d", id))
		return
	}
	errors.LogInfo(r, "account disconnected", "account_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		errors.BadRequestError(w, r, fmt.Errorf("bad id %q", chi.URLParam(r, "id")), "invalid id")
		return 0, false
	}
	return id, true
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		errors.InternalError(w, r, err, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

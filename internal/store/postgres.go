package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so repositories can
// run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalidEvent, pgErr.ConstraintName)
		}
	}
	return err
}

func expectOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// userRepo implements UserRepository.
type userRepo struct {
	db querier
}

func (r *userRepo) Create(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.create")()
	const q = `INSERT INTO users (email) VALUES ($1) RETURNING id, email, created_at`
	var u User
	if err := r.db.QueryRow(ctx, q, email).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get")()
	const q = `SELECT id, email, created_at FROM users WHERE id=$1`
	var u User
	if err := r.db.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *userRepo) ListWithEnabledCalendars(ctx context.Context) ([]int64, error) {
	defer observeDB(ctx, "users.list_enabled")()
	const q = `SELECT DISTINCT c.user_id FROM calendars c
JOIN accounts a ON a.id = c.account_id
WHERE c.sync_enabled AND a.active
ORDER BY c.user_id`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// accountRepo implements AccountRepository.
type accountRepo struct {
	db querier
}

const accountColumns = `id, user_id, provider, email, token_ciphertext, active, created_at, deactivated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.Email, &a.TokenCiphertext, &a.Active, &a.CreatedAt, &a.DeactivatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (r *accountRepo) Create(ctx context.Context, acct Account) (*Account, error) {
	defer observeDB(ctx, "accounts.create")()
	q := `INSERT INTO accounts (user_id, provider, email, token_ciphertext, active)
VALUES ($1, $2, $3, $4, TRUE) RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRow(ctx, q, acct.UserID, acct.Provider, acct.Email, acct.TokenCiphertext))
}

func (r *accountRepo) GetByID(ctx context.Context, id int64) (*Account, error) {
	defer observeDB(ctx, "accounts.get")()
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (r *accountRepo) ListByUser(ctx context.Context, userID int64) ([]Account, error) {
	defer observeDB(ctx, "accounts.list_by_user")()
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id=$1 ORDER BY id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *accountRepo) UpdateToken(ctx context.Context, id int64, ciphertext []byte) error {
	defer observeDB(ctx, "accounts.update_token")()
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET token_ciphertext=$2 WHERE id=$1`, id, ciphertext)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(tag)
}

func (r *accountRepo) Deactivate(ctx context.Context, id int64, at time.Time) error {
	defer observeDB(ctx, "accounts.deactivate")()
	const q = `WITH acct AS (
        UPDATE accounts SET active = FALSE, deactivated_at = $2 WHERE id = $1 RETURNING id
), cals AS (
        UPDATE calendars SET sync_enabled = FALSE, push_state = 'absent'
        WHERE account_id IN (SELECT id FROM acct) RETURNING id
)
SELECT COUNT(*) FROM acct`
	var n int
	if err := r.db.QueryRow(ctx, q, id, at).Scan(&n); err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	db querier
}

const calendarColumns = `id, account_id, user_id, provider_calendar_id, name, sync_enabled, private,
sync_cursor, last_synced_at, push_state, push_failures, sync_mode,
channel_id, channel_resource_id, channel_token, channel_expires_at, created_at`

func scanCalendar(row pgx.Row) (*Calendar, error) {
	var c Calendar
	var pushState, mode string
	var chID, chResource, chToken *string
	err := row.Scan(&c.ID, &c.AccountID, &c.UserID, &c.ProviderCalendarID, &c.Name, &c.SyncEnabled, &c.Private,
		&c.SyncCursor, &c.LastSyncedAt, &pushState, &c.PushFailures, &mode,
		&chID, &chResource, &chToken, &c.Channel.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	c.PushState = PushState(pushState)
	c.SyncMode = SyncMode(mode)
	c.Channel.ID = deref(chID)
	c.Channel.ResourceID = deref(chResource)
	c.Channel.Token = deref(chToken)
	return &c, nil
}

func (r *calendarRepo) collect(rows pgx.Rows, err error) ([]Calendar, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *calendarRepo) Create(ctx context.Context, cal Calendar) (*Calendar, error) {
	defer observeDB(ctx, "calendars.create")()
	if cal.PushState == "" {
		cal.PushState = PushAbsent
	}
	if cal.SyncMode == "" {
		cal.SyncMode = ModePolling
	}
	q := `INSERT INTO calendars (account_id, user_id, provider_calendar_id, name, sync_enabled, private, push_state, sync_mode)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING ` + calendarColumns
	return scanCalendar(r.db.QueryRow(ctx, q, cal.AccountID, cal.UserID, cal.ProviderCalendarID, cal.Name,
		cal.SyncEnabled, cal.Private, string(cal.PushState), string(cal.SyncMode)))
}

func (r *calendarRepo) GetByID(ctx context.Context, id int64) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get")()
	return scanCalendar(r.db.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id=$1`, id))
}

func (r *calendarRepo) GetByChannelID(ctx context.Context, channelID string) (*Calendar, error) {
	defer observeDB(ctx, "calendars.get_by_channel")()
	return scanCalendar(r.db.QueryRow(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE channel_id=$1`, channelID))
}

func (r *calendarRepo) ListByUser(ctx context.Context, userID int64) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_by_user")()
	return r.collect(r.db.Query(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE user_id=$1 ORDER BY id`, userID))
}

func (r *calendarRepo) ListByMode(ctx context.Context, modes ...SyncMode) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_by_mode")()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, string(m))
	}
	const q = `SELECT ` + calendarColumns + ` FROM calendars WHERE sync_enabled AND sync_mode = ANY($1) ORDER BY id`
	return r.collect(r.db.Query(ctx, q, names))
}

func (r *calendarRepo) ListEnabled(ctx context.Context) ([]Calendar, error) {
	defer observeDB(ctx, "calendars.list_enabled")()
	return r.collect(r.db.Query(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE sync_enabled ORDER BY id`))
}

func (r *calendarRepo) exec(ctx context.Context, op, q string, args ...any) error {
	defer observeDB(ctx, op)()
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(tag)
}

func (r *calendarRepo) SetSyncEnabled(ctx context.Context, id int64, enabled bool) error {
	return r.exec(ctx, "calendars.set_enabled", `UPDATE calendars SET sync_enabled=$2 WHERE id=$1`, id, enabled)
}

func (r *calendarRepo) SetPrivate(ctx context.Context, id int64, private bool) error {
	return r.exec(ctx, "calendars.set_private", `UPDATE calendars SET private=$2 WHERE id=$1`, id, private)
}

func (r *calendarRepo) SaveCursor(ctx context.Context, id int64, cursor *string, syncedAt time.Time) error {
	return r.exec(ctx, "calendars.save_cursor",
		`UPDATE calendars SET sync_cursor=$2, last_synced_at=$3 WHERE id=$1`, id, cursor, syncedAt)
}

func (r *calendarRepo) SetSyncMode(ctx context.Context, id int64, mode SyncMode) error {
	return r.exec(ctx, "calendars.set_mode", `UPDATE calendars SET sync_mode=$2 WHERE id=$1`, id, string(mode))
}

func (r *calendarRepo) SetPushState(ctx context.Context, id int64, state PushState, failures int) error {
	return r.exec(ctx, "calendars.set_push_state",
		`UPDATE calendars SET push_state=$2, push_failures=$3 WHERE id=$1`, id, string(state), failures)
}

func (r *calendarRepo) SetChannel(ctx context.Context, id int64, ch Channel) error {
	return r.exec(ctx, "calendars.set_channel",
		`UPDATE calendars SET channel_id=$2, channel_resource_id=$3, channel_token=$4, channel_expires_at=$5 WHERE id=$1`,
		id, nullable(ch.ID), nullable(ch.ResourceID), nullable(ch.Token), ch.ExpiresAt)
}

// eventRepo implements EventRepository.
type eventRepo struct {
	db querier
}

const eventColumns = `id, calendar_id, provider_event_id, title, description, start_at, end_at, all_day,
is_busy_block, source_event_id, tag, tag_key, updated_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.CalendarID, &e.ProviderEventID, &e.Title, &e.Description, &e.Start, &e.End, &e.AllDay,
		&e.IsBusyBlock, &e.SourceEventID, &e.Tag, &e.TagKey, &e.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (r *eventRepo) collect(rows pgx.Rows, err error) ([]Event, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *eventRepo) Insert(ctx context.Context, ev Event) (*Event, error) {
	defer observeDB(ctx, "events.insert")()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	q := `INSERT INTO events (calendar_id, provider_event_id, title, description, start_at, end_at, all_day,
is_busy_block, source_event_id, tag, tag_key, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW()) RETURNING ` + eventColumns
	return scanEvent(r.db.QueryRow(ctx, q, ev.CalendarID, ev.ProviderEventID, ev.Title, ev.Description,
		ev.Start.UTC(), ev.End.UTC(), ev.AllDay, ev.IsBusyBlock, ev.SourceEventID, ev.Tag, ev.TagKey))
}

func (r *eventRepo) Update(ctx context.Context, ev Event) error {
	defer observeDB(ctx, "events.update")()
	if err := ev.Validate(); err != nil {
		return err
	}
	const q = `UPDATE events SET title=$2, description=$3, start_at=$4, end_at=$5, all_day=$6,
tag=$7, tag_key=$8, updated_at=NOW() WHERE id=$1`
	tag, err := r.db.Exec(ctx, q, ev.ID, ev.Title, ev.Description, ev.Start.UTC(), ev.End.UTC(), ev.AllDay, ev.Tag, ev.TagKey)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(tag)
}

func (r *eventRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "events.delete")()
	tag, err := r.db.Exec(ctx, `DELETE FROM events WHERE id=$1`, id)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(tag)
}

func (r *eventRepo) GetByID(ctx context.Context, id int64) (*Event, error) {
	defer observeDB(ctx, "events.get")()
	return scanEvent(r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, id))
}

func (r *eventRepo) GetByProviderID(ctx context.Context, calendarID int64, providerEventID string) (*Event, error) {
	defer observeDB(ctx, "events.get_by_provider_id")()
	return scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 AND provider_event_id=$2`, calendarID, providerEventID))
}

func (r *eventRepo) GetByTagKey(ctx context.Context, calendarID int64, tagKey string) (*Event, error) {
	defer observeDB(ctx, "events.get_by_tag_key")()
	return scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 AND tag_key=$2 AND is_busy_block LIMIT 1`, calendarID, tagKey))
}

func (r *eventRepo) FindBusyBlock(ctx context.Context, calendarID, sourceID int64) (*Event, error) {
	defer observeDB(ctx, "events.find_busy_block")()
	return scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id=$1 AND source_event_id=$2`, calendarID, sourceID))
}

func (r *eventRepo) ListBusyBlocksBySource(ctx context.Context, sourceID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_by_source")()
	return r.collect(r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source_event_id=$1 ORDER BY calendar_id`, sourceID))
}

func (r *eventRepo) ListBusyBlocksForUser(ctx context.Context, userID int64) ([]Event, error) {
	defer observeDB(ctx, "events.list_busy_for_user")()
	const q = `SELECT e.id, e.calendar_id, e.provider_event_id, e.title, e.description, e.start_at, e.end_at, e.all_day,
e.is_busy_block, e.source_event_id, e.tag, e.tag_key, e.updated_at
FROM events e JOIN calendars c ON c.id = e.calendar_id
WHERE c.user_id=$1 AND e.is_busy_block ORDER BY e.id`
	return r.collect(r.db.Query(ctx, q, userID))
}

func (r *eventRepo) ListSourcesInWindow(ctx context.Context, calendarID int64, from, to time.Time) ([]Event, error) {
	defer observeDB(ctx, "events.list_sources_window")()
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE calendar_id=$1 AND NOT is_busy_block AND end_at > $2 AND start_at < $3 ORDER BY start_at, id`
	return r.collect(r.db.Query(ctx, q, calendarID, from.UTC(), to.UTC()))
}

func (r *eventRepo) ClearSource(ctx context.Context, id int64) error {
	defer observeDB(ctx, "events.clear_source")()
	tag, err := r.db.Exec(ctx, `UPDATE events SET source_event_id=NULL, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return mapErr(err)
	}
	return expectOne(tag)
}

// syncRunRepo implements SyncRunRepository.
type syncRunRepo struct {
	db querier
}

func (r *syncRunRepo) Record(ctx context.Context, run SyncRun) error {
	defer observeDB(ctx, "sync_runs.record")()
	const q = `INSERT INTO sync_runs (id, calendar_id, trigger_source, mode, started_at, finished_at,
created_count, updated_count, deleted_count, skipped_count, errors, cursor_advanced)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := r.db.Exec(ctx, q, run.ID, run.CalendarID, run.Trigger, run.Mode, run.StartedAt, run.FinishedAt,
		run.Created, run.Updated, run.Deleted, run.Skipped, errs, run.CursorAdvanced)
	return mapErr(err)
}

func (r *syncRunRepo) ListRecent(ctx context.Context, calendarID int64, limit int) ([]SyncRun, error) {
	defer observeDB(ctx, "sync_runs.list_recent")()
	const q = `SELECT id::text, calendar_id, trigger_source, mode, started_at, finished_at,
created_count, updated_count, deleted_count, skipped_count, errors, cursor_advanced
FROM sync_runs WHERE calendar_id=$1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, q, calendarID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.CalendarID, &run.Trigger, &run.Mode, &run.StartedAt, &run.FinishedAt,
			&run.Created, &run.Updated, &run.Deleted, &run.Skipped, &run.Errors, &run.CursorAdvanced); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

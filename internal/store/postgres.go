package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lofy-assistant/lofy/internal/model"
)

// Postgres implements Repo over a pgx connection pool. The pool is a
// process-wide singleton: constructed once at startup, injected here,
// and closed on shutdown.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, verifies the connection, and applies
// migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() { p.pool.Close() }

// CreateUser inserts a new user, generating an ID when absent.
func (p *Postgres) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, phone, name, pin_hash, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Phone, u.Name, u.PINHash, u.Timezone, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (p *Postgres) UserByID(ctx context.Context, id string) (*model.User, error) {
	return p.scanUser(p.pool.QueryRow(ctx, `
		SELECT id, phone, name, pin_hash, timezone, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

func (p *Postgres) UserByPhone(ctx context.Context, phone string) (*model.User, error) {
	return p.scanUser(p.pool.QueryRow(ctx, `
		SELECT id, phone, name, pin_hash, timezone, created_at, updated_at
		FROM users WHERE phone = $1`, phone))
}

func (p *Postgres) scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.PINHash, &u.Timezone, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// HasPIN reports whether phone belongs to a user with a PIN set. An
// unknown phone is "no PIN", not an error, so the deep-link flow can
// route straight to registration.
func (p *Postgres) HasPIN(ctx context.Context, phone string) (bool, error) {
	var pinHash string
	err := p.pool.QueryRow(ctx,
		`SELECT pin_hash FROM users WHERE phone = $1`, phone).Scan(&pinHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pinHash != "", nil
}

func (p *Postgres) SetPIN(ctx context.Context, userID, pinHash string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET pin_hash = $2, updated_at = now() WHERE id = $1`,
		userID, pinHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calendar_events
			(id, user_id, title, description, location, start_time, end_time, recurrence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, nullable(ev.Recurrence), ev.CreatedAt, ev.UpdatedAt,
	)
	return err
}

func (p *Postgres) UpdateEvent(ctx context.Context, ev *model.CalendarEvent) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE calendar_events
		SET title = $3, description = $4, location = $5,
		    start_time = $6, end_time = $7, recurrence = $8, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, nullable(ev.Recurrence),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteEvent(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM calendar_events WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EventByID(ctx context.Context, userID, id string) (*model.CalendarEvent, error) {
	rows, err := p.pool.Query(ctx, eventSelect+` WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

const eventSelect = `
	SELECT id, user_id, title, description, location,
	       start_time, end_time, recurrence, created_at, updated_at
	FROM calendar_events`

// EventsInWindow is the first storage pass: anything anchored inside
// the window, recurring or not.
func (p *Postgres) EventsInWindow(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]model.CalendarEvent, error) {
	rows, err := p.pool.Query(ctx, eventSelect+`
		WHERE user_id = $1 AND start_time >= $2 AND start_time <= $3
		ORDER BY start_time`,
		userID, windowStart, windowEnd,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// RecurringEventsAnchoredBefore is the second storage pass: recurring
// records anchored at or before the window end, whose rules may still
// land inside the window. The expander drops duplicates against the
// first pass.
func (p *Postgres) RecurringEventsAnchoredBefore(ctx context.Context, userID string, windowEnd time.Time) ([]model.CalendarEvent, error) {
	rows, err := p.pool.Query(ctx, eventSelect+`
		WHERE user_id = $1 AND recurrence IS NOT NULL AND start_time <= $2
		ORDER BY start_time`,
		userID, windowEnd,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]model.CalendarEvent, error) {
	defer rows.Close()
	var out []model.CalendarEvent
	for rows.Next() {
		var (
			ev  model.CalendarEvent
			rec *string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Title, &ev.Description, &ev.Location,
			&ev.StartTime, &ev.EndTime, &rec, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		if rec != nil {
			ev.Recurrence = *rec
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateReminder(ctx context.Context, rem *model.Reminder) error {
	if rem.ID == "" {
		rem.ID = uuid.NewString()
	}
	if rem.Status == "" {
		rem.Status = model.ReminderPending
	}
	now := time.Now().UTC()
	rem.CreatedAt = now
	rem.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO reminders
			(id, user_id, message, reminder_time, status, recurrence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rem.ID, rem.UserID, rem.Message, rem.ReminderTime,
		string(rem.Status), nullable(rem.Recurrence), rem.CreatedAt, rem.UpdatedAt,
	)
	return err
}

func (p *Postgres) UpdateReminder(ctx context.Context, rem *model.Reminder) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reminders
		SET message = $3, reminder_time = $4, status = $5, recurrence = $6, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		rem.ID, rem.UserID, rem.Message, rem.ReminderTime,
		string(rem.Status), nullable(rem.Recurrence),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteReminder(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM reminders WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReminderByID(ctx context.Context, userID, id string) (*model.Reminder, error) {
	rows, err := p.pool.Query(ctx, reminderSelect+` WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return nil, err
	}
	rems, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	if len(rems) == 0 {
		return nil, ErrNotFound
	}
	return &rems[0], nil
}

func (p *Postgres) SetReminderStatus(ctx context.Context, userID, id string, status model.ReminderStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE reminders SET status = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		id, userID, string(status),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const reminderSelect = `
	SELECT id, user_id, message, reminder_time, status, recurrence, created_at, updated_at
	FROM reminders`

// RemindersInWindow is the first storage pass for reminders, filtered
// by stored status.
func (p *Postgres) RemindersInWindow(ctx context.Context, userID string, windowStart, windowEnd time.Time, status model.ReminderStatus) ([]model.Reminder, error) {
	rows, err := p.pool.Query(ctx, reminderSelect+`
		WHERE user_id = $1 AND reminder_time >= $2 AND reminder_time <= $3 AND status = $4
		ORDER BY reminder_time`,
		userID, windowStart, windowEnd, string(status),
	)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

// RecurringRemindersAnchoredBefore is the second pass: any recurring
// reminder anchored at or before the window end, regardless of stored
// status (the expander re-derives status per instance).
func (p *Postgres) RecurringRemindersAnchoredBefore(ctx context.Context, userID string, windowEnd time.Time) ([]model.Reminder, error) {
	rows, err := p.pool.Query(ctx, reminderSelect+`
		WHERE user_id = $1 AND recurrence IS NOT NULL AND reminder_time <= $2
		ORDER BY reminder_time`,
		userID, windowEnd,
	)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

// AllPendingRemindersInWindow feeds the dispatch scan across all users.
func (p *Postgres) AllPendingRemindersInWindow(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Reminder, error) {
	rows, err := p.pool.Query(ctx, reminderSelect+`
		WHERE reminder_time >= $1 AND reminder_time <= $2 AND status = 'pending'
		ORDER BY reminder_time`,
		windowStart, windowEnd,
	)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (p *Postgres) AllRecurringRemindersAnchoredBefore(ctx context.Context, windowEnd time.Time) ([]model.Reminder, error) {
	rows, err := p.pool.Query(ctx, reminderSelect+`
		WHERE recurrence IS NOT NULL AND reminder_time <= $1 AND status <> 'cancelled'
		ORDER BY reminder_time`,
		windowEnd,
	)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func scanReminders(rows pgx.Rows) ([]model.Reminder, error) {
	defer rows.Close()
	var out []model.Reminder
	for rows.Next() {
		var (
			rem    model.Reminder
			status string
			rec    *string
		)
		if err := rows.Scan(&rem.ID, &rem.UserID, &rem.Message, &rem.ReminderTime,
			&status, &rec, &rem.CreatedAt, &rem.UpdatedAt); err != nil {
			return nil, err
		}
		rem.Status = model.ReminderStatus(status)
		if rec != nil {
			rem.Recurrence = *rec
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

func (p *Postgres) ListMemories(ctx context.Context, userID string) ([]model.Memory, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, content, created_at, updated_at
		FROM memories WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateMemory(ctx context.Context, m *model.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memories (id, user_id, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.UserID, m.Content, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (p *Postgres) DeleteMemory(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullable maps an empty string to SQL NULL for nullable text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

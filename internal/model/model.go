package model

import "time"

// ReminderStatus enumerates the stored lifecycle states of a reminder.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderCompleted ReminderStatus = "completed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// User is a registered assistant user, identified by phone number.
// PINHash is a bcrypt hash; it is empty for users created by the bot
// side of the system who have not completed dashboard onboarding yet.
type User struct {
	ID        string
	Phone     string
	Name      string
	PINHash   string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPIN reports whether the user has completed PIN setup.
func (u User) HasPIN() bool { return u.PINHash != "" }

// CalendarEvent is a stored calendar entry. Recurrence, when non-empty,
// is RFC 5545 RRULE text anchored at StartTime (possibly multiple
// lines, e.g. an RRULE plus EXDATE lines).
type CalendarEvent struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Location    string
	StartTime   time.Time
	EndTime     time.Time
	Recurrence  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Duration returns the event's base duration. Zero-duration events are
// valid and expand to zero-duration occurrences.
func (e CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Reminder is a stored reminder. Recurrence follows the same rules as
// CalendarEvent.Recurrence, anchored at ReminderTime.
type Reminder struct {
	ID           string
	UserID       string
	Message      string
	ReminderTime time.Time
	Status       ReminderStatus
	Recurrence   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Memory is a free-form fact the assistant has stored about a user.
type Memory struct {
	ID        string
	UserID    string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Occurrence is one concrete instance produced by expanding a record
// against a time window. It is computed per request and never
// persisted; several occurrences may share the same base ID.
type Occurrence struct {
	ID          string // base record ID, repeated across instances
	UserID      string
	Title       string // event title or reminder message
	Description string
	Location    string
	Start       time.Time
	End         time.Time // zero for reminders

	// EffectiveStatus is set for reminders only: "pending" when the
	// instance is still in the future, otherwise the stored status.
	EffectiveStatus ReminderStatus

	// Recurrence echoes the base record's original rule text, not a
	// per-instance rule.
	Recurrence string
}

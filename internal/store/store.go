// Package store is the Postgres persistence layer for users, calendar
// events, reminders, and memories.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lofy-assistant/lofy/internal/model"
)

// ErrNotFound is returned when a row does not exist or belongs to a
// different user.
var ErrNotFound = errors.New("store: not found")

// Repo defines the storage operations the dashboard and the dispatch
// scan need. Window queries are two-pass by design: the in-window
// query picks up records anchored inside the window, and the
// anchored-before query picks up recurring records anchored earlier
// whose rule can still produce occurrences inside it. The expander
// de-duplicates records returned by both.
type Repo interface {
	// Users.
	CreateUser(ctx context.Context, u *model.User) error
	UserByID(ctx context.Context, id string) (*model.User, error)
	UserByPhone(ctx context.Context, phone string) (*model.User, error)
	// HasPIN reports whether phone belongs to a user with a PIN set.
	// An unknown phone is simply "no PIN", not an error.
	HasPIN(ctx context.Context, phone string) (bool, error)
	SetPIN(ctx context.Context, userID, pinHash string) error

	// Calendar events.
	CreateEvent(ctx context.Context, ev *model.CalendarEvent) error
	UpdateEvent(ctx context.Context, ev *model.CalendarEvent) error
	DeleteEvent(ctx context.Context, userID, id string) error
	EventByID(ctx context.Context, userID, id string) (*model.CalendarEvent, error)
	EventsInWindow(ctx context.Context, userID string, windowStart, windowEnd time.Time) ([]model.CalendarEvent, error)
	RecurringEventsAnchoredBefore(ctx context.Context, userID string, windowEnd time.Time) ([]model.CalendarEvent, error)

	// Reminders.
	CreateReminder(ctx context.Context, rem *model.Reminder) error
	UpdateReminder(ctx context.Context, rem *model.Reminder) error
	DeleteReminder(ctx context.Context, userID, id string) error
	ReminderByID(ctx context.Context, userID, id string) (*model.Reminder, error)
	SetReminderStatus(ctx context.Context, userID, id string, status model.ReminderStatus) error
	RemindersInWindow(ctx context.Context, userID string, windowStart, windowEnd time.Time, status model.ReminderStatus) ([]model.Reminder, error)
	RecurringRemindersAnchoredBefore(ctx context.Context, userID string, windowEnd time.Time) ([]model.Reminder, error)

	// Dispatch scan (all users).
	AllPendingRemindersInWindow(ctx context.Context, windowStart, windowEnd time.Time) ([]model.Reminder, error)
	AllRecurringRemindersAnchoredBefore(ctx context.Context, windowEnd time.Time) ([]model.Reminder, error)

	// Memories.
	ListMemories(ctx context.Context, userID string) ([]model.Memory, error)
	CreateMemory(ctx context.Context, m *model.Memory) error
	DeleteMemory(ctx context.Context, userID, id string) error

	Close()
}

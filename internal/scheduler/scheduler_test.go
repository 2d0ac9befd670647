package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/model"
	"github.com/lofy-assistant/lofy/internal/recur"
	"github.com/lofy-assistant/lofy/internal/store"
)

type memQueue struct{ payloads [][]byte }

func (q *memQueue) Push(_ context.Context, payload []byte) error {
	q.payloads = append(q.payloads, payload)
	return nil
}

type stubRepo struct {
	store.Repo // satisfies the interface; unused methods panic
	pending    []model.Reminder
	recurring  []model.Reminder
}

func (s *stubRepo) AllPendingRemindersInWindow(context.Context, time.Time, time.Time) ([]model.Reminder, error) {
	return s.pending, nil
}

func (s *stubRepo) AllRecurringRemindersAnchoredBefore(context.Context, time.Time) ([]model.Reminder, error) {
	return s.recurring, nil
}

func TestDispatchWindow_EnqueuesDueOccurrences(t *testing.T) {
	due := time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	repo := &stubRepo{
		pending: []model.Reminder{{
			ID:           "rem-1",
			UserID:       "u-1",
			Message:      "take medication",
			ReminderTime: due,
			Status:       model.ReminderPending,
		}},
		recurring: []model.Reminder{{
			ID:           "rem-2",
			UserID:       "u-2",
			Message:      "weekly review",
			ReminderTime: time.Date(2024, time.January, 3, 9, 0, 0, 0, time.UTC),
			Status:       model.ReminderPending,
			Recurrence:   "RRULE:FREQ=WEEKLY",
		}},
	}
	q := &memQueue{}
	d := New(repo, recur.New(nil), q, zap.NewNop())

	sent, err := d.dispatchWindow(context.Background(),
		due.Add(-time.Minute), due.Add(time.Minute))
	require.NoError(t, err)

	// rem-1 is due inside the window; rem-2's weekly instance on
	// Jan 10 09:00 lands inside it too.
	assert.Equal(t, 2, sent)
	require.Len(t, q.payloads, 2)

	var msg DispatchMessage
	require.NoError(t, json.Unmarshal(q.payloads[0], &msg))
	assert.Equal(t, "rem-1", msg.ReminderID)
	assert.Equal(t, "take medication", msg.Message)
}

func TestDispatchWindow_SkipsCancelled(t *testing.T) {
	repo := &stubRepo{
		recurring: []model.Reminder{{
			ID:           "rem-3",
			UserID:       "u-1",
			Message:      "old habit",
			ReminderTime: time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC),
			Status:       model.ReminderCancelled,
			Recurrence:   "RRULE:FREQ=DAILY",
		}},
	}
	q := &memQueue{}
	d := New(repo, recur.New(nil), q, zap.NewNop())

	sent, err := d.dispatchWindow(context.Background(),
		time.Date(2024, time.January, 10, 7, 59, 0, 0, time.UTC),
		time.Date(2024, time.January, 10, 8, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, q.payloads)
}

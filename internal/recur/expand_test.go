package recur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lofy-assistant/lofy/internal/model"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func weeklyEvent() model.CalendarEvent {
	return model.CalendarEvent{
		ID:         "ev-1",
		UserID:     "u-1",
		Title:      "standup",
		StartTime:  utc(2024, time.January, 1, 9, 0),
		EndTime:    utc(2024, time.January, 1, 10, 0),
		Recurrence: "RRULE:FREQ=WEEKLY;BYDAY=MO",
	}
}

func janWindow() (time.Time, time.Time) {
	return utc(2024, time.January, 1, 0, 0),
		time.Date(2024, time.January, 31, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
}

func TestExpandEvents_WeeklyJanuary(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	got := x.ExpandEvents([]model.CalendarEvent{weeklyEvent()}, ws, we)
	require.Len(t, got, 5)

	wantDays := []int{1, 8, 15, 22, 29}
	for i, occ := range got {
		assert.Equal(t, "ev-1", occ.ID)
		assert.Equal(t, wantDays[i], occ.Start.Day())
		assert.Equal(t, 9, occ.Start.UTC().Hour())
		// Duration preservation: every instance is exactly one hour.
		assert.Equal(t, time.Hour, occ.End.Sub(occ.Start))
		assert.Equal(t, "RRULE:FREQ=WEEKLY;BYDAY=MO", occ.Recurrence)
	}

	// Ascending by start.
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Start.Before(got[i].Start))
	}
}

func TestExpandEvents_WindowContainment(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	ev := weeklyEvent()
	ev.Recurrence = "RRULE:FREQ=DAILY"
	ev.StartTime = utc(2023, time.June, 1, 9, 0)
	ev.EndTime = utc(2023, time.June, 1, 9, 30)

	for _, occ := range x.ExpandEvents([]model.CalendarEvent{ev}, ws, we) {
		assert.False(t, occ.Start.Before(ws))
		assert.False(t, occ.Start.After(we))
	}
}

func TestExpandEvents_DuplicateInputExpandedOnce(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	// Same record arrives from both storage passes.
	ev := weeklyEvent()
	got := x.ExpandEvents([]model.CalendarEvent{ev, ev}, ws, we)
	assert.Len(t, got, 5)
}

func TestExpandEvents_MalformedRuleYieldsNothing(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	bad := weeklyEvent()
	bad.ID = "ev-bad"
	bad.Recurrence = "not-a-valid-rrule"

	assert.NotPanics(t, func() {
		got := x.ExpandEvents([]model.CalendarEvent{bad}, ws, we)
		assert.Empty(t, got)
	})
}

func TestExpandEvents_NonRecurringPassthrough(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	// Anchor outside the window: the storage query owns inclusion, the
	// expander does not second-guess it.
	ev := model.CalendarEvent{
		ID:        "ev-2",
		UserID:    "u-1",
		Title:     "dentist",
		StartTime: utc(2024, time.March, 5, 14, 0),
		EndTime:   utc(2024, time.March, 5, 15, 0),
	}
	got := x.ExpandEvents([]model.CalendarEvent{ev}, ws, we)
	require.Len(t, got, 1)
	assert.Equal(t, ev.StartTime, got[0].Start)
	assert.Equal(t, ev.EndTime, got[0].End)
	assert.Empty(t, got[0].Recurrence)
}

func TestExpandEvents_ZeroDuration(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	ev := weeklyEvent()
	ev.EndTime = ev.StartTime
	got := x.ExpandEvents([]model.CalendarEvent{ev}, ws, we)
	require.Len(t, got, 5)
	for _, occ := range got {
		assert.Equal(t, occ.Start, occ.End)
	}
}

func TestExpandEvents_InvertedWindow(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()

	got := x.ExpandEvents([]model.CalendarEvent{weeklyEvent()}, we, ws)
	assert.Empty(t, got)
}

func TestExpandEvents_ExDateUnfolding(t *testing.T) {
	x := New(nil)

	ev := model.CalendarEvent{
		ID:         "ev-3",
		UserID:     "u-1",
		Title:      "gym",
		StartTime:  utc(2024, time.January, 1, 9, 0),
		EndTime:    utc(2024, time.January, 1, 10, 0),
		Recurrence: "RRULE:FREQ=DAILY\nEXDATE:20240102T090000Z",
	}
	got := x.ExpandEvents([]model.CalendarEvent{ev},
		utc(2024, time.January, 1, 0, 0), utc(2024, time.January, 3, 23, 59))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Start.Day())
	assert.Equal(t, 3, got[1].Start.Day())
}

func weeklyReminder() model.Reminder {
	return model.Reminder{
		ID:           "rem-1",
		UserID:       "u-1",
		Message:      "water the plants",
		ReminderTime: utc(2024, time.January, 1, 9, 0),
		Status:       model.ReminderCompleted,
		Recurrence:   "RRULE:FREQ=WEEKLY;BYDAY=MO",
	}
}

func TestExpandReminders_StatusSplit(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()
	now := utc(2024, time.January, 20, 0, 0)

	rem := weeklyReminder()

	pending := x.ExpandReminders([]model.Reminder{rem}, ws, we, FilterPending, now)
	completed := x.ExpandReminders([]model.Reminder{rem}, ws, we, FilterCompleted, now)
	all := x.ExpandReminders([]model.Reminder{rem}, ws, we, FilterNone, now)

	require.Len(t, pending, 2) // Jan 22, 29
	require.Len(t, completed, 3)
	require.Len(t, all, 5)

	for _, occ := range pending {
		assert.False(t, occ.Start.Before(now))
		// A future instance is pending even though the base record is
		// stored as completed.
		assert.Equal(t, model.ReminderPending, occ.EffectiveStatus)
	}
	for _, occ := range completed {
		assert.True(t, occ.Start.Before(now))
		assert.Equal(t, model.ReminderCompleted, occ.EffectiveStatus)
	}

	// Disjoint, and their union equals the unfiltered expansion.
	starts := map[time.Time]int{}
	for _, occ := range pending {
		starts[occ.Start]++
	}
	for _, occ := range completed {
		starts[occ.Start]++
	}
	assert.Len(t, starts, len(all))
	for _, n := range starts {
		assert.Equal(t, 1, n)
	}
}

func TestExpandReminders_NonRecurringKeepsStoredStatus(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()
	now := utc(2024, time.January, 20, 0, 0)

	rem := model.Reminder{
		ID:           "rem-2",
		UserID:       "u-1",
		Message:      "renew passport",
		ReminderTime: utc(2024, time.January, 25, 10, 0),
		Status:       model.ReminderCancelled,
	}

	// The pending filter does not touch non-recurring records; storage
	// already filtered them by stored status.
	got := x.ExpandReminders([]model.Reminder{rem}, ws, we, FilterPending, now)
	require.Len(t, got, 1)
	assert.Equal(t, model.ReminderCancelled, got[0].EffectiveStatus)
}

func TestExpandReminders_DuplicateAcrossPasses(t *testing.T) {
	x := New(nil)
	ws, we := janWindow()
	now := utc(2024, time.January, 20, 0, 0)

	rem := weeklyReminder()
	got := x.ExpandReminders([]model.Reminder{rem, rem}, ws, we, FilterNone, now)
	assert.Len(t, got, 5)
}

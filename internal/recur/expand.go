// Package recur expands stored calendar events and reminders with
// optional RRULE recurrence into concrete occurrences inside a
// requested time window.
package recur

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/model"
)

const defaultMaxOccurrencesPerRecord = 5000

// StatusFilter selects which reminder occurrences to keep relative to
// the request-time clock.
type StatusFilter string

const (
	// FilterPending keeps occurrences whose start is at or after "now".
	FilterPending StatusFilter = "pending"
	// FilterCompleted keeps occurrences whose start is before "now".
	FilterCompleted StatusFilter = "completed"
	// FilterNone keeps every occurrence in the window.
	FilterNone StatusFilter = ""
)

// Expander turns base records into window-scoped occurrences. It is
// stateless apart from the logger; all time dependence is passed in
// explicitly so callers (and tests) can pin the clock.
type Expander struct {
	log *zap.Logger

	// MaxOccurrencesPerRecord caps expansion of a single record to
	// guard against pathological rules. Zero means the default cap.
	MaxOccurrencesPerRecord int
}

// New constructs an Expander. A nil logger is replaced with a no-op one.
func New(log *zap.Logger) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	return &Expander{log: log}
}

func (x *Expander) cap() int {
	if x.MaxOccurrencesPerRecord > 0 {
		return x.MaxOccurrencesPerRecord
	}
	return defaultMaxOccurrencesPerRecord
}

// ExpandEvents expands calendar events into occurrences with starts in
// [windowStart, windowEnd] inclusive.
//
// The input may contain the same record twice: once from the storage
// query scoped to the window and once from the broader "any recurring
// record anchored at or before windowEnd" query. Records whose ID was
// already seen are skipped, so occurrences appear exactly once.
//
// Non-recurring events pass through untouched: the storage query
// already decided their inclusion. A malformed recurrence rule yields
// zero occurrences for that record. An inverted window returns an
// empty list.
func (x *Expander) ExpandEvents(events []model.CalendarEvent, windowStart, windowEnd time.Time) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	if windowEnd.Before(windowStart) {
		return out
	}

	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if _, dup := seen[ev.ID]; dup {
			continue
		}
		seen[ev.ID] = struct{}{}

		if ev.Recurrence == "" {
			out = append(out, model.Occurrence{
				ID:          ev.ID,
				UserID:      ev.UserID,
				Title:       ev.Title,
				Description: ev.Description,
				Location:    ev.Location,
				Start:       ev.StartTime,
				End:         ev.EndTime,
			})
			continue
		}

		dur := ev.Duration()
		for _, start := range x.ruleStarts(ev.ID, ev.Recurrence, ev.StartTime, windowStart, windowEnd) {
			out = append(out, model.Occurrence{
				ID:          ev.ID,
				UserID:      ev.UserID,
				Title:       ev.Title,
				Description: ev.Description,
				Location:    ev.Location,
				Start:       start,
				End:         start.Add(dur),
				Recurrence:  ev.Recurrence,
			})
		}
	}

	sortOccurrences(out)
	return out
}

// ExpandReminders expands reminders into occurrences with starts in
// [windowStart, windowEnd] inclusive, deriving a per-instance effective
// status against the supplied clock.
//
// A recurring instance in the future is "pending" regardless of the
// stored base status; a past instance carries the stored status. The
// filter applies only to recurring expansion: non-recurring reminders
// pass through as-is because the storage query already filtered them by
// stored status.
func (x *Expander) ExpandReminders(rems []model.Reminder, windowStart, windowEnd time.Time, filter StatusFilter, now time.Time) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(rems))
	if windowEnd.Before(windowStart) {
		return out
	}

	seen := make(map[string]struct{}, len(rems))
	for _, rem := range rems {
		if _, dup := seen[rem.ID]; dup {
			continue
		}
		seen[rem.ID] = struct{}{}

		if rem.Recurrence == "" {
			out = append(out, model.Occurrence{
				ID:              rem.ID,
				UserID:          rem.UserID,
				Title:           rem.Message,
				Start:           rem.ReminderTime,
				EffectiveStatus: rem.Status,
			})
			continue
		}

		for _, start := range x.ruleStarts(rem.ID, rem.Recurrence, rem.ReminderTime, windowStart, windowEnd) {
			future := !start.Before(now)
			switch filter {
			case FilterPending:
				if !future {
					continue
				}
			case FilterCompleted:
				if future {
					continue
				}
			}

			status := rem.Status
			if future {
				status = model.ReminderPending
			}
			out = append(out, model.Occurrence{
				ID:              rem.ID,
				UserID:          rem.UserID,
				Title:           rem.Message,
				Start:           start,
				EffectiveStatus: status,
				Recurrence:      rem.Recurrence,
			})
		}
	}

	sortOccurrences(out)
	return out
}

// ruleStarts computes the occurrence start times of a recurrence rule
// within the inclusive window. Parse failures are non-fatal: they log
// and yield no occurrences, so one bad rule never breaks a listing.
func (x *Expander) ruleStarts(id, text string, anchor, windowStart, windowEnd time.Time) []time.Time {
	set, err := buildRuleSet(text, anchor)
	if err != nil {
		x.log.Debug("recurrence parse failed, skipping record",
			zap.String("id", id),
			zap.String("rule", text),
			zap.Error(err),
		)
		return nil
	}

	// Between compares instants; evaluate in the anchor's location so
	// wall-clock rules (BYDAY etc.) resolve against the record's zone.
	loc := anchor.Location()
	starts := set.Between(windowStart.In(loc), windowEnd.In(loc), true)
	if max := x.cap(); len(starts) > max {
		starts = starts[:max]
	}
	return starts
}

// buildRuleSet unfolds possibly multi-line recurrence text (RRULE plus
// optional EXDATE lines, a leading DTSTART is ignored in favor of the
// record's own anchor) into an rrule.Set anchored at anchor.
func buildRuleSet(text string, anchor time.Time) (*rrule.Set, error) {
	var set rrule.Set

	haveRule := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "DTSTART"):
			// The record's anchor timestamp is authoritative.
			continue
		case strings.HasPrefix(line, "EXDATE"):
			for _, ex := range parseExDates(line, anchor.Location()) {
				set.ExDate(ex.In(anchor.Location()))
			}
		default:
			r, err := rrule.StrToRRule(strings.TrimPrefix(line, "RRULE:"))
			if err != nil {
				return nil, err
			}
			r.DTStart(anchor)
			set.RRule(r)
			haveRule = true
		}
	}

	if !haveRule {
		return nil, errNoRule
	}
	return &set, nil
}

var errNoRule = errors.New("no RRULE line in recurrence text")

// parseExDates parses an EXDATE line ("EXDATE:20240101T090000Z,...")
// into timestamps. Unparseable entries are dropped.
func parseExDates(line string, loc *time.Location) []time.Time {
	_, value, ok := strings.Cut(line, ":")
	if !ok {
		return nil
	}
	var out []time.Time
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if t, err := parseRuleTime(part, loc); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// parseRuleTime parses the basic iCalendar date/date-time forms used in
// EXDATE values.
func parseRuleTime(v string, loc *time.Location) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// sortOccurrences orders ascending by start; the stable sort preserves
// input order for identical starts.
func sortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		return occ[i].Start.Before(occ[j].Start)
	})
}

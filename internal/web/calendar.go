package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/model"
	"github.com/lofy-assistant/lofy/internal/store"
)

// occurrenceDTO is the JSON shape of one expanded instance. ID repeats
// the base record's ID across instances of a recurring record, and
// recurrence echoes the original rule text.
type occurrenceDTO struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	Recurrence  string    `json:"recurrence,omitempty"`
}

type eventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Recurrence  string    `json:"recurrence"`
}

func (req eventRequest) validate() error {
	if req.Title == "" {
		return errors.New("title is required")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return errors.New("start_time and end_time are required")
	}
	if req.EndTime.Before(req.StartTime) {
		return errors.New("end_time must not be before start_time")
	}
	return nil
}

// fetchEventOccurrences runs the two storage passes and the expander
// for one user's month window.
func (s *Server) fetchEventOccurrences(r *http.Request, userID string, windowStart, windowEnd time.Time) ([]model.Occurrence, error) {
	inWindow, err := s.repo.EventsInWindow(r.Context(), userID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	recurring, err := s.repo.RecurringEventsAnchoredBefore(r.Context(), userID, windowEnd)
	if err != nil {
		return nil, err
	}
	return s.expander.ExpandEvents(append(inWindow, recurring...), windowStart, windowEnd), nil
}

// handleListEvents returns the expanded occurrences for the requested
// month (GET /api/calendar?month=1&year=2024).
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	windowStart, windowEnd, ok := s.monthWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid month or year")
		return
	}

	occ, err := s.fetchEventOccurrences(r, userID, windowStart, windowEnd)
	if err != nil {
		s.log.Error("event listing failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(occ))
	for _, o := range occ {
		dtos = append(dtos, occurrenceDTO{
			ID:          o.ID,
			Title:       o.Title,
			Description: o.Description,
			Location:    o.Location,
			Start:       o.Start,
			End:         o.End,
			Recurrence:  o.Recurrence,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]occurrenceDTO{"events": dtos})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := &model.CalendarEvent{
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Recurrence:  req.Recurrence,
	}
	if err := s.repo.CreateEvent(r.Context(), ev); err != nil {
		s.log.Error("event create failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": ev.ID})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := &model.CalendarEvent{
		ID:          chi.URLParam(r, "id"),
		UserID:      userID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Recurrence:  req.Recurrence,
	}
	err := s.repo.UpdateEvent(r.Context(), ev)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.log.Error("event update failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": ev.ID})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	err := s.repo.DeleteEvent(r.Context(), userID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.log.Error("event delete failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleExportICS serves the requested month as an iCalendar feed so
// users can subscribe from an external calendar app.
func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	windowStart, windowEnd, ok := s.monthWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid month or year")
		return
	}

	occ, err := s.fetchEventOccurrences(r, userID, windowStart, windowEnd)
	if err != nil {
		s.log.Error("ics export failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//Lofy//Dashboard//EN")
	for _, o := range occ {
		// One VEVENT per concrete instance; the UID combines base ID
		// and instance start so repeated instances stay distinct.
		ev := cal.AddEvent(fmt.Sprintf("%s-%d@lofy", o.ID, o.Start.Unix()))
		ev.SetDtStampTime(time.Now().UTC())
		ev.SetStartAt(o.Start)
		ev.SetEndAt(o.End)
		ev.SetSummary(o.Title)
		if o.Description != "" {
			ev.SetDescription(o.Description)
		}
		if o.Location != "" {
			ev.SetLocation(o.Location)
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="lofy-calendar.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cal.Serialize()))
}

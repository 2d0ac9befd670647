package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/model"
	"github.com/lofy-assistant/lofy/internal/recur"
	"github.com/lofy-assistant/lofy/internal/store"
)

type reminderDTO struct {
	ID           string    `json:"id"`
	Message      string    `json:"message"`
	ReminderTime time.Time `json:"reminder_time"`
	Status       string    `json:"status"`
	Recurrence   string    `json:"recurrence,omitempty"`
}

type reminderRequest struct {
	Message      string    `json:"message"`
	ReminderTime time.Time `json:"reminder_time"`
	Recurrence   string    `json:"recurrence"`
}

func (req reminderRequest) validate() error {
	if req.Message == "" {
		return errors.New("message is required")
	}
	if req.ReminderTime.IsZero() {
		return errors.New("reminder_time is required")
	}
	return nil
}

// handleListReminders returns the expanded reminder occurrences for
// the requested month, split by effective status
// (GET /api/reminders?month=1&year=2024&status=pending).
func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	windowStart, windowEnd, ok := s.monthWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid month or year")
		return
	}

	var (
		filter recur.StatusFilter
		status model.ReminderStatus
	)
	switch r.URL.Query().Get("status") {
	case "", "pending":
		filter, status = recur.FilterPending, model.ReminderPending
	case "completed":
		filter, status = recur.FilterCompleted, model.ReminderCompleted
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or completed")
		return
	}

	inWindow, err := s.repo.RemindersInWindow(r.Context(), userID, windowStart, windowEnd, status)
	if err != nil {
		s.log.Error("reminder listing failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load reminders")
		return
	}
	recurring, err := s.repo.RecurringRemindersAnchoredBefore(r.Context(), userID, windowEnd)
	if err != nil {
		s.log.Error("reminder listing failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load reminders")
		return
	}

	occ := s.expander.ExpandReminders(append(inWindow, recurring...),
		windowStart, windowEnd, filter, time.Now())

	dtos := make([]reminderDTO, 0, len(occ))
	for _, o := range occ {
		dtos = append(dtos, reminderDTO{
			ID:           o.ID,
			Message:      o.Title,
			ReminderTime: o.Start,
			Status:       string(o.EffectiveStatus),
			Recurrence:   o.Recurrence,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]reminderDTO{"reminders": dtos})
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rem := &model.Reminder{
		UserID:       userID,
		Message:      req.Message,
		ReminderTime: req.ReminderTime,
		Status:       model.ReminderPending,
		Recurrence:   req.Recurrence,
	}
	if err := s.repo.CreateReminder(r.Context(), rem); err != nil {
		s.log.Error("reminder create failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create reminder")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rem.ID})
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req reminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	existing, err := s.repo.ReminderByID(r.Context(), userID, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	if err != nil {
		s.log.Error("reminder lookup failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update reminder")
		return
	}

	existing.Message = req.Message
	existing.ReminderTime = req.ReminderTime
	existing.Recurrence = req.Recurrence
	if err := s.repo.UpdateReminder(r.Context(), existing); err != nil {
		s.log.Error("reminder update failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update reminder")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	err := s.repo.DeleteReminder(r.Context(), userID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	if err != nil {
		s.log.Error("reminder delete failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete reminder")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCompleteReminder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	err := s.repo.SetReminderStatus(r.Context(), userID, id, model.ReminderCompleted)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reminder not found")
		return
	}
	if err != nil {
		s.log.Error("reminder complete failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to complete reminder")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.ReminderCompleted)})
}

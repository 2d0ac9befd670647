// Package web serves the dashboard JSON API behind the gatekeeper.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/config"
	"github.com/lofy-assistant/lofy/internal/gate"
	"github.com/lofy-assistant/lofy/internal/recur"
	"github.com/lofy-assistant/lofy/internal/session"
	"github.com/lofy-assistant/lofy/internal/store"
)

// Server wires the HTTP handlers to their collaborators. All handlers
// trust the x-user-id header stamped by the gatekeeper and never decode
// the session token themselves.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	repo     store.Repo
	expander *recur.Expander
	sessions *session.Manager
	rdb      *redis.Client
	loc      *time.Location
}

// NewServer constructs a Server. The timezone from config is used for
// month-window computation; an unknown name falls back to UTC.
func NewServer(cfg *config.Config, log *zap.Logger, repo store.Repo, expander *recur.Expander, sessions *session.Manager, rdb *redis.Client) *Server {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Error("failed to load timezone, falling back to UTC",
			zap.String("timezone", cfg.Timezone), zap.Error(err))
		loc = time.UTC
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		repo:     repo,
		expander: expander,
		sessions: sessions,
		rdb:      rdb,
		loc:      loc,
	}
}

// Router returns the chi router with all API routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/pin-reset", s.handlePINReset)
		})

		r.Route("/calendar", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Post("/", s.handleCreateEvent)
			r.Get("/export.ics", s.handleExportICS)
			r.Put("/{id}", s.handleUpdateEvent)
			r.Delete("/{id}", s.handleDeleteEvent)
		})

		r.Route("/reminders", func(r chi.Router) {
			r.Get("/", s.handleListReminders)
			r.Post("/", s.handleCreateReminder)
			r.Put("/{id}", s.handleUpdateReminder)
			r.Delete("/{id}", s.handleDeleteReminder)
			r.Post("/{id}/complete", s.handleCompleteReminder)
		})

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", s.handleListMemories)
			r.Post("/", s.handleCreateMemory)
			r.Delete("/{id}", s.handleDeleteMemory)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// userID extracts the gatekeeper-verified identity. A missing header
// means the route was reached without the gate in front of it.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := r.Header.Get(gate.UserIDHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return uid, true
}

// monthWindow resolves month/year query parameters (1-indexed month,
// defaulting to the current month) into the inclusive
// [first instant, last instant] window of that month in the server
// timezone.
func (s *Server) monthWindow(r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().In(s.loc)
	q := r.URL.Query()

	month := parseIntDefault(q.Get("month"), int(now.Month()))
	year := parseIntDefault(q.Get("year"), now.Year())
	if month < 1 || month > 12 || year < 1970 || year > 9999 {
		return time.Time{}, time.Time{}, false
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, s.loc)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

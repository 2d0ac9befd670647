package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lofy-assistant/lofy/internal/model"
	"github.com/lofy-assistant/lofy/internal/store"
)

// phonePattern accepts international numbers in digits-only form, the
// same normalization the WhatsApp side uses (e.g. "60123456789").
var phonePattern = regexp.MustCompile(`^[1-9][0-9]{6,14}$`)

const pinResetKeyPrefix = "lofy:pinreset:"

type authRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
	PIN   string `json:"pin"`
	Code  string `json:"code,omitempty"`
}

type userResponse struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

func decodeAuthRequest(r *http.Request) (authRequest, error) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	req.Phone = strings.TrimSpace(req.Phone)
	return req, nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 8 {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// handleRegister creates a user (or completes onboarding for a user the
// bot already created without a PIN) and opens a session.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAuthRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !phonePattern.MatchString(req.Phone) {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}
	if !validPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, "PIN must be 4-8 digits")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error("pin hash failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := s.repo.UserByPhone(r.Context(), req.Phone)
	switch {
	case err == nil && user.HasPIN():
		writeError(w, http.StatusConflict, "account already registered")
		return
	case err == nil:
		// Created by the bot side; dashboard onboarding sets the PIN.
		if err := s.repo.SetPIN(r.Context(), user.ID, string(hash)); err != nil {
			s.log.Error("set pin failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	case errors.Is(err, store.ErrNotFound):
		user = &model.User{
			Phone:    req.Phone,
			Name:     req.Name,
			PINHash:  string(hash),
			Timezone: s.cfg.Timezone,
		}
		if err := s.repo.CreateUser(r.Context(), user); err != nil {
			s.log.Error("create user failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	default:
		s.log.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !s.openSession(w, user.ID) {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]userResponse{"user": {
		ID: user.ID, Phone: user.Phone, Name: user.Name,
	}})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAuthRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.repo.UserByPhone(r.Context(), req.Phone)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid phone or PIN")
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !user.HasPIN() ||
		bcrypt.CompareHashAndPassword([]byte(user.PINHash), []byte(req.PIN)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid phone or PIN")
		return
	}

	if !s.openSession(w, user.ID) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]userResponse{"user": {
		ID: user.ID, Phone: user.Phone, Name: user.Name,
	}})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handlePINReset sets a new PIN given a one-time reset code. The bot
// side places the code in Redis when the user asks for a reset over
// WhatsApp; the dashboard never generates codes itself.
func (s *Server) handlePINReset(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAuthRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing reset code")
		return
	}
	if !validPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, "PIN must be 4-8 digits")
		return
	}

	stored, err := s.rdb.Get(r.Context(), pinResetKeyPrefix+req.Phone).Result()
	if errors.Is(err, redis.Nil) {
		writeError(w, http.StatusUnauthorized, "invalid or expired reset code")
		return
	}
	if err != nil {
		s.log.Error("reset code lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(req.Code)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid or expired reset code")
		return
	}

	user, err := s.repo.UserByPhone(r.Context(), req.Phone)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid or expired reset code")
		return
	}
	if err != nil {
		s.log.Error("user lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error("pin hash failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.repo.SetPIN(r.Context(), user.ID, string(hash)); err != nil {
		s.log.Error("set pin failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// One code, one reset.
	if err := s.rdb.Del(r.Context(), pinResetKeyPrefix+req.Phone).Err(); err != nil {
		s.log.Warn("reset code cleanup failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// openSession mints a token and sets the session cookie. Returns false
// after writing an error response.
func (s *Server) openSession(w http.ResponseWriter, userID string) bool {
	token, err := s.sessions.Mint(userID)
	if err != nil {
		s.log.Error("session mint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.Session.TTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

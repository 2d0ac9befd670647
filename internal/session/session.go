// Package session mints and verifies the signed cookie tokens that
// identify a logged-in dashboard user.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("session: invalid token")
	ErrExpired      = errors.New("session: token expired")
)

type claims struct {
	UserID    string `json:"uid"`
	ExpiresAt int64  `json:"exp"`
}

// Manager signs and verifies session tokens. A token is
// base64url(payload) + "." + base64url(HMAC-SHA256(payload)).
type Manager struct {
	secret []byte
	ttl    time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a Manager. secret must be non-empty; ttl bounds token
// lifetime from mint time.
func New(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session: empty signing secret")
	}
	if ttl <= 0 {
		return nil, errors.New("session: non-positive ttl")
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Mint issues a signed token for userID valid for the configured TTL.
func (m *Manager) Mint(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("session: empty user id")
	}
	payload, err := json.Marshal(claims{
		UserID:    userID,
		ExpiresAt: m.now().Add(m.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(payload)
	return enc + "." + m.sign(enc), nil
}

// Verify checks signature and expiry and returns the embedded user ID.
// Any malformed or tampered token yields ErrInvalidToken; a well-formed
// but stale token yields ErrExpired.
func (m *Manager) Verify(token string) (string, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok || enc == "" || sig == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(m.sign(enc)), []byte(sig)) {
		return "", ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil || c.UserID == "" {
		return "", ErrInvalidToken
	}
	if m.now().Unix() >= c.ExpiresAt {
		return "", ErrExpired
	}
	return c.UserID, nil
}

func (m *Manager) sign(enc string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(enc))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

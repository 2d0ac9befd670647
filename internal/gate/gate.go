// Package gate is the single request-level control point for the
// dashboard: it rate limits, classifies public vs. protected routes,
// verifies the session cookie, and stamps security headers on every
// non-static response.
package gate

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lofy-assistant/lofy/internal/ratelimit"
)

// UserIDHeader carries the verified user ID to downstream handlers so
// they never re-decode the token themselves.
const UserIDHeader = "x-user-id"

// paymentProcessorDomain is allowlisted in the CSP for checkout.
const paymentProcessorDomain = "https://js.stripe.com"

var staticPrefixes = []string{"/static/", "/assets/"}

var staticExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".map": {}, ".png": {}, ".jpg": {},
	".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".txt": {},
}

// publicExact lists page routes served without a session.
var publicExact = map[string]struct{}{
	"/":         {},
	"/login":    {},
	"/register": {},
	"/pricing":  {},
	"/privacy":  {},
	"/gdpr":     {},
	"/terms":    {},
	"/guides":   {},
	"/health":   {},
}

// publicPrefixes lists API namespaces served without a session.
var publicPrefixes = []string{"/api/auth/", "/guides/"}

// authSensitive lists the endpoints throttled by the stricter tier.
var authSensitive = map[string]struct{}{
	"/login":              {},
	"/register":           {},
	"/api/auth/login":     {},
	"/api/auth/register":  {},
	"/api/auth/pin-reset": {},
}

// SessionVerifier validates a session cookie value and returns the
// embedded user ID.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// PINResolver answers whether a phone number has completed PIN setup.
// It is a direct data-layer lookup, not an HTTP round trip, so the
// deep-link flow is neither double-charged by the limiter nor slowed
// by a self-call.
type PINResolver interface {
	HasPIN(ctx context.Context, phone string) (bool, error)
}

// Gatekeeper intercepts every request ahead of the router. All
// collaborators are injected; it holds no mutable state of its own.
type Gatekeeper struct {
	log        *zap.Logger
	general    ratelimit.Limiter
	auth       ratelimit.Limiter
	sessions   SessionVerifier
	pins       PINResolver
	cookieName string
	production bool

	// now is swappable for tests.
	now func() time.Time
}

// New constructs a Gatekeeper. general and auth are the two limiter
// tiers; production toggles HSTS.
func New(log *zap.Logger, general, auth ratelimit.Limiter, sessions SessionVerifier, pins PINResolver, cookieName string, production bool) *Gatekeeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gatekeeper{
		log:        log,
		general:    general,
		auth:       auth,
		sessions:   sessions,
		pins:       pins,
		cookieName: cookieName,
		production: production,
		now:        time.Now,
	}
}

// Middleware wraps next with the full gate sequence: static
// passthrough, tiered rate limiting, public-route classification,
// session verification, and header decoration.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Static assets skip everything, headers included.
		if isStatic(path) {
			next.ServeHTTP(w, r)
			return
		}

		// Rate limit first so unauthenticated floods never reach the
		// session layer. A limiter outage fails open: the zero
		// decision (Limit == 0) suppresses quota headers downstream.
		var dec ratelimit.Decision
		limiter := g.general
		if _, ok := authSensitive[path]; ok {
			limiter = g.auth
		}
		if d, err := limiter.Allow(r.Context(), clientKey(r)); err != nil {
			g.log.Warn("rate limiter unavailable, failing open",
				zap.String("path", path), zap.Error(err))
		} else {
			dec = d
		}

		if dec.Limited {
			g.securityHeaders(w.Header())
			rateLimitHeaders(w.Header(), dec)
			retry := int(math.Ceil(dec.RetryAfter(g.now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		if isPublic(path) {
			// Already logged in users have no business on the auth
			// pages; send them to the dashboard instead.
			if path == "/login" || path == "/register" {
				if _, ok := g.verifiedUser(r); ok {
					g.securityHeaders(w.Header())
					http.Redirect(w, r, "/dashboard", http.StatusTemporaryRedirect)
					return
				}
			}
			g.securityHeaders(w.Header())
			if dec.Limit > 0 {
				rateLimitHeaders(w.Header(), dec)
			}
			next.ServeHTTP(w, r)
			return
		}

		// Everything else requires a verified session.
		cookie, err := r.Cookie(g.cookieName)
		if err != nil || cookie.Value == "" {
			g.securityHeaders(w.Header())
			g.redirectUnauthenticated(w, r)
			return
		}

		userID, err := g.sessions.Verify(cookie.Value)
		if err != nil {
			// Expired or forged: drop the cookie so the browser stops
			// resending it, then bounce to login.
			g.securityHeaders(w.Header())
			g.clearCookie(w)
			q := url.Values{}
			q.Set("redirect", path)
			http.Redirect(w, r, "/login?"+q.Encode(), http.StatusTemporaryRedirect)
			return
		}

		fwd := r.Clone(r.Context())
		fwd.Header.Set(UserIDHeader, userID)

		g.securityHeaders(w.Header())
		if dec.Limit > 0 {
			rateLimitHeaders(w.Header(), dec)
		}
		next.ServeHTTP(w, fwd)
	})
}

// redirectUnauthenticated handles the no-cookie case, including the
// phone deep-link onboarding flow: a ?phone= parameter routes the user
// to login or register depending on whether that number already has a
// PIN. A lookup failure logs and falls back to the plain login
// redirect rather than surfacing an error page.
func (g *Gatekeeper) redirectUnauthenticated(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	phone := r.URL.Query().Get("phone")
	if phone != "" {
		hasPIN, err := g.pins.HasPIN(r.Context(), phone)
		if err != nil {
			g.log.Error("pin lookup failed during phone deep link",
				zap.String("path", r.URL.Path), zap.Error(err))
		} else {
			dest := "/register"
			if hasPIN {
				dest = "/login"
			}
			q := url.Values{}
			q.Set("redirect", target)
			q.Set("phone", phone)
			http.Redirect(w, r, dest+"?"+q.Encode(), http.StatusTemporaryRedirect)
			return
		}
	}

	q := url.Values{}
	q.Set("redirect", target)
	http.Redirect(w, r, "/login?"+q.Encode(), http.StatusTemporaryRedirect)
}

func (g *Gatekeeper) verifiedUser(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	uid, err := g.sessions.Verify(cookie.Value)
	if err != nil {
		return "", false
	}
	return uid, true
}

func (g *Gatekeeper) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.production,
		SameSite: http.SameSiteLaxMode,
	})
}

// securityHeaders applies the uniform header set to every non-static
// response, success or not.
func (g *Gatekeeper) securityHeaders(h http.Header) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	h.Set("X-DNS-Prefetch-Control", "off")
	if g.production {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
	h.Set("Content-Security-Policy",
		"default-src 'self'; "+
			"script-src 'self' "+paymentProcessorDomain+"; "+
			"style-src 'self' 'unsafe-inline'; "+
			"img-src 'self' data:; "+
			"frame-src "+paymentProcessorDomain+"; "+
			"connect-src 'self' "+paymentProcessorDomain+"; "+
			"frame-ancestors 'none'")
}

func rateLimitHeaders(h http.Header, dec ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.Reset, 10))
}

// clientKey derives the limiter bucket key: real IP when a proxy
// supplied one, otherwise a per-path synthetic key so anonymous
// traffic does not share a single global bucket.
func clientKey(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return "anonymous:" + r.URL.Path
}

func isStatic(path string) bool {
	for _, p := range staticPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		if _, ok := staticExtensions[strings.ToLower(path[i:])]; ok {
			return true
		}
	}
	return false
}

func isPublic(path string) bool {
	if _, ok := publicExact[path]; ok {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

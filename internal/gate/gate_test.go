package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lofy-assistant/lofy/internal/ratelimit"
)

type fakeLimiter struct {
	dec  ratelimit.Decision
	err  error
	hits int
}

func (f *fakeLimiter) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	f.hits++
	return f.dec, f.err
}

type fakeVerifier struct{ users map[string]string }

func (f fakeVerifier) Verify(token string) (string, error) {
	if uid, ok := f.users[token]; ok {
		return uid, nil
	}
	return "", errors.New("bad token")
}

type fakePins struct {
	hasPIN bool
	err    error
}

func (f fakePins) HasPIN(_ context.Context, _ string) (bool, error) {
	return f.hasPIN, f.err
}

func okDecision() ratelimit.Decision {
	return ratelimit.Decision{Limit: 100, Remaining: 99, Reset: time.Now().Add(time.Minute).UnixMilli()}
}

func newGate(lim ratelimit.Limiter, pins PINResolver) *Gatekeeper {
	return New(nil, lim, lim,
		fakeVerifier{users: map[string]string{"good-token": "user-42"}},
		pins, "session", false)
}

func serve(g *Gatekeeper, r *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	var forwarded *http.Request
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		forwarded = req
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, forwarded
}

func TestNoSessionNoPhone_RedirectsToLogin(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	rec, fwd := serve(g, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/login?redirect=%2Fdashboard", rec.Header().Get("Location"))
	assert.Nil(t, fwd)
}

func TestPhoneDeepLink_HasPIN_RedirectsToLogin(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{hasPIN: true})

	rec, _ := serve(g, httptest.NewRequest(http.MethodGet, "/dashboard?phone=60123456789", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := rec.Result().Location()
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Equal(t, "60123456789", loc.Query().Get("phone"))
	assert.Equal(t, "/dashboard?phone=60123456789", loc.Query().Get("redirect"))
}

func TestPhoneDeepLink_NoPIN_RedirectsToRegister(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{hasPIN: false})

	rec, _ := serve(g, httptest.NewRequest(http.MethodGet, "/dashboard?phone=60123456789", nil))

	loc, err := rec.Result().Location()
	require.NoError(t, err)
	assert.Equal(t, "/register", loc.Path)
	assert.Equal(t, "60123456789", loc.Query().Get("phone"))
}

func TestPhoneDeepLink_LookupErrorFallsBackToLogin(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{err: errors.New("db down")})

	rec, _ := serve(g, httptest.NewRequest(http.MethodGet, "/dashboard?phone=60123456789", nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := rec.Result().Location()
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	assert.Empty(t, loc.Query().Get("phone"))
}

func TestRateLimited_Returns429WithRetryAfter(t *testing.T) {
	reset := time.Now().Add(10 * time.Second).UnixMilli()
	lim := &fakeLimiter{dec: ratelimit.Decision{Limited: true, Limit: 10, Remaining: 0, Reset: reset}}
	g := newGate(lim, fakePins{})

	rec, fwd := serve(g, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Nil(t, fwd)

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 9)
	assert.LessOrEqual(t, retry, 10)

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	// Security headers apply to rate-limited responses too.
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestPublicPath_WithSession_PassesThrough(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "good-token"})
	rec, fwd := serve(g, req)

	// Redirect-on-public only applies to /login and /register.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, fwd)
}

func TestLoginPage_WithSession_RedirectsToDashboard(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "good-token"})
	rec, fwd := serve(g, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
	assert.Nil(t, fwd)
}

func TestInvalidCookie_ClearedAndRedirected(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "forged"})
	rec, fwd := serve(g, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/login?redirect=%2Fdashboard", rec.Header().Get("Location"))
	assert.Nil(t, fwd)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestValidSession_ForwardsWithUserID(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "good-token"})
	rec, fwd := serve(g, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fwd)
	assert.Equal(t, "user-42", fwd.Header.Get(UserIDHeader))
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestLimiterOutage_FailsOpenWithoutQuotaHeaders(t *testing.T) {
	g := newGate(&fakeLimiter{err: errors.New("redis down")}, fakePins{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "good-token"})
	rec, fwd := serve(g, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fwd)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestStaticAsset_Passthrough(t *testing.T) {
	lim := &fakeLimiter{dec: okDecision()}
	g := newGate(lim, fakePins{})

	rec, fwd := serve(g, httptest.NewRequest(http.MethodGet, "/static/app.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fwd)
	assert.Zero(t, lim.hits)
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
}

func TestSecurityHeaders_OnEveryNonStaticResponse(t *testing.T) {
	g := newGate(&fakeLimiter{dec: okDecision()}, fakePins{})

	rec, _ := serve(g, httptest.NewRequest(http.MethodGet, "/pricing", nil))

	h := rec.Header()
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.Equal(t, "off", h.Get("X-DNS-Prefetch-Control"))
	assert.Contains(t, h.Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Contains(t, h.Get("Content-Security-Policy"), "js.stripe.com")
	// HSTS is production-only; this gate runs in development mode.
	assert.Empty(t, h.Get("Strict-Transport-Security"))
}

func TestClientKey_Derivation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("x-real-ip", "203.0.113.9")
	req.Header.Set("x-forwarded-for", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))

	req.Header.Del("x-real-ip")
	assert.Equal(t, "198.51.100.1", clientKey(req))

	req.Header.Del("x-forwarded-for")
	assert.Equal(t, "anonymous:/dashboard", clientKey(req))
}

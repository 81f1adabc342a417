package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkcelogin-go/internal/config"
	"pkcelogin-go/internal/session"
)

// nextHandler is a dummy handler that checks for a session in the context.
func nextHandler(t *testing.T, expectedSubject string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFromContext(r)
		require.True(t, ok, "session not found in context")
		assert.Equal(t, expectedSubject, sess.Identity.Subject)
		fmt.Fprintln(w, "next handler called")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	store := session.NewInMemoryStore()
	cfg := config.Default()
	app := &Application{Config: cfg, SessionStore: store}
	identity := session.Identity{Provider: "test", Subject: "user-123"}

	t.Run("with valid session", func(t *testing.T) {
		sess, err := store.Create(context.Background(), identity, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: cfg.Session.CookieName, Value: sess.ID})
		rr := httptest.NewRecorder()

		app.requireAuth(nextHandler(t, "user-123")).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "next handler called")
		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1, "the session cookie is refreshed")
		assert.Equal(t, sess.ID, cookies[0].Value)
	})

	t.Run("with no session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=profile", nil)
		rr := httptest.NewRecorder()

		dummyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler should not be called")
		})
		app.requireAuth(dummyHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/auth/login?redirectTo=%2Fdashboard%3Ftab%3Dprofile", rr.Header().Get("Location"))
		assert.Empty(t, rr.Result().Cookies())
	})

	t.Run("with invalid session cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: cfg.Session.CookieName, Value: "invalid-session-id"})
		rr := httptest.NewRecorder()

		dummyHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("next handler should not be called")
		})
		app.requireAuth(dummyHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/auth/login?redirectTo=%2Fdashboard", rr.Header().Get("Location"))
		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, -1, cookies[0].MaxAge, "the stale cookie is cleared")
	})

	t.Run("with expired session", func(t *testing.T) {
		now := time.Now()
		expiring := session.NewInMemoryStore(session.WithClock(func() time.Time { return now }))
		sess, err := expiring.Create(context.Background(), identity, time.Minute)
		require.NoError(t, err)
		now = now.Add(time.Minute)

		a := &Application{Config: cfg, SessionStore: expiring}
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.AddCookie(&http.Cookie{Name: cfg.Session.CookieName, Value: sess.ID})
		rr := httptest.NewRecorder()

		a.requireAuth(http.NotFoundHandler()).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
	})
}

func TestLoginURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/auth/login"},
		{"/", "/auth/login"},
		{"/dashboard", "/auth/login?redirectTo=%2Fdashboard"},
		{"/a?b=c&d=e", "/auth/login?redirectTo=%2Fa%3Fb%3Dc%26d%3De"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, loginURL(tt.in))
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, "203.0.113.7", clientIP(req), "forwarding headers are ignored")

	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", clientIP(req))
}

func TestRateLimit(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		assert.Nil(t, newRateLimiter(0, 10))
		a := &Application{}
		h := a.rateLimit(http.NotFoundHandler())
		for i := 0; i < 20; i++ {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
			assert.Equal(t, http.StatusNotFound, rr.Code)
		}
	})

	t.Run("per client", func(t *testing.T) {
		a := &Application{limiter: newRateLimiter(0.01, 2)}
		ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		h := a.rateLimit(ok)

		send := func(remote string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
			req.RemoteAddr = remote
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			return rr
		}

		assert.Equal(t, http.StatusOK, send("192.0.2.1:1000").Code)
		assert.Equal(t, http.StatusOK, send("192.0.2.1:1001").Code)

		limited := send("192.0.2.1:1002")
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)
		assert.NotEmpty(t, limited.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusOK, send("192.0.2.2:1000").Code, "other clients have their own bucket")
	})
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 0.01
		c.RateLimit.Burst = 1
	})
	b := newBrowser(t, a.Handler())

	assert.Equal(t, http.StatusOK, b.get("/auth/login").Code)
	assert.Equal(t, http.StatusTooManyRequests, b.get("/auth/login").Code)
	assert.Equal(t, http.StatusOK, b.get("/healthz").Code, "only /auth routes are limited")
}

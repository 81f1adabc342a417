package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pkcelogin-go/internal/logging"
	"pkcelogin-go/internal/metrics"
	"pkcelogin-go/internal/session"
)

// contextKey is a custom type to use as a key for context values.
type contextKey string

// sessionContextKey is the key for storing the session in the request context.
const sessionContextKey = contextKey("session")

// requireAuth is a middleware that ensures a user is authenticated.
// Anonymous users are sent to the login page with the requested path as
// redirectTo; a stale cookie is cleared on the way.
func (a *Application) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.sessionFromRequest(r)
		if err != nil {
			if !errors.Is(err, http.ErrNoCookie) {
				logging.FromContext(r.Context()).Debug("rejected session cookie", "error", err)
				a.clearSessionCookie(w)
			}
			http.Redirect(w, r, loginURL(r.URL.RequestURI()), http.StatusSeeOther)
			return
		}

		// Keep the cookie in step with sliding renewal.
		a.setSessionCookie(w, sess)
		next.ServeHTTP(w, withSession(r, sess))
	})
}

// sessionFromRequest resolves the session cookie. A missing cookie yields
// http.ErrNoCookie.
func (a *Application) sessionFromRequest(r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(a.Config.Session.CookieName)
	if err != nil {
		return nil, err
	}
	if cookie.Value == "" {
		return nil, http.ErrNoCookie
	}
	return a.SessionStore.Get(r.Context(), cookie.Value)
}

func loginURL(redirectTo string) string {
	if redirectTo == "" || redirectTo == "/" {
		return "/auth/login"
	}
	return "/auth/login?" + url.Values{"redirectTo": {redirectTo}}.Encode()
}

func (a *Application) setSessionCookie(w http.ResponseWriter, sess *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.Config.Session.CookieName,
		Value:    sess.ID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.Config.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *Application) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.Config.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.Config.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

// withSession adds the session to the request's context.
func withSession(r *http.Request, sess *session.Session) *http.Request {
	ctx := context.WithValue(r.Context(), sessionContextKey, sess)
	return r.WithContext(ctx)
}

// sessionFromContext retrieves the session from the request's context.
func sessionFromContext(r *http.Request) (*session.Session, bool) {
	sess, ok := r.Context().Value(sessionContextKey).(*session.Session)
	return sess, ok
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

// newRateLimiter returns nil when perSecond is zero, which disables limiting.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{rate: rate.Limit(perSecond), burst: burst, lastCleanup: time.Now()}
}

// getLimiter retrieves or creates a rate limiter for the given key
func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	actual, _ := rl.limiters.LoadOrStore(key, limiter)
	rl.maybeCleanup()
	return actual.(*rate.Limiter)
}

// maybeCleanup drops limiters whose bucket has refilled, at most every five
// minutes.
func (rl *rateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < 5*time.Minute {
		return
	}
	rl.lastCleanup = time.Now()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// clientIP is the peer address. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimit rejects clients that exceed the configured request rate with
// 429 and a Retry-After header.
func (a *Application) rateLimit(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := a.limiter.getLimiter(clientIP(r))
		if limiter.Allow() {
			next.ServeHTTP(w, r)
			return
		}

		reservation := limiter.Reserve()
		retryAfter := max(int(reservation.Delay().Seconds()), 1)
		reservation.Cancel()

		metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
		logging.FromContext(r.Context()).Warn("rate limit exceeded", "retry_after", retryAfter)

		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	})
}

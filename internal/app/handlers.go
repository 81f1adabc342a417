package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/logging"
)

//
// Authentication Handlers
//

type loginPage struct {
	Provider   string
	RedirectTo string
	ErrorCode  string
	Error      string
}

// handleLoginPage renders the sign-in form. redirectTo is carried through as
// a hidden field and sanitized again by the flow. error and error_description
// come from a failed attempt and are sanitized again before display.
func (a *Application) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := loginPage{
		Provider:   a.Flow.Provider(),
		RedirectTo: auth.SanitizeRedirect(q.Get("redirectTo"), ""),
	}
	if code := q.Get("error"); code != "" {
		page.ErrorCode = auth.SanitizeCode(code)
		page.Error = auth.SanitizeDescription(q.Get("error_description"))
		if page.Error == "" {
			page.Error = genericLoginError
		}
	}
	a.render(w, r, http.StatusOK, "login.html", page)
}

const genericLoginError = "Sign-in failed. Please try again."

// loginErrorURL is the login page showing fe. redirectTo survives so a retry
// lands where the first attempt was headed.
func loginErrorURL(fe *auth.FlowError, redirectTo string) string {
	q := url.Values{
		"error":             {fe.Code},
		"error_description": {fe.UserMessage()},
	}
	if target := auth.SanitizeRedirect(redirectTo, ""); target != "" {
		q.Set("redirectTo", target)
	}
	return "/auth/login?" + q.Encode()
}

// handleLoginStart issues a challenge and sends the user agent to the
// provider's authorization endpoint.
func (a *Application) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	redirectTo := r.PostForm.Get("redirectTo")

	authz, err := a.Flow.Start(auth.WithHTTP(r.Context(), w, r), auth.StartOptions{RedirectTo: redirectTo})
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to start login", "error", err)
		http.Redirect(w, r, loginErrorURL(auth.AsFlowError(err), redirectTo), http.StatusSeeOther)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authz.URL, http.StatusSeeOther)
}

// handleAuthCallback handles the redirect from the provider. On success it
// sets the session cookie and returns to the page the attempt started from.
// On failure it redirects to the login page with the error code and a
// sanitized description, so the callback URL never stays in the history.
func (a *Application) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	res, err := a.Flow.HandleCallback(auth.WithHTTP(r.Context(), w, r), auth.CallbackParamsFromQuery(r.URL.Query()))
	if err != nil {
		fe := auth.AsFlowError(err)
		logger := logging.FromContext(r.Context())
		if fe.Kind == auth.KindInternal {
			logger.Error("auth callback failed", "kind", fe.Kind, "error", err)
		} else {
			logger.Warn("auth callback failed", "kind", fe.Kind, "code", fe.Code)
		}
		http.Redirect(w, r, loginErrorURL(fe, ""), http.StatusSeeOther)
		return
	}

	a.setSessionCookie(w, res.Session)
	http.Redirect(w, r, res.RedirectTo, http.StatusSeeOther)
}

// handleLogout destroys the session and clears the cookie. It only answers
// POST; a GET merely goes home so a cross-site link cannot sign anyone out.
func (a *Application) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(a.Config.Session.CookieName); err == nil {
		if err := a.Flow.SignOut(r.Context(), cookie.Value); err != nil {
			logging.FromContext(r.Context()).Error("failed to sign out",
				"session", auth.Redact(cookie.Value), "error", err)
		}
	}
	a.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

//
// Application Handlers
//

// handleDashboard is a protected handler that greets the signed in user.
func (a *Application) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r)
	if !ok {
		http.Error(w, "Could not identify user", http.StatusInternalServerError)
		return
	}
	a.render(w, r, http.StatusOK, "dashboard.html", sess)
}

// handleSessionAPI reports the current session as JSON.
func (a *Application) handleSessionAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	sess, err := a.sessionFromRequest(r)
	if err != nil {
		if !errors.Is(err, http.ErrNoCookie) {
			a.clearSessionCookie(w)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
		return
	}
	_ = json.NewEncoder(w).Encode(sess)
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Storage.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type indexPage struct {
	Provider      string
	Authenticated bool
	Name          string
}

func (a *Application) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{Provider: a.Flow.Provider()}
	if sess, err := a.sessionFromRequest(r); err == nil {
		page.Authenticated = true
		page.Name = sess.Identity.Name
		if page.Name == "" {
			page.Name = sess.Identity.Email
		}
	}
	a.render(w, r, http.StatusOK, "index.html", page)
}

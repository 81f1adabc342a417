package app

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"pkcelogin-go/internal/logging"
)

var (
	//go:embed templates/*.html
	templatesFS embed.FS
)

var pages = []string{"index.html", "login.html", "dashboard.html"}

// parseTemplates parses every page together with the shared layout.
func parseTemplates() (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		t, err := template.ParseFS(templatesFS, "templates/"+page, "templates/layout.html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", page, err)
		}
		out[page] = t
	}
	return out, nil
}

// render executes a page into a buffer first so a template error never
// leaves a half written response.
func (a *Application) render(w http.ResponseWriter, r *http.Request, status int, page string, data any) {
	t, ok := a.templates[page]
	if !ok {
		logging.FromContext(r.Context()).Error("unknown template", "page", page)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		logging.FromContext(r.Context()).Error("failed to render template", "page", page, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/config"
	"pkcelogin-go/internal/housekeeping"
	"pkcelogin-go/internal/logging"
	"pkcelogin-go/internal/secure"
	"pkcelogin-go/internal/session"
	"pkcelogin-go/internal/storage"
	"pkcelogin-go/internal/worker"
)

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Storage       *storage.SQLiteStorage
	Flow          *auth.Flow
	StateStore    auth.StateStore
	SessionStore  session.Store
	Accounts      *storage.AccountStore
	WorkerPool    *worker.WorkerPool
	Housekeeping  *housekeeping.Service
	HttpServer    *http.Server
	MetricsServer *http.Server

	templates map[string]*template.Template
	limiter   *rateLimiter
	closers   []func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	client *http.Client
}

// WithHTTPClient sets the client used for every call to the identity
// provider.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// New creates and initializes a new Application instance. The database is
// opened and migrated; nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	o := options{client: &http.Client{Timeout: cfg.Flow.ExchangeTimeout.Duration}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	provider, err := cfg.AuthProvider()
	if err != nil {
		return nil, fmt.Errorf("invalid provider: %w", err)
	}

	app := &Application{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	// Setup: Database
	app.Storage, err = storage.OpenDatabase(ctx, cfg.Storage())
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Storage.Close)

	tokenKey, err := secure.DeriveKey(cfg.EncryptionKey, "provider-tokens")
	if err != nil {
		return nil, err
	}
	app.Accounts, err = storage.NewAccountStore(app.Storage, tokenKey)
	if err != nil {
		return nil, err
	}

	// Setup: State and session stores
	if app.StateStore, err = app.openStateStore(); err != nil {
		return nil, err
	}
	switch cfg.Session.Store {
	case "memory":
		app.SessionStore = session.NewInMemoryStore(session.WithUpdateAge(cfg.Session.UpdateAge.Duration))
	default:
		app.SessionStore = storage.NewSessionStore(app.Storage, cfg.Session.UpdateAge.Duration)
	}

	// Setup: Login flow
	resolver, err := auth.ResolverFor(ctx, provider, o.client)
	if err != nil {
		return nil, err
	}
	app.Flow, err = auth.NewFlow(cfg.FlowConfig(provider), app.StateStore, app.SessionStore, resolver,
		auth.WithHTTPClient(o.client),
		auth.WithAccountLinker(app.Accounts),
		auth.WithObserver(auth.Observers{auth.LogObserver{}, auth.MetricsObserver{}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login flow: %w", err)
	}

	// Setup: WorkerPool and housekeeping
	app.WorkerPool = worker.NewWorkerPool(worker.Config{
		Workers:    cfg.Worker.NumWorkers,
		QueueSize:  cfg.Worker.QueueSize,
		MaxRetries: cfg.Worker.MaxRetries,
		RetryDelay: cfg.Worker.RetryDelay.Duration,
	}, logger)

	refresh := auth.NewRefreshService(provider, app.Accounts, o.client)
	refresh.SetLeeway(cfg.Housekeeping.RefreshLeeway.Duration)
	app.Housekeeping = housekeeping.NewService(app.StateStore, app.SessionStore, logger, cfg.Housekeeping.Interval.Duration,
		housekeeping.WithTokenRefresh(refresh, app.WorkerPool),
		housekeeping.WithUserCleanup(app.Storage, cfg.Housekeeping.InactiveUserRetention.Duration),
	)

	// Setup: HTTP servers
	app.templates, err = parseTemplates()
	if err != nil {
		return nil, err
	}
	app.limiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	app.HttpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
	}
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		app.MetricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout.Duration,
		}
	}

	ok = true
	return app, nil
}

func (a *Application) openStateStore() (auth.StateStore, error) {
	cfg := a.Config
	switch cfg.Flow.StateStore {
	case "memory":
		return auth.NewInMemoryStateStore(), nil
	case "cookie":
		key, err := secure.DeriveKey(cfg.EncryptionKey, "state-cookies")
		if err != nil {
			return nil, err
		}
		return auth.NewCookieStateStore(key, cfg.SecureCookies())
	case "bolt":
		store, err := auth.OpenBoltStateStore(cfg.Flow.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "valkey":
		client, err := auth.DialValkey(cfg.Flow.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		return auth.NewValkeyStateStore(client), nil
	default:
		return storage.NewStateStore(a.Storage), nil
	}
}

// Handler returns the application's routes wrapped in request logging.
func (a *Application) Handler() http.Handler {
	mux := http.NewServeMux()

	limit := a.rateLimit
	mux.Handle("GET /auth/login", limit(http.HandlerFunc(a.handleLoginPage)))
	mux.Handle("POST /auth/login", limit(http.HandlerFunc(a.handleLoginStart)))
	mux.Handle("GET /auth/callback", limit(http.HandlerFunc(a.handleAuthCallback)))
	mux.Handle("GET /auth/logout", http.RedirectHandler("/", http.StatusSeeOther))
	mux.Handle("POST /auth/logout", limit(http.HandlerFunc(a.handleLogout)))

	// Protected routes
	mux.Handle("GET /dashboard", a.requireAuth(http.HandlerFunc(a.handleDashboard)))
	mux.HandleFunc("GET /api/session", a.handleSessionAPI)

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /{$}", a.handleIndex)

	return logging.HTTPMiddleware(a.Logger)(mux)
}

// Run starts the worker pool, housekeeping and the HTTP servers, and blocks
// until ctx is cancelled or a server fails. Servers are shut down gracefully
// before it returns.
func (a *Application) Run(ctx context.Context) error {
	a.Logger.Info("starting application services")

	a.WorkerPool.Start()
	a.Housekeeping.Start()
	defer func() {
		a.Housekeeping.Stop()
		a.WorkerPool.Stop()
		a.Logger.Info("application stopped")
	}()

	servers := []*http.Server{a.HttpServer}
	if a.MetricsServer != nil {
		servers = append(servers, a.MetricsServer)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.Logger.Info("starting HTTP server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutting down %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *Application) shutdownTimeout() time.Duration {
	if d := a.Config.Server.ShutdownTimeout.Duration; d > 0 {
		return d
	}
	return 5 * time.Second
}

// Close releases stores and the database, in reverse order of opening.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package housekeeping periodically sweeps expired login state and sessions
// and schedules provider token refreshes on the worker pool.
package housekeeping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pkcelogin-go/internal/auth"
	"pkcelogin-go/internal/metrics"
	"pkcelogin-go/internal/session"
	"pkcelogin-go/internal/worker"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Minute

// Refresher lists provider tokens that are due for a refresh.
type Refresher interface {
	DueTasks(ctx context.Context) ([]*auth.RefreshTask, error)
}

// Submitter queues background work.
type Submitter interface {
	Submit(task worker.Task) bool
}

// UserCleaner removes users that have been idle for longer than retention.
type UserCleaner interface {
	CleanupInactiveUsers(ctx context.Context, retention time.Duration) (int64, error)
}

var (
	_ Submitter   = (*worker.WorkerPool)(nil)
	_ worker.Task = (*auth.RefreshTask)(nil)
)

// Report is the outcome of one sweep.
type Report struct {
	StatesPurged     int64
	SessionsPurged   int64
	UsersRemoved     int64
	RefreshScheduled int
	RefreshDropped   int
}

// Service is the background sweeper. Stores that do not implement the
// optional purge or count interfaces are skipped for that step.
type Service struct {
	states   auth.StateStore
	sessions session.Store
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	refresher Refresher
	pool      Submitter

	users     UserCleaner
	retention time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	doneCh   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithTokenRefresh submits a refresh task to pool for every due token.
func WithTokenRefresh(r Refresher, pool Submitter) Option {
	return func(s *Service) {
		s.refresher = r
		s.pool = pool
	}
}

// WithUserCleanup removes users idle for longer than retention. A zero
// retention disables it.
func WithUserCleanup(c UserCleaner, retention time.Duration) Option {
	return func(s *Service) {
		s.users = c
		s.retention = retention
	}
}

// WithClock overrides the time source used for state expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a housekeeping service. If interval is 0 or negative,
// DefaultInterval is used.
func NewService(states auth.StateStore, sessions session.Store, logger *slog.Logger, interval time.Duration, opts ...Option) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		states:   states,
		sessions: sessions,
		logger:   logger.With("component", "housekeeping"),
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background loop. It sweeps once immediately and then on
// every tick until Stop is called.
func (s *Service) Start() {
	go s.run()
	s.logger.Info("housekeeping service started", "interval", s.interval)
}

// Stop cancels an in-progress sweep and waits for the loop to exit. It must
// only be called after Start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.doneCh
		s.logger.Info("housekeeping service stopped")
	})
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(s.ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep. Each step is independent; a failure is
// logged and the remaining steps still run.
func (s *Service) RunOnce(ctx context.Context) Report {
	var r Report

	if p, ok := s.states.(auth.StatePurger); ok {
		n, err := p.PurgeExpired(ctx, s.now())
		if err != nil {
			s.logger.Error("failed to purge expired states", "error", err)
		} else {
			r.StatesPurged = n
			metrics.HousekeepingPurged.WithLabelValues("state").Add(float64(n))
		}
	}

	if p, ok := s.sessions.(session.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			s.logger.Error("failed to purge expired sessions", "error", err)
		} else {
			r.SessionsPurged = n
			metrics.HousekeepingPurged.WithLabelValues("session").Add(float64(n))
		}
	}

	if s.users != nil && s.retention > 0 {
		n, err := s.users.CleanupInactiveUsers(ctx, s.retention)
		if err != nil {
			s.logger.Error("failed to remove inactive users", "error", err)
		} else {
			r.UsersRemoved = n
			metrics.HousekeepingPurged.WithLabelValues("user").Add(float64(n))
		}
	}

	s.updateGauges(ctx)
	s.scheduleRefresh(ctx, &r)

	s.logger.Debug("housekeeping sweep completed",
		"states_purged", r.StatesPurged,
		"sessions_purged", r.SessionsPurged,
		"users_removed", r.UsersRemoved,
		"refresh_scheduled", r.RefreshScheduled,
	)
	return r
}

func (s *Service) updateGauges(ctx context.Context) {
	if c, ok := s.states.(auth.StateCounter); ok {
		if n, err := c.Pending(ctx); err == nil {
			metrics.PendingStates.Set(float64(n))
		}
	}
	if c, ok := s.sessions.(session.Counter); ok {
		if n, err := c.CountActive(ctx); err == nil {
			metrics.ActiveSessions.Set(float64(n))
		}
	}
}

func (s *Service) scheduleRefresh(ctx context.Context, r *Report) {
	if s.refresher == nil || s.pool == nil {
		return
	}
	tasks, err := s.refresher.DueTasks(ctx)
	if err != nil {
		s.logger.Error("failed to list tokens due for refresh", "error", err)
		return
	}
	for _, task := range tasks {
		if s.pool.Submit(task) {
			r.RefreshScheduled++
			continue
		}
		// The next sweep picks it up again.
		r.RefreshDropped++
	}
	if r.RefreshDropped > 0 {
		s.logger.Warn("worker queue full, token refresh deferred", "dropped", r.RefreshDropped)
	}
}

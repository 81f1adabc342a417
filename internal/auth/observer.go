package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"pkcelogin-go/internal/logging"
	"pkcelogin-go/internal/metrics"
)

// FlowState is a step of one login attempt.
type FlowState string

const (
	StateIdle            FlowState = "idle"
	StateChallengeIssued FlowState = "challenge_issued"
	StateCodeReceived    FlowState = "code_received"
	StateExchanged       FlowState = "exchanged"
	StateAuthenticated   FlowState = "authenticated"
	StateError           FlowState = "error"
)

// Terminal reports whether no further transition can leave s.
func (s FlowState) Terminal() bool {
	return s == StateAuthenticated || s == StateError
}

// Event is emitted on every flow transition. It never carries the state
// token, verifier, challenge, code or any provider token; Attempt is a
// digest that correlates the events of one attempt.
type Event struct {
	Attempt   string
	Provider  string
	From      FlowState
	To        FlowState
	At        time.Time
	ErrorKind ErrorKind
	// Duration is set on the exchange transition.
	Duration time.Duration
}

// Observer receives flow events. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) Observe(ctx context.Context, e Event) { f(ctx, e) }

// Observers fans an event out to several observers.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, e Event) {
	for _, obs := range o {
		obs.Observe(ctx, e)
	}
}

// LogObserver writes transitions to the request-scoped logger.
type LogObserver struct{}

func (LogObserver) Observe(ctx context.Context, e Event) {
	logger := logging.FromContext(ctx)
	attrs := []any{
		"attempt", e.Attempt,
		"provider", e.Provider,
		"from", string(e.From),
		"to", string(e.To),
	}
	if e.Duration > 0 {
		attrs = append(attrs, "duration", e.Duration)
	}
	switch {
	case e.To == StateError:
		logger.WarnContext(ctx, "login attempt failed", append(attrs, "kind", string(e.ErrorKind))...)
	case e.To.Terminal():
		logger.InfoContext(ctx, "login attempt authenticated", attrs...)
	default:
		logger.Log(ctx, slog.LevelDebug, "login flow transition", attrs...)
	}
}

// MetricsObserver records transitions in Prometheus.
type MetricsObserver struct{}

func (MetricsObserver) Observe(_ context.Context, e Event) {
	metrics.FlowTransitions.WithLabelValues(e.Provider, string(e.From), string(e.To)).Inc()
	if e.To == StateError {
		metrics.FlowErrors.WithLabelValues(e.Provider, string(e.ErrorKind)).Inc()
	}
	if e.Duration > 0 {
		outcome := "success"
		if e.To == StateError {
			outcome = string(e.ErrorKind)
		}
		metrics.ExchangeDuration.WithLabelValues(e.Provider, outcome).Observe(e.Duration.Seconds())
	}
}

// Redact keeps the first four characters of a secret for correlation.
func Redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

func attemptID(state string) string {
	if state == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("attempt:" + state))
	return hex.EncodeToString(sum[:6])
}

// Package command contains write operations (CQRS - Commands).
//
// Every handler runs a read-modify-write against the versioned learner store:
// store calls are retried with backoff while the store is unavailable, and the
// whole cycle is re-run from a fresh read when another writer moved the version.
package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/mastery-engine/internal/domain/profile"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	"github.com/alem-hub/mastery-engine/pkg/logger"
	"github.com/alem-hub/mastery-engine/pkg/retry"
)

var tracer = otel.Tracer("github.com/alem-hub/mastery-engine/internal/application/command")

// Observer receives handler counters. monitoring.Metrics implements it.
type Observer interface {
	EventApplied(kind string, latency time.Duration)
	EventRejected(kind string)
	StepCompleted(moduleCompleted bool)
	StoreRetry(op string)
	ConflictRetry(op string)
}

type nopObserver struct{}

func (nopObserver) EventApplied(string, time.Duration) {}
func (nopObserver) EventRejected(string)               {}
func (nopObserver) StepCompleted(bool)                 {}
func (nopObserver) StoreRetry(string)                  {}
func (nopObserver) ConflictRetry(string)               {}

// Config is shared by all command handlers.
type Config struct {
	// StoreRetry is applied to single store calls; only StoreUnavailable is retried.
	StoreRetry *retry.Retrier

	// MaxConflictRetries bounds how often a read-modify-write is re-run.
	MaxConflictRetries int

	// DefaultMode is the difficulty mode given to a newly created profile.
	DefaultMode profile.DifficultyMode
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		StoreRetry:         retry.StoreRetrier(),
		MaxConflictRetries: 3,
		DefaultMode:        profile.ModeAdaptive,
	}
}

// runner bundles the two retry loops plus logging and metrics hooks.
type runner struct {
	log      *logger.Logger
	observer Observer
	now      func() time.Time

	storeRetry    *retry.Retrier
	conflictRetry *retry.Retrier
}

func newRunner(log *logger.Logger, component string, config Config) *runner {
	if log == nil {
		log = logger.Nop()
	}
	if config.StoreRetry == nil {
		config.StoreRetry = retry.StoreRetrier()
	}
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}

	r := &runner{
		log:      log.With(logger.Component(component)),
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.storeRetry = config.StoreRetry.With(
		retry.WithRetryIf(shared.IsRetryable),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			r.observer.StoreRetry(component)
			r.log.Warn("store call failed, retrying",
				logger.Attempt(attempt), logger.Err(err), logger.Duration("delay", delay))
		}),
	)
	r.conflictRetry = retry.New(
		retry.WithMaxAttempts(config.MaxConflictRetries+1),
		retry.WithInitialDelay(5*time.Millisecond),
		retry.WithMaxDelay(100*time.Millisecond),
		retry.WithRetryIf(shared.IsConflict),
		retry.WithOnRetry(func(attempt int, err error, _ time.Duration) {
			r.observer.ConflictRetry(component)
			r.log.Debug("version conflict, re-reading", logger.Attempt(attempt), logger.Err(err))
		}),
	)
	return r
}

// withStore runs one store call under the store retrier.
func withStore[T any](ctx context.Context, r *runner, call func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoWithData(ctx, r.storeRetry, call)
}

// cycle runs a whole read-modify-write, re-running it on version conflicts.
func (r *runner) cycle(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.conflictRetry.Do(ctx, fn)
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}


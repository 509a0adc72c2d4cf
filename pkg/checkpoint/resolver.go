package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomrun/loom/pkg/events"
	"github.com/loomrun/loom/pkg/models"
	"github.com/loomrun/loom/pkg/telemetry"
)

const (
	resolveAttempts = 3
	backoffBase     = 1 * time.Second
)

// OpenFunc opens one backend realization and verifies it with a trivial
// round-trip, not merely a socket open.
type OpenFunc func(ctx context.Context, cfg Config) (Store, error)

// SleepFunc waits for the backoff interval. Injectable so tests can run the
// retry schedule against a fake clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Resolver picks the persistence backend for one execution. Resolution never
// fails outright for the shared path: after the retry budget is exhausted it
// degrades to the embedded store. Only an unopenable embedded store is fatal.
type Resolver struct {
	logger       *slog.Logger
	emitter      telemetry.Emitter
	openShared   OpenFunc
	openEmbedded OpenFunc
	sleep        SleepFunc
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep SleepFunc) ResolverOption {
	return func(r *Resolver) {
		r.sleep = sleep
	}
}

// NewResolver creates a resolver over the two backend openers.
func NewResolver(logger *slog.Logger, emitter telemetry.Emitter, shared, embedded OpenFunc, opts ...ResolverOption) *Resolver {
	resolver := &Resolver{
		logger:       logger.With("module", "backend_resolver"),
		emitter:      emitter,
		openShared:   shared,
		openEmbedded: embedded,
		sleep:        sleepWithContext,
	}

	for _, opt := range opts {
		opt(resolver)
	}

	return resolver
}

// Resolve returns a fresh backend handle for one execution attempt. The
// embedded kind is opened directly; the shared kind is attempted up to three
// times with 1s, 2s, 4s waits between attempts, then falls back to the
// embedded store with a degraded handle. Fallback is never cached: the next
// execution re-attempts the shared backend from scratch.
func (r *Resolver) Resolve(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.Kind == KindEmbedded {
		store, err := r.openEmbedded(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: open embedded store: %w", models.ErrConfiguration, err)
		}

		r.emitResolved(ctx, KindEmbedded, ModePrimary, 1)

		return &Handle{Store: store, Kind: KindEmbedded, Mode: ModePrimary}, nil
	}

	var lastErr error

	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		store, err := r.openShared(ctx, cfg)
		if err == nil {
			r.emitResolved(ctx, KindShared, ModePrimary, attempt)

			return &Handle{Store: store, Kind: KindShared, Mode: ModePrimary}, nil
		}

		lastErr = err

		r.logger.WarnContext(ctx, "Shared backend unreachable",
			"attempt", attempt, "max_attempts", resolveAttempts, "error", err)
		r.emitter.Emit(ctx, string(KindShared), events.BackendUnreachable{
			BaseEvent:   events.NewBaseEvent(events.BackendUnreachableEvent, "", ""),
			BackendKind: string(KindShared),
			Attempt:     attempt,
			Error:       err.Error(),
		})

		if attempt < resolveAttempts {
			wait := backoffBase << (attempt - 1)

			err = r.sleep(ctx, wait)
			if err != nil {
				return nil, fmt.Errorf("backend resolution canceled: %w", err)
			}
		}
	}

	r.logger.WarnContext(ctx, "Falling back to embedded store for this execution",
		"attempts", resolveAttempts, "error", lastErr)
	r.emitter.Emit(ctx, string(KindShared), events.BackendDegradedFallback{
		BaseEvent:     events.NewBaseEvent(events.BackendDegradedFallbackEvent, "", ""),
		PreferredKind: string(KindShared),
		FallbackKind:  string(KindEmbedded),
		Attempts:      resolveAttempts,
		LastError:     lastErr.Error(),
	})

	store, err := r.openEmbedded(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open embedded fallback store: %w", models.ErrConfiguration, err)
	}

	return &Handle{Store: store, Kind: KindEmbedded, Mode: ModeDegraded}, nil
}

func (r *Resolver) emitResolved(ctx context.Context, kind Kind, mode Mode, attempts int) {
	r.emitter.Emit(ctx, string(kind), events.BackendResolved{
		BaseEvent:   events.NewBaseEvent(events.BackendResolvedEvent, "", ""),
		BackendKind: string(kind),
		Mode:        string(mode),
		Attempts:    attempts,
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

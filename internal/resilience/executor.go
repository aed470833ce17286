package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/alekspetrov/pollcast/internal/logging"
)

// ErrCircuitOpen is returned when the circuit breaker short-circuits a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Attempt records a single try of an operation.
type Attempt struct {
	Number     int
	StatusCode int
	Err        string
	Delay      time.Duration // delay applied after this attempt
	At         time.Time
}

// Result is the outcome of a resilient call.
type Result[T any] struct {
	Value          T
	Err            error
	Class          Class
	Attempts       int
	AttemptDetails []Attempt
	Duration       time.Duration
	BreakerOpen    bool
}

// Success reports whether the call ultimately succeeded.
func (r Result[T]) Success() bool {
	return r.Err == nil && !r.BreakerOpen
}

// Executor runs operations under a retry/backoff/circuit-breaker policy.
// It performs no I/O of its own beyond the supplied operation and sleeping.
type Executor struct {
	breakers *breakerRegistry
	sleep    func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the sleep primitive, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// WithExecutorLogger sets the logger for the executor.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.log = logger
	}
}

// NewExecutor creates an Executor with a shared breaker registry.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		breakers: newBreakerRegistry(),
		sleep:    sleepContext,
		log:      logging.WithComponent("resilience"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute runs op under policy, classifying each failure and retrying
// transient and rate-limited outcomes. Auth failures are surfaced without
// retry so the caller can refresh credentials and retry at a higher level.
func Execute[T any](ctx context.Context, e *Executor, call CallContext, policy Policy, op func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()
	var res Result[T]

	br := e.breakers.get(call.Key(), policy)
	if !br.allow(time.Now()) {
		e.log.Warn("Call short-circuited",
			slog.String("service", call.Service),
			slog.String("operation", call.Operation),
		)
		res.BreakerOpen = true
		res.Err = ErrCircuitOpen
		res.Duration = time.Since(start)
		return res
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := op(ctx)
		res.Attempts = attempt

		if err == nil {
			br.recordSuccess()
			res.Value = value
			res.AttemptDetails = append(res.AttemptDetails, Attempt{
				Number: attempt,
				At:     time.Now(),
			})
			res.Duration = time.Since(start)
			return res
		}

		class := Classify(err)
		detail := Attempt{
			Number:     attempt,
			StatusCode: statusCode(err),
			Err:        err.Error(),
			At:         time.Now(),
		}

		// Permanent and auth failures are never retried here.
		if class == ClassPermanent || class == ClassAuth {
			br.recordFailure(time.Now())
			res.AttemptDetails = append(res.AttemptDetails, detail)
			res.Err = err
			res.Class = class
			res.Duration = time.Since(start)
			return res
		}

		if attempt == maxAttempts {
			br.recordFailure(time.Now())
			res.AttemptDetails = append(res.AttemptDetails, detail)
			res.Err = err
			res.Class = class
			res.Duration = time.Since(start)
			return res
		}

		var delay time.Duration
		switch class {
		case ClassRateLimit:
			delay = RetryAfterHint(err)
			if delay <= 0 {
				delay = policy.RateLimitDelay
			}
		default:
			delay = backoffDelay(policy, attempt)
		}

		detail.Delay = delay
		res.AttemptDetails = append(res.AttemptDetails, detail)

		e.log.Debug("Retrying after failure",
			slog.String("service", call.Service),
			slog.String("operation", call.Operation),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.Duration("delay", delay),
		)

		if err := e.sleep(ctx, delay); err != nil {
			br.recordFailure(time.Now())
			res.Err = err
			res.Class = ClassTransient
			res.Duration = time.Since(start)
			return res
		}
	}

	res.Duration = time.Since(start)
	return res
}

// ExecuteVoid is like Execute for operations without a return value.
func ExecuteVoid(ctx context.Context, e *Executor, call CallContext, policy Policy, op func(ctx context.Context) error) Result[struct{}] {
	return Execute(ctx, e, call, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
}

// backoffDelay computes base * multiplier^(attempt-1) with jitter, capped.
func backoffDelay(policy Policy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	mult := policy.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		jitter := time.Duration(rand.Float64() * policy.Jitter * float64(delay))
		delay += jitter
	}

	return delay
}

func statusCode(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

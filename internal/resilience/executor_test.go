package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// noSleep replaces real sleeping so retry tests run instantly.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func testCall(op string) CallContext {
	return CallContext{Service: "helix", Operation: op}
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 10 * time.Millisecond
	p.RateLimitDelay = time.Millisecond
	return p
}

func TestExecute_SuccessOnFirstAttempt(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := Execute(context.Background(), e, testCall("create-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "poll-id", nil
	})

	if !res.Success() {
		t.Fatalf("expected success, got error: %v", res.Err)
	}
	if res.Value != "poll-id" {
		t.Errorf("expected 'poll-id', got %q", res.Value)
	}
	if res.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got attempts=%d calls=%d", res.Attempts, calls)
	}
}

func TestExecute_TransientFailuresThenSuccess(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := Execute(context.Background(), e, testCall("get-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &CallError{StatusCode: http.StatusServiceUnavailable, Message: "service unavailable"}
		}
		return "ok", nil
	})

	if !res.Success() {
		t.Fatalf("expected success after retries, got: %v", res.Err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if len(res.AttemptDetails) != 3 {
		t.Errorf("expected 3 attempt details, got %d", len(res.AttemptDetails))
	}
}

func TestExecute_PermanentFailureNotRetried(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := Execute(context.Background(), e, testCall("end-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "", &CallError{StatusCode: http.StatusUnprocessableEntity, Message: "invalid poll"}
	})

	if res.Success() {
		t.Fatal("expected failure")
	}
	if res.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got attempts=%d calls=%d", res.Attempts, calls)
	}
	if res.Class != ClassPermanent {
		t.Errorf("expected permanent class, got %v", res.Class)
	}
}

func TestExecute_AuthFailureSurfacedWithoutRetry(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := Execute(context.Background(), e, testCall("create-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "", &CallError{StatusCode: http.StatusUnauthorized, Message: "invalid token"}
	})

	if calls != 1 {
		t.Errorf("auth failures must not be retried, got %d calls", calls)
	}
	if res.Class != ClassAuth {
		t.Errorf("expected auth class, got %v", res.Class)
	}
}

func TestExecute_RateLimitHonorsHint(t *testing.T) {
	var slept []time.Duration
	e := NewExecutor(WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	calls := 0
	res := Execute(context.Background(), e, testCall("get-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &CallError{StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second, Message: "rate limited"}
		}
		return "ok", nil
	})

	if !res.Success() {
		t.Fatalf("expected success, got: %v", res.Err)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("expected one sleep of 2s honoring the hint, got %v", slept)
	}
}

func TestExecute_RateLimitDefaultDelayWithoutHint(t *testing.T) {
	var slept []time.Duration
	e := NewExecutor(WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	policy := fastPolicy()
	policy.RateLimitDelay = 5 * time.Millisecond

	calls := 0
	Execute(context.Background(), e, testCall("get-poll"), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &CallError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}
		}
		return "ok", nil
	})

	if len(slept) != 1 || slept[0] != 5*time.Millisecond {
		t.Errorf("expected policy default delay, got %v", slept)
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := Execute(context.Background(), e, testCall("get-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		calls++
		return "", &CallError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	})

	if res.Success() {
		t.Fatal("expected failure after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls (policy max), got %d", calls)
	}
	if res.Class != ClassTransient {
		t.Errorf("expected transient class, got %v", res.Class)
	}
}

func TestExecute_ContextCancellationStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	res := Execute(ctx, e, testCall("get-poll"), fastPolicy(), func(ctx context.Context) (string, error) {
		return "", &CallError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	})

	if res.Success() {
		t.Fatal("expected failure on cancellation")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", res.Err)
	}
}

func TestExecuteVoid(t *testing.T) {
	e := NewExecutor(WithSleeper(noSleep))

	calls := 0
	res := ExecuteVoid(context.Background(), e, testCall("end-poll"), fastPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if !res.Success() || calls != 1 {
		t.Errorf("expected single successful call, got success=%v calls=%d", res.Success(), calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"unauthorized", &CallError{StatusCode: 401}, ClassAuth},
		{"rate limited", &CallError{StatusCode: 429}, ClassRateLimit},
		{"server error", &CallError{StatusCode: 500}, ClassTransient},
		{"bad gateway", &CallError{StatusCode: 502}, ClassTransient},
		{"not found", &CallError{StatusCode: 404}, ClassPermanent},
		{"forbidden", &CallError{StatusCode: 403}, ClassPermanent},
		{"network", errors.New("dial tcp: connection refused"), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("something else"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

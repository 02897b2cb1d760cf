package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Concurrency:     2,
		MinConcurrency:  1,
		MaxConcurrency:  10,
		RetryLimit:      5,
		RetryDelay:      time.Millisecond,
		MetricsInterval: time.Hour, // ticks driven manually in tests
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 500", &HTTPStatusError{Code: 500, URL: "u"}, true},
		{"http 503", &HTTPStatusError{Code: 503, URL: "u"}, true},
		{"http 429", &HTTPStatusError{Code: 429, URL: "u"}, true},
		{"http 400", &HTTPStatusError{Code: 400, URL: "u"}, false},
		{"http 404", &HTTPStatusError{Code: 404, URL: "u"}, false},
		{"wrapped 502", fmt.Errorf("callback: %w", &HTTPStatusError{Code: 502, URL: "u"}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := ShouldRetry(tt.err); got != tt.want {
			t.Errorf("%s: want %v, got %v", tt.name, tt.want, got)
		}
	}
	if !RateLimited(&HTTPStatusError{Code: http.StatusTooManyRequests, URL: "u"}) {
		t.Error("429 not recognized as rate limit")
	}
	if RateLimited(&HTTPStatusError{Code: 500, URL: "u"}) {
		t.Error("500 mistaken for rate limit")
	}
}

func TestRunsTasks(t *testing.T) {
	q := New(testConfig())
	defer q.Close()

	var done int32
	for i := 0; i < 8; i++ {
		q.Enqueue(&Task{
			Name: "work",
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&done, 1)
				return nil
			},
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if atomic.LoadInt32(&done) != 8 {
		t.Errorf("completed: %d", done)
	}
	if s := q.Stats(); s.Completed != 8 || s.Failed != 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestPriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.MinConcurrency = 1
	q := New(cfg)
	defer q.Close()

	q.Pause()
	var mu sync.Mutex
	var order []string
	run := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	q.Enqueue(&Task{Name: "late", Priority: 5, Run: run("late")})
	q.Enqueue(&Task{Name: "early", Priority: 0, Run: run("early")})
	q.Enqueue(&Task{Name: "mid", Priority: 1, Run: run("mid")})
	q.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "early" || order[1] != "mid" || order[2] != "late" {
		t.Errorf("order: %v", order)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	q := New(testConfig())
	defer q.Close()

	var events []EventKind
	var evMu sync.Mutex
	q.Subscribe(func(ev Event) {
		evMu.Lock()
		events = append(events, ev.Kind)
		evMu.Unlock()
	})

	var attempts int32
	q.Enqueue(&Task{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return &HTTPStatusError{Code: 503, URL: "http://cb"}
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts: %d", got)
	}
	evMu.Lock()
	defer evMu.Unlock()
	retries, completes := 0, 0
	for _, k := range events {
		switch k {
		case EventTaskRetry:
			retries++
		case EventTaskDone:
			completes++
		}
	}
	if retries != 2 || completes != 1 {
		t.Errorf("events: %v", events)
	}
}

func TestNonRetryableFailsOnce(t *testing.T) {
	q := New(testConfig())
	defer q.Close()

	var attempts int32
	var exhausted int32
	var lastErr error
	q.Enqueue(&Task{
		Name: "bad",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return &HTTPStatusError{Code: 400, URL: "http://cb"}
		},
		OnExhausted: func(err error) {
			atomic.AddInt32(&exhausted, 1)
			lastErr = err
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 || atomic.LoadInt32(&exhausted) != 1 {
		t.Errorf("attempts=%d exhausted=%d", attempts, exhausted)
	}
	var sc StatusCoder
	if !errors.As(lastErr, &sc) || sc.StatusCode() != 400 {
		t.Errorf("terminal error: %v", lastErr)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLimit = 3
	q := New(cfg)
	defer q.Close()

	var attempts int32
	exhausted := make(chan error, 1)
	q.Enqueue(&Task{
		Name: "always503",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return &HTTPStatusError{Code: 503, URL: "http://cb"}
		},
		OnExhausted: func(err error) { exhausted <- err },
	})

	select {
	case err := <-exhausted:
		if err == nil {
			t.Error("exhausted without error")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("budget exhaustion never fired")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts: %d", got)
	}
}

func TestRateLimitCutsConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 10
	cfg.RetryLimit = 1 // fail immediately, no retry wait
	q := New(cfg)
	defer q.Close()

	q.Enqueue(&Task{
		Name: "limited",
		Run: func(ctx context.Context) error {
			return &HTTPStatusError{Code: 429, URL: "http://rpc"}
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := q.Stats().Concurrency; got > 7 {
		t.Errorf("concurrency after 429: %d, want ≤ 7", got)
	}
}

func TestPauseResume(t *testing.T) {
	q := New(testConfig())
	defer q.Close()

	q.Pause()
	var done int32
	q.Enqueue(&Task{Run: func(ctx context.Context) error {
		atomic.AddInt32(&done, 1)
		return nil
	}})
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&done) != 0 {
		t.Fatal("task ran while paused")
	}
	if !q.Paused() {
		t.Fatal("queue not paused")
	}
	q.Resume()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if atomic.LoadInt32(&done) != 1 {
		t.Error("task did not run after resume")
	}
}

func TestSetConcurrencyClamped(t *testing.T) {
	q := New(testConfig())
	defer q.Close()

	q.SetConcurrency(100)
	if got := q.Stats().Concurrency; got != 10 {
		t.Errorf("above max: %d", got)
	}
	q.SetConcurrency(0)
	if got := q.Stats().Concurrency; got != 1 {
		t.Errorf("below min: %d", got)
	}
}

func TestAdaptErrorRateShrinks(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 10
	q := New(cfg)
	defer q.Close()

	q.mu.Lock()
	q.winSuccess, q.winFailure = 8, 2 // 20% errors
	q.mu.Unlock()
	q.adapt()
	if got := q.Stats().Concurrency; got != 8 {
		t.Errorf("after error spike: %d, want 8", got)
	}
}

func TestAdaptNormalGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	q := New(cfg)
	defer q.Close()

	q.Pause()
	for i := 0; i < 5; i++ { // queueLength 5 > 2·N
		q.Enqueue(&Task{Run: func(ctx context.Context) error { return nil }})
	}
	q.mu.Lock()
	q.winSuccess = 100
	q.durations[0] = 10 * time.Millisecond
	q.durCount, q.durIdx = 1, 1
	q.mu.Unlock()

	q.adapt()
	if got := q.Stats().Concurrency; got != 3 {
		t.Errorf("after healthy backlog: %d, want 3", got)
	}
}

func TestAdaptBulkRegimeCap(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 10
	cfg.MaxConcurrency = 10
	q := New(cfg)
	defer q.Close()

	q.Pause()
	for i := 0; i < bulkThreshold+1; i++ {
		q.Enqueue(&Task{Run: func(ctx context.Context) error { return nil }})
	}
	q.mu.Lock()
	q.winSuccess = 100
	q.durations[0] = 10 * time.Millisecond
	q.durCount, q.durIdx = 1, 1
	q.mu.Unlock()

	q.adapt()
	if got := q.Stats().Concurrency; got != 7 {
		t.Errorf("bulk regime: %d, want cap 7", got)
	}
}

func TestDrainTimesOut(t *testing.T) {
	cfg := testConfig()
	q := New(cfg)
	defer q.Close()

	release := make(chan struct{})
	q.Enqueue(&Task{Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
	close(release)
}

func TestCloseCancelsRunningTask(t *testing.T) {
	q := New(testConfig())

	started := make(chan struct{})
	stopped := make(chan error, 1)
	q.Enqueue(&Task{
		Name: "blocked",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return ctx.Err()
		},
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	q.Close()

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("task context: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task not cancelled by Close")
	}
}

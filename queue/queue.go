// Package queue is the in-process finalization queue: a bounded worker pool
// with a priority FIFO, per-task retry with exponential backoff, and an
// adaptive control loop that resizes the pool from observed error rates and
// processing times.
package queue

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultRetryLimit is the per-task attempt budget.
	DefaultRetryLimit = 5
	// DefaultRetryDelay seeds the backoff schedule.
	DefaultRetryDelay = time.Second
	// DefaultMetricsInterval paces the adaptive control loop.
	DefaultMetricsInterval = 30 * time.Second

	// bulkThreshold is the queue length above which the bulk regime applies.
	bulkThreshold = 50
	// rollingWindow is how many task durations feed avgProcessingTime.
	rollingWindow = 100
	// maxRateLimitBackoff caps the 429 backoff schedule.
	maxRateLimitBackoff = 30 * time.Second
)

// EventKind names a queue event.
type EventKind string

const (
	EventTaskStart   EventKind = "task-start"
	EventTaskDone    EventKind = "task-complete"
	EventTaskError   EventKind = "task-error"
	EventTaskRetry   EventKind = "task-retry"
	EventTaskFailed  EventKind = "task-failed"
	EventConcurrency EventKind = "concurrency-adjusted"
	EventMetricsTick EventKind = "metrics-tick"
	EventPaused      EventKind = "paused"
	EventResumed     EventKind = "resumed"
)

// Event is delivered to observers. Stats is set on metrics ticks only.
type Event struct {
	Kind        EventKind
	TaskID      string
	TaskName    string
	Attempt     int
	Err         error
	Concurrency int
	Delay       time.Duration
	Stats       *Stats
}

// Observer consumes queue events. Observers run on queue goroutines and
// must not block.
type Observer func(Event)

// Task is one unit of work. Run is retried per the queue policy; OnExhausted
// fires once when the task fails terminally.
type Task struct {
	ID          string
	Name        string
	Priority    int // lower runs earlier
	Run         func(ctx context.Context) error
	OnExhausted func(err error)

	attempt int
	seq     uint64
}

// Config bounds the pool. Zero fields take defaults.
type Config struct {
	Concurrency     int
	MinConcurrency  int
	MaxConcurrency  int
	RetryLimit      int
	RetryDelay      time.Duration
	MetricsInterval time.Duration
	Logger          log.Logger
}

func (c Config) withDefaults() Config {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.MinConcurrency
	}
	if c.Concurrency < c.MinConcurrency {
		c.Concurrency = c.MinConcurrency
	}
	if c.Concurrency > c.MaxConcurrency {
		c.Concurrency = c.MaxConcurrency
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.Logger == nil {
		c.Logger = log.New("module", "queue")
	}
	return c
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	Length            int           `json:"length"`
	Running           int           `json:"running"`
	Concurrency       int           `json:"concurrency"`
	MinConcurrency    int           `json:"minConcurrency"`
	MaxConcurrency    int           `json:"maxConcurrency"`
	Paused            bool          `json:"paused"`
	SuccessRate       float64       `json:"successRate"`
	ErrorRate         float64       `json:"errorRate"`
	AvgProcessingTime time.Duration `json:"avgProcessingTimeNs"`
	Completed         uint64        `json:"completed"`
	Failed            uint64        `json:"failed"`
}

// taskHeap orders by (priority, arrival).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Queue is the worker pool. All mutable state sits behind one mutex; workers
// are spawned on demand up to the current concurrency.
type Queue struct {
	cfg Config
	log log.Logger

	mu             sync.Mutex
	cond           *sync.Cond
	tasks          taskHeap
	seq            uint64
	running        int
	concurrency    int
	paused         bool
	closed         bool
	pendingRetries int

	durations [rollingWindow]time.Duration
	durCount  int
	durIdx    int

	winSuccess int
	winFailure int
	completed  uint64
	failed     uint64

	observers []Observer

	baseCtx    context.Context
	cancelBase context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
	loopDone   chan struct{}

	gaugeConcurrency metrics.Gauge
	gaugeLength      metrics.Gauge
	meterSuccess     metrics.Meter
	meterFailure     metrics.Meter
	timerDuration    metrics.Timer
}

// New builds the queue and starts its control loop.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:         cfg,
		log:         cfg.Logger,
		concurrency: cfg.Concurrency,
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),

		gaugeConcurrency: metrics.GetOrRegisterGauge("refractor/queue/concurrency", nil),
		gaugeLength:      metrics.GetOrRegisterGauge("refractor/queue/length", nil),
		meterSuccess:     metrics.GetOrRegisterMeter("refractor/queue/success", nil),
		meterFailure:     metrics.GetOrRegisterMeter("refractor/queue/failure", nil),
		timerDuration:    metrics.GetOrRegisterTimer("refractor/queue/duration", nil),
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.cancelBase = context.WithCancel(context.Background())
	q.gaugeConcurrency.Update(int64(q.concurrency))
	go q.loop()
	return q
}

// Subscribe registers an event observer.
func (q *Queue) Subscribe(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	obs := append([]Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

// Enqueue adds a task. A missing id gets a fresh uuid.
func (q *Queue) Enqueue(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	t.seq = q.seq
	q.seq++
	heap.Push(&q.tasks, t)
	q.gaugeLength.Update(int64(len(q.tasks)))
	q.dispatchLocked()
	q.mu.Unlock()
}

// dispatchLocked starts workers while capacity allows.
func (q *Queue) dispatchLocked() {
	for !q.paused && !q.closed && q.running < q.concurrency && len(q.tasks) > 0 {
		t := heap.Pop(&q.tasks).(*Task)
		q.running++
		q.gaugeLength.Update(int64(len(q.tasks)))
		go q.runTask(t)
	}
}

func (q *Queue) runTask(t *Task) {
	t.attempt++
	q.emit(Event{Kind: EventTaskStart, TaskID: t.ID, TaskName: t.Name, Attempt: t.attempt})

	start := time.Now()
	err := t.Run(q.baseCtx)
	elapsed := time.Since(start)
	q.timerDuration.Update(elapsed)

	q.mu.Lock()
	q.running--
	q.durations[q.durIdx] = elapsed
	q.durIdx = (q.durIdx + 1) % rollingWindow
	if q.durCount < rollingWindow {
		q.durCount++
	}

	var after []Event
	var exhaustedFn func(error)
	switch {
	case err == nil:
		q.winSuccess++
		q.completed++
		q.meterSuccess.Mark(1)
		after = append(after, Event{Kind: EventTaskDone, TaskID: t.ID, TaskName: t.Name, Attempt: t.attempt})

	default:
		after = append(after, Event{Kind: EventTaskError, TaskID: t.ID, TaskName: t.Name, Attempt: t.attempt, Err: err})
		rateLimited := RateLimited(err)
		if rateLimited {
			// Immediate 30% cut; the control loop restores it later.
			if ev, ok := q.setConcurrencyLocked(q.concurrency * 7 / 10); ok {
				after = append(after, ev)
			}
		}
		if ShouldRetry(err) && t.attempt < q.cfg.RetryLimit {
			delay := q.backoff(t.attempt, rateLimited)
			q.pendingRetries++
			after = append(after, Event{Kind: EventTaskRetry, TaskID: t.ID, TaskName: t.Name, Attempt: t.attempt, Err: err, Delay: delay})
			time.AfterFunc(delay, func() {
				q.mu.Lock()
				q.pendingRetries--
				if !q.closed {
					t.seq = q.seq
					q.seq++
					heap.Push(&q.tasks, t)
					q.gaugeLength.Update(int64(len(q.tasks)))
					q.dispatchLocked()
				}
				q.cond.Broadcast()
				q.mu.Unlock()
			})
		} else {
			q.winFailure++
			q.failed++
			q.meterFailure.Mark(1)
			after = append(after, Event{Kind: EventTaskFailed, TaskID: t.ID, TaskName: t.Name, Attempt: t.attempt, Err: err})
			exhaustedFn = t.OnExhausted
		}
	}
	q.dispatchLocked()
	q.mu.Unlock()

	for _, ev := range after {
		q.emit(ev)
	}
	if exhaustedFn != nil {
		exhaustedFn(err)
	}
	// Broadcast last so Drain cannot observe idle before terminal callbacks
	// have run.
	q.cond.Broadcast()
}

// backoff computes the retry delay for the attempt that just failed.
func (q *Queue) backoff(attempt int, rateLimited bool) time.Duration {
	if rateLimited {
		d := q.cfg.RetryDelay
		for i := 1; i < attempt; i++ {
			d *= 3
		}
		d += time.Duration(rand.Int63n(int64(2 * time.Second)))
		if d > maxRateLimitBackoff {
			d = maxRateLimitBackoff
		}
		return d
	}
	d := q.cfg.RetryDelay << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(time.Second)))
}

// setConcurrencyLocked clamps n to [min, max] and reports the change event.
func (q *Queue) setConcurrencyLocked(n int) (Event, bool) {
	if n < q.cfg.MinConcurrency {
		n = q.cfg.MinConcurrency
	}
	if n > q.cfg.MaxConcurrency {
		n = q.cfg.MaxConcurrency
	}
	if n == q.concurrency {
		return Event{}, false
	}
	q.log.Debug("Queue concurrency adjusted", "from", q.concurrency, "to", n)
	q.concurrency = n
	q.gaugeConcurrency.Update(int64(n))
	q.dispatchLocked()
	return Event{Kind: EventConcurrency, Concurrency: n}, true
}

// SetConcurrency overrides the pool size within configured bounds.
func (q *Queue) SetConcurrency(n int) {
	q.mu.Lock()
	ev, changed := q.setConcurrencyLocked(n)
	q.mu.Unlock()
	if changed {
		q.emit(ev)
	}
}

// Pause stops dispatching new tasks; running tasks finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	was := q.paused
	q.paused = true
	q.mu.Unlock()
	if !was {
		q.emit(Event{Kind: EventPaused})
	}
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	was := q.paused
	q.paused = false
	q.dispatchLocked()
	q.mu.Unlock()
	if was {
		q.emit(Event{Kind: EventResumed})
	}
}

// Paused reports whether dispatching is suspended.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len is the number of queued (not running) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain blocks until the queue is idle (no queued, running or
// retry-pending tasks) or ctx expires.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for len(q.tasks) > 0 || q.running > 0 || q.pendingRetries > 0 {
			if q.closed {
				break
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the control loop, cancels the context passed to running
// tasks and refuses further tasks.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.cancelBase()
	})
	<-q.loopDone
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Stats snapshots the queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := Stats{
		Length:            len(q.tasks),
		Running:           q.running,
		Concurrency:       q.concurrency,
		MinConcurrency:    q.cfg.MinConcurrency,
		MaxConcurrency:    q.cfg.MaxConcurrency,
		Paused:            q.paused,
		AvgProcessingTime: q.avgDurationLocked(),
		Completed:         q.completed,
		Failed:            q.failed,
	}
	total := q.winSuccess + q.winFailure
	if total > 0 {
		s.SuccessRate = float64(q.winSuccess) / float64(total)
		s.ErrorRate = float64(q.winFailure) / float64(total)
	} else {
		s.SuccessRate = 1
	}
	return s
}

func (q *Queue) avgDurationLocked() time.Duration {
	if q.durCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < q.durCount; i++ {
		sum += q.durations[i]
	}
	return sum / time.Duration(q.durCount)
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.adapt()
		case <-q.stop:
			return
		}
	}
}

// adapt is the control loop body: it reads the window counters, resizes the
// pool per regime, and resets the window.
func (q *Queue) adapt() {
	q.mu.Lock()
	total := q.winSuccess + q.winFailure
	successRate, errorRate := 1.0, 0.0
	if total > 0 {
		successRate = float64(q.winSuccess) / float64(total)
		errorRate = float64(q.winFailure) / float64(total)
	}
	avg := q.avgDurationLocked()
	qlen := len(q.tasks)
	n := q.concurrency
	target := n

	switch {
	case total > 0 && errorRate > 0.10:
		target = n * 8 / 10

	case qlen > bulkThreshold:
		ceiling := q.cfg.MaxConcurrency * 7 / 10
		if ceiling < q.cfg.MinConcurrency {
			ceiling = q.cfg.MinConcurrency
		}
		switch {
		case avg > 8*time.Second || (total > 0 && successRate < 0.95):
			target = n - 1
		case successRate > 0.98 && avg < 3*time.Second:
			target = n + 1
		}
		if target > ceiling {
			target = ceiling
		}

	default:
		switch {
		case avg > 10*time.Second || (total > 0 && successRate < 0.90):
			target = n - 1
		case qlen > 2*n && successRate > 0.98 && avg < 4*time.Second:
			target = n + 1
		}
	}

	q.winSuccess, q.winFailure = 0, 0
	ev, changed := q.setConcurrencyLocked(target)
	stats := q.statsLocked()
	stats.SuccessRate, stats.ErrorRate = successRate, errorRate
	q.mu.Unlock()

	if changed {
		q.emit(ev)
	}
	q.emit(Event{Kind: EventMetricsTick, Stats: &stats})
}

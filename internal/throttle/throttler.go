package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "pipewatch/pkg/logx"
)

// globalBucket is the shared budget key. One budget for everything is a
// deliberate simplification; see the package doc.
const globalBucket = "global"

// Priorities. Higher runs sooner.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

var (
	ErrQueueCleared = errors.New("throttle: queue cleared")
	ErrStopped      = errors.New("throttle: stopped")
)

// Config bounds the call rate: at most MaxRequests started within any
// trailing Window. RetryAfter is how long the drain loop sleeps when the
// window is full before rechecking.
type Config struct {
	MaxRequests int
	Window      time.Duration
	RetryAfter  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 500 * time.Millisecond
	}
	return c
}

// Status is a point-in-time snapshot for the /api/throttle endpoint.
type Status struct {
	QueueLen      int            `json:"queue_len"`
	Draining      bool           `json:"draining"`
	RequestCounts map[string]int `json:"request_counts"`
}

// Throttler owns the pending queue, the rate window and the single
// drain loop. Instantiate once per process and share the handle.
type Throttler struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	queue    []*queuedCall
	draining bool
	stopped  bool
	window   *windowTracker

	stopCh chan struct{}

	seqSeq atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Throttler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Throttler{
		cfg:    cfg,
		log:    log,
		window: newWindowTracker(cfg.MaxRequests, cfg.Window, time.Now),
		stopCh: make(chan struct{}),
	}
}

// Apply updates the rate bound. Queued calls keep their order; the new
// window takes effect at the next drain check.
func (t *Throttler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	t.mu.Lock()
	changed := cfg != t.cfg
	t.cfg = cfg
	t.window.maxRequests = cfg.MaxRequests
	t.window.window = cfg.Window
	t.mu.Unlock()
	if changed {
		t.log.Info("throttle config applied",
			logx.Int("max_requests", cfg.MaxRequests),
			logx.Duration("window", cfg.Window),
			logx.Duration("retry_after", cfg.RetryAfter))
	}
}

// setClock replaces the window's time source. Test hook.
func (t *Throttler) setClock(now func() time.Time) {
	t.mu.Lock()
	t.window.now = now
	t.mu.Unlock()
}

// Throttle queues fn at normal priority and blocks until it has run,
// the queue is cleared, or ctx is done.
func (t *Throttler) Throttle(ctx context.Context, fn Fn) (any, error) {
	return t.ThrottleP(ctx, fn, PriorityNormal)
}

// ThrottleP queues fn with an explicit priority.
//
// The returned error is either fn's own error (untransformed),
// ErrQueueCleared/ErrStopped, or ctx.Err(). If ctx expires while the
// call is still queued, the call is NOT removed: it will still run and
// its result is discarded. Only ClearQueue removes pending calls.
func (t *Throttler) ThrottleP(ctx context.Context, fn Fn, priority int) (any, error) {
	if fn == nil {
		return nil, errors.New("throttle: fn is nil")
	}

	c := &queuedCall{
		priority:  priority,
		seq:       t.seqSeq.Add(1),
		submitted: time.Now(),
		run:       fn,
		done:      make(chan callResult, 1),
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	t.queue = append(t.queue, c)
	start := !t.draining
	if start {
		t.draining = true
	}
	qlen := len(t.queue)
	t.mu.Unlock()

	if t.log.Enabled(logx.LevelTrace) {
		t.log.Trace("call queued", logx.Int("priority", priority), logx.Int("queue_len", qlen))
	}
	if start {
		go t.drain()
	}

	select {
	case r := <-c.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain runs calls until the queue empties. Exactly one drain loop is
// live at a time; the draining flag is flipped under the same lock that
// guards enqueue, so a racing ThrottleP either sees the loop running or
// starts a fresh one.
func (t *Throttler) drain() {
	for {
		t.mu.Lock()
		if t.stopped || len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}

		sortQueue(t.queue)
		if !t.window.canProceed(globalBucket) {
			// Window full: wait and recheck the same head. Never skip
			// to a lower-priority call.
			wait := t.cfg.RetryAfter
			t.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-t.stopCh:
			}
			continue
		}

		c := t.queue[0]
		t.queue = t.queue[1:]
		t.window.record(globalBucket)
		t.mu.Unlock()

		start := time.Now()
		v, err := c.run(context.Background())
		c.settle(v, err)

		if err != nil {
			// The error belongs to this caller alone; the loop moves on.
			t.log.Debug("throttled call failed",
				logx.Int("priority", c.priority),
				logx.Duration("queued", start.Sub(c.submitted)),
				logx.Duration("took", time.Since(start)),
				logx.Err(err))
		} else if t.log.Enabled(logx.LevelTrace) {
			t.log.Trace("throttled call done",
				logx.Int("priority", c.priority),
				logx.Duration("queued", start.Sub(c.submitted)),
				logx.Duration("took", time.Since(start)))
		}
	}
}

// ClearQueue rejects every queued (not yet running) call with
// ErrQueueCleared and empties the queue. An in-flight call is not
// affected.
func (t *Throttler) ClearQueue() {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, c := range pending {
		c.settle(nil, ErrQueueCleared)
	}
	if len(pending) > 0 {
		t.log.Info("throttle queue cleared", logx.Int("rejected", len(pending)))
	}
}

// Stop clears the queue and rejects all future submissions.
func (t *Throttler) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()

	t.ClearQueue()
}

func (t *Throttler) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		QueueLen:      len(t.queue),
		Draining:      t.draining,
		RequestCounts: t.window.counts(),
	}
}

// Do is a typed convenience wrapper around ThrottleP.
func Do[T any](ctx context.Context, t *Throttler, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := t.ThrottleP(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

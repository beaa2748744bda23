package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "pipewatch/pkg/logx"
)

func newTestThrottler(maxRequests int, window time.Duration) *Throttler {
	return New(Config{MaxRequests: maxRequests, Window: window, RetryAfter: 10 * time.Millisecond}, logx.Nop())
}

// blockerAndQueue submits a call that blocks until release is closed,
// giving the test a stable moment where later submissions pile up in
// the queue behind it.
func blockerAndQueue(t *testing.T, th *Throttler) (release chan struct{}, done chan struct{}) {
	t.Helper()
	release = make(chan struct{})
	done = make(chan struct{})
	entered := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = th.Throttle(context.Background(), func(context.Context) (any, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started")
	}
	return release, done
}

func waitQueueLen(t *testing.T, th *Throttler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if th.Status().QueueLen == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue length never reached %d (now %d)", want, th.Status().QueueLen)
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	release, blockerDone := blockerAndQueue(t, th)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	submit := func(prio int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = th.ThrottleP(context.Background(), func(context.Context) (any, error) {
				order <- prio
				return nil, nil
			}, prio)
		}()
	}

	submit(PriorityLow)
	waitQueueLen(t, th, 1)
	submit(PriorityHigh)
	waitQueueLen(t, th, 2)

	close(release)
	<-blockerDone
	wg.Wait()

	if first := <-order; first != PriorityHigh {
		t.Fatalf("first executed priority = %d, want %d", first, PriorityHigh)
	}
	if second := <-order; second != PriorityLow {
		t.Fatalf("second executed priority = %d, want %d", second, PriorityLow)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	release, blockerDone := blockerAndQueue(t, th)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	submit := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = th.Throttle(context.Background(), func(context.Context) (any, error) {
				order <- name
				return nil, nil
			})
		}()
	}

	submit("first")
	waitQueueLen(t, th, 1)
	submit("second")
	waitQueueLen(t, th, 2)

	close(release)
	<-blockerDone
	wg.Wait()

	if got := <-order; got != "first" {
		t.Fatalf("first executed = %q, want first", got)
	}
	if got := <-order; got != "second" {
		t.Fatalf("second executed = %q, want second", got)
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	boom := errors.New("boom")
	if _, err := th.Throttle(context.Background(), func(context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v untransformed", err, boom)
	}

	v, err := th.Throttle(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if v != 42 {
		t.Fatalf("value = %v, want 42", v)
	}
}

func TestClearQueueRejectsPending(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	release, blockerDone := blockerAndQueue(t, th)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := th.Throttle(context.Background(), func(context.Context) (any, error) {
				return nil, nil
			})
			errs <- err
		}()
	}
	waitQueueLen(t, th, 2)

	th.ClearQueue()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrQueueCleared) {
			t.Fatalf("err = %v, want ErrQueueCleared", err)
		}
	}
	if got := th.Status().QueueLen; got != 0 {
		t.Fatalf("queue length after clear = %d, want 0", got)
	}

	// The in-flight blocker is unaffected.
	close(release)
	<-blockerDone
}

func TestRollingRateBound(t *testing.T) {
	t.Parallel()

	const window = 200 * time.Millisecond
	th := New(Config{MaxRequests: 2, Window: window, RetryAfter: 10 * time.Millisecond}, logx.Nop())

	starts := make(chan time.Time, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = th.Throttle(context.Background(), func(context.Context) (any, error) {
				starts <- time.Now()
				return nil, nil
			})
		}()
	}
	wg.Wait()
	close(starts)

	var ts []time.Time
	for s := range starts {
		ts = append(ts, s)
	}
	if len(ts) != 4 {
		t.Fatalf("executions = %d, want 4", len(ts))
	}
	sortTimes(ts)

	// With a budget of 2 per window, the 3rd start must wait out the 1st.
	if gap := ts[2].Sub(ts[0]); gap < window-20*time.Millisecond {
		t.Fatalf("3rd start only %v after 1st, want >= ~%v", gap, window)
	}
	if gap := ts[3].Sub(ts[1]); gap < window-20*time.Millisecond {
		t.Fatalf("4th start only %v after 2nd, want >= ~%v", gap, window)
	}
}

func TestNoSecondDrainLoop(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	// Hammer Throttle concurrently; every call must settle and the
	// throttler must end idle. A duplicated drain loop would double-run
	// or deadlock on the shared queue.
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := th.Throttle(context.Background(), func(context.Context) (any, error) {
				mu.Lock()
				ran++
				mu.Unlock()
				return nil, nil
			})
			if err != nil {
				t.Errorf("throttle failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if ran != 50 {
		t.Fatalf("ran = %d, want 50", ran)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := th.Status()
		if !st.Draining && st.QueueLen == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("throttler never went idle: %+v", th.Status())
}

func TestStopRejectsNewCalls(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)
	th.Stop()

	if _, err := th.Throttle(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDoTypedWrapper(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1000, time.Minute)

	v, err := Do(context.Background(), th, PriorityNormal, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if v != "ok" {
		t.Fatalf("v = %q, want ok", v)
	}
}

func sortTimes(ts []time.Time) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Before(ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func TestApplyLoosensRateBound(t *testing.T) {
	t.Parallel()
	th := newTestThrottler(1, time.Minute)
	defer th.Stop()

	if _, err := th.Throttle(context.Background(), func(context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("first call: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := th.Throttle(context.Background(), func(context.Context) (any, error) { return nil, nil })
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("second call ran inside a full window (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	th.Apply(Config{MaxRequests: 10, Window: time.Minute, RetryAfter: 10 * time.Millisecond})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second call after apply: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second call still blocked after the bound was raised")
	}
}

package throttle

import (
	"context"
	"sort"
	"time"
)

// Fn is one throttled unit of work.
type Fn func(ctx context.Context) (any, error)

type callResult struct {
	value any
	err   error
}

// queuedCall is owned by the Throttler from enqueue until it is either
// run or cleared; its done channel settles exactly once.
type queuedCall struct {
	priority  int
	seq       uint64
	submitted time.Time

	run  Fn
	done chan callResult
}

func (c *queuedCall) settle(v any, err error) {
	// done is buffered(1) and written once, so this never blocks even
	// when the caller has already abandoned the wait.
	c.done <- callResult{value: v, err: err}
}

// sortQueue orders pending calls by priority (higher first), breaking
// ties by arrival order.
func sortQueue(q []*queuedCall) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].priority != q[j].priority {
			return q[i].priority > q[j].priority
		}
		return q[i].seq < q[j].seq
	})
}

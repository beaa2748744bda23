// Package throttle schedules outbound API calls against a sliding-window
// rate budget.
//
// Callers submit a function with a priority; calls are queued and drained
// one at a time in (priority desc, arrival asc) order. When the trailing
// window is full the drain loop waits and retries the same head-of-queue
// call; it never skips ahead to a lower-priority one.
//
// All calls share a single "global" budget. There is no per-token or
// per-endpoint isolation: if several GitLab tokens are routed through one
// Throttler they compete for the same window, and fairness between noisy
// callers is only achievable via priorities.
package throttle

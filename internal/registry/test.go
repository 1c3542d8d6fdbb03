package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loadtest-orchestrator/internal/proxy"
)

// Status is the lifecycle state of a Test. Transitions only move forward
// through queued -> running -> {completed, failed, stopped}, plus the
// queued -> failed shortcut when no worker ever starts.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusStopped},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Counters is the shared per-test accumulator. Workers never touch it
// directly; the supervisor folds per-worker counters in. All fields are
// monotone until the test reaches a terminal state.
type Counters struct {
	Attempts    atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	BytesSent   atomic.Int64
	Connections atomic.Int64
}

// CounterSnapshot is an immutable copy of the accumulator.
type CounterSnapshot struct {
	Attempts    int64 `json:"attempts"`
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	BytesSent   int64 `json:"bytes_sent"`
	Connections int64 `json:"connections"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Attempts:    c.Attempts.Load(),
		Successes:   c.Successes.Load(),
		Failures:    c.Failures.Load(),
		BytesSent:   c.BytesSent.Load(),
		Connections: c.Connections.Load(),
	}
}

// Test is one requested load-test run. Identity fields are immutable after
// creation; lifecycle fields are guarded by mu and mutated only through the
// Store's transition methods.
type Test struct {
	ID         string
	Target     string
	Method     string
	Duration   int
	Threads    int
	ProxyType  proxy.Protocol
	Parameters map[string]interface{}
	Owner      string
	CreatedAt  time.Time

	Counters Counters

	mu        sync.RWMutex
	status    Status
	startTime time.Time
	endTime   time.Time
	reason    string
	frozen    *CounterSnapshot // set once, at the terminal transition
}

// Status returns the current lifecycle state.
func (t *Test) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Times returns start and end time; zero values mean not yet set.
func (t *Test) Times() (start, end time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime, t.endTime
}

// Reason returns the failure cause for failed tests, empty otherwise.
func (t *Test) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Metrics returns the frozen snapshot for terminal tests, or a live copy of
// the accumulator while running.
func (t *Test) Metrics() CounterSnapshot {
	t.mu.RLock()
	if t.frozen != nil {
		snap := *t.frozen
		t.mu.RUnlock()
		return snap
	}
	t.mu.RUnlock()
	return t.Counters.Snapshot()
}

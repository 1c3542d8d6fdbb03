package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loadtest-orchestrator/internal/metrics"
	"github.com/loadtest-orchestrator/internal/proxy"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound covers both unknown IDs and IDs outside the caller's
	// ownership scope; callers cannot distinguish the two.
	ErrNotFound = errors.New("test not found")

	// ErrAlreadyTerminal is returned when stopping a finished test.
	ErrAlreadyTerminal = errors.New("test already in a terminal state")
)

// Store is the authoritative registry of Test entities and the only writer
// of lifecycle state.
type Store struct {
	metrics *metrics.Collector

	mu    sync.RWMutex
	tests map[string]*Test

	// onTerminal hooks run outside the store lock after a terminal
	// transition (slot release, persistence).
	hookMu     sync.RWMutex
	onTerminal []func(*Test)
}

func NewStore(metricsCollector *metrics.Collector) *Store {
	return &Store{
		metrics: metricsCollector,
		tests:   make(map[string]*Test),
	}
}

// OnTerminal registers a callback invoked after every terminal transition.
func (s *Store) OnTerminal(fn func(*Test)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onTerminal = append(s.onTerminal, fn)
}

// NewTestParams carries the validated admission output.
type NewTestParams struct {
	Target     string
	Method     string
	Duration   int
	Threads    int
	ProxyType  proxy.Protocol
	Parameters map[string]interface{}
	Owner      string
}

// Create registers a new Test in queued state and returns it.
func (s *Store) Create(p NewTestParams) *Test {
	t := &Test{
		ID:         uuid.NewString(),
		Target:     p.Target,
		Method:     p.Method,
		Duration:   p.Duration,
		Threads:    p.Threads,
		ProxyType:  p.ProxyType,
		Parameters: p.Parameters,
		Owner:      p.Owner,
		CreatedAt:  time.Now(),
		status:     StatusQueued,
	}

	s.mu.Lock()
	s.tests[t.ID] = t
	s.mu.Unlock()

	s.metrics.RecordTestCreated(p.Method)
	log.WithFields(log.Fields{
		"test":   t.ID,
		"method": t.Method,
		"owner":  t.Owner,
	}).Info("Test created")

	return t
}

// Get returns a test visible to the owner.
func (s *Store) Get(id, owner string) (*Test, error) {
	s.mu.RLock()
	t, ok := s.tests[id]
	s.mu.RUnlock()

	if !ok || t.Owner != owner {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns the owner's tests, newest first.
func (s *Store) List(owner string) []*Test {
	s.mu.RLock()
	out := make([]*Test, 0, len(s.tests))
	for _, t := range s.tests {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// All returns every registered test.
func (s *Store) All() []*Test {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Test, 0, len(s.tests))
	for _, t := range s.tests {
		out = append(out, t)
	}
	return out
}

// MarkRunning transitions queued -> running and records the start time.
func (s *Store) MarkRunning(id string) error {
	s.mu.RLock()
	t, ok := s.tests[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.status, StatusRunning) {
		return fmt.Errorf("cannot transition %s from %s to running", id, t.status)
	}
	t.status = StatusRunning
	t.startTime = time.Now()
	return nil
}

// Finish moves a test into a terminal state. The end time is set exactly
// once, here, and the counter snapshot is frozen at the same instant. Reason
// is recorded only for failed.
func (s *Store) Finish(id string, status Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("%s is not a terminal status", status)
	}

	s.mu.RLock()
	t, ok := s.tests[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if !canTransition(t.status, status) {
		from := t.status
		t.mu.Unlock()
		return fmt.Errorf("cannot transition %s from %s to %s", id, from, status)
	}

	t.status = status
	t.endTime = time.Now()
	if status == StatusFailed {
		t.reason = reason
	}
	snap := t.Counters.Snapshot()
	t.frozen = &snap
	t.mu.Unlock()

	s.metrics.RecordTestFinished(string(status))
	log.WithFields(log.Fields{
		"test":   id,
		"status": status,
		"reason": reason,
	}).Info("Test finished")

	s.hookMu.RLock()
	hooks := s.onTerminal
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(t)
	}

	return nil
}

// ArchivedTest is the flat, serializable form of a test record.
type ArchivedTest struct {
	ID         string                 `json:"id"`
	Target     string                 `json:"target"`
	Method     string                 `json:"method"`
	Duration   int                    `json:"duration"`
	Threads    int                    `json:"threads"`
	ProxyType  proxy.Protocol         `json:"proxy_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Owner      string                 `json:"owner"`
	Status     Status                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	StartTime  time.Time              `json:"start_time,omitempty"`
	EndTime    time.Time              `json:"end_time,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Metrics    CounterSnapshot        `json:"metrics"`
}

// Archive returns serializable records for every terminal test.
func (s *Store) Archive() []ArchivedTest {
	tests := s.All()

	out := make([]ArchivedTest, 0, len(tests))
	for _, t := range tests {
		if !t.Status().Terminal() {
			continue
		}
		start, end := t.Times()
		out = append(out, ArchivedTest{
			ID:         t.ID,
			Target:     t.Target,
			Method:     t.Method,
			Duration:   t.Duration,
			Threads:    t.Threads,
			ProxyType:  t.ProxyType,
			Parameters: t.Parameters,
			Owner:      t.Owner,
			Status:     t.Status(),
			CreatedAt:  t.CreatedAt,
			StartTime:  start,
			EndTime:    end,
			Reason:     t.Reason(),
			Metrics:    t.Metrics(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RestoreArchived re-registers a terminal test loaded from storage so results
// survive restarts. Non-terminal records are dropped since their supervisors
// are gone.
func (s *Store) RestoreArchived(a ArchivedTest) {
	if !a.Status.Terminal() {
		return
	}

	snap := a.Metrics
	t := &Test{
		ID:         a.ID,
		Target:     a.Target,
		Method:     a.Method,
		Duration:   a.Duration,
		Threads:    a.Threads,
		ProxyType:  a.ProxyType,
		Parameters: a.Parameters,
		Owner:      a.Owner,
		CreatedAt:  a.CreatedAt,
		status:     a.Status,
		startTime:  a.StartTime,
		endTime:    a.EndTime,
		reason:     a.Reason,
		frozen:     &snap,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tests[a.ID]; !exists {
		s.tests[a.ID] = t
	}
}

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/metrics"
	"github.com/loadtest-orchestrator/internal/proxy"
	"github.com/loadtest-orchestrator/internal/registry"
	log "github.com/sirupsen/logrus"
)

// Supervisor owns the worker pool of exactly one test. It is the only
// component that transitions its test and the only writer of the test's
// counter accumulator.
type Supervisor struct {
	test    *registry.Test
	store   *registry.Store
	spec    driver.Spec
	drv     driver.Driver
	proxies *proxy.Manager
	cfg     config.SupervisorConfig
	policy  string
	metrics *metrics.Collector

	workers []*worker
	tracker *connTracker

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(test *registry.Test, store *registry.Store, spec driver.Spec, proxies *proxy.Manager,
	cfg config.SupervisorConfig, exhaustionPolicy string, metricsCollector *metrics.Collector) *Supervisor {

	return &Supervisor{
		test:    test,
		store:   store,
		spec:    spec,
		drv:     spec.New(),
		proxies: proxies,
		cfg:     cfg,
		policy:  exhaustionPolicy,
		metrics: metricsCollector,
		tracker: newConnTracker(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Done is closed once the test has reached a terminal state and every worker
// has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop requests cooperative termination and blocks until the test is
// terminal. If the pool outlives the grace period its connections are
// force-closed first.
func (s *Supervisor) Stop(grace time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.done:
	case <-time.After(grace):
		// Workers stuck in blocking I/O: force-release their conns, then
		// wait for Run's final merge and terminal transition so callers
		// observe the stopped state, not a lingering running one.
		s.tracker.CloseAll()
		select {
		case <-s.done:
		case <-time.After(time.Second):
		}
	}
}

// Run drives the test to a terminal state and blocks until it gets there.
// It never returns before every worker has exited and the final counter
// merge has happened.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	logger := log.WithFields(log.Fields{"test": s.test.ID, "method": s.test.Method})

	if err := s.drv.Prepare(s.test.Target, s.test.Parameters); err != nil {
		logger.Errorf("Driver prepare failed: %v", err)
		s.finish(registry.StatusFailed, fmt.Sprintf("driver prepare: %v", err))
		return
	}
	defer s.drv.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Spawn exactly Threads workers.
	var wg sync.WaitGroup
	s.workers = make([]*worker, s.test.Threads)
	for i := range s.workers {
		w := newWorker(i, s)
		s.workers[i] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(runCtx)
		}()
	}

	// Pool is live: arm the duration timer and transition to running.
	deadline := time.NewTimer(time.Duration(s.test.Duration) * time.Second)
	defer deadline.Stop()

	if err := s.store.MarkRunning(s.test.ID); err != nil {
		logger.Errorf("Mark running failed: %v", err)
		cancel()
		wg.Wait()
		s.merge()
		s.finish(registry.StatusFailed, fmt.Sprintf("mark running: %v", err))
		return
	}
	logger.Infof("Test running with %d workers for %ds", s.test.Threads, s.test.Duration)

	mergeTicker := time.NewTicker(time.Duration(s.cfg.MergeIntervalMs) * time.Millisecond)
	defer mergeTicker.Stop()

	grace := time.NewTimer(time.Duration(s.cfg.StartupGraceSeconds) * time.Second)
	defer grace.Stop()

	status := registry.StatusCompleted
	reason := ""

loop:
	for {
		select {
		case <-mergeTicker.C:
			s.merge()

		case <-grace.C:
			if s.connections() == 0 {
				status = registry.StatusFailed
				reason = fmt.Sprintf("no worker established a connection within %ds", s.cfg.StartupGraceSeconds)
				break loop
			}

		case <-deadline.C:
			status = registry.StatusCompleted
			break loop

		case <-s.stopCh:
			status = registry.StatusStopped
			break loop

		case <-ctx.Done():
			status = registry.StatusStopped
			break loop
		}
	}

	cancel()
	s.waitWorkers(&wg)

	// Every worker has acknowledged termination: the final merge is exact.
	s.merge()
	s.finish(status, reason)
	logger.WithFields(log.Fields{"status": status}).Info("Worker pool shut down")
}

// waitWorkers waits for the pool, force-closing lingering connections if the
// stop grace period runs out.
func (s *Supervisor) waitWorkers(wg *sync.WaitGroup) {
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-time.After(time.Duration(s.cfg.StopGraceSeconds) * time.Second):
		s.tracker.CloseAll()
		<-workersDone
	}
}

// merge folds every worker's local counters into the shared accumulator.
// Worker counters are monotone, so storing their sum keeps the accumulator
// monotone too.
func (s *Supervisor) merge() {
	var attempts, successes, failures, bytes, conns int64
	for _, w := range s.workers {
		attempts += w.attempts.Load()
		successes += w.successes.Load()
		failures += w.failures.Load()
		bytes += w.bytesSent.Load()
		conns += w.connections.Load()
	}

	c := &s.test.Counters
	c.Attempts.Store(attempts)
	c.Successes.Store(successes)
	c.Failures.Store(failures)
	c.BytesSent.Store(bytes)
	c.Connections.Store(conns)
}

func (s *Supervisor) connections() int64 {
	var n int64
	for _, w := range s.workers {
		n += w.connections.Load()
	}
	return n
}

func (s *Supervisor) finish(status registry.Status, reason string) {
	if err := s.store.Finish(s.test.ID, status, reason); err != nil {
		log.WithFields(log.Fields{"test": s.test.ID}).Errorf("Finish transition failed: %v", err)
	}
}

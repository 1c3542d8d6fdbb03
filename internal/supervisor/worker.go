package supervisor

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/proxy"
	log "github.com/sirupsen/logrus"
)

// worker is one concurrent execution loop. It owns at most one connection at
// a time and keeps its own monotone counters; the supervisor reads them.
type worker struct {
	id  int
	sup *Supervisor

	attempts    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	bytesSent   atomic.Int64
	connections atomic.Int64

	// exhaustion is logged once per streak, not per attempt
	exhaustionLogged bool
}

func newWorker(id int, sup *Supervisor) *worker {
	return &worker{id: id, sup: sup}
}

// run loops until the shared deadline or stop signal cancels ctx. Attempt
// errors never end the loop; after a failed dial the worker backs off briefly
// and retries with a fresh connection.
func (w *worker) run(ctx context.Context) {
	w.sup.metrics.WorkerStarted()
	defer w.sup.metrics.WorkerStopped()

	attemptTimeout := time.Duration(w.sup.cfg.AttemptTimeoutMs) * time.Millisecond
	backoff := time.Duration(w.sup.cfg.DialBackoffMs) * time.Millisecond

	for ctx.Err() == nil {
		dial, ep, proxied := w.resolveDial(attemptTimeout)
		if dial == nil {
			// Pool exhausted under the count-as-failure policy.
			w.attempts.Add(1)
			w.failures.Add(1)
			w.sup.metrics.RecordAttemptFailure()
			w.sleep(ctx, backoff)
			continue
		}

		w.attempt(ctx, attemptTimeout, dial, ep, proxied, backoff)
	}
}

// attempt performs one dial + ExecuteOnce cycle.
func (w *worker) attempt(ctx context.Context, timeout time.Duration, dial driver.DialFunc,
	ep proxy.Endpoint, proxied bool, backoff time.Duration) {

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := w.sup.drv.Dial(attemptCtx, dial)
	if err != nil {
		if proxied {
			w.sup.proxies.Report(ep, false)
		}
		w.attempts.Add(1)
		w.failures.Add(1)
		w.sup.metrics.RecordAttemptFailure()
		w.sleep(ctx, backoff)
		return
	}

	w.connections.Add(1)
	if proxied {
		w.sup.proxies.Report(ep, true)
	}

	w.sup.tracker.Add(conn)
	res := w.sup.drv.ExecuteOnce(attemptCtx, conn)
	w.sup.tracker.Remove(conn)
	conn.Close()

	w.attempts.Add(1)
	w.bytesSent.Add(res.Bytes)
	w.sup.metrics.RecordBytesSent(res.Bytes)
	w.sup.metrics.RecordAttemptDuration(time.Since(start).Seconds())

	if res.OK {
		w.successes.Add(1)
		w.sup.metrics.RecordAttemptSuccess()
	} else {
		w.failures.Add(1)
		w.sup.metrics.RecordAttemptFailure()
	}
}

// resolveDial picks the dial path for the next attempt: direct when the test
// runs unproxied, otherwise through an acquired endpoint. On pool exhaustion
// the configured policy decides between direct fallback and a nil dial that
// the caller records as a failed attempt.
func (w *worker) resolveDial(timeout time.Duration) (driver.DialFunc, proxy.Endpoint, bool) {
	direct := driver.DialFunc(proxy.DirectDialer(timeout))

	if w.sup.test.ProxyType == proxy.ProtocolNone || !w.sup.spec.ProxyCapa {
		return direct, proxy.Endpoint{}, false
	}

	ep, err := w.acquireEndpoint()
	if err != nil {
		if !w.exhaustionLogged {
			w.exhaustionLogged = true
			log.WithFields(log.Fields{
				"test":   w.sup.test.ID,
				"worker": w.id,
				"policy": w.sup.policy,
			}).Warn("Proxy pool exhausted")
		}

		if w.sup.policy == "direct" {
			return direct, proxy.Endpoint{}, false
		}
		return nil, proxy.Endpoint{}, false
	}

	w.exhaustionLogged = false
	return driver.DialFunc(proxy.Dialer(ep, timeout)), ep, true
}

// acquireEndpoint borrows the next pool entry. A test that requested proxying
// while no manager is wired gets permanent exhaustion, never a silent direct
// fallback; the configured policy decides what happens next.
func (w *worker) acquireEndpoint() (proxy.Endpoint, error) {
	if w.sup.proxies == nil {
		return proxy.Endpoint{}, proxy.ErrExhausted
	}
	return w.sup.proxies.Acquire(w.sup.test.ProxyType)
}

// sleep waits without outliving the worker's context.
func (w *worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// connTracker records the pool's open connections so a forced shutdown can
// release them when workers are stuck in blocking I/O.
type connTracker struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[net.Conn]struct{})}
}

func (t *connTracker) Add(c net.Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *connTracker) Remove(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *connTracker) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.conns {
		c.Close()
	}
	t.conns = make(map[net.Conn]struct{})
}

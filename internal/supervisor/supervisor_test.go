package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/proxy"
	"github.com/loadtest-orchestrator/internal/registry"
)

// nopConn satisfies net.Conn without touching the network.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, net.ErrClosed }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }

// fakeDriver completes attempts in memory with a configurable outcome.
type fakeDriver struct {
	prepareErr error
	dialErr    error
	attemptOK  bool
	bytes      int64
	delay      time.Duration
}

func (d *fakeDriver) Prepare(target string, params map[string]interface{}) error {
	return d.prepareErr
}

func (d *fakeDriver) Dial(ctx context.Context, dial driver.DialFunc) (net.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return nopConn{}, nil
}

func (d *fakeDriver) ExecuteOnce(ctx context.Context, conn net.Conn) driver.Attempt {
	if d.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d.delay):
		}
	}
	return driver.Attempt{OK: d.attemptOK, Bytes: d.bytes}
}

func (d *fakeDriver) Release() {}

func fakeSpec(d *fakeDriver) driver.Spec {
	return driver.Spec{
		Name:      "FAKE",
		Protocol:  "tcp",
		ProxyCapa: true,
		New:       func() driver.Driver { return d },
	}
}

func testSupConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MergeIntervalMs:     50,
		StartupGraceSeconds: 1,
		StopGraceSeconds:    2,
		AttemptTimeoutMs:    1000,
		DialBackoffMs:       20,
	}
}

func newSupervised(t *testing.T, d *fakeDriver, duration, threads int) (*registry.Store, *registry.Test, *Supervisor) {
	t.Helper()
	store := registry.NewStore(nil)
	test := store.Create(registry.NewTestParams{
		Target:   "t.example:80",
		Method:   "FAKE",
		Duration: duration,
		Threads:  threads,
		Owner:    "alice",
	})
	sup := New(test, store, fakeSpec(d), nil, testSupConfig(), "direct", nil)
	return store, test, sup
}

func TestRunCompletesAfterDuration(t *testing.T) {
	d := &fakeDriver{attemptOK: true, bytes: 10, delay: 5 * time.Millisecond}
	_, test, sup := newSupervised(t, d, 1, 2)

	started := time.Now()
	sup.Run(context.Background())
	elapsed := time.Since(started)

	assert.Equal(t, registry.StatusCompleted, test.Status())
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 5*time.Second)

	snap := test.Metrics()
	assert.Greater(t, snap.Attempts, int64(0))
	assert.Equal(t, snap.Attempts, snap.Successes)
	assert.Equal(t, snap.Successes*10, snap.BytesSent)
	assert.Greater(t, snap.Connections, int64(0))
	assert.Zero(t, snap.Failures)
}

func TestStopEndsRunEarly(t *testing.T) {
	d := &fakeDriver{attemptOK: true, delay: 5 * time.Millisecond}
	_, test, sup := newSupervised(t, d, 30, 2)

	go sup.Run(context.Background())
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	started := time.Now()
	sup.Stop(2 * time.Second)

	select {
	case <-sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down after Stop")
	}

	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Equal(t, registry.StatusStopped, test.Status())

	// Counters are frozen at the terminal transition.
	first := test.Metrics()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, first, test.Metrics())

	_, end := test.Times()
	assert.False(t, end.IsZero())
}

// blockingConn blocks reads until closed, like a peer that never answers.
type blockingConn struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}
func (c *blockingConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
func (c *blockingConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *blockingConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *blockingConn) SetDeadline(t time.Time) error      { return nil }
func (c *blockingConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *blockingConn) SetWriteDeadline(t time.Time) error { return nil }

// stuckDriver ignores context cancellation and blocks until its conn is
// force-closed.
type stuckDriver struct{}

func (stuckDriver) Prepare(string, map[string]interface{}) error { return nil }
func (stuckDriver) Dial(ctx context.Context, _ driver.DialFunc) (net.Conn, error) {
	return newBlockingConn(), nil
}
func (stuckDriver) ExecuteOnce(_ context.Context, conn net.Conn) driver.Attempt {
	buf := make([]byte, 1)
	conn.Read(buf)
	return driver.Attempt{Err: net.ErrClosed}
}
func (stuckDriver) Release() {}

func TestStopGraceForcesStuckWorkersAndReportsStopped(t *testing.T) {
	store := registry.NewStore(nil)
	test := store.Create(registry.NewTestParams{
		Target: "t.example:80", Method: "FAKE", Duration: 30, Threads: 2, Owner: "alice",
	})
	spec := driver.Spec{Name: "FAKE", Protocol: "tcp", New: func() driver.Driver { return stuckDriver{} }}
	sup := New(test, store, spec, nil, testSupConfig(), "direct", nil)

	go sup.Run(context.Background())
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning && test.Counters.Connections.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)

	// Workers never observe cancellation, so the grace elapses and Stop has
	// to force-close their conns. It must still return with the terminal
	// transition done, not with the test stuck in running.
	sup.Stop(100 * time.Millisecond)

	assert.Equal(t, registry.StatusStopped, test.Status())
	_, end := test.Times()
	assert.False(t, end.IsZero())
}

func TestStopIsIdempotent(t *testing.T) {
	d := &fakeDriver{attemptOK: true, delay: 5 * time.Millisecond}
	_, test, sup := newSupervised(t, d, 30, 1)

	go sup.Run(context.Background())
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	sup.Stop(2 * time.Second)
	sup.Stop(2 * time.Second) // second stop must not panic or block
	assert.Equal(t, registry.StatusStopped, test.Status())
}

func TestPrepareFailureFailsTest(t *testing.T) {
	d := &fakeDriver{prepareErr: errors.New("bad params")}
	_, test, sup := newSupervised(t, d, 1, 2)

	sup.Run(context.Background())

	assert.Equal(t, registry.StatusFailed, test.Status())
	assert.Contains(t, test.Reason(), "bad params")
}

func TestStartupGraceEscalatesToFailed(t *testing.T) {
	d := &fakeDriver{dialErr: errors.New("connection refused")}
	_, test, sup := newSupervised(t, d, 30, 2)

	started := time.Now()
	sup.Run(context.Background())
	elapsed := time.Since(started)

	assert.Equal(t, registry.StatusFailed, test.Status())
	assert.Contains(t, test.Reason(), "no worker established a connection")
	assert.Less(t, elapsed, 10*time.Second, "grace window must beat the full duration")

	snap := test.Metrics()
	assert.Zero(t, snap.Connections)
	assert.Greater(t, snap.Failures, int64(0))
	assert.Equal(t, snap.Attempts, snap.Failures)
}

func TestGraceIgnoredOnceConnected(t *testing.T) {
	d := &fakeDriver{attemptOK: true, delay: 5 * time.Millisecond}
	_, test, sup := newSupervised(t, d, 2, 1)

	sup.Run(context.Background())
	assert.Equal(t, registry.StatusCompleted, test.Status())
}

func TestContextCancelStopsRun(t *testing.T) {
	d := &fakeDriver{attemptOK: true, delay: 5 * time.Millisecond}
	_, test, sup := newSupervised(t, d, 30, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not react to context cancellation")
	}
	assert.Equal(t, registry.StatusStopped, test.Status())
}

func TestResolveDialExhaustionPolicies(t *testing.T) {
	store := registry.NewStore(nil)
	test := store.Create(registry.NewTestParams{
		Target: "t.example:80", Method: "FAKE", Duration: 1, Threads: 1,
		ProxyType: proxy.ProtocolSOCKS5, Owner: "alice",
	})

	// Empty pool, no source: Acquire always reports exhaustion.
	proxies := proxy.NewManager(config.ProxyConfig{
		FailureThreshold:     3,
		ReplenishCooldownSec: 60,
		FetchTimeoutSeconds:  5,
	}, nil, nil)

	d := &fakeDriver{attemptOK: true}

	failSup := New(test, store, fakeSpec(d), proxies, testSupConfig(), "fail", nil)
	w := newWorker(0, failSup)
	dial, _, proxied := w.resolveDial(time.Second)
	assert.Nil(t, dial, "fail policy yields no dial path")
	assert.False(t, proxied)

	directSup := New(test, store, fakeSpec(d), proxies, testSupConfig(), "direct", nil)
	w = newWorker(0, directSup)
	dial, _, proxied = w.resolveDial(time.Second)
	assert.NotNil(t, dial, "direct policy falls back to direct dialing")
	assert.False(t, proxied)
}

func TestResolveDialNilManagerObeysPolicy(t *testing.T) {
	store := registry.NewStore(nil)
	test := store.Create(registry.NewTestParams{
		Target: "t.example:80", Method: "FAKE", Duration: 1, Threads: 1,
		ProxyType: proxy.ProtocolSOCKS5, Owner: "alice",
	})
	d := &fakeDriver{attemptOK: true}

	// No manager wired at all: a proxied test must not silently go direct
	// under the fail policy.
	failSup := New(test, store, fakeSpec(d), nil, testSupConfig(), "fail", nil)
	w := newWorker(0, failSup)
	dial, _, proxied := w.resolveDial(time.Second)
	assert.Nil(t, dial)
	assert.False(t, proxied)

	directSup := New(test, store, fakeSpec(d), nil, testSupConfig(), "direct", nil)
	w = newWorker(0, directSup)
	dial, _, proxied = w.resolveDial(time.Second)
	assert.NotNil(t, dial)
	assert.False(t, proxied)
}

func TestResolveDialUnproxiedTest(t *testing.T) {
	d := &fakeDriver{attemptOK: true}
	_, _, sup := newSupervised(t, d, 1, 1)

	w := newWorker(0, sup)
	dial, _, proxied := w.resolveDial(time.Second)
	assert.NotNil(t, dial)
	assert.False(t, proxied)
}

func TestMergeIsMonotone(t *testing.T) {
	d := &fakeDriver{attemptOK: true, delay: time.Millisecond}
	_, test, sup := newSupervised(t, d, 2, 2)

	go sup.Run(context.Background())
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	var last int64
	for i := 0; i < 10; i++ {
		cur := test.Counters.Attempts.Load()
		assert.GreaterOrEqual(t, cur, last)
		last = cur
		time.Sleep(60 * time.Millisecond)
	}
	<-sup.Done()
}

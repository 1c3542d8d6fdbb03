package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadtest-orchestrator/internal/admission"
	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/registry"
)

type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, net.ErrClosed }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }

type idleDriver struct{}

func (idleDriver) Prepare(string, map[string]interface{}) error { return nil }
func (idleDriver) Dial(ctx context.Context, _ driver.DialFunc) (net.Conn, error) {
	return nopConn{}, nil
}
func (idleDriver) ExecuteOnce(ctx context.Context, _ net.Conn) driver.Attempt {
	select {
	case <-ctx.Done():
	case <-time.After(20 * time.Millisecond):
	}
	return driver.Attempt{OK: true, Bytes: 64}
}
func (idleDriver) Release() {}

type testEnv struct {
	server *Server
	store  *registry.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Supervisor.MergeIntervalMs = 50
	cfg.Metrics.Enabled = false

	drivers := driver.NewRegistry()
	drivers.Register(driver.Spec{
		Name:        "FAKE",
		Protocol:    "tcp",
		Description: "fixture method",
		ProxyCapa:   true,
		New:         func() driver.Driver { return idleDriver{} },
	})

	store := registry.NewStore(nil)
	ctrl := admission.NewController(context.Background(), cfg, drivers, store, nil, nil)
	return &testEnv{
		server: NewServer(cfg, ctrl, store, nil, nil),
		store:  store,
	}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set("X-User", owner)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createRequest() map[string]interface{} {
	return map[string]interface{}{
		"target":   "t.example:80",
		"method":   "FAKE",
		"duration": 1,
		"threads":  2,
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestOwnerHeaderRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/tests", "/methods", "/stats"} {
		rec := env.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateTest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/tests", "alice", createRequest())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "queued", body["status"])
}

func TestCreateTestValidationError(t *testing.T) {
	env := newTestEnv(t)

	req := createRequest()
	req["threads"] = 5000
	rec := env.do(t, "POST", "/tests", "alice", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "threads")
}

func TestCreateTestMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/tests", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-User", "alice")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTestConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		req := createRequest()
		req["duration"] = 10
		rec := env.do(t, "POST", "/tests", "alice", req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, "POST", "/tests", "alice", createRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetTest(t *testing.T) {
	env := newTestEnv(t)

	created := decode(t, env.do(t, "POST", "/tests", "alice", createRequest()))
	id := created["id"].(string)

	rec := env.do(t, "GET", "/tests/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "t.example:80", body["target"])

	// Other owners see 404, not 403.
	rec = env.do(t, "GET", "/tests/"+id, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "GET", "/tests/unknown-id", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTests(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, "POST", "/tests", "alice", createRequest())
	env.do(t, "POST", "/tests", "bob", createRequest())

	body := decode(t, env.do(t, "GET", "/tests", "alice", nil))
	tests := body["tests"].([]interface{})
	assert.Len(t, tests, 1)
}

func TestStopTest(t *testing.T) {
	env := newTestEnv(t)

	req := createRequest()
	req["duration"] = 30
	created := decode(t, env.do(t, "POST", "/tests", "alice", req))
	id := created["id"].(string)

	test, err := env.store.Get(id, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	rec := env.do(t, "DELETE", "/tests/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "stopped", body["status"])
	assert.NotEmpty(t, body["end_time"])

	// Stopping again conflicts.
	rec = env.do(t, "DELETE", "/tests/"+id, "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResultsLifecycle(t *testing.T) {
	env := newTestEnv(t)

	created := decode(t, env.do(t, "POST", "/tests", "alice", createRequest()))
	id := created["id"].(string)

	test, err := env.store.Get(id, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return test.Status() == registry.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	rec := env.do(t, "GET", "/tests/"+id+"/results", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])

	m := body["metrics"].(map[string]interface{})
	assert.Greater(t, m["requests_sent"].(float64), 0.0)
	assert.Greater(t, m["bytes_sent"].(float64), 0.0)
	assert.InDelta(t, 100.0, m["success_rate"].(float64), 0.001)
	assert.Greater(t, body["duration"].(float64), 0.0)
}

func TestResultsForQueuedTestAreZero(t *testing.T) {
	env := newTestEnv(t)

	// Registered directly so no supervisor ever runs it.
	test := env.store.Create(registry.NewTestParams{
		Target: "t.example:80", Method: "FAKE", Duration: 5, Threads: 1, Owner: "alice",
	})

	body := decode(t, env.do(t, "GET", "/tests/"+test.ID+"/results", "alice", nil))
	assert.Equal(t, "queued", body["status"])
	m := body["metrics"].(map[string]interface{})
	assert.Zero(t, m["requests_sent"].(float64))
	assert.Zero(t, m["success_rate"].(float64))
}

func TestListMethods(t *testing.T) {
	env := newTestEnv(t)

	body := decode(t, env.do(t, "GET", "/methods", "alice", nil))
	methods := body["methods"].([]interface{})
	require.Len(t, methods, 1)
	m := methods[0].(map[string]interface{})
	assert.Equal(t, "FAKE", m["name"])
	assert.Equal(t, true, m["proxy_capable"])
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := createRequest()
	req["duration"] = 10
	env.do(t, "POST", "/tests", "alice", req)

	body := decode(t, env.do(t, "GET", "/stats", "alice", nil))
	assert.Equal(t, 1.0, body["active_tests"].(float64))
	assert.Equal(t, 1.0, body["owner_slots"].(float64))
}

func TestRateLimiterReusesPerKeyLimiter(t *testing.T) {
	rl := NewRateLimiter(600)
	a := rl.GetLimiter("10.0.0.1")
	b := rl.GetLimiter("10.0.0.1")
	c := rl.GetLimiter("10.0.0.2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

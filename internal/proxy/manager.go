package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// ErrExhausted is returned by Acquire when a pool has no usable entries.
// The caller applies the configured exhaustion policy.
var ErrExhausted = errors.New("proxy pool exhausted")

// Lister supplies raw candidate endpoints on replenishment. The production
// implementation fetches HTTP source lists; tests substitute fakes.
type Lister interface {
	Fetch(ctx context.Context, protocol Protocol) ([]Endpoint, error)
}

type entry struct {
	Endpoint
}

// Manager owns one validated pool per proxy protocol. Entries start
// unvalidated, get promoted on the first successful report, and are retired
// once their failure streak reaches the configured threshold. Retirement
// triggers a cooldown-capped background replenishment fetch.
type Manager struct {
	cfg     config.ProxyConfig
	metrics *metrics.Collector
	source  Lister

	mu            sync.Mutex
	pools         map[Protocol][]*entry
	rr            map[Protocol]int
	lastReplenish map[Protocol]time.Time
	replenishing  map[Protocol]bool
}

func NewManager(cfg config.ProxyConfig, source Lister, metricsCollector *metrics.Collector) *Manager {
	return &Manager{
		cfg:           cfg,
		metrics:       metricsCollector,
		source:        source,
		pools:         make(map[Protocol][]*entry),
		rr:            make(map[Protocol]int),
		lastReplenish: make(map[Protocol]time.Time),
		replenishing:  make(map[Protocol]bool),
	}
}

// Warm performs the initial fetch for every protocol pool. Failures are
// logged, not fatal: a pool can fill later via replenishment.
func (m *Manager) Warm(ctx context.Context) {
	for _, proto := range []Protocol{ProtocolHTTP, ProtocolSOCKS4, ProtocolSOCKS5} {
		if err := m.replenish(ctx, proto); err != nil {
			log.Warnf("Initial proxy fetch for %s failed: %v", proto, err)
		}
	}
}

// Acquire hands out the next non-retired endpoint for the protocol,
// round-robin. Returns ErrExhausted when the pool is empty; the caller decides
// between direct fallback and counting the attempt as failed.
func (m *Manager) Acquire(protocol Protocol) (Endpoint, error) {
	m.mu.Lock()

	pool := m.pools[protocol]
	if len(pool) == 0 {
		m.mu.Unlock()
		m.metrics.RecordProxyExhaustion()
		m.triggerReplenish(protocol)
		return Endpoint{}, ErrExhausted
	}

	idx := m.rr[protocol] % len(pool)
	m.rr[protocol]++
	ep := pool[idx].Endpoint
	m.mu.Unlock()

	return ep, nil
}

// Report records the outcome of one borrowed connection attempt. Success
// promotes the entry to valid and clears its failure streak; failure
// increments it and retires the entry at the threshold.
func (m *Manager) Report(ep Endpoint, ok bool) {
	m.mu.Lock()

	pool := m.pools[ep.Protocol]
	idx := -1
	for i, e := range pool {
		if e.Address == ep.Address && e.Port == ep.Port {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Already retired by another worker's report.
		m.mu.Unlock()
		return
	}

	e := pool[idx]
	e.LastCheck = time.Now()

	if ok {
		e.Health = HealthValid
		e.ConsecutiveFailures = 0
		m.mu.Unlock()
		return
	}

	e.ConsecutiveFailures++
	if e.ConsecutiveFailures < m.cfg.FailureThreshold {
		m.mu.Unlock()
		return
	}

	// Retire: remove from the pool, never handed out again.
	e.Health = HealthFailed
	m.pools[ep.Protocol] = append(pool[:idx], pool[idx+1:]...)
	size := len(m.pools[ep.Protocol])
	m.mu.Unlock()

	m.metrics.RecordProxyRetired()
	m.metrics.SetProxyPoolSize(string(ep.Protocol), size)
	log.WithFields(log.Fields{
		"proxy":    ep.HostPort(),
		"protocol": ep.Protocol,
	}).Debug("Proxy endpoint retired")

	if size < m.cfg.MinPoolSizePerProtocol {
		m.triggerReplenish(ep.Protocol)
	}
}

// PoolSizes returns the current size of every pool.
func (m *Manager) PoolSizes() map[Protocol]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sizes := make(map[Protocol]int, len(m.pools))
	for proto, pool := range m.pools {
		sizes[proto] = len(pool)
	}
	return sizes
}

// triggerReplenish starts a background fetch unless one is in flight or the
// cooldown has not elapsed.
func (m *Manager) triggerReplenish(protocol Protocol) {
	if m.source == nil {
		return
	}

	m.mu.Lock()
	cooldown := time.Duration(m.cfg.ReplenishCooldownSec) * time.Second
	if m.replenishing[protocol] || time.Since(m.lastReplenish[protocol]) < cooldown {
		m.mu.Unlock()
		return
	}
	m.replenishing[protocol] = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.FetchTimeoutSeconds)*time.Second)
		defer cancel()

		if err := m.replenish(ctx, protocol); err != nil {
			log.Warnf("Proxy replenishment for %s failed: %v", protocol, err)
		}

		m.mu.Lock()
		m.replenishing[protocol] = false
		m.mu.Unlock()
	}()
}

// replenish fetches candidates and merges the ones not already pooled.
func (m *Manager) replenish(ctx context.Context, protocol Protocol) error {
	if m.source == nil {
		return nil
	}

	candidates, err := m.source.Fetch(ctx, protocol)
	if err != nil {
		return err
	}

	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.pools[protocol]))
	for _, e := range m.pools[protocol] {
		seen[e.HostPort()] = struct{}{}
	}

	added := 0
	for _, c := range candidates {
		if _, dup := seen[c.HostPort()]; dup {
			continue
		}
		seen[c.HostPort()] = struct{}{}
		m.pools[protocol] = append(m.pools[protocol], &entry{Endpoint: Endpoint{
			Address:  c.Address,
			Port:     c.Port,
			Protocol: protocol,
			Health:   HealthUnvalidated,
		}})
		added++
	}
	size := len(m.pools[protocol])
	m.lastReplenish[protocol] = time.Now()
	m.mu.Unlock()

	m.metrics.SetProxyPoolSize(string(protocol), size)
	log.Infof("Proxy pool %s replenished: %d new, %d total", protocol, added, size)

	return nil
}

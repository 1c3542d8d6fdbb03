package admission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/driver"
	"github.com/loadtest-orchestrator/internal/metrics"
	"github.com/loadtest-orchestrator/internal/proxy"
	"github.com/loadtest-orchestrator/internal/registry"
	"github.com/loadtest-orchestrator/internal/supervisor"
	log "github.com/sirupsen/logrus"
)

// ValidationError rejects a request before any state change. Always surfaced
// to the caller, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrConcurrencyLimit is returned when the owner has no free concurrency
// slot. There is no queueing; the caller retries later.
var ErrConcurrencyLimit = errors.New("concurrency limit reached")

// Request is a raw CreateTest submission.
type Request struct {
	Target     string                 `json:"target"`
	Method     string                 `json:"method"`
	Duration   int                    `json:"duration"`
	Threads    int                    `json:"threads"`
	ProxyType  string                 `json:"proxy_type,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Controller validates incoming requests against global limits, reserves
// per-owner concurrency slots, and launches one supervisor per admitted test.
type Controller struct {
	cfg     *config.Config
	drivers *driver.Registry
	store   *registry.Store
	proxies *proxy.Manager
	metrics *metrics.Collector

	slotMu sync.Mutex
	slots  map[string]int // owner -> active (non-terminal) tests

	supMu       sync.Mutex
	supervisors map[string]*supervisor.Supervisor

	baseCtx context.Context
}

func NewController(ctx context.Context, cfg *config.Config, drivers *driver.Registry,
	store *registry.Store, proxies *proxy.Manager, metricsCollector *metrics.Collector) *Controller {

	c := &Controller{
		cfg:         cfg,
		drivers:     drivers,
		store:       store,
		proxies:     proxies,
		metrics:     metricsCollector,
		slots:       make(map[string]int),
		supervisors: make(map[string]*supervisor.Supervisor),
		baseCtx:     ctx,
	}

	// Slot release and supervisor cleanup ride on the terminal transition,
	// the single place every test ends up.
	store.OnTerminal(func(t *registry.Test) {
		c.releaseSlot(t.Owner)
		c.supMu.Lock()
		delete(c.supervisors, t.ID)
		c.supMu.Unlock()
	})

	return c
}

// Submit validates the request, reserves a concurrency slot, creates the Test
// in queued state, and starts its supervisor. All-or-nothing: on any
// validation failure no Test exists and no slot is held.
func (c *Controller) Submit(owner string, req Request) (string, error) {
	spec, err := c.validate(req)
	if err != nil {
		return "", err
	}

	proxyType, _ := proxy.ParseProtocol(req.ProxyType)

	if !c.reserveSlot(owner) {
		return "", ErrConcurrencyLimit
	}

	t := c.store.Create(registry.NewTestParams{
		Target:     req.Target,
		Method:     req.Method,
		Duration:   req.Duration,
		Threads:    req.Threads,
		ProxyType:  proxyType,
		Parameters: req.Parameters,
		Owner:      owner,
	})

	sup := supervisor.New(t, c.store, spec, c.proxies,
		c.cfg.Supervisor, c.cfg.Proxy.ExhaustionPolicy, c.metrics)

	c.supMu.Lock()
	c.supervisors[t.ID] = sup
	c.supMu.Unlock()

	go sup.Run(c.baseCtx)

	return t.ID, nil
}

// Stop requests termination of a running test and blocks until the pool has
// shut down or the stop grace period elapsed.
func (c *Controller) Stop(id, owner string) error {
	t, err := c.store.Get(id, owner)
	if err != nil {
		return err
	}
	if t.Status().Terminal() {
		return registry.ErrAlreadyTerminal
	}

	c.supMu.Lock()
	sup := c.supervisors[id]
	c.supMu.Unlock()

	if sup == nil {
		// Supervisor already gone; the terminal hook races with status
		// reads but the registry transition is authoritative.
		return registry.ErrAlreadyTerminal
	}

	log.WithFields(log.Fields{"test": id, "owner": owner}).Info("Stop requested")
	sup.Stop(time.Duration(c.cfg.Supervisor.StopGraceSeconds) * time.Second)
	return nil
}

// MethodInfo is the serializable description of one registered method.
type MethodInfo struct {
	Name         string             `json:"name"`
	Protocol     string             `json:"protocol"`
	Description  string             `json:"description"`
	Parameters   []driver.ParamSpec `json:"parameters"`
	ProxyCapable bool               `json:"proxy_capable"`
}

// Methods lists every registered method with its parameter schema.
func (c *Controller) Methods() []MethodInfo {
	specs := c.drivers.Methods()
	out := make([]MethodInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, MethodInfo{
			Name:         spec.Name,
			Protocol:     spec.Protocol,
			Description:  spec.Description,
			Parameters:   spec.Params,
			ProxyCapable: spec.ProxyCapa,
		})
	}
	return out
}

// ActiveSlots returns the owner's current slot usage.
func (c *Controller) ActiveSlots(owner string) int {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	return c.slots[owner]
}

// validate applies every admission check: method existence, resource
// ceilings, target shape and range guard, proxy compatibility, parameter
// schema. Type and range checks only; no protocol semantics.
func (c *Controller) validate(req Request) (driver.Spec, error) {
	spec, ok := c.drivers.Lookup(req.Method)
	if !ok {
		return driver.Spec{}, &ValidationError{Field: "method", Reason: fmt.Sprintf("unknown method %q", req.Method)}
	}

	if req.Duration < 1 || req.Duration > c.cfg.Limits.MaxDurationSeconds {
		return driver.Spec{}, &ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("must be between 1 and %d seconds", c.cfg.Limits.MaxDurationSeconds),
		}
	}

	if req.Threads < 1 || req.Threads > c.cfg.Limits.MaxThreads {
		return driver.Spec{}, &ValidationError{
			Field:  "threads",
			Reason: fmt.Sprintf("must be between 1 and %d", c.cfg.Limits.MaxThreads),
		}
	}

	if err := c.validateTarget(req.Target); err != nil {
		return driver.Spec{}, err
	}

	proxyType, err := proxy.ParseProtocol(req.ProxyType)
	if err != nil {
		return driver.Spec{}, &ValidationError{Field: "proxy_type", Reason: err.Error()}
	}
	if proxyType != proxy.ProtocolNone && !spec.ProxyCapa {
		return driver.Spec{}, &ValidationError{
			Field:  "proxy_type",
			Reason: fmt.Sprintf("method %s does not support proxied connections", spec.Name),
		}
	}
	if proxyType != proxy.ProtocolNone && c.proxies == nil {
		return driver.Spec{}, &ValidationError{
			Field:  "proxy_type",
			Reason: "proxy rotation is not enabled",
		}
	}

	if err := spec.ValidateParams(req.Parameters); err != nil {
		return driver.Spec{}, &ValidationError{Field: "parameters", Reason: err.Error()}
	}

	return spec, nil
}

// validateTarget checks target shape and, unless explicitly allowed, rejects
// reserved and private ranges so a mistyped target cannot point the load at
// internal infrastructure.
func (c *Controller) validateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return &ValidationError{Field: "target", Reason: "cannot be empty"}
	}

	if c.cfg.Limits.AllowPrivateRanges {
		return nil
	}

	host := target
	if strings.Contains(host, "://") {
		host = strings.SplitN(host, "://", 2)[1]
	}
	host = strings.SplitN(host, "/", 2)[0]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil // hostname targets resolve at dial time
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsMulticast() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return &ValidationError{Field: "target", Reason: fmt.Sprintf("%s is in a reserved range", host)}
	}

	return nil
}

// reserveSlot does a compare-and-increment against the owner's ceiling.
func (c *Controller) reserveSlot(owner string) bool {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if c.slots[owner] >= c.cfg.Limits.MaxConcurrentTests {
		return false
	}
	c.slots[owner]++
	return true
}

func (c *Controller) releaseSlot(owner string) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if c.slots[owner] > 0 {
		c.slots[owner]--
	}
	if c.slots[owner] == 0 {
		delete(c.slots, owner)
	}
}

package driver

import (
	"context"
	"fmt"
	"net"
	"sort"
)

// DialFunc establishes the underlying transport connection for one attempt.
// The supervisor supplies either a direct dialer or one routed through a
// borrowed proxy endpoint.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Attempt is the outcome of a single ExecuteOnce call.
type Attempt struct {
	OK    bool
	Bytes int64
	Err   error
}

// Driver is the per-method protocol strategy. One instance serves all workers
// of one test; implementations must keep only immutable prepared state so
// concurrent ExecuteOnce calls are safe.
type Driver interface {
	// Prepare validates and caches method parameters before any worker starts.
	Prepare(target string, params map[string]interface{}) error

	// Dial opens the connection resource this driver operates on.
	Dial(ctx context.Context, dial DialFunc) (net.Conn, error)

	// ExecuteOnce performs one protocol operation on an open connection.
	ExecuteOnce(ctx context.Context, conn net.Conn) Attempt

	// Release frees anything Prepare allocated. Called once per test.
	Release()
}

// ParamType constrains the scalar type of a method parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamString ParamType = "string"
)

// ParamSpec declares one method parameter for schema validation and the
// /methods listing. Range checks apply to int parameters; Enum to strings.
type ParamSpec struct {
	Name        string      `json:"name"`
	Type        ParamType   `json:"type"`
	Description string      `json:"description"`
	Min         int         `json:"min,omitempty"`
	Max         int         `json:"max,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// Spec describes one registered test method.
type Spec struct {
	Name        string      `json:"name"`
	Protocol    string      `json:"protocol"` // "http", "tcp", "udp", "dns"
	Description string      `json:"description"`
	Params      []ParamSpec `json:"parameters"`
	ProxyCapa   bool        `json:"proxy_capable"`
	New         func() Driver
}

// ValidateParams checks a raw parameter map against the spec. Type and range
// checks only; protocol semantics stay inside the driver.
func (s Spec) ValidateParams(params map[string]interface{}) error {
	known := make(map[string]ParamSpec, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = p
	}

	for name, raw := range params {
		spec, ok := known[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q for method %s", name, s.Name)
		}

		switch spec.Type {
		case ParamInt:
			v, ok := asInt(raw)
			if !ok {
				return fmt.Errorf("parameter %q must be an integer", name)
			}
			if v < spec.Min || (spec.Max > 0 && v > spec.Max) {
				return fmt.Errorf("parameter %q must be between %d and %d", name, spec.Min, spec.Max)
			}
		case ParamString:
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("parameter %q must be a string", name)
			}
			if len(spec.Enum) > 0 && !contains(spec.Enum, v) {
				return fmt.Errorf("parameter %q must be one of %v", name, spec.Enum)
			}
		default:
			return fmt.Errorf("parameter %q has unsupported type %s", name, spec.Type)
		}
	}

	return nil
}

// Registry maps method names to driver specs.
type Registry struct {
	specs map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a method. Duplicate names are a programming error.
func (r *Registry) Register(spec Spec) {
	if _, exists := r.specs[spec.Name]; exists {
		panic(fmt.Sprintf("driver %s registered twice", spec.Name))
	}
	r.specs[spec.Name] = spec
}

// Lookup returns the spec for a method name.
func (r *Registry) Lookup(method string) (Spec, bool) {
	spec, ok := r.specs[method]
	return spec, ok
}

// Methods returns all registered specs sorted by name.
func (r *Registry) Methods() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultRegistry returns a registry with all built-in methods.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(httpFloodSpec())
	r.Register(httpsFloodSpec())
	r.Register(tcpConnectSpec())
	r.Register(udpFloodSpec())
	r.Register(dnsQuerySpec())
	return r
}

func asInt(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		// JSON numbers decode as float64
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IntParam reads an int parameter with a fallback default.
func IntParam(params map[string]interface{}, name string, def int) int {
	if raw, ok := params[name]; ok {
		if v, ok := asInt(raw); ok {
			return v
		}
	}
	return def
}

// StringParam reads a string parameter with a fallback default.
func StringParam(params map[string]interface{}, name string, def string) string {
	if raw, ok := params[name]; ok {
		if v, ok := raw.(string); ok {
			return v
		}
	}
	return def
}

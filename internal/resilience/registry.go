package resilience

import (
	"sort"
	"sync"
)

// Registry holds one circuit breaker per external service for the life of
// the process. It is shared by every concurrent pipeline run.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
	onChange  func(service string, from, to CircuitState)
}

// NewRegistry creates a registry. Services listed in overrides get their own
// thresholds; all others use defaults.
func NewRegistry(defaults CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *Registry {
	if overrides == nil {
		overrides = make(map[string]CircuitBreakerConfig)
	}
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
	}
}

// OnStateChange registers a callback invoked on every breaker transition.
// It applies to breakers created after the call.
func (r *Registry) OnStateChange(fn func(service string, from, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (r *Registry) Get(service string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = r.breakers[service]; ok {
		return cb
	}
	cfg, ok := r.overrides[service]
	if !ok {
		cfg = r.defaults
	}
	if cfg.OnStateChange == nil && r.onChange != nil {
		cfg.OnStateChange = r.onChange
	}
	cb = NewCircuitBreaker(service, cfg)
	r.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (r *Registry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshots returns every breaker's full state, sorted by service name.
func (r *Registry) Snapshots() []BreakerState {
	r.mu.RLock()
	out := make([]BreakerState, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

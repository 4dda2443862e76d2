// Package registry holds the configured LLM backends and selects a
// healthy one for each request, tracking per-backend circuit state so a
// failing backend is skipped rather than retried into the ground.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentgateway/gateway/internal/backend"
	"github.com/agentgateway/gateway/internal/gatewayerr"
)

// circuitShortOpen is how long the circuit stays open after two
// consecutive failures.
const circuitShortOpen = 30 * time.Second

// circuitLongOpen is how long the circuit stays open after four
// consecutive failures.
const circuitLongOpen = 2 * time.Minute

// healthCacheTTL is how long a cached health probe result is trusted
// before get_healthy_backend re-probes.
const healthCacheTTL = 10 * time.Second

const healthProbeTimeout = 2 * time.Second

// circuitState tracks consecutive failures and the open/closed state for
// one backend.
type circuitState struct {
	consecutiveFailures int
	open                bool
	openAt              time.Time
	openUntil           time.Time

	lastHealth   backend.Health
	lastCheck    time.Time
}

// Entry pairs a configured backend with its position in the fallback
// chain (lower Priority tried first).
type Entry struct {
	Backend  backend.Backend
	Priority int
}

// Registry holds every configured backend and the circuit-breaker state
// for each.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]Entry
	circuits map[string]*circuitState
}

func New() *Registry {
	return &Registry{
		entries:  make(map[string]Entry),
		circuits: make(map[string]*circuitState),
	}
}

// Register adds or replaces a backend under its Name().
func (r *Registry) Register(b backend.Backend, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[b.Name()] = Entry{Backend: b, Priority: priority}
	if _, ok := r.circuits[b.Name()]; !ok {
		r.circuits[b.Name()] = &circuitState{}
	}
}

// GetBackend returns a single backend by name.
func (r *Registry) GetBackend(name string) (backend.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindUnknownBackend, "unknown backend %q", name)
	}
	return entry.Backend, nil
}

// ListBackends returns every registered backend name in priority order.
func (r *Registry) ListBackends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chainLocked()
}

func (r *Registry) chainLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.entries[names[i]].Priority < r.entries[names[j]].Priority
	})
	return names
}

// GetBackendsChain returns backend names in fallback order (priority,
// ascending).
func (r *Registry) GetBackendsChain() []string {
	return r.ListBackends()
}

// GetHealthyBackend walks the fallback chain in priority order, skipping
// backends with an open circuit, and returns the first one whose health
// check (fresh cache or live probe) succeeds. It remembers that backend so
// subsequent calls prefer it until its circuit opens or its cache expires.
func (r *Registry) GetHealthyBackend(ctx context.Context) (backend.Backend, error) {
	r.mu.Lock()
	chain := r.chainLocked()
	r.mu.Unlock()

	for _, name := range chain {
		r.mu.Lock()
		entry := r.entries[name]
		cs := r.circuits[name]
		if cs.open && time.Now().Before(cs.openUntil) {
			r.mu.Unlock()
			continue
		}
		if cs.open && !time.Now().Before(cs.openUntil) {
			cs.open = false
			cs.consecutiveFailures = 0
		}
		fresh := time.Since(cs.lastCheck) < healthCacheTTL
		cached := cs.lastHealth
		r.mu.Unlock()

		var health backend.Health
		if fresh {
			health = cached
		} else {
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			health = entry.Backend.Health(probeCtx)
			cancel()
			r.mu.Lock()
			cs.lastHealth = health
			cs.lastCheck = time.Now()
			r.mu.Unlock()
		}

		if health.OK {
			return entry.Backend, nil
		}
		r.recordFailure(name)
	}
	return nil, gatewayerr.New(gatewayerr.KindNoHealthyBackend, "no healthy backend in chain")
}

// HealthCheckAll probes every backend regardless of cache freshness and
// returns the result per backend name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]backend.Health {
	r.mu.Lock()
	chain := r.chainLocked()
	r.mu.Unlock()

	out := make(map[string]backend.Health, len(chain))
	for _, name := range chain {
		r.mu.Lock()
		entry := r.entries[name]
		cs := r.circuits[name]
		r.mu.Unlock()

		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		health := entry.Backend.Health(probeCtx)
		cancel()

		r.mu.Lock()
		cs.lastHealth = health
		cs.lastCheck = time.Now()
		r.mu.Unlock()

		if health.OK {
			r.RecordSuccess(name)
		} else {
			r.recordFailure(name)
		}
		out[name] = health
	}
	return out
}

// InvalidateHealthCache forces the next GetHealthyBackend call to
// re-probe every backend instead of trusting cached results.
func (r *Registry) InvalidateHealthCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cs := range r.circuits {
		cs.lastCheck = time.Time{}
	}
}

// RecordSuccess resets a backend's failure counter and closes its
// circuit, per "on any success: reset counters, close the circuit."
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.circuits[name]
	if cs == nil {
		return
	}
	cs.consecutiveFailures = 0
	cs.open = false
}

func (r *Registry) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.circuits[name]
	if cs == nil {
		return
	}
	cs.consecutiveFailures++
	cs.lastFailureCircuitUpdate(name)
}

// lastFailureCircuitUpdate applies the two-tier threshold: two
// consecutive failures open the circuit for 30s, four open it for 2m.
func (cs *circuitState) lastFailureCircuitUpdate(_ string) {
	now := time.Now()
	switch {
	case cs.consecutiveFailures >= 4:
		cs.open = true
		cs.openAt = now
		cs.openUntil = now.Add(circuitLongOpen)
	case cs.consecutiveFailures >= 2:
		cs.open = true
		cs.openAt = now
		cs.openUntil = now.Add(circuitShortOpen)
	}
}

// RecordFailure is the exported entry point callers (e.g. the tool loop,
// after a StreamChat error) use to report a backend failure outside of a
// health probe.
func (r *Registry) RecordFailure(name string) {
	r.recordFailure(name)
}

// CircuitState is a read-only snapshot of one backend's circuit state.
type CircuitState struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Open                bool      `json:"open"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

// GetCircuitStates returns a snapshot of every backend's circuit state.
func (r *Registry) GetCircuitStates() []CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chainLocked()
	out := make([]CircuitState, 0, len(chain))
	for _, name := range chain {
		cs := r.circuits[name]
		state := CircuitState{Name: name, ConsecutiveFailures: cs.consecutiveFailures, Open: cs.open}
		if cs.open {
			state.OpenUntil = cs.openUntil
		}
		out = append(out, state)
	}
	return out
}

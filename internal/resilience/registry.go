package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry holds named circuit breakers and bulkheads. It is owned by the
// engine root and passed explicitly; nothing in this package is a
// package-level global.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
	cbConfig  CircuitBreakerConfig
	bhMax     int
	bhWait    time.Duration
	log       zerolog.Logger
}

// NewRegistry builds a Registry that lazily creates named breakers/
// bulkheads with the given default configuration.
func NewRegistry(cbConfig CircuitBreakerConfig, bulkheadMaxConcurrent int, bulkheadAdmissionWait time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
		cbConfig:  cbConfig,
		bhMax:     bulkheadMaxConcurrent,
		bhWait:    bulkheadAdmissionWait,
		log:       log,
	}
}

// Breaker returns the named breaker, creating it on first use.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := newCircuitBreaker(name, r.cbConfig, r.log)
	r.breakers[name] = cb
	return cb
}

// BulkheadFor returns the named bulkhead, creating it on first use.
func (r *Registry) BulkheadFor(name string) *Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bh, ok := r.bulkheads[name]; ok {
		return bh
	}
	bh := NewBulkhead(name, r.bhMax, r.bhWait)
	r.bulkheads[name] = bh
	return bh
}

// Snapshot returns the current state of every named breaker, for the
// operator-facing /debug/breakers surface.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

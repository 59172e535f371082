package proxy

import (
	"sync"
	"time"

	"github.com/cognitude/gateway/internal/providers"
)

// cbState represents the operational state of a per-provider breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults, used when the config leaves fields zero.
const (
	cbDefaultErrorThreshold  = 5
	cbDefaultTimeWindow      = 60 * time.Second
	cbDefaultHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults above.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return cbDefaultErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return cbDefaultTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return cbDefaultHalfOpenTimeout
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker tripped (for the half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent breakers for each provider kind.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates breakers for every supported provider kind.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
	for _, name := range providers.Kinds {
		cb.breakers[name] = &providerCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed; then the
//     breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown providers.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of previous state.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments the error counter. When it reaches
// ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the current state for provider (for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}

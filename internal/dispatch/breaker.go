package dispatch

import (
	"sync"
	"time"

	"github.com/rendis/hitl/pkg/schema"
)

// KindCircuitOpen marks a dispatch rejected without calling the service.
const KindCircuitOpen = "circuit_open"

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-service circuit breaker.
// A zero FailureThreshold disables it.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breakerState struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// breakers tracks one circuit per decision service base URL.
type breakers struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	now   func() time.Time
	state map[string]*breakerState
}

func newBreakers(cfg BreakerConfig) *breakers {
	return &breakers{cfg: cfg, now: time.Now, state: make(map[string]*breakerState)}
}

func (b *breakers) enabled() bool { return b != nil && b.cfg.FailureThreshold > 0 }

// allow returns a DISPATCH_FAILURE when the circuit for service is open.
// After the cooldown exactly one probe is allowed through.
func (b *breakers) allow(service string) error {
	if !b.enabled() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(service)

	switch s.state {
	case CircuitOpen:
		remaining := b.cfg.Cooldown - b.now().Sub(s.openedAt)
		if remaining <= 0 {
			s.state = CircuitHalfOpen
			s.probing = true
			return nil
		}
		return b.reject(service, s, remaining)
	case CircuitHalfOpen:
		if s.probing {
			return b.reject(service, s, 0)
		}
		s.probing = true
	}
	return nil
}

func (b *breakers) reject(service string, s *breakerState, remaining time.Duration) error {
	details := map[string]any{
		"kind":                 KindCircuitOpen,
		"service":              service,
		"state":                s.state.String(),
		"consecutive_failures": s.failures,
	}
	if remaining > 0 {
		details["cooldown_remaining"] = remaining.String()
	}
	return schema.NewErrorf(schema.ErrCodeDispatch,
		"decision service %s unavailable: circuit %s after %d consecutive failures", service, s.state, s.failures).
		WithDetails(details)
}

func (b *breakers) success(service string) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(service)
	s.state = CircuitClosed
	s.failures = 0
	s.probing = false
}

// release ends a probe without an outcome, letting the next call probe.
func (b *breakers) release(service string) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(service).probing = false
}

func (b *breakers) failure(service string) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.get(service)
	s.failures++
	s.probing = false
	if s.state == CircuitHalfOpen || s.failures >= b.cfg.FailureThreshold {
		s.state = CircuitOpen
		s.openedAt = b.now()
	}
	return s.state
}

func (b *breakers) stateOf(service string) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(service).state
}

func (b *breakers) get(service string) *breakerState {
	s, ok := b.state[service]
	if !ok {
		s = &breakerState{}
		b.state[service] = s
	}
	return s
}

// Package breaker implements a per-source circuit breaker. Sustained
// failures open the breaker so a degraded upstream fails fast instead of
// being hammered; after a cool-down a single probe decides whether to close.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is open (or while a
// half-open probe is already in flight).
var ErrOpen = errors.New("breaker: open")

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive failures for one upstream source.
//
// CLOSED: calls pass; Threshold consecutive failures → OPEN.
// OPEN: calls fail fast with ErrOpen for Cooldown; then the next call is
// let through as a HALF_OPEN probe.
// HALF_OPEN: probe success → CLOSED (counter zeroed); failure → OPEN again.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	// OnStateChange, if set, is invoked (outside the lock) on every
	// transition. Used to export state to metrics and logs.
	OnStateChange func(name string, state State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// New creates a breaker for the named source.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     Closed,
		now:       time.Now,
	}
}

// Name returns the source name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrOpen until the cool-down elapses; then exactly one caller is admitted
// as the half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	var notify func()
	var err error
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			err = ErrOpen
			break
		}
		notify = b.transition(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			err = ErrOpen
			break
		}
		b.probing = true
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// Success records a healthy upstream response and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()

	b.failures = 0
	b.probing = false
	var notify func()
	if b.state != Closed {
		notify = b.transition(Closed)
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Failure records a timeout/5xx/transport failure. A half-open probe
// failure reopens immediately; in closed state the breaker opens once the
// consecutive-failure threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()

	b.probing = false
	var notify func()
	switch b.state {
	case HalfOpen:
		b.openedAt = b.now()
		notify = b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			notify = b.transition(Open)
		}
	}

	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition must be called with b.mu held. The returned func delivers the
// OnStateChange notification and must be invoked after the lock is released,
// before returning to the caller, so notifications arrive in transition
// order.
func (b *Breaker) transition(to State) func() {
	b.state = to
	cb := b.OnStateChange
	if cb == nil {
		return nil
	}
	return func() { cb(b.name, to) }
}

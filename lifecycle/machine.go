// Package lifecycle tracks the registration lifecycle of a single proxy as a
// validated finite state machine with timeout-driven failure detection.
package lifecycle

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/metrics"
)

// State is a proxy's registration state.
type State string

const (
	Unregistered  State = "UNREGISTERED"
	Registering   State = "REGISTERING"
	Registered    State = "REGISTERED"
	ReRegistering State = "RE_REGISTERING"
	Deregistering State = "DEREGISTERING"
	Failed        State = "FAILED"
	Disconnected  State = "DISCONNECTED"
)

// transitions is the table of legal moves. A target absent from the source's
// set is rejected without any state change.
var transitions = map[State][]State{
	Unregistered:  {Registering},
	Registering:   {Registered, Failed},
	Registered:    {ReRegistering, Deregistering, Disconnected},
	ReRegistering: {Registered, Failed},
	Deregistering: {Unregistered},
	Failed:        {Registering, Unregistered},
	Disconnected:  {ReRegistering, Deregistering, Failed},
}

// DefaultRegistrationTimeout is how long a proxy may sit in REGISTERING or
// RE_REGISTERING before it is automatically failed.
const DefaultRegistrationTimeout = 30 * time.Second

// historyCap bounds the per-machine transition history.
const historyCap = 10

// Event records one successful transition.
type Event struct {
	ProxyID     string
	From        State
	To          State
	Reason      string
	Err         error
	DwellMillis int64
	At          time.Time
}

// Listener receives transition events. Listeners run synchronously on the
// transitioning goroutine; a panicking listener is isolated and does not
// stop the remaining listeners or the transition.
type Listener func(Event)

// Machine is the state machine for one proxy. State queries take a read
// lock; transitions are serialized per machine, never globally.
type Machine struct {
	proxyID string
	timeout time.Duration

	mu        sync.RWMutex
	state     State
	enteredAt time.Time
	history   []Event
	listeners []Listener
	timer     *time.Timer
	timerSeq  uint64
	closed    bool
}

// NewMachine returns a machine for proxyID in UNREGISTERED, using the
// default registration timeout.
func NewMachine(proxyID string) *Machine {
	return NewMachineWithTimeout(proxyID, DefaultRegistrationTimeout)
}

// NewMachineWithTimeout is NewMachine with an explicit timeout window.
func NewMachineWithTimeout(proxyID string, timeout time.Duration) *Machine {
	return &Machine{
		proxyID:   proxyID,
		timeout:   timeout,
		state:     Unregistered,
		enteredAt: time.Now(),
	}
}

// ProxyID returns the owning proxy's id.
func (m *Machine) ProxyID() string {
	return m.proxyID
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// History returns the most-recent-first transition history, newest capped at
// ten entries.
func (m *Machine) History() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// AddListener registers a listener for future transitions.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CanTransitionTo reports whether target is legal from the current state.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allowed(m.state, target)
}

func allowed(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the machine to target. Illegal targets are rejected:
// no state change, no history entry, no listener call, logged at warning.
// On success the dwell time in the prior state is recorded, listeners are
// notified synchronously, and the failure timeout is re-armed or cancelled
// according to the new state.
func (m *Machine) TransitionTo(target State, reason string, cause error) bool {
	m.mu.Lock()
	if m.closed || !allowed(m.state, target) {
		from := m.state
		m.mu.Unlock()
		log.Warn().
			Str("proxyId", m.proxyID).
			Str("from", string(from)).
			Str("to", string(target)).
			Str("reason", reason).
			Msg("lifecycle: illegal transition rejected")
		return false
	}
	ev := m.applyLocked(target, reason, cause)
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.notify(listeners, ev)
	return true
}

// Reset force-transitions to UNREGISTERED, bypassing the table. History is
// cleared and any pending timeout cancelled. Administrative recovery only.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	ev := m.applyLocked(Unregistered, reason, nil)
	m.history = nil
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Info().Str("proxyId", m.proxyID).Str("reason", reason).Msg("lifecycle: machine reset")
	m.notify(listeners, ev)
}

// Close cancels any pending timeout and rejects all further transitions.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelTimerLocked()
}

// applyLocked performs the bookkeeping of a successful transition: dwell
// computation, history push, metric, and cancel-then-schedule of the
// timeout as one step under the lock.
func (m *Machine) applyLocked(target State, reason string, cause error) Event {
	now := time.Now()
	ev := Event{
		ProxyID:     m.proxyID,
		From:        m.state,
		To:          target,
		Reason:      reason,
		Err:         cause,
		DwellMillis: now.Sub(m.enteredAt).Milliseconds(),
		At:          now,
	}
	m.state = target
	m.enteredAt = now
	m.history = append([]Event{ev}, m.history...)
	if len(m.history) > historyCap {
		m.history = m.history[:historyCap]
	}
	metrics.StateTransitionsTotal.WithLabelValues(string(target)).Inc()

	m.cancelTimerLocked()
	if target == Registering || target == ReRegistering {
		m.armTimerLocked()
	}

	log.Debug().
		Str("proxyId", m.proxyID).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("reason", reason).
		Int64("dwellMs", ev.DwellMillis).
		Msg("lifecycle: transition")
	return ev
}

func (m *Machine) cancelTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) armTimerLocked() {
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.timeout, func() {
		m.fireTimeout(seq)
	})
}

// fireTimeout converts an expired registration window into FAILED. The
// sequence check discards a stale timer that lost the race with a
// legitimate transition.
func (m *Machine) fireTimeout(seq uint64) {
	m.mu.RLock()
	stale := seq != m.timerSeq
	m.mu.RUnlock()
	if stale {
		return
	}
	m.TransitionTo(Failed, "registration timeout", nil)
}

func (m *Machine) notify(listeners []Listener, ev Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().
						Str("proxyId", m.proxyID).
						Interface("panic", p).
						Msg("lifecycle: listener panicked; continuing")
				}
			}()
			l(ev)
		}()
	}
}

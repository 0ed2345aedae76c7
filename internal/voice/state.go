package voice

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is a voice interaction state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

var stateNames = [...]string{"IDLE", "LISTENING", "PROCESSING", "SPEAKING"}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	i := slices.Index(stateNames[:], string(b))
	if i < 0 {
		return fmt.Errorf("voice: unknown state %q", b)
	}
	*s = State(i)
	return nil
}

// transitions lists the legal targets of every state. Every state may fall
// back to IDLE.
var transitions = map[State][]State{
	StateIdle:       {StateListening, StateProcessing},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StateSpeaking, StateIdle},
	StateSpeaking:   {StateIdle},
}

// Legal reports whether from → to appears in the transition table.
func Legal(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Change describes one completed transition.
type Change struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine is the guarded voice state machine. Triggers claim a transition
// with [Machine.Transition], which succeeds only if the machine is in the
// expected state, so a trigger arriving in the wrong state is rejected rather
// than queued.
type Machine struct {
	// order serialises transitions with their notification so listeners see
	// changes in the order they happened.
	order sync.Mutex

	mu    sync.Mutex
	state State
	now   func() time.Time

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewMachine returns a machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{now: time.Now, subs: make(map[int]func(Change))}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine from → to if it is currently in from and the
// move is legal. Listeners are notified before it returns.
func (m *Machine) Transition(from, to State) error {
	if !Legal(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}

	m.order.Lock()
	defer m.order.Unlock()

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: in %s, want %s", ErrWrongState, cur, from)
	}
	m.state = to
	m.mu.Unlock()

	m.publish(Change{From: from, To: to, At: m.now()})
	return nil
}

// Subscribe registers fn for every completed transition. fn runs
// synchronously on the transitioning goroutine and must not call
// [Machine.Transition].
func (m *Machine) Subscribe(fn func(Change)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) publish(c Change) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Package statemachine implements the daemon's global application state
// machine per spec.md §4.H: a small fixed set of states, a guarded
// transition table, a merged context, and sequential listener fan-out.
package statemachine

import (
	"sync"
	"time"

	"github.com/hansonxyz/xyzconnect-sub001/internal/eventbus"
	"github.com/hansonxyz/xyzconnect-sub001/internal/xerrors"
)

// State is one of the fixed application states.
type State string

const (
	Init        State = "INIT"
	Disconnected State = "DISCONNECTED"
	Discovering State = "DISCOVERING"
	Pairing     State = "PAIRING"
	Connected   State = "CONNECTED"
	Syncing     State = "SYNCING"
	Ready       State = "READY"
	Error       State = "ERROR"
)

// SyncPhase distinguishes what the sync orchestrator is currently doing
// while in SYNCING (spec.md §9 open question: exposed via context plus a
// dedicated event, see syncorch.OnSyncPhaseChange).
type SyncPhase string

const (
	SyncPhaseContacts      SyncPhase = "contacts"
	SyncPhaseMessages      SyncPhase = "messages"
	SyncPhaseAttachments   SyncPhase = "attachments"
)

var allowedTransitions = map[State]map[State]bool{
	Init:         {Disconnected: true},
	Disconnected: {Discovering: true, Error: true},
	Discovering:  {Pairing: true, Connected: true, Disconnected: true, Error: true},
	Pairing:      {Connected: true, Discovering: true, Error: true},
	Connected:    {Syncing: true, Disconnected: true, Error: true},
	Syncing:      {Syncing: true, Ready: true, Connected: true, Disconnected: true, Error: true},
	Ready:        {Syncing: true, Connected: true, Disconnected: true, Error: true},
	Error:        {Disconnected: true},
}

// Context carries the ancillary fields that accompany a state.
type Context struct {
	DeviceID           string
	DeviceName         string
	ErrorCode          string
	ErrorMessage       string
	PreviousState      State
	SyncPhase          SyncPhase
	PairingDeviceID    string
	PairingDeviceName  string
	LastTransitionTime time.Time
	Uptime             time.Duration
}

// PartialContext carries only the fields a caller wants to merge into the
// committed Context on transition; nil fields are left untouched, and a
// non-nil pointer to an empty value explicitly clears the field.
type PartialContext struct {
	DeviceID          *string
	DeviceName        *string
	ErrorCode         *string
	ErrorMessage      *string
	SyncPhase         *SyncPhase
	PairingDeviceID   *string
	PairingDeviceName *string
}

// Transition is delivered to listeners: the committed state and context.
type Transition struct {
	State   State
	Context Context
}

// Machine is the global application state machine. Zero value is not
// usable; construct with New.
type Machine struct {
	mu        sync.RWMutex
	state     State
	ctx       Context
	startedAt time.Time
	destroyed bool

	onTransition *eventbus.Bus[Transition]
}

// New constructs a Machine in INIT.
func New() *Machine {
	return &Machine{
		state:        Init,
		startedAt:    time.Now(),
		onTransition: eventbus.New[Transition](),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Context returns a copy of the current context, with Uptime recomputed.
func (m *Machine) Context() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx := m.ctx
	ctx.Uptime = time.Since(m.startedAt)
	return ctx
}

// CanTransition reports whether next is reachable from the current state,
// without any side effects.
func (m *Machine) CanTransition(next State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return allowedTransitions[m.state][next]
}

// Transition moves to next, merging partial into the committed context.
// Returns StateError{invalid_transition} — and leaves state unmutated — if
// the move is illegal.
func (m *Machine) Transition(next State, partial *PartialContext) error {
	m.mu.Lock()
	if !allowedTransitions[m.state][next] {
		from := m.state
		m.mu.Unlock()
		return xerrors.NewStateError(string(from), string(next))
	}

	previous := m.state
	m.ctx.PreviousState = previous
	if partial != nil {
		applyPartial(&m.ctx, partial)
	}
	m.state = next
	m.ctx.LastTransitionTime = time.Now()
	committed := Transition{State: next, Context: m.ctx}
	destroyed := m.destroyed
	m.mu.Unlock()

	if !destroyed {
		m.onTransition.Emit(committed)
	}
	return nil
}

func applyPartial(ctx *Context, p *PartialContext) {
	if p.DeviceID != nil {
		ctx.DeviceID = *p.DeviceID
	}
	if p.DeviceName != nil {
		ctx.DeviceName = *p.DeviceName
	}
	if p.ErrorCode != nil {
		ctx.ErrorCode = *p.ErrorCode
	}
	if p.ErrorMessage != nil {
		ctx.ErrorMessage = *p.ErrorMessage
	}
	if p.SyncPhase != nil {
		ctx.SyncPhase = *p.SyncPhase
	}
	if p.PairingDeviceID != nil {
		ctx.PairingDeviceID = *p.PairingDeviceID
	}
	if p.PairingDeviceName != nil {
		ctx.PairingDeviceName = *p.PairingDeviceName
	}
}

// OnTransition registers a listener for committed transitions. Listener
// failures (panics) never block fan-out to subsequent listeners.
func (m *Machine) OnTransition(h func(Transition)) eventbus.Subscription {
	return m.onTransition.Subscribe(h)
}

// Unsubscribe removes a previously registered OnTransition listener.
func (m *Machine) Unsubscribe(sub eventbus.Subscription) {
	m.onTransition.Unsubscribe(sub)
}

// Destroy clears listeners but leaves the state and context readable.
func (m *Machine) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	m.onTransition.Clear()
}

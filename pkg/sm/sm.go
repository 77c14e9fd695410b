// Package sm implements the per-transaction state machine: a bounded
// event queue, state-to-action dispatch, and the transition table that
// drives a transaction from its initial state to a terminal one.
//
// A Machine is deliberately small and has no knowledge of transactions,
// stores or handlers — pkg/handlers builds the StateSet for each
// transaction type and pkg/runner owns the Machine instances.
package sm

import (
	"github.com/cuemby/served/pkg/log"
	"github.com/cuemby/served/pkg/metrics"
)

// Event is a symbol posted to a machine's queue. The zero value is never
// posted; Start is reserved for the synthetic kickstart event.
type Event string

// Start is queued automatically on machine creation. It never matches a
// transition — it exists purely to trigger the initial state's action on
// the first Execute call.
const Start Event = "START"

// Common events shared by every transaction type's state set. Handlers
// are free to define additional events local to their own states.
const (
	OK     Event = "OK"
	FAILED Event = "FAILED"
	WAIT   Event = "WAIT"
	WAKE   Event = "WAKE"
	CANCEL Event = "CANCEL"
)

// ActionResult is what a state's action reports back to the runner.
type ActionResult int

const (
	// Continue means the step completed normally; the runner may dispatch
	// another step immediately.
	Continue ActionResult = iota
	// Wait means the action posted a wait descriptor and the transaction
	// should be parked until woken.
	Wait
	// Abort means the executor could not run at all (e.g. unknown current
	// state) and the machine should be treated as terminally failed.
	Abort
)

func (r ActionResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Wait:
		return "wait"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// StateID names one state in a StateSet.
type StateID string

// Action is the side-effecting function a state runs once per step it is
// current for. ctx is opaque to the machine; handlers define its
// concrete type.
type Action func(ctx any) ActionResult

// Transition maps an event to the state it moves the machine to.
type Transition struct {
	Event  Event
	Target StateID
}

// State is one node of the machine: its outgoing transitions and the
// action invoked whenever it is current.
type State struct {
	ID          StateID
	Transitions []Transition
	Action      Action
}

func (s State) transitionFor(e Event) (StateID, bool) {
	for _, t := range s.Transitions {
		if t.Event == e {
			return t.Target, true
		}
	}
	return "", false
}

// IsTerminal reports whether the state has no outgoing transitions — the
// definition of "terminal" used by the runner's termination detection.
func (s State) IsTerminal() bool {
	return len(s.Transitions) == 0
}

// StateSet is the fixed collection of states a machine of a given
// transaction type can be in, looked up by id.
type StateSet map[StateID]State

// defaultQueueCapacity matches spec: a ring buffer of 16 pending events.
const defaultQueueCapacity = 16

// eventQueue is a bounded ring buffer. Overflow drops the newest event
// and logs rather than growing or blocking — event production must never
// be able to stall or crash an action.
type eventQueue struct {
	buf      []Event
	head     int
	size     int
	capacity int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &eventQueue{buf: make([]Event, capacity), capacity: capacity}
}

func (q *eventQueue) post(e Event) bool {
	if q.size == q.capacity {
		return false
	}
	tail := (q.head + q.size) % q.capacity
	q.buf[tail] = e
	q.size++
	return true
}

func (q *eventQueue) pop() (Event, bool) {
	if q.size == 0 {
		return "", false
	}
	e := q.buf[q.head]
	q.head = (q.head + 1) % q.capacity
	q.size--
	return e, true
}

// Machine is one running instance of a StateSet: its current state, its
// event queue, and the opaque context its actions operate on.
type Machine struct {
	ID      string // for logging only, e.g. "tx-42"
	states  StateSet
	current StateID
	queue   *eventQueue
	Context any
}

// New creates a machine in initialState with the synthetic Start event
// already queued. queueCapacity <= 0 uses the package default of 16.
func New(id string, states StateSet, initialState StateID, ctx any, queueCapacity int) *Machine {
	m := &Machine{
		ID:      id,
		states:  states,
		current: initialState,
		queue:   newEventQueue(queueCapacity),
		Context: ctx,
	}
	m.queue.post(Start)
	return m
}

// Current returns the machine's current state id.
func (m *Machine) Current() StateID { return m.current }

// PostEvent enqueues e for the next Execute call. It returns false and
// logs an error if the queue is full; the event is dropped, never
// blocking or corrupting machine state.
func (m *Machine) PostEvent(e Event) bool {
	if ok := m.queue.post(e); !ok {
		metrics.EventQueueDropsTotal.Inc()
		log.WithComponent("sm").Error().
			Str("machine_id", m.ID).
			Str("event", string(e)).
			Msg("event queue full, dropping event")
		return false
	}
	return true
}

// IsTerminal reports whether the machine's current state has no outgoing
// transitions.
func (m *Machine) IsTerminal() bool {
	st, ok := m.states[m.current]
	if !ok {
		return false
	}
	return st.IsTerminal()
}

// Execute runs one step: pop at most one pending event, apply any
// matching transition, then invoke the (possibly new) current state's
// action. If no event was pending and the current state is unknown,
// Execute returns Abort without running an action.
func (m *Machine) Execute() ActionResult {
	logger := log.WithComponent("sm")

	if e, ok := m.queue.pop(); ok && e != Start {
		st, known := m.states[m.current]
		if !known {
			logger.Error().Str("machine_id", m.ID).Str("state", string(m.current)).
				Msg("current state unknown, aborting")
			return Abort
		}
		target, matched := st.transitionFor(e)
		if matched {
			m.current = target
		} else {
			logger.Warn().Str("machine_id", m.ID).Str("state", string(m.current)).
				Str("event", string(e)).Msg("no transition for event in current state")
		}
	}

	st, known := m.states[m.current]
	if !known {
		logger.Error().Str("machine_id", m.ID).Str("state", string(m.current)).
			Msg("current state unknown, aborting")
		return Abort
	}
	if st.Action == nil {
		return Continue
	}
	return st.Action(m.Context)
}

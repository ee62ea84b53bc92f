// Package fsm is a small event-driven state machine engine: named states,
// typed events, an internal FIFO queue, and strictly serialized handler
// execution. The synchronization session is one instantiation of it.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syncpad/syncpad/utils"
)

type State string

// Any matches every state (or every event kind) in a handler registration.
// Exact matches are tried first, wildcards after.
const Any State = "*"

const AnyKind = "*"

// ErrorKind is the kind of the internally synthesized event dispatched
// when a handler fails. Machines may register their own handler for it;
// the built-in default logs and halts.
const ErrorKind = "error"

var (
	ErrUnhandled = errors.New("fsm: no handler for event in state")
	ErrHalted    = errors.New("fsm: machine halted")
)

// Event is a named, argument-bearing occurrence. Concrete events are plain
// structs; Kind is the dispatch name.
type Event interface {
	Kind() string
}

// ErrorEvent is synthesized by the engine when a handler returns an error
// or an event arrives with no matching handler.
type ErrorEvent struct {
	State State
	Cause Event
	Err   error
}

func (ErrorEvent) Kind() string { return ErrorKind }

// Handler runs to completion before the next event is dispatched; handlers
// for one machine never interleave. The context is the run loop's.
type Handler func(ctx context.Context, e Event) error

type handlerKey struct {
	state State
	kind  string
}

type Machine struct {
	name     string
	log      utils.Logger
	handlers map[handlerKey]Handler

	lock    sync.Mutex
	state   State
	queue   []Event
	wake    chan struct{}
	halted  bool
	reason  error
	done    chan struct{}
	waiters map[State][]chan struct{}
}

func New(name string, initial State, log utils.Logger) *Machine {
	return &Machine{
		name:     name,
		log:      log,
		handlers: make(map[handlerKey]Handler),
		state:    initial,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		waiters:  make(map[State][]chan struct{}),
	}
}

// On registers a handler for a (state, event kind) pair. Use Any / AnyKind
// for wildcard arms. Registration is for construction time, before Run.
func (m *Machine) On(state State, kind string, h Handler) {
	key := handlerKey{state: state, kind: kind}
	if _, dup := m.handlers[key]; dup {
		panic(fmt.Sprintf("fsm: duplicate handler %s/%s on %s", state, kind, m.name))
	}
	m.handlers[key] = h
}

func (m *Machine) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// SetState moves the machine to a new state and fires any one-shot
// waiters on it. Intended to be called from handlers.
func (m *Machine) SetState(state State) {
	m.lock.Lock()
	old := m.state
	m.state = state
	fired := m.waiters[state]
	delete(m.waiters, state)
	m.lock.Unlock()
	if old != state {
		m.log.Debug("fsm: state", "machine", m.name, "from", string(old), "to", string(state))
	}
	for _, ch := range fired {
		close(ch)
	}
}

// Post enqueues an event for dispatch. Safe from any goroutine; events
// posted after a halt are dropped.
func (m *Machine) Post(e Event) {
	m.lock.Lock()
	if m.halted {
		m.lock.Unlock()
		m.log.Debug("fsm: dropping event after halt", "machine", m.name, "event", e.Kind())
		return
	}
	m.queue = append(m.queue, e)
	m.lock.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WaitFor blocks until the machine enters the given state (a one-shot
// "entered state" signal), the machine halts, or the context is done.
func (m *Machine) WaitFor(ctx context.Context, state State) error {
	m.lock.Lock()
	if m.state == state {
		m.lock.Unlock()
		return nil
	}
	if m.halted {
		m.lock.Unlock()
		return ErrHalted
	}
	ch := make(chan struct{})
	m.waiters[state] = append(m.waiters[state], ch)
	m.lock.Unlock()
	select {
	case <-ch:
		return nil
	case <-m.done:
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err reports why the machine halted, nil while it is live or after a
// clean stop.
func (m *Machine) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reason
}

// Done is closed when the machine halts.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) halt(reason error) {
	m.lock.Lock()
	if m.halted {
		m.lock.Unlock()
		return
	}
	m.halted = true
	m.reason = reason
	m.queue = nil
	waiters := m.waiters
	m.waiters = make(map[State][]chan struct{})
	m.lock.Unlock()
	close(m.done)
	_ = waiters // released via done
}

func (m *Machine) pop() (Event, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.halted || len(m.queue) == 0 {
		return nil, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e, true
}

func (m *Machine) lookup(state State, kind string) (Handler, bool) {
	for _, key := range []handlerKey{
		{state, kind},
		{state, AnyKind},
		{Any, kind},
		{Any, AnyKind},
	} {
		if h, ok := m.handlers[key]; ok {
			return h, ok
		}
	}
	return nil, false
}

// Run drains the queue until the context is done or the machine halts.
// Exactly one Run per machine; it is the only goroutine that executes
// handlers, which is what makes per-session state lock-free.
func (m *Machine) Run(ctx context.Context) error {
	for {
		e, ok := m.pop()
		if !ok {
			m.lock.Lock()
			halted := m.halted
			m.lock.Unlock()
			if halted {
				return m.Err()
			}
			select {
			case <-ctx.Done():
				m.halt(nil)
				return ctx.Err()
			case <-m.wake:
				continue
			}
		}
		m.dispatch(ctx, e)
	}
}

func (m *Machine) dispatch(ctx context.Context, e Event) {
	state := m.State()
	h, ok := m.lookup(state, e.Kind())
	if !ok {
		if e.Kind() == ErrorKind {
			// built-in default: log and halt
			ee := e.(ErrorEvent)
			m.log.Error("fsm: halting", "machine", m.name, "state", string(ee.State), "err", ee.Err)
			m.halt(ee.Err)
			return
		}
		err := fmt.Errorf("%w: %s in %s", ErrUnhandled, e.Kind(), state)
		m.dispatch(ctx, ErrorEvent{State: state, Cause: e, Err: err})
		return
	}
	if err := h(ctx, e); err != nil {
		if e.Kind() == ErrorKind {
			m.log.Error("fsm: error handler failed", "machine", m.name, "err", err)
			m.halt(err)
			return
		}
		m.dispatch(ctx, ErrorEvent{State: state, Cause: e, Err: err})
	}
}

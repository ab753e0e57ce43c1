package core

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// PageState is a recognised screen of the automated game.
type PageState int

const (
	PageUnknown PageState = iota
	PageMainMenu
	PageKekkaiToppa
	PageKekkaiSelection
	PageBattle
	PageBattleResult
	PageInventoryFull
	PageError
)

var pageStateNames = map[PageState]string{
	PageUnknown:         "unknown",
	PageMainMenu:        "main_menu",
	PageKekkaiToppa:     "kekkai_toppa",
	PageKekkaiSelection: "kekkai_selection",
	PageBattle:          "battle",
	PageBattleResult:    "battle_result",
	PageInventoryFull:   "inventory_full",
	PageError:           "error",
}

func (p PageState) String() string {
	if name, ok := pageStateNames[p]; ok {
		return name
	}
	return fmt.Sprintf("page(%d)", int(p))
}

// ParsePageState converts a page name back to its PageState.
func ParsePageState(s string) (PageState, error) {
	for state, name := range pageStateNames {
		if name == s {
			return state, nil
		}
	}
	return PageUnknown, fmt.Errorf("unknown page state %q", s)
}

// StateHandler runs after the machine has entered state.
type StateHandler func(state PageState, event *EventData) error

// TransitionHandler gates a move from one state to another. An error vetoes it.
type TransitionHandler func(from, to PageState, event *EventData) error

type transitionKey struct {
	from  PageState
	event TaskEvent
}

type edgeKey struct {
	from, to PageState
}

// StateMachine tracks the current page and applies transitions driven by events.
// Handlers run without the machine's lock held and may query it.
type StateMachine struct {
	logger *slog.Logger

	mu           sync.Mutex
	current      PageState
	previous     PageState
	hasPrevious  bool
	transitions  map[transitionKey]PageState
	onEnter      map[PageState]StateHandler
	onTransition map[edgeKey]TransitionHandler
}

// NewStateMachine creates a machine in the initial state. A nil logger discards output.
func NewStateMachine(initial PageState, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StateMachine{
		logger:       logger,
		current:      initial,
		transitions:  make(map[transitionKey]PageState),
		onEnter:      make(map[PageState]StateHandler),
		onTransition: make(map[edgeKey]TransitionHandler),
	}
}

// Current returns the state of the last applied transition.
func (m *StateMachine) Current() PageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the state before the last transition; ok is false until one happened.
func (m *StateMachine) Previous() (PageState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous, m.hasPrevious
}

// AddTransition defines or overwrites the target of (from, event).
func (m *StateMachine) AddTransition(from PageState, event TaskEvent, to PageState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[transitionKey{from, event}] = to
}

// AddStateHandler sets the entry handler for state, replacing any previous one.
func (m *StateMachine) AddStateHandler(state PageState, h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[state] = h
}

// AddTransitionHandler sets the handler for the from->to edge, replacing any previous one.
func (m *StateMachine) AddTransitionHandler(from, to PageState, h TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition[edgeKey{from, to}] = h
}

// CanTransition reports whether event has a transition from the current state.
func (m *StateMachine) CanTransition(event TaskEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transitions[transitionKey{m.current, event}]
	return ok
}

// HandleEvent applies the transition for (current, event). It returns false when
// no transition is defined, when the transition handler vetoes the move, or when the
// state changed while the handler ran. An entry handler error is logged and does not
// undo the committed transition.
func (m *StateMachine) HandleEvent(event TaskEvent, data *EventData) bool {
	m.mu.Lock()
	from := m.current
	to, ok := m.transitions[transitionKey{from, event}]
	gate := m.onTransition[edgeKey{from, to}]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("[StateMachine] HandleEvent: no transition", "state", from.String(), "event", event.String())
		return false
	}

	if gate != nil {
		if err := callHandler(func() error { return gate(from, to, data) }); err != nil {
			m.logger.Error("[StateMachine] HandleEvent: transition handler failed, staying put",
				"from", from.String(), "to", to.String(), "event", event.String(), "err", err)
			return false
		}
	}

	m.mu.Lock()
	if m.current != from {
		actual := m.current
		m.mu.Unlock()
		m.logger.Warn("[StateMachine] HandleEvent: state changed during transition",
			"expected", from.String(), "actual", actual.String(), "event", event.String())
		return false
	}
	m.previous, m.hasPrevious = from, true
	m.current = to
	enter := m.onEnter[to]
	m.mu.Unlock()

	m.logger.Info("[StateMachine] HandleEvent: transition", "from", from.String(), "to", to.String(), "event", event.String())

	if enter != nil {
		if err := callHandler(func() error { return enter(to, data) }); err != nil {
			m.logger.Error("[StateMachine] HandleEvent: state handler failed", "state", to.String(), "err", err)
		}
	}
	return true
}

// Reset forces the machine into state without running handlers.
func (m *StateMachine) Reset(state PageState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = state
	m.previous = PageUnknown
	m.hasPrevious = false
}

func callHandler(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn()
}

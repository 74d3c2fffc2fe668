package playback

import "time"

// StateType represents the current state of a playback session.
type StateType int

const (
	// StateIdle indicates no session is active.
	StateIdle StateType = iota
	// StateLoading indicates the current chunk is being fetched.
	StateLoading
	// StatePlaying indicates audio is playing and the highlight is ticking.
	StatePlaying
	// StatePaused indicates playback is paused.
	StatePaused
	// StateTransitioning indicates a handoff to the next chunk is underway.
	StateTransitioning
	// StateEnded indicates the last chunk of the unit finished.
	StateEnded
	// StateError indicates an unrecoverable failure.
	StateError
)

// String returns the string representation of the state.
func (s StateType) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTransitioning:
		return "transitioning"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of a session for status displays.
type State struct {
	CurrentState StateType
	BookID       string
	Level        CEFRLevel
	Chunk        int
	TotalChunks  int
	Word         int
	Position     time.Duration
	Duration     time.Duration
	Offset       time.Duration
	Confidence   float64
	Buffering    bool
	Highlighting bool
	LastError    error
}

// IsActive returns true if audio is loaded for the session.
func (s *State) IsActive() bool {
	switch s.CurrentState {
	case StatePlaying, StatePaused, StateTransitioning:
		return true
	}
	return false
}

// CanPlay returns true if playback can start or resume.
func (s *State) CanPlay() bool {
	return s.CurrentState == StatePaused
}

// CanPause returns true if playback can be paused.
func (s *State) CanPause() bool {
	return s.CurrentState == StatePlaying || s.CurrentState == StateTransitioning
}

// StateMachine manages state transitions for a session.
type StateMachine struct {
	current     StateType
	transitions map[StateType][]StateType
	onEnter     map[StateType]func(from StateType)
	onExit      map[StateType]func(to StateType)
}

// NewStateMachine creates a new state machine with valid transitions.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateIdle,
		transitions: map[StateType][]StateType{
			StateIdle:          {StateLoading, StateError},
			StateLoading:       {StatePlaying, StatePaused, StateEnded, StateError, StateIdle},
			StatePlaying:       {StatePaused, StateTransitioning, StateLoading, StateEnded, StateError, StateIdle},
			StatePaused:        {StatePlaying, StateLoading, StateIdle, StateError},
			StateTransitioning: {StatePlaying, StatePaused, StateLoading, StateEnded, StateError, StateIdle},
			StateEnded:         {StateLoading, StateIdle, StateError},
			StateError:         {StateLoading, StateIdle},
		},
		onEnter: make(map[StateType]func(StateType)),
		onExit:  make(map[StateType]func(StateType)),
	}
}

// CanTransition reports whether moving to the given state is allowed.
func (sm *StateMachine) CanTransition(to StateType) bool {
	for _, state := range sm.transitions[sm.current] {
		if state == to {
			return true
		}
	}
	return false
}

// Transition attempts to transition to the specified state.
func (sm *StateMachine) Transition(to StateType) bool {
	if !sm.CanTransition(to) {
		return false
	}

	from := sm.current
	if exitFn, ok := sm.onExit[from]; ok && exitFn != nil {
		exitFn(to)
	}

	sm.current = to

	if enterFn, ok := sm.onEnter[to]; ok && enterFn != nil {
		enterFn(from)
	}

	return true
}

// Current returns the current state.
func (sm *StateMachine) Current() StateType {
	return sm.current
}

// OnEnter registers a callback for entering a state.
func (sm *StateMachine) OnEnter(state StateType, fn func(from StateType)) {
	sm.onEnter[state] = fn
}

// OnExit registers a callback for exiting a state.
func (sm *StateMachine) OnExit(state StateType, fn func(to StateType)) {
	sm.onExit[state] = fn
}

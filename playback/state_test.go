package playback

import (
	"testing"
)

// TestStateTypeString tests the String() method for StateType.
func TestStateTypeString(t *testing.T) {
	tests := []struct {
		state    StateType
		expected string
	}{
		{StateIdle, "idle"},
		{StateLoading, "loading"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{StateTransitioning, "transitioning"},
		{StateEnded, "ended"},
		{StateError, "error"},
		{StateType(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.state.String(); result != tt.expected {
				t.Errorf("StateType.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestStateIsActive tests the IsActive() method.
func TestStateIsActive(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected bool
	}{
		{"playing is active", State{CurrentState: StatePlaying}, true},
		{"paused is active", State{CurrentState: StatePaused}, true},
		{"transitioning is active", State{CurrentState: StateTransitioning}, true},
		{"loading is not active", State{CurrentState: StateLoading}, false},
		{"ended is not active", State{CurrentState: StateEnded}, false},
		{"error is not active", State{CurrentState: StateError}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsActive(); result != tt.expected {
				t.Errorf("State.IsActive() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestStateMachineTransitions tests the transition table.
func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []StateType
		ok   bool
	}{
		{"load and play", []StateType{StateLoading, StatePlaying}, true},
		{"play through a transition", []StateType{StateLoading, StatePlaying, StateTransitioning, StatePlaying}, true},
		{"end then restart", []StateType{StateLoading, StatePlaying, StateEnded, StateLoading}, true},
		{"recover from error", []StateType{StateLoading, StateError, StateLoading}, true},
		{"idle cannot play", []StateType{StatePlaying}, false},
		{"ended cannot resume", []StateType{StateLoading, StatePlaying, StateEnded, StatePlaying}, false},
		{"error cannot pause", []StateType{StateLoading, StateError, StatePaused}, false},
		{"paused cannot transition", []StateType{StateLoading, StatePaused, StateTransitioning}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			ok := true
			for _, s := range tt.path {
				if !sm.Transition(s) {
					ok = false
					break
				}
			}
			if ok != tt.ok {
				t.Errorf("path %v: ok = %v, want %v (stuck in %v)", tt.path, ok, tt.ok, sm.Current())
			}
		})
	}
}

// TestStateMachineCallbacks tests enter and exit hooks.
func TestStateMachineCallbacks(t *testing.T) {
	sm := NewStateMachine()

	var entered, exited []string
	sm.OnEnter(StatePlaying, func(from StateType) {
		entered = append(entered, from.String())
	})
	sm.OnExit(StatePlaying, func(to StateType) {
		exited = append(exited, to.String())
	})

	sm.Transition(StateLoading)
	sm.Transition(StatePlaying)
	sm.Transition(StatePaused)

	if len(entered) != 1 || entered[0] != "loading" {
		t.Errorf("OnEnter calls = %v, want [loading]", entered)
	}
	if len(exited) != 1 || exited[0] != "paused" {
		t.Errorf("OnExit calls = %v, want [paused]", exited)
	}

	// A rejected transition runs no hooks.
	if sm.Transition(StateTransitioning) {
		t.Error("paused -> transitioning should be rejected")
	}
	if len(exited) != 1 {
		t.Errorf("rejected transition ran exit hook: %v", exited)
	}
}

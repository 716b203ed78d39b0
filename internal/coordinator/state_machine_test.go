package coordinator

import "testing"

func TestIterationState_HappyPathSequence(t *testing.T) {
	is := NewIterationState()
	if is.Current() != StateIdle {
		t.Fatalf("initial state = %s, want IDLE", is.Current())
	}

	seq := []State{StateTargetStopped, StateCollectorsReady, StateRunning, StateCollectorsStopping, StateDone}
	for _, s := range seq {
		if err := is.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	if !is.Current().IsTerminal() {
		t.Errorf("expected DONE to be terminal")
	}

	hist := is.History()
	want := append([]State{StateIdle}, seq...)
	if len(hist) != len(want) {
		t.Fatalf("history length = %d, want %d", len(hist), len(want))
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, hist[i], want[i])
		}
	}
}

func TestIterationState_AbortedReachableFromAnyNonTerminalState(t *testing.T) {
	for _, start := range []State{StateIdle, StateTargetStopped, StateCollectorsReady, StateRunning, StateCollectorsStopping} {
		is := &IterationState{current: start}
		if err := is.Transition(StateAborted); err != nil {
			t.Errorf("Transition(%s -> ABORTED) failed: %v", start, err)
		}
	}
}

func TestIterationState_IllegalTransitionRejected(t *testing.T) {
	is := NewIterationState()
	if err := is.Transition(StateRunning); err == nil {
		t.Error("expected IDLE -> RUNNING to be rejected (skips TARGET_STOPPED/COLLECTORS_READY)")
	}
}

func TestIterationState_TerminalStatesRejectFurtherTransitions(t *testing.T) {
	for _, terminal := range []State{StateDone, StateAborted} {
		is := &IterationState{current: terminal}
		if err := is.Transition(StateIdle); err == nil {
			t.Errorf("expected transitions out of terminal state %s to be rejected", terminal)
		}
	}
}

func TestState_StringAndUnknown(t *testing.T) {
	if StateRunning.String() != "RUNNING" {
		t.Errorf("StateRunning.String() = %q", StateRunning.String())
	}
	var unknown State = 255
	if unknown.String() == "" {
		t.Error("expected a non-empty rendering for an out-of-range state")
	}
}

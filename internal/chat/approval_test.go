package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalGateResolve(t *testing.T) {
	gate := NewApprovalGate()

	decisionCh, err := gate.Post("ls", "/tmp")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if p := gate.Pending(); p == nil || p.Command != "ls" || p.WorkingDirectory != "/tmp" {
		t.Fatalf("Pending = %+v", p)
	}

	gate.Resolve(DecisionApprove)
	if got := gate.Wait(context.Background(), decisionCh); got != DecisionApprove {
		t.Errorf("Wait = %v, want approve", got)
	}
	if gate.Pending() != nil {
		t.Error("request still pending after resolution")
	}

	// The slot is free again.
	if _, err := gate.Post("pwd", "."); err != nil {
		t.Errorf("Post after resolution: %v", err)
	}
}

func TestApprovalGateResolveBeforeWait(t *testing.T) {
	gate := NewApprovalGate()
	decisionCh, err := gate.Post("ls", ".")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	// The decision can land before the driver starts waiting; the
	// buffered channel holds it.
	gate.Resolve(DecisionApproveAlways)
	if got := gate.Wait(context.Background(), decisionCh); got != DecisionApproveAlways {
		t.Errorf("Wait = %v, want approve_always", got)
	}
}

func TestApprovalGateSecondPostRejected(t *testing.T) {
	gate := NewApprovalGate()
	if _, err := gate.Post("first", "."); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := gate.Post("second", "."); !errors.Is(err, ErrApprovalPending) {
		t.Errorf("second Post = %v, want ErrApprovalPending", err)
	}
}

func TestApprovalGateCancelledWaitDenies(t *testing.T) {
	gate := NewApprovalGate()
	decisionCh, err := gate.Post("sleep 60", ".")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	if got := gate.Wait(ctx, decisionCh); got != DecisionDeny {
		t.Errorf("cancelled Wait = %v, want deny", got)
	}
	if gate.Pending() != nil {
		t.Error("request still pending after cancellation")
	}
}

func TestApprovalGateResolveWithoutPending(t *testing.T) {
	gate := NewApprovalGate()
	gate.Resolve(DecisionApprove) // must not panic or park anything
	if gate.Pending() != nil {
		t.Error("phantom pending request")
	}
}

func TestTurnStateClearPhasesKeepsStreaming(t *testing.T) {
	state := NewTurnState()
	state.setStreaming(true)
	state.setThinking(true)
	state.setSearching(true)
	state.setCompressing(true)

	state.clearPhases()

	snap := state.Snapshot()
	if !snap.Streaming {
		t.Error("clearPhases dropped streaming")
	}
	if snap.Thinking || snap.Searching || snap.Executing || snap.Compressing {
		t.Errorf("phases not cleared: %+v", snap)
	}
	if snap.Idle() {
		t.Error("still streaming, should not be idle")
	}

	state.Reset()
	if !state.Snapshot().Idle() {
		t.Error("Reset did not clear everything")
	}
}

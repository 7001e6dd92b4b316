package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// Decision is the outcome of a command approval request.
type Decision int

const (
	// DecisionDeny rejects the command; nothing executes.
	DecisionDeny Decision = iota
	// DecisionApprove runs this one command.
	DecisionApprove
	// DecisionApproveAlways runs the command and flips the standing
	// auto-approve policy for the rest of the session.
	DecisionApproveAlways
)

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionApproveAlways:
		return "approve_always"
	default:
		return "deny"
	}
}

// PendingApproval is a command parked between a terminal_pending event
// and the user's decision.
type PendingApproval struct {
	Command          string
	WorkingDirectory string
}

// ErrApprovalPending is returned when a second approval request arrives
// while one is still unresolved. The backend contract allows at most
// one pending command per turn, so this is a protocol violation.
var ErrApprovalPending = errors.New("approval request already pending")

// ApprovalGate is a single-slot synchronization point between the turn
// driver and the human. The driver Posts a request (making it visible
// to the UI), then Waits; the UI Resolves it. A cancelled Wait counts
// as deny so a cancelled turn never hangs.
type ApprovalGate struct {
	mu       sync.Mutex
	pending  *PendingApproval
	decision chan Decision
}

// NewApprovalGate returns an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{}
}

// Post registers a pending command and returns the channel its decision
// will arrive on. Returns ErrApprovalPending if a request is already
// parked. The request is visible via Pending from the moment Post
// returns, so Resolve can never race ahead of registration.
func (g *ApprovalGate) Post(command, workingDirectory string) (<-chan Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return nil, ErrApprovalPending
	}
	g.pending = &PendingApproval{Command: command, WorkingDirectory: workingDirectory}
	g.decision = make(chan Decision, 1)

	logging.Tools("Approval requested: %q in %q", command, workingDirectory)
	return g.decision, nil
}

// Wait blocks until the posted request is resolved or ctx is cancelled
// (which counts as deny).
func (g *ApprovalGate) Wait(ctx context.Context, decision <-chan Decision) Decision {
	select {
	case d := <-decision:
		g.clear()
		logging.Tools("Approval resolved: %s", d)
		return d
	case <-ctx.Done():
		g.clear()
		logging.Tools("Approval cancelled, treating as deny")
		return DecisionDeny
	}
}

// Resolve supplies the decision for the pending request. Calling it
// with nothing pending is a no-op; a second call for the same request
// is likewise ignored.
func (g *ApprovalGate) Resolve(d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil || g.decision == nil {
		return
	}
	select {
	case g.decision <- d:
	default:
	}
	g.decision = nil
}

// Pending returns a copy of the parked request, if any.
func (g *ApprovalGate) Pending() *PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return nil
	}
	p := *g.pending
	return &p
}

func (g *ApprovalGate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
	g.decision = nil
}

package chat

import "sync"

// TurnState tracks the transient phase flags of the in-flight turn.
// It is derived purely from stream events, reset at turn start and
// cleared unconditionally on every exit path so the UI can never get
// stuck showing a stale phase. Never persisted.
type TurnState struct {
	mu sync.RWMutex

	streaming   bool
	thinking    bool
	searching   bool
	executing   bool
	compressing bool

	pending *PendingApproval
}

// StateSnapshot is an immutable view of TurnState for the UI.
type StateSnapshot struct {
	Streaming   bool
	Thinking    bool
	Searching   bool
	Executing   bool
	Compressing bool
	Pending     *PendingApproval
}

// NewTurnState returns a cleared TurnState.
func NewTurnState() *TurnState {
	return &TurnState{}
}

// Snapshot returns a copy of the current state.
func (t *TurnState) Snapshot() StateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := StateSnapshot{
		Streaming:   t.streaming,
		Thinking:    t.thinking,
		Searching:   t.searching,
		Executing:   t.executing,
		Compressing: t.compressing,
	}
	if t.pending != nil {
		p := *t.pending
		snap.Pending = &p
	}
	return snap
}

// Reset clears everything. Called at turn start and on turn exit.
func (t *TurnState) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = false
	t.thinking = false
	t.searching = false
	t.executing = false
	t.compressing = false
	t.pending = nil
}

func (t *TurnState) setStreaming(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streaming = v
}

func (t *TurnState) setThinking(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinking = v
}

func (t *TurnState) setSearching(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searching = v
}

func (t *TurnState) setExecuting(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executing = v
}

func (t *TurnState) setCompressing(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compressing = v
}

// clearPhases drops every phase flag but leaves streaming untouched.
// Matches the effect of a token event: once text arrives, no phase
// indicator applies anymore.
func (t *TurnState) clearPhases() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thinking = false
	t.searching = false
	t.executing = false
	t.compressing = false
}

func (t *TurnState) setPending(p *PendingApproval) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p == nil {
		t.pending = nil
		return
	}
	cp := *p
	t.pending = &cp
}

// Idle reports whether all phase flags are clear.
func (s StateSnapshot) Idle() bool {
	return !s.Streaming && !s.Thinking && !s.Searching && !s.Executing && !s.Compressing
}

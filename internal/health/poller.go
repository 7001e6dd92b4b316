// Package health polls the backend for reachability and available
// models, so the UI can show connection state without blocking on it.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
)

// Prober is the slice of the API client the poller needs.
type Prober interface {
	Status(ctx context.Context) bool
	Models(ctx context.Context) []string
}

// Snapshot is one poll result.
type Snapshot struct {
	Online    bool
	Models    []string
	CheckedAt time.Time
}

// Poller checks the backend on an interval. Both probes run in
// parallel; a probe failure degrades the snapshot, it never aborts
// the poller.
type Poller struct {
	prober   Prober
	interval time.Duration
	onChange func(Snapshot)

	mu   sync.RWMutex
	last Snapshot

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a poller. interval <= 0 falls back to 15s.
func New(prober Prober, interval time.Duration, onChange func(Snapshot)) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		prober:   prober,
		interval: interval,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins polling in the background. The first poll fires
// immediately so the UI is not blank for a full interval.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)

		p.poll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.poll(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts polling. Safe to call more than once; blocks until the
// poll goroutine has exited.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Last returns the most recent snapshot.
func (p *Poller) Last() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	var (
		online bool
		models []string
	)
	g, gctx := errgroup.WithContext(pollCtx)
	g.Go(func() error {
		online = p.prober.Status(gctx)
		return nil
	})
	g.Go(func() error {
		models = p.prober.Models(gctx)
		return nil
	})
	_ = g.Wait() // probes never return errors

	snap := Snapshot{Online: online, Models: models, CheckedAt: time.Now()}

	p.mu.Lock()
	changed := snap.Online != p.last.Online || !equalModels(snap.Models, p.last.Models)
	p.last = snap
	p.mu.Unlock()

	logging.HealthDebug("Poll: online=%v models=%d", online, len(models))
	if changed {
		logging.Health("Backend state changed: online=%v models=%d", online, len(models))
		if p.onChange != nil {
			p.onChange(snap)
		}
	}
}

func equalModels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

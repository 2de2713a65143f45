// ABOUTME: Interval-driven snapshot puller with pause/resume and panic containment
// ABOUTME: A tick applies all partitions or nothing

package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleetsync/internal/snapshot"
	"github.com/2389/fleetsync/internal/state"
)

// Applier receives a consistent batch of snapshots.
type Applier interface {
	ApplySnapshot(snaps ...state.Snapshot) error
}

// Poller periodically pulls snapshots from a Source.
type Poller struct {
	src            snapshot.Source
	apply          Applier
	requestTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	paused   atomic.Bool
	ticks    atomic.Uint64
	failures atomic.Uint64
}

// New creates a stopped poller. requestTimeout bounds each tick; zero means
// the tick may run until the poller is stopped.
func New(src snapshot.Source, apply Applier, requestTimeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		src:            src,
		apply:          apply,
		requestTimeout: requestTimeout,
		logger:         logger.With("component", "poller"),
	}
}

// Start begins ticking every interval. The first tick comes one interval
// after Start. Starting a running poller does nothing.
func (p *Poller) Start(interval time.Duration) {
	if interval <= 0 {
		p.logger.Warn("ignoring start with non-positive interval", "interval", interval)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.loop(ctx, interval, done)
	p.logger.Info("poller started", "interval", interval)
}

// Stop halts ticking, cancels any tick in flight, and waits for it. Safe to
// call when stopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("poller stopped")
}

// Pause makes ticks skip their work until Resume.
func (p *Poller) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Debug("poller paused")
	}
}

// Resume undoes Pause.
func (p *Poller) Resume() {
	if p.paused.Swap(false) {
		p.logger.Debug("poller resumed")
	}
}

// Paused reports whether the poller is paused.
func (p *Poller) Paused() bool {
	return p.paused.Load()
}

// Running reports whether the ticker is active, paused or not.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Ticks returns how many ticks did work.
func (p *Poller) Ticks() uint64 {
	return p.ticks.Load()
}

// Failures returns how many ticks failed.
func (p *Poller) Failures() uint64 {
	return p.failures.Load()
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.paused.Load() {
			continue
		}
		p.Tick(ctx)
	}
}

// Tick runs one poll immediately. It reports whether snapshots were applied.
func (p *Poller) Tick(ctx context.Context) (applied bool) {
	p.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			p.logger.Error("poll tick panicked", "panic", r)
			applied = false
		}
	}()

	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	snaps, err := snapshot.FetchAll(ctx, p.src, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return false
		}
		p.failures.Add(1)
		p.logger.Warn("poll failed, keeping current view", "error", err)
		return false
	}
	if err := p.apply.ApplySnapshot(snaps...); err != nil {
		p.failures.Add(1)
		p.logger.Error("applying poll snapshots", "error", err)
		return false
	}
	p.logger.Debug("poll applied",
		"pending", len(snaps[0].Tasks),
		"active", len(snaps[1].Tasks),
		"agents", len(snaps[2].Agents))
	return true
}

// ABOUTME: Per-key trailing-edge debounce with an optional starvation cap
// ABOUTME: The latest value for a key fires once its window passes without a newer call

package debounce

import (
	"log/slog"
	"sync"
	"time"
)

type entry[V any] struct {
	value V
	timer *time.Timer
	gen   uint64
	first time.Time
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	maxWait time.Duration
	logger  *slog.Logger
}

// WithMaxWait force-fires a key whose first pending value has waited d.
// Zero disables the cap.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Scheduler delays delivery of values per key. It is safe for concurrent use.
type Scheduler[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	seq     uint64
	stopped bool
	running sync.WaitGroup
	// firing holds a channel per key whose callback is running, closed when
	// it returns.
	firing map[K]chan struct{}

	fire    func(K, V)
	maxWait time.Duration
	logger  *slog.Logger
}

// New creates a scheduler that calls fire with the latest value of each key.
func New[K comparable, V any](fire func(K, V), opts ...Option) *Scheduler[K, V] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Scheduler[K, V]{
		entries: make(map[K]*entry[V]),
		firing:  make(map[K]chan struct{}),
		fire:    fire,
		maxWait: o.maxWait,
		logger:  o.logger.With("component", "debounce"),
	}
}

// Schedule sets the pending value for key and restarts its window. It returns
// false if the scheduler has been stopped.
func (s *Scheduler[K, V]) Schedule(key K, value V, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	now := time.Now()
	e, ok := s.entries[key]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry[V]{first: now}
		s.entries[key] = e
	}
	s.seq++
	e.gen = s.seq
	e.value = value

	delay := window
	if s.maxWait > 0 {
		if remaining := e.first.Add(s.maxWait).Sub(now); remaining < delay {
			delay = max(remaining, 0)
		}
	}

	gen := e.gen
	e.timer = time.AfterFunc(delay, func() {
		s.deliver(key, gen)
	})
	return true
}

// Cancel drops the pending value for key, if any.
func (s *Scheduler[K, V]) Cancel(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

// Pending returns the number of keys waiting to fire.
func (s *Scheduler[K, V]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels all pending keys and waits for running callbacks to return.
// Schedule after Stop is a no-op. Stop is safe to call more than once.
func (s *Scheduler[K, V]) Stop() {
	s.mu.Lock()
	s.stopped = true
	for k, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, k)
	}
	s.mu.Unlock()

	s.running.Wait()
}

// Flush delivers the pending value for key now, in the calling goroutine.
// If the key's callback is already running, Flush waits for it to return.
// It reports whether a pending value was delivered.
func (s *Scheduler[K, V]) Flush(key K) bool {
	s.mu.Lock()
	// An earlier value still firing must finish before a newer one runs.
	for {
		done, running := s.firing[key]
		if !running {
			break
		}
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	e, ok := s.entries[key]
	if !ok || s.stopped {
		s.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(s.entries, key)
	done := s.startLocked(key)
	s.mu.Unlock()

	s.run(key, e.value, done)
	return true
}

func (s *Scheduler[K, V]) deliver(key K, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	// A timer that lost the race with Stop, Cancel, Flush, or a reschedule
	// finds a missing entry or a newer generation.
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	done := s.startLocked(key)
	s.mu.Unlock()

	s.run(key, e.value, done)
}

func (s *Scheduler[K, V]) startLocked(key K) chan struct{} {
	s.running.Add(1)
	done := make(chan struct{})
	s.firing[key] = done
	return done
}

func (s *Scheduler[K, V]) run(key K, value V, done chan struct{}) {
	defer s.running.Done()
	defer func() {
		s.mu.Lock()
		if s.firing[key] == done {
			delete(s.firing, key)
		}
		s.mu.Unlock()
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("debounce callback panicked", "key", key, "panic", r)
		}
	}()
	s.fire(key, value)
}

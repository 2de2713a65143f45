// ABOUTME: Decodes push envelopes and fans each frame out to its registered handlers
// ABOUTME: Malformed frames are dropped with throttled warnings; handler faults are isolated

package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Frame types of the push protocol.
const (
	TypeLocationUpdate = "location_update"
	TypeStatusUpdate   = "status_update"
	TypeEntityUpdate   = "entity_update"
	TypeEntityCreated  = "entity_created"
	TypePing           = "ping"
	TypePong           = "pong"
)

var (
	// ErrReservedType is returned when registering for a type the
	// connection layer consumes itself.
	ErrReservedType = errors.New("frame type is reserved")
	// ErrMalformedFrame is returned by Decode for envelopes that are not
	// valid JSON objects or have no type.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is a decoded envelope.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	// ReceivedAt is when the router saw the frame.
	ReceivedAt time.Time `json:"-"`
}

// Decode parses raw into a Frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// Handler processes one frame.
type Handler func(Frame) error

type registration struct {
	id uint64
	fn Handler
}

// Router dispatches frames to handlers. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	warnLimit *rate.Limiter
	dropped   atomic.Uint64
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a router. Pass nil logger for default.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers:  make(map[string][]registration),
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
		now:       time.Now,
		logger:    logger.With("component", "router"),
	}
}

// Register adds h for frames of type typ. The returned function removes it
// and is safe to call more than once.
func (r *Router) Register(typ string, h Handler) (func(), error) {
	if typ == "" {
		return nil, errors.New("frame type is required")
	}
	if typ == TypePong {
		return nil, fmt.Errorf("%w: %q", ErrReservedType, typ)
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[typ] = append(r.handlers[typ], registration{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(typ, id) })
	}, nil
}

func (r *Router) unregister(typ string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[typ]
	for i, reg := range regs {
		if reg.id == id {
			// Copy so in-flight dispatches keep their slice.
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, typ)
			} else {
				r.handlers[typ] = next
			}
			return
		}
	}
}

// Route decodes raw and dispatches it. It never panics and never returns an
// error; faults are logged.
func (r *Router) Route(raw []byte) {
	f, err := Decode(raw)
	if err != nil {
		n := r.dropped.Add(1)
		r.warn("dropping malformed frame", "error", err, "size", len(raw), "dropped_total", n)
		return
	}
	f.ReceivedAt = r.now()

	if f.Type == TypePong {
		return
	}

	r.mu.RLock()
	regs := r.handlers[f.Type]
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.logger.Debug("ignoring frame with no handlers", "type", f.Type)
		return
	}
	for _, reg := range regs {
		r.dispatch(reg.fn, f)
	}
}

// Handlers returns the number of handlers registered for typ.
func (r *Router) Handlers(typ string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[typ])
}

// Dropped returns how many malformed frames have been dropped.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Router) dispatch(h Handler, f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("frame handler panicked", "type", f.Type, "panic", rec)
		}
	}()
	if err := h(f); err != nil {
		r.warn("frame handler failed", "type", f.Type, "error", err)
	}
}

// warn logs unless the warn budget is spent, so a burst of garbage costs a
// few lines per interval.
func (r *Router) warn(msg string, args ...any) {
	if !r.warnLimit.Allow() {
		return
	}
	r.logger.Warn(msg, args...)
}

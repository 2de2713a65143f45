// ABOUTME: Simulated fleet of drivers and orders that evolves one step at a time
// ABOUTME: Each step yields the push events a real backend would emit

package simulator

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/router"
)

// Event is one push frame before encoding.
type Event struct {
	Type string
	Data any
}

// Encode renders the event as a wire frame.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.Type, err)
	}
	return json.Marshal(router.Frame{Type: e.Type, Data: data})
}

// lifecycle is the status sequence an order moves through.
var lifecycle = []fleet.TaskStatus{
	fleet.StatusRequested,
	fleet.StatusAssigned,
	fleet.StatusEnRoute,
	fleet.StatusPickedUp,
	fleet.StatusRideOngoing,
	fleet.StatusCompleted,
}

// WorldConfig tunes the simulation. Zero probabilities use defaults and
// negative ones disable the behavior.
type WorldConfig struct {
	Drivers     int
	Seed        uint64
	Center      fleet.Position
	NewOrder    float64 // chance per step of a new order
	Advance     float64 // chance per step that an order moves on
	Cancel      float64 // chance per step that a requested order is cancelled
	StatusFlip  float64 // chance per step that a driver goes on or offline
	MoveDegrees float64 // maximum position change per step
}

func (c *WorldConfig) defaults() {
	if c.Center == (fleet.Position{}) {
		c.Center = fleet.Position{Lat: 52.52, Lon: 13.405}
	}
	if c.NewOrder == 0 {
		c.NewOrder = 0.3
	}
	if c.Advance == 0 {
		c.Advance = 0.35
	}
	if c.Cancel == 0 {
		c.Cancel = 0.03
	}
	if c.StatusFlip == 0 {
		c.StatusFlip = 0.02
	}
	if c.MoveDegrees == 0 {
		c.MoveDegrees = 0.0008
	}
}

// World holds the simulated fleet. It is safe for concurrent use.
type World struct {
	mu     sync.Mutex
	cfg    WorldConfig
	rng    *rand.Rand
	now    func() time.Time
	agents map[string]*fleet.Agent
	tasks  map[string]*fleet.Task
	// busy maps agent ID to the order it is serving.
	busy map[string]string
}

// NewWorld creates a fleet with cfg.Drivers online drivers and no orders.
func NewWorld(cfg WorldConfig) *World {
	cfg.defaults()
	w := &World{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now:    time.Now,
		agents: make(map[string]*fleet.Agent),
		tasks:  make(map[string]*fleet.Task),
		busy:   make(map[string]string),
	}
	for i := range cfg.Drivers {
		id := fmt.Sprintf("driver-%03d", i+1)
		vehicle, _ := json.Marshal(map[string]string{"plate": fmt.Sprintf("SIM-%03d", i+1), "type": "sedan"})
		w.agents[id] = &fleet.Agent{
			ID:           id,
			Position:     w.jitter(cfg.Center, 20*cfg.MoveDegrees),
			OnlineStatus: true,
			VehicleInfo:  vehicle,
			LastUpdateAt: w.now(),
		}
	}
	return w
}

// Agents returns every driver the backend tracks.
func (w *World) Agents() []fleet.Agent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]fleet.Agent, 0, len(w.agents))
	for _, id := range slices.Sorted(maps.Keys(w.agents)) {
		out = append(out, *w.agents[id].Clone())
	}
	return out
}

// Tasks returns every order currently in partition p.
func (w *World) Tasks(p fleet.Partition) []fleet.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := []fleet.Task{}
	for _, id := range slices.Sorted(maps.Keys(w.tasks)) {
		if t := w.tasks[id]; t.Partition() == p {
			out = append(out, *t.Clone())
		}
	}
	return out
}

// CreateOrder adds a requested order near the center and returns its
// entity_created event.
func (w *World) CreateOrder() Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.createOrder()
}

func (w *World) createOrder() Event {
	ref, _ := json.Marshal(map[string]string{"name": "passenger-" + uuid.NewString()[:8]})
	t := &fleet.Task{
		ID:           uuid.NewString(),
		Status:       fleet.StatusRequested,
		Pickup:       w.jitter(w.cfg.Center, 50*w.cfg.MoveDegrees),
		Dropoff:      w.jitter(w.cfg.Center, 50*w.cfg.MoveDegrees),
		PassengerRef: ref,
		CreatedAt:    w.now().UTC(),
	}
	w.tasks[t.ID] = t
	return Event{Type: router.TypeEntityCreated, Data: t.Clone()}
}

// Step advances the simulation once and returns the resulting events.
func (w *World) Step() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []Event
	now := w.now().UTC()

	for _, id := range slices.Sorted(maps.Keys(w.agents)) {
		a := w.agents[id]
		if _, serving := w.busy[id]; !serving && w.rng.Float64() < w.cfg.StatusFlip {
			a.OnlineStatus = !a.OnlineStatus
			online := a.OnlineStatus
			events = append(events, Event{Type: router.TypeStatusUpdate, Data: router.StatusUpdate{AgentID: id, OnlineStatus: &online}})
		}
		if !a.OnlineStatus {
			continue
		}
		a.Position = w.jitter(*a.Position, w.cfg.MoveDegrees)
		a.LastUpdateAt = now
		events = append(events, w.locationEvent(a, now))
	}

	for _, id := range slices.Sorted(maps.Keys(w.tasks)) {
		if ev, ok := w.advance(w.tasks[id]); ok {
			events = append(events, ev)
		}
	}

	if w.rng.Float64() < w.cfg.NewOrder {
		events = append(events, w.createOrder())
	}
	return events
}

func (w *World) locationEvent(a *fleet.Agent, now time.Time) Event {
	lat, lon := a.Position.Lat, a.Position.Lon
	ts := router.Timestamp(now)
	return Event{Type: router.TypeLocationUpdate, Data: router.LocationUpdate{
		AgentID:   a.ID,
		Lat:       &lat,
		Lon:       &lon,
		Timestamp: &ts,
	}}
}

// advance moves one order along its lifecycle and returns the partial
// entity_update describing the change.
func (w *World) advance(t *fleet.Task) (Event, bool) {
	if t.Status == fleet.StatusRequested && w.rng.Float64() < w.cfg.Cancel {
		return w.finish(t, fleet.StatusCancelled), true
	}
	if w.rng.Float64() >= w.cfg.Advance {
		return Event{}, false
	}

	idx := slices.Index(lifecycle, t.Status)
	if idx < 0 || idx == len(lifecycle)-1 {
		return Event{}, false
	}
	next := lifecycle[idx+1]

	if next == fleet.StatusAssigned {
		driver, ok := w.freeDriver()
		if !ok {
			return Event{}, false
		}
		t.Status = next
		t.AssignedAgentID = &driver
		w.busy[driver] = t.ID
		status := next
		return Event{Type: router.TypeEntityUpdate, Data: fleet.TaskUpdate{
			ID:              t.ID,
			Status:          &status,
			AssignedAgentID: fleet.Some(driver),
		}}, true
	}
	if next == fleet.StatusCompleted {
		return w.finish(t, next), true
	}

	t.Status = next
	status := next
	return Event{Type: router.TypeEntityUpdate, Data: fleet.TaskUpdate{ID: t.ID, Status: &status}}, true
}

// finish moves an order to a terminal status and forgets it.
func (w *World) finish(t *fleet.Task, status fleet.TaskStatus) Event {
	if t.AssignedAgentID != nil {
		delete(w.busy, *t.AssignedAgentID)
	}
	delete(w.tasks, t.ID)
	return Event{Type: router.TypeEntityUpdate, Data: fleet.TaskUpdate{
		ID:              t.ID,
		Status:          &status,
		AssignedAgentID: fleet.Null[string](),
	}}
}

func (w *World) freeDriver() (string, bool) {
	var free []string
	for _, id := range slices.Sorted(maps.Keys(w.agents)) {
		if _, serving := w.busy[id]; !serving && w.agents[id].OnlineStatus {
			free = append(free, id)
		}
	}
	if len(free) == 0 {
		return "", false
	}
	return free[w.rng.IntN(len(free))], true
}

func (w *World) jitter(p fleet.Position, spread float64) *fleet.Position {
	return &fleet.Position{
		Lat: clamp(p.Lat+(w.rng.Float64()*2-1)*spread, -90, 90),
		Lon: clamp(p.Lon+(w.rng.Float64()*2-1)*spread, -180, 180),
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

// ABOUTME: Agent and Task records plus the partial-update types merged into them
// ABOUTME: Records are values; Clone gives callers copies they may keep or mutate

package fleet

import (
	"bytes"
	"encoding/json"
	"time"
)

// Position is a WGS84 coordinate.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (p Position) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Agent is a tracked driver.
type Agent struct {
	ID           string          `json:"id"`
	Position     *Position       `json:"position"`
	OnlineStatus bool            `json:"onlineStatus"`
	VehicleInfo  json.RawMessage `json:"vehicleInfo,omitempty"`
	LastUpdateAt time.Time       `json:"lastUpdateAt"`
	ETA          json.RawMessage `json:"eta,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Position != nil {
		p := *a.Position
		c.Position = &p
	}
	c.VehicleInfo = cloneRaw(a.VehicleInfo)
	c.ETA = cloneRaw(a.ETA)
	return &c
}

// Equal reports whether two agents carry the same data.
func (a *Agent) Equal(b *Agent) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		positionEqual(a.Position, b.Position) &&
		a.OnlineStatus == b.OnlineStatus &&
		bytes.Equal(a.VehicleInfo, b.VehicleInfo) &&
		a.LastUpdateAt.Equal(b.LastUpdateAt) &&
		bytes.Equal(a.ETA, b.ETA)
}

// Task is a tracked order.
type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	Pickup          *Position       `json:"pickup,omitempty"`
	Dropoff         *Position       `json:"dropoff,omitempty"`
	AssignedAgentID *string         `json:"assignedAgentId"`
	PassengerRef    json.RawMessage `json:"passengerRef,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Partition returns the partition implied by the task's current status.
func (t *Task) Partition() Partition {
	return PartitionOf(t.Status)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Pickup != nil {
		p := *t.Pickup
		c.Pickup = &p
	}
	if t.Dropoff != nil {
		p := *t.Dropoff
		c.Dropoff = &p
	}
	if t.AssignedAgentID != nil {
		id := *t.AssignedAgentID
		c.AssignedAgentID = &id
	}
	c.PassengerRef = cloneRaw(t.PassengerRef)
	return &c
}

// Equal reports whether two tasks carry the same data.
func (t *Task) Equal(o *Task) bool {
	if t == nil || o == nil {
		return t == o
	}
	sameAgent := (t.AssignedAgentID == nil && o.AssignedAgentID == nil) ||
		(t.AssignedAgentID != nil && o.AssignedAgentID != nil && *t.AssignedAgentID == *o.AssignedAgentID)
	return t.ID == o.ID &&
		t.Status == o.Status &&
		positionEqual(t.Pickup, o.Pickup) &&
		positionEqual(t.Dropoff, o.Dropoff) &&
		sameAgent &&
		bytes.Equal(t.PassengerRef, o.PassengerRef) &&
		t.CreatedAt.Equal(o.CreatedAt)
}

// AsUpdate converts a full task record into an update that sets every field.
func (t *Task) AsUpdate() TaskUpdate {
	status := t.Status
	u := TaskUpdate{
		ID:           t.ID,
		Status:       &status,
		Pickup:       t.Pickup,
		Dropoff:      t.Dropoff,
		PassengerRef: cloneRaw(t.PassengerRef),
	}
	if t.AssignedAgentID != nil {
		u.AssignedAgentID = Some(*t.AssignedAgentID)
	} else {
		u.AssignedAgentID = Null[string]()
	}
	if !t.CreatedAt.IsZero() {
		created := t.CreatedAt
		u.CreatedAt = &created
	}
	return u
}

// AgentUpdate is a shallow merge onto an Agent. Nil fields are left untouched.
type AgentUpdate struct {
	ID           string
	Position     *Position
	OnlineStatus *bool
	VehicleInfo  json.RawMessage
	ETA          Nullable[json.RawMessage]
	// Timestamp is when the update was observed at its source. Zero means
	// unknown; the reconciler then stamps it on arrival.
	Timestamp time.Time
}

// TaskUpdate is a shallow merge onto a Task. It decodes directly from the
// data of entity_update and entity_created frames.
type TaskUpdate struct {
	ID              string           `json:"id"`
	Status          *TaskStatus      `json:"status,omitempty"`
	Pickup          *Position        `json:"pickup,omitempty"`
	Dropoff         *Position        `json:"dropoff,omitempty"`
	AssignedAgentID Nullable[string] `json:"assignedAgentId,omitzero"`
	PassengerRef    json.RawMessage  `json:"passengerRef,omitempty"`
	CreatedAt       *time.Time       `json:"createdAt,omitempty"`
}

// Nullable distinguishes an absent JSON field (Set == false) from an explicit
// null (Set && !Valid).
type Nullable[T any] struct {
	Set   bool
	Valid bool
	Value T
}

// Some returns a set, non-null value.
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Valid: true, Value: v}
}

// Null returns a set, explicitly null value.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// UnmarshalJSON is only invoked when the key is present, which is what marks
// the field as set.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		n.Valid = false
		n.Value = zero
		return nil
	}
	if err := json.Unmarshal(data, &n.Value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// MarshalJSON encodes null for unset and null values.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if !n.Set || !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

func positionEqual(a, b *Position) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

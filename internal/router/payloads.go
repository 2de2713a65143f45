// ABOUTME: Data objects carried by push frames and their conversion to fleet updates
// ABOUTME: Validation here keeps incomplete or out-of-range payloads out of the store

package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/2389/fleetsync/internal/fleet"
)

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// LocationUpdate is the data of a location_update frame.
type LocationUpdate struct {
	AgentID      string                          `json:"agent_id"`
	Lat          *float64                        `json:"lat"`
	Lon          *float64                        `json:"lon"`
	Timestamp    *Timestamp                      `json:"timestamp,omitempty"`
	OnlineStatus *bool                           `json:"onlineStatus,omitempty"`
	VehicleInfo  json.RawMessage                 `json:"vehicleInfo,omitempty"`
	ETA          fleet.Nullable[json.RawMessage] `json:"eta,omitzero"`
}

// AgentUpdate validates the payload and converts it. Updates without a source
// timestamp are stamped with receivedAt so a debounced delivery keeps the
// time the position was actually reported.
func (l LocationUpdate) AgentUpdate(receivedAt time.Time) (fleet.AgentUpdate, error) {
	if l.AgentID == "" {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: location_update without agent_id", ErrInvalidPayload)
	}
	if l.Lat == nil || l.Lon == nil {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: location_update for %s without lat/lon", ErrInvalidPayload, l.AgentID)
	}
	pos := fleet.Position{Lat: *l.Lat, Lon: *l.Lon}
	if !pos.Valid() {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: coordinates out of range for %s", ErrInvalidPayload, l.AgentID)
	}

	ts := receivedAt
	if l.Timestamp != nil && !l.Timestamp.Time().IsZero() {
		ts = l.Timestamp.Time()
	}
	return fleet.AgentUpdate{
		ID:           l.AgentID,
		Position:     &pos,
		OnlineStatus: l.OnlineStatus,
		VehicleInfo:  l.VehicleInfo,
		ETA:          l.ETA,
		Timestamp:    ts,
	}, nil
}

// StatusUpdate is the data of a status_update frame.
type StatusUpdate struct {
	AgentID      string `json:"agent_id"`
	OnlineStatus *bool  `json:"onlineStatus"`
}

// AgentUpdate validates the payload and converts it.
func (s StatusUpdate) AgentUpdate() (fleet.AgentUpdate, error) {
	if s.AgentID == "" {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: status_update without agent_id", ErrInvalidPayload)
	}
	if s.OnlineStatus == nil {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: status_update for %s without onlineStatus", ErrInvalidPayload, s.AgentID)
	}
	online := *s.OnlineStatus
	return fleet.AgentUpdate{ID: s.AgentID, OnlineStatus: &online}, nil
}

// DecodeLocation decodes and converts the data of a location_update frame.
func DecodeLocation(f Frame) (fleet.AgentUpdate, error) {
	var l LocationUpdate
	if err := json.Unmarshal(f.Data, &l); err != nil {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return l.AgentUpdate(f.ReceivedAt)
}

// DecodeStatus decodes and converts the data of a status_update frame.
func DecodeStatus(f Frame) (fleet.AgentUpdate, error) {
	var s StatusUpdate
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return fleet.AgentUpdate{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return s.AgentUpdate()
}

// DecodeTask decodes the data of an entity_update or entity_created frame.
// Both carry a task; entity_created has every field set.
func DecodeTask(f Frame) (fleet.TaskUpdate, error) {
	var u fleet.TaskUpdate
	if err := json.Unmarshal(f.Data, &u); err != nil {
		return fleet.TaskUpdate{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if u.ID == "" {
		return fleet.TaskUpdate{}, fmt.Errorf("%w: %s without id", ErrInvalidPayload, f.Type)
	}
	return u, nil
}

// Timestamp decodes either an RFC 3339 string or a Unix epoch number. Numbers
// above 1e11 are taken as milliseconds.
type Timestamp time.Time

// Time returns the timestamp as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
		*t = Timestamp(parsed)
		return nil
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parsing timestamp %s: %w", data, err)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
		return fmt.Errorf("timestamp %s out of range", data)
	}
	if n > 1e11 {
		*t = Timestamp(time.UnixMilli(int64(n)).UTC())
	} else {
		sec, frac := math.Modf(n)
		*t = Timestamp(time.Unix(int64(sec), int64(frac*1e9)).UTC())
	}
	return nil
}

// MarshalJSON encodes RFC 3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

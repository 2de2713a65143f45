// ABOUTME: Tests for push payload validation and conversion into fleet updates
// ABOUTME: Covers required fields, coordinate bounds, timestamps, and partial task updates

package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetsync/internal/fleet"
)

func frame(t *testing.T, raw string) Frame {
	t.Helper()
	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	f.ReceivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return f
}

func TestDecodeLocation(t *testing.T) {
	f := frame(t, `{"type":"location_update","data":{"agent_id":"A1","lat":52.2,"lon":21.0}}`)

	u, err := DecodeLocation(f)
	require.NoError(t, err)
	assert.Equal(t, "A1", u.ID)
	assert.Equal(t, fleet.Position{Lat: 52.2, Lon: 21.0}, *u.Position)
	assert.Nil(t, u.OnlineStatus)
	assert.False(t, u.ETA.Set)
	assert.True(t, u.Timestamp.Equal(f.ReceivedAt), "missing timestamp is stamped on arrival")
}

func TestDecodeLocation_SourceTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{name: "rfc3339", ts: `"2026-03-01T11:59:58Z"`, want: time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC)},
		{name: "epoch millis", ts: `1772366398000`, want: time.UnixMilli(1772366398000)},
		{name: "epoch seconds", ts: `1772366398`, want: time.Unix(1772366398, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame(t, `{"type":"location_update","data":{"agent_id":"A1","lat":1,"lon":2,"timestamp":`+tt.ts+`}}`)
			u, err := DecodeLocation(f)
			require.NoError(t, err)
			assert.True(t, u.Timestamp.Equal(tt.want), "got %s", u.Timestamp)
		})
	}
}

func TestDecodeLocation_Invalid(t *testing.T) {
	tests := map[string]string{
		"no agent":     `{"lat":1,"lon":2}`,
		"no lat":       `{"agent_id":"A1","lon":2}`,
		"out of range": `{"agent_id":"A1","lat":91,"lon":2}`,
		"bad time":     `{"agent_id":"A1","lat":1,"lon":2,"timestamp":"yesterday"}`,
		"wrong shape":  `[1,2]`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeLocation(Frame{Type: TypeLocationUpdate, Data: json.RawMessage(data)})
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	u, err := DecodeStatus(frame(t, `{"type":"status_update","data":{"agent_id":"A1","onlineStatus":false}}`))
	require.NoError(t, err)
	require.NotNil(t, u.OnlineStatus)
	assert.False(t, *u.OnlineStatus)
	assert.Nil(t, u.Position)
	assert.True(t, u.Timestamp.IsZero(), "status flips carry no position timestamp")

	_, err = DecodeStatus(frame(t, `{"type":"status_update","data":{"agent_id":"A1"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeTask(t *testing.T) {
	u, err := DecodeTask(frame(t, `{"type":"entity_update","data":{"id":"T1","status":"completed"}}`))
	require.NoError(t, err)
	assert.Equal(t, "T1", u.ID)
	require.NotNil(t, u.Status)
	assert.Equal(t, fleet.StatusCompleted, *u.Status)
	assert.False(t, u.AssignedAgentID.Set)
	assert.Nil(t, u.Pickup)

	_, err = DecodeTask(frame(t, `{"type":"entity_created","data":{"status":"pending"}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTaskUpdate_MarshalOmitsUnsetAgent(t *testing.T) {
	status := fleet.StatusAssigned
	raw, err := json.Marshal(fleet.TaskUpdate{ID: "T1", Status: &status})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "assignedAgentId")

	raw, err = json.Marshal(fleet.TaskUpdate{ID: "T1", AssignedAgentID: fleet.Null[string]()})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"assignedAgentId":null`)
}

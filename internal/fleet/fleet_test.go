// ABOUTME: Tests for fleet records, partition derivation, and nullable decoding
// ABOUTME: Covers status table coverage, clone isolation, and partial task decoding

package fleet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionOf(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   Partition
	}{
		{StatusPending, PartitionPending},
		{StatusSearching, PartitionPending},
		{StatusAssigned, PartitionActive},
		{StatusRideOngoing, PartitionActive},
		{StatusPickedUp, PartitionActive},
		{StatusCompleted, PartitionTerminal},
		{StatusCancelled, PartitionTerminal},
		{StatusCanceled, PartitionTerminal},
		{TaskStatus("something_new"), PartitionPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, PartitionOf(tt.status))
		})
	}
}

func TestPartitionTable_EveryStatusHasOnePartition(t *testing.T) {
	for status, p := range partitionTable {
		assert.True(t, p.Valid(), "status %q maps to invalid partition %q", status, p)
		assert.True(t, status.Known())
	}
	assert.False(t, TaskStatus("bogus").Known())
}

func TestTaskUpdate_DecodePartial(t *testing.T) {
	var u TaskUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"id":"T1","status":"completed"}`), &u))

	assert.Equal(t, "T1", u.ID)
	require.NotNil(t, u.Status)
	assert.Equal(t, StatusCompleted, *u.Status)
	assert.False(t, u.AssignedAgentID.Set, "absent field must stay unset")
	assert.Nil(t, u.Pickup)
	assert.Nil(t, u.CreatedAt)
}

func TestTaskUpdate_DecodeExplicitNull(t *testing.T) {
	var u TaskUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"id":"T1","assignedAgentId":null}`), &u))

	assert.True(t, u.AssignedAgentID.Set)
	assert.False(t, u.AssignedAgentID.Valid)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"T1","assignedAgentId":"A7"}`), &u))
	assert.True(t, u.AssignedAgentID.Valid)
	assert.Equal(t, "A7", u.AssignedAgentID.Value)
}

func TestAgentClone_IsIndependent(t *testing.T) {
	a := &Agent{
		ID:          "A1",
		Position:    &Position{Lat: 1, Lon: 2},
		VehicleInfo: json.RawMessage(`{"plate":"WX123"}`),
	}
	c := a.Clone()
	c.Position.Lat = 50
	c.VehicleInfo[2] = 'X'

	assert.Equal(t, 1.0, a.Position.Lat)
	assert.Equal(t, `{"plate":"WX123"}`, string(a.VehicleInfo))
	assert.False(t, a.Equal(c))
}

func TestTaskAsUpdate_RoundTripsThroughEqual(t *testing.T) {
	agentID := "A1"
	task := &Task{
		ID:              "T1",
		Status:          StatusAssigned,
		Pickup:          &Position{Lat: 52.2, Lon: 21.0},
		AssignedAgentID: &agentID,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	u := task.AsUpdate()
	require.NotNil(t, u.Status)
	assert.Equal(t, StatusAssigned, *u.Status)
	assert.True(t, u.AssignedAgentID.Valid)
	assert.Equal(t, "A1", u.AssignedAgentID.Value)
	require.NotNil(t, u.CreatedAt)
	assert.True(t, u.CreatedAt.Equal(task.CreatedAt))
	assert.True(t, task.Equal(task.Clone()))
}

func TestPositionValid(t *testing.T) {
	assert.True(t, Position{Lat: 52.23, Lon: 21.01}.Valid())
	assert.False(t, Position{Lat: 91, Lon: 0}.Valid())
	assert.False(t, Position{Lat: 0, Lon: -181}.Valid())
}

// ABOUTME: Tests for the Reconciler merge, partition, and snapshot semantics
// ABOUTME: Covers idempotence, upsert defaults, stale drops, push shadowing, and concurrency

package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleetsync/internal/fleet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewEntityStore(nil)
	t.Cleanup(store.Close)
	return NewReconciler(store, WithClock(clock.Now)), clock
}

func boolPtr(b bool) *bool { return &b }

func statusPtr(s fleet.TaskStatus) *fleet.TaskStatus { return &s }

func TestApplyAgentUpdate_InsertUsesDefaults(t *testing.T) {
	r, clock := newTestReconciler(t)

	err := r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID:       "A1",
		Position: &fleet.Position{Lat: 52.23, Lon: 21.01},
	})
	require.NoError(t, err)

	a, ok := r.Store().Agent("A1")
	require.True(t, ok)
	assert.True(t, a.OnlineStatus, "location without status defaults to online")
	assert.Equal(t, fleet.Position{Lat: 52.23, Lon: 21.01}, *a.Position)
	assert.True(t, a.LastUpdateAt.Equal(clock.Now()))
	assert.Nil(t, a.ETA)
}

func TestApplyAgentUpdate_PreservesUnsetFields(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID:          "A1",
		Position:    &fleet.Position{Lat: 1, Lon: 1},
		VehicleInfo: json.RawMessage(`{"plate":"WX1"}`),
		ETA:         fleet.Some(json.RawMessage(`{"minutes":4}`)),
	}))
	clock.Advance(time.Second)
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID:       "A1",
		Position: &fleet.Position{Lat: 2, Lon: 2},
	}))

	a, ok := r.Store().Agent("A1")
	require.True(t, ok)
	assert.Equal(t, 2.0, a.Position.Lat)
	assert.JSONEq(t, `{"plate":"WX1"}`, string(a.VehicleInfo))
	assert.JSONEq(t, `{"minutes":4}`, string(a.ETA))

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", ETA: fleet.Null[json.RawMessage]()}))
	a, _ = r.Store().Agent("A1")
	assert.Nil(t, a.ETA, "explicit null clears the eta")
}

func TestApplyAgentUpdate_Idempotent(t *testing.T) {
	r, clock := newTestReconciler(t)
	u := fleet.AgentUpdate{
		ID:        "A1",
		Position:  &fleet.Position{Lat: 10, Lon: 20},
		Timestamp: clock.Now().Add(-time.Second),
	}

	require.NoError(t, r.ApplyAgentUpdate(u))
	first, _ := r.Store().Agent("A1")
	version := r.Store().Version()

	clock.Advance(time.Minute)
	require.NoError(t, r.ApplyAgentUpdate(u))
	second, _ := r.Store().Agent("A1")

	assert.True(t, first.Equal(second))
	assert.Equal(t, version, r.Store().Version(), "re-applying must not commit")
}

func TestApplyAgentUpdate_UnstampedRepeatDoesNotCommit(t *testing.T) {
	r, clock := newTestReconciler(t)
	u := fleet.AgentUpdate{ID: "A1", Position: &fleet.Position{Lat: 10, Lon: 20}}

	require.NoError(t, r.ApplyAgentUpdate(u))
	first, _ := r.Store().Agent("A1")
	version := r.Store().Version()

	clock.Advance(time.Second)
	require.NoError(t, r.ApplyAgentUpdate(u))
	second, _ := r.Store().Agent("A1")

	assert.True(t, first.LastUpdateAt.Equal(second.LastUpdateAt))
	assert.Equal(t, version, r.Store().Version())

	clock.Advance(time.Second)
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", Position: &fleet.Position{Lat: 11, Lon: 20}}))
	moved, _ := r.Store().Agent("A1")
	assert.True(t, moved.LastUpdateAt.Equal(clock.Now()), "a real move is stamped on arrival")
}

func TestApplyAgentUpdate_OfflineUnknownAgentRunsRemovalHook(t *testing.T) {
	r, _ := newTestReconciler(t)
	var removed []string
	r.OnAgentRemoved(func(id string) { removed = append(removed, id) })

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A7", OnlineStatus: boolPtr(false)}))

	_, ok := r.Store().Agent("A7")
	assert.False(t, ok)
	assert.Equal(t, []string{"A7"}, removed)
}

func TestApplyAgentUpdate_StatusFlipKeepsLastUpdateAt(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", Position: &fleet.Position{Lat: 1, Lon: 1}}))
	before, _ := r.Store().Agent("A1")

	clock.Advance(time.Minute)
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", OnlineStatus: boolPtr(false)}))

	after, ok := r.Store().Agent("A1")
	require.True(t, ok, "offline agent with a position stays")
	assert.False(t, after.OnlineStatus)
	assert.True(t, before.LastUpdateAt.Equal(after.LastUpdateAt))
}

func TestApplyAgentUpdate_DropsStaleLocation(t *testing.T) {
	r, clock := newTestReconciler(t)
	now := clock.Now()

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID: "A1", Position: &fleet.Position{Lat: 5, Lon: 5}, Timestamp: now,
	}))
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID: "A1", Position: &fleet.Position{Lat: 1, Lon: 1}, Timestamp: now.Add(-time.Second),
	}))

	a, _ := r.Store().Agent("A1")
	assert.Equal(t, 5.0, a.Position.Lat)
	assert.True(t, a.LastUpdateAt.Equal(now))
}

func TestApplyAgentUpdate_OfflineWithoutLocationRemoves(t *testing.T) {
	r, _ := newTestReconciler(t)

	var removed []string
	r.OnAgentRemoved(func(id string) { removed = append(removed, id) })

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", OnlineStatus: boolPtr(true)}))
	_, ok := r.Store().Agent("A1")
	require.True(t, ok)

	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", OnlineStatus: boolPtr(false)}))
	_, ok = r.Store().Agent("A1")
	assert.False(t, ok)
	assert.Equal(t, []string{"A1"}, removed)

	// An unknown agent reported offline is never created.
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A2", OnlineStatus: boolPtr(false)}))
	_, ok = r.Store().Agent("A2")
	assert.False(t, ok)
}

func TestApplyUpdate_MissingID(t *testing.T) {
	r, _ := newTestReconciler(t)
	assert.ErrorIs(t, r.ApplyAgentUpdate(fleet.AgentUpdate{}), ErrMissingID)
	assert.ErrorIs(t, r.ApplyTaskUpdate(fleet.TaskUpdate{}), ErrMissingID)
}

func TestApplyTaskUpdate_InsertAndMerge(t *testing.T) {
	r, _ := newTestReconciler(t)

	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{
		ID:           "T1",
		Pickup:       &fleet.Position{Lat: 1, Lon: 2},
		PassengerRef: json.RawMessage(`{"name":"Ann"}`),
	}))
	task, ok := r.Store().Task("T1")
	require.True(t, ok)
	assert.Equal(t, fleet.StatusPending, task.Status, "missing status defaults to pending")
	assert.Nil(t, task.AssignedAgentID)

	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{
		ID:              "T1",
		Status:          statusPtr(fleet.StatusAssigned),
		AssignedAgentID: fleet.Some("A1"),
	}))
	task, _ = r.Store().Task("T1")
	assert.Equal(t, fleet.PartitionActive, task.Partition())
	require.NotNil(t, task.AssignedAgentID)
	assert.Equal(t, "A1", *task.AssignedAgentID)
	assert.Equal(t, fleet.Position{Lat: 1, Lon: 2}, *task.Pickup, "pickup survives a partial update")
	assert.JSONEq(t, `{"name":"Ann"}`, string(task.PassengerRef))

	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T1", AssignedAgentID: fleet.Null[string]()}))
	task, _ = r.Store().Task("T1")
	assert.Nil(t, task.AssignedAgentID)
}

func TestApplyTaskUpdate_Idempotent(t *testing.T) {
	r, clock := newTestReconciler(t)
	u := fleet.TaskUpdate{ID: "T1", Status: statusPtr(fleet.StatusRideOngoing)}

	require.NoError(t, r.ApplyTaskUpdate(u))
	first, _ := r.Store().Task("T1")
	clock.Advance(time.Hour)
	require.NoError(t, r.ApplyTaskUpdate(u))
	second, _ := r.Store().Task("T1")

	assert.True(t, first.Equal(second))
}

func TestPartitionConsistency(t *testing.T) {
	r, _ := newTestReconciler(t)

	sequence := []fleet.TaskStatus{
		fleet.StatusRequested,
		fleet.StatusAssigned,
		fleet.StatusPickedUp,
		fleet.StatusRideOngoing,
		fleet.StatusCompleted,
	}
	for _, st := range sequence {
		require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T1", Status: statusPtr(st)}))

		want := fleet.PartitionOf(st)
		inPending := len(r.Store().Tasks(fleet.PartitionPending))
		inActive := len(r.Store().Tasks(fleet.PartitionActive))
		switch want {
		case fleet.PartitionPending:
			assert.Equal(t, 1, inPending, st)
			assert.Equal(t, 0, inActive, st)
		case fleet.PartitionActive:
			assert.Equal(t, 0, inPending, st)
			assert.Equal(t, 1, inActive, st)
		case fleet.PartitionTerminal:
			assert.Equal(t, 0, inPending+inActive, st)
			_, ok := r.Store().Task("T1")
			assert.False(t, ok, st)
		}
	}
}

func TestScenarioA_CompletedTaskLeavesActivePartition(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplySnapshot(Snapshot{
		Kind:      SnapshotActiveTasks,
		StartedAt: clock.Now(),
		Tasks: []fleet.Task{
			{ID: "T1", Status: fleet.StatusAssigned},
			{ID: "T2", Status: fleet.StatusRideOngoing},
		},
	}))
	require.Len(t, r.Store().Tasks(fleet.PartitionActive), 2)

	clock.Advance(time.Second)
	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T1", Status: statusPtr(fleet.StatusCompleted)}))

	active := r.Store().Tasks(fleet.PartitionActive)
	require.Len(t, active, 1)
	assert.Equal(t, "T2", active[0].ID)
	_, ok := r.Store().Task("T1")
	assert.False(t, ok)
}

func TestApplySnapshot_RemovesAbsentEntities(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplySnapshot(
		Snapshot{Kind: SnapshotPendingTasks, StartedAt: clock.Now(), Tasks: []fleet.Task{
			{ID: "P1", Status: fleet.StatusPending},
			{ID: "P2", Status: fleet.StatusSearching},
		}},
		Snapshot{Kind: SnapshotAgents, StartedAt: clock.Now(), Agents: []fleet.Agent{
			{ID: "A1", Position: &fleet.Position{Lat: 1, Lon: 1}, OnlineStatus: true},
			{ID: "A2", Position: &fleet.Position{Lat: 2, Lon: 2}, OnlineStatus: true},
		}},
	))

	clock.Advance(time.Second)
	require.NoError(t, r.ApplySnapshot(
		Snapshot{Kind: SnapshotPendingTasks, StartedAt: clock.Now(), Tasks: []fleet.Task{
			{ID: "P2", Status: fleet.StatusSearching},
		}},
		Snapshot{Kind: SnapshotAgents, StartedAt: clock.Now(), Agents: []fleet.Agent{
			{ID: "A2", Position: &fleet.Position{Lat: 2, Lon: 2}, OnlineStatus: true},
		}},
	))

	_, ok := r.Store().Task("P1")
	assert.False(t, ok)
	_, ok = r.Store().Agent("A1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Store().Counts().Pending)
	assert.Equal(t, 1, r.Store().Counts().Agents)
}

func TestApplySnapshot_OnlyTouchesItsPartition(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplySnapshot(Snapshot{Kind: SnapshotActiveTasks, StartedAt: clock.Now(), Tasks: []fleet.Task{
		{ID: "T1", Status: fleet.StatusAssigned},
	}}))
	clock.Advance(time.Second)

	// An empty pending snapshot must not remove active tasks.
	require.NoError(t, r.ApplySnapshot(Snapshot{Kind: SnapshotPendingTasks, StartedAt: clock.Now()}))

	_, ok := r.Store().Task("T1")
	assert.True(t, ok)
}

func TestApplySnapshot_TaskMovingBetweenPartitionsInOneBatch(t *testing.T) {
	r, clock := newTestReconciler(t)

	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T1", Status: statusPtr(fleet.StatusPending)}))
	clock.Advance(time.Second)

	ch, _ := r.Store().Broadcaster().Subscribe(t.Context(), KindTask)

	require.NoError(t, r.ApplySnapshot(
		Snapshot{Kind: SnapshotPendingTasks, StartedAt: clock.Now()},
		Snapshot{Kind: SnapshotActiveTasks, StartedAt: clock.Now(), Tasks: []fleet.Task{
			{ID: "T1", Status: fleet.StatusAssigned},
		}},
	))

	task, ok := r.Store().Task("T1")
	require.True(t, ok)
	assert.Equal(t, fleet.PartitionActive, task.Partition())

	c := <-ch
	assert.Equal(t, OpUpsert, c.Op, "moved task is updated in place, never removed")
	assert.Equal(t, fleet.PartitionActive, c.Partition)
	assert.Equal(t, fleet.PartitionPending, c.PreviousPartition)
}

func TestApplySnapshot_PushNewerThanSnapshotWins(t *testing.T) {
	r, clock := newTestReconciler(t)

	snapshotStarted := clock.Now()
	clock.Advance(100 * time.Millisecond)

	// Push arrives while the pull is in flight.
	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T9", Status: statusPtr(fleet.StatusAssigned)}))
	require.NoError(t, r.ApplyTaskUpdate(fleet.TaskUpdate{ID: "T1", Status: statusPtr(fleet.StatusCompleted)}))
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{ID: "A1", Position: &fleet.Position{Lat: 3, Lon: 3}}))

	clock.Advance(100 * time.Millisecond)
	require.NoError(t, r.ApplySnapshot(
		Snapshot{Kind: SnapshotActiveTasks, StartedAt: snapshotStarted, Tasks: []fleet.Task{
			{ID: "T1", Status: fleet.StatusAssigned},
		}},
		Snapshot{Kind: SnapshotAgents, StartedAt: snapshotStarted},
	))

	_, ok := r.Store().Task("T9")
	assert.True(t, ok, "task pushed after the pull started is not removed")
	_, ok = r.Store().Task("T1")
	assert.False(t, ok, "stale snapshot must not resurrect a completed task")
	_, ok = r.Store().Agent("A1")
	assert.True(t, ok, "agent pushed after the pull started is not removed")
}

func TestApplySnapshot_UnstampedAgentRowUpdatesExisting(t *testing.T) {
	r, clock := newTestReconciler(t)
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID:           "A1",
		Position:     &fleet.Position{Lat: 1, Lon: 1},
		OnlineStatus: boolPtr(true),
	}))
	pushed, _ := r.Store().Agent("A1")

	clock.Advance(time.Second)
	require.NoError(t, r.ApplySnapshot(Snapshot{Kind: SnapshotAgents, StartedAt: clock.Now(), Agents: []fleet.Agent{
		{ID: "A1", Position: &fleet.Position{Lat: 9, Lon: 9}, OnlineStatus: false},
	}}))

	got, ok := r.Store().Agent("A1")
	require.True(t, ok)
	assert.Equal(t, fleet.Position{Lat: 9, Lon: 9}, *got.Position)
	assert.False(t, got.OnlineStatus)
	assert.True(t, got.LastUpdateAt.Equal(pushed.LastUpdateAt), "an unstamped row keeps the known stamp")
}

func TestApplySnapshot_OlderStampedAgentRowIsSkipped(t *testing.T) {
	r, clock := newTestReconciler(t)
	require.NoError(t, r.ApplyAgentUpdate(fleet.AgentUpdate{
		ID:        "A1",
		Position:  &fleet.Position{Lat: 1, Lon: 1},
		Timestamp: clock.Now(),
	}))

	clock.Advance(time.Second)
	require.NoError(t, r.ApplySnapshot(Snapshot{Kind: SnapshotAgents, StartedAt: clock.Now(), Agents: []fleet.Agent{
		{ID: "A1", Position: &fleet.Position{Lat: 9, Lon: 9}, OnlineStatus: true, LastUpdateAt: clock.Now().Add(-time.Minute)},
	}}))

	got, _ := r.Store().Agent("A1")
	assert.Equal(t, fleet.Position{Lat: 1, Lon: 1}, *got.Position)
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	r, clock := newTestReconciler(t)
	snap := Snapshot{Kind: SnapshotAgents, StartedAt: clock.Now(), Agents: []fleet.Agent{
		{ID: "A1", Position: &fleet.Position{Lat: 1, Lon: 1}, OnlineStatus: true, LastUpdateAt: clock.Now()},
	}}

	require.NoError(t, r.ApplySnapshot(snap))
	v := r.Store().Version()
	require.NoError(t, r.ApplySnapshot(snap))
	assert.Equal(t, v, r.Store().Version())
}

func TestApplySnapshot_UnknownKind(t *testing.T) {
	r, _ := newTestReconciler(t)
	err := r.ApplySnapshot(Snapshot{Kind: "drivers"})
	assert.ErrorIs(t, err, ErrUnknownSnapshotKind)
}

func TestReconciler_ConcurrentSourcesSerialize(t *testing.T) {
	store := NewEntityStore(nil)
	defer store.Close()
	r := NewReconciler(store)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("A%d", i%10)
				_ = r.ApplyAgentUpdate(fleet.AgentUpdate{
					ID:       id,
					Position: &fleet.Position{Lat: float64(w), Lon: float64(i % 90)},
				})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			_ = r.ApplySnapshot(Snapshot{Kind: SnapshotActiveTasks, StartedAt: time.Now(), Tasks: []fleet.Task{
				{ID: "T1", Status: fleet.StatusAssigned},
			}})
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 500 {
			for _, a := range store.Agents() {
				assert.NotNil(t, a.Position)
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 10, store.Counts().Agents)
	assert.Equal(t, 1, store.Counts().Active)
}

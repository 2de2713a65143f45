// ABOUTME: EntityStore holds the authoritative Agent and Task view as immutable snapshots
// ABOUTME: Readers load an atomic pointer; only the Reconciler in this package can commit

package state

import (
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/2389/fleetsync/internal/fleet"
)

// view is one immutable generation of the store. Records inside a published
// view are never mutated; writers copy the map they touch.
type view struct {
	agents  map[string]*fleet.Agent
	tasks   map[string]*fleet.Task
	version uint64
	at      time.Time
}

// Counts summarizes the current view.
type Counts struct {
	Agents       int
	OnlineAgents int
	Pending      int
	Active       int
	Version      uint64
}

// EntityStore is the in-process collection of current Agent and Task records.
// Any number of goroutines may read concurrently; reads never block and never
// observe a partially applied reconciliation.
type EntityStore struct {
	current     atomic.Pointer[view]
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewEntityStore creates an empty store. Pass nil logger for default.
func NewEntityStore(logger *slog.Logger) *EntityStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &EntityStore{
		broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "entity_store"),
	}
	s.current.Store(&view{
		agents: make(map[string]*fleet.Agent),
		tasks:  make(map[string]*fleet.Task),
	})
	return s
}

// Agent returns a copy of the agent with the given id.
func (s *EntityStore) Agent(id string) (*fleet.Agent, bool) {
	a, ok := s.current.Load().agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Task returns a copy of the task with the given id.
func (s *EntityStore) Task(id string) (*fleet.Task, bool) {
	t, ok := s.current.Load().tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Agents returns copies of all agents sorted by id.
func (s *EntityStore) Agents() []*fleet.Agent {
	v := s.current.Load()
	out := make([]*fleet.Agent, 0, len(v.agents))
	for _, a := range v.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns copies of the tasks in partition p sorted by id. Terminal
// tasks are never stored, so PartitionTerminal always yields an empty slice.
func (s *EntityStore) Tasks(p fleet.Partition) []*fleet.Task {
	v := s.current.Load()
	var out []*fleet.Task
	for _, t := range v.tasks {
		if t.Partition() == p {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns a summary of the current view.
func (s *EntityStore) Counts() Counts {
	v := s.current.Load()
	c := Counts{Agents: len(v.agents), Version: v.version}
	for _, a := range v.agents {
		if a.OnlineStatus {
			c.OnlineAgents++
		}
	}
	for _, t := range v.tasks {
		switch t.Partition() {
		case fleet.PartitionPending:
			c.Pending++
		case fleet.PartitionActive:
			c.Active++
		}
	}
	return c
}

// Version increases by one with every committed reconciliation that changed
// something.
func (s *EntityStore) Version() uint64 {
	return s.current.Load().version
}

// UpdatedAt is when the last change was committed. Zero before the first.
func (s *EntityStore) UpdatedAt() time.Time {
	return s.current.Load().at
}

// Broadcaster returns the change feed of the store.
func (s *EntityStore) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Close shuts down the change feed.
func (s *EntityStore) Close() {
	s.broadcaster.Close()
}

// txn accumulates one reconciliation. Maps are copied lazily on first write
// so untouched maps are shared with the previous view.
type txn struct {
	base        *view
	agents      map[string]*fleet.Agent
	tasks       map[string]*fleet.Task
	agentsDirty bool
	tasksDirty  bool
	changes     []Change
}

// begin must only be called by the Reconciler while holding its lock.
func (s *EntityStore) begin() *txn {
	base := s.current.Load()
	return &txn{base: base, agents: base.agents, tasks: base.tasks}
}

func (t *txn) agent(id string) *fleet.Agent {
	return t.agents[id]
}

func (t *txn) task(id string) *fleet.Task {
	return t.tasks[id]
}

func (t *txn) putAgent(a *fleet.Agent) {
	if !t.agentsDirty {
		t.agents = copyMap(t.agents)
		t.agentsDirty = true
	}
	t.agents[a.ID] = a
	t.changes = append(t.changes, Change{Kind: KindAgent, Op: OpUpsert, ID: a.ID, Agent: a})
}

func (t *txn) deleteAgent(id string) {
	if _, ok := t.agents[id]; !ok {
		return
	}
	if !t.agentsDirty {
		t.agents = copyMap(t.agents)
		t.agentsDirty = true
	}
	delete(t.agents, id)
	t.changes = append(t.changes, Change{Kind: KindAgent, Op: OpRemove, ID: id})
}

func (t *txn) putTask(task *fleet.Task) {
	prev := fleet.Partition("")
	if old, ok := t.tasks[task.ID]; ok {
		prev = old.Partition()
	}
	if !t.tasksDirty {
		t.tasks = copyMap(t.tasks)
		t.tasksDirty = true
	}
	t.tasks[task.ID] = task
	t.changes = append(t.changes, Change{
		Kind:              KindTask,
		Op:                OpUpsert,
		ID:                task.ID,
		Task:              task,
		Partition:         task.Partition(),
		PreviousPartition: prev,
	})
}

func (t *txn) deleteTask(id string) {
	old, ok := t.tasks[id]
	if !ok {
		return
	}
	if !t.tasksDirty {
		t.tasks = copyMap(t.tasks)
		t.tasksDirty = true
	}
	delete(t.tasks, id)
	t.changes = append(t.changes, Change{
		Kind:              KindTask,
		Op:                OpRemove,
		ID:                id,
		PreviousPartition: old.Partition(),
	})
}

// commit publishes the transaction as the next view and fans out its changes.
// A transaction without changes publishes nothing.
func (s *EntityStore) commit(t *txn, now time.Time) []Change {
	if len(t.changes) == 0 {
		return nil
	}
	next := &view{
		agents:  t.agents,
		tasks:   t.tasks,
		version: t.base.version + 1,
		at:      now,
	}
	s.current.Store(next)

	for i := range t.changes {
		t.changes[i].Version = next.version
		// Subscribers get their own copies; the view keeps the originals.
		c := t.changes[i]
		c.Agent = c.Agent.Clone()
		c.Task = c.Task.Clone()
		s.broadcaster.Publish(c)
	}
	return t.changes
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

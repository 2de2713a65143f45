// ABOUTME: Reconciler merges push updates and pull snapshots into the EntityStore
// ABOUTME: It is the only writer and serializes both sources behind a single lock

package state

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fleetsync/internal/fleet"
)

// ErrMissingID is returned for updates that do not name an entity.
var ErrMissingID = errors.New("update has no entity id")

// ErrUnknownSnapshotKind is returned for snapshots of an unrecognized kind.
var ErrUnknownSnapshotKind = errors.New("unknown snapshot kind")

// SnapshotKind names the partition a full snapshot replaces.
type SnapshotKind string

// Snapshot kinds.
const (
	SnapshotAgents       SnapshotKind = "agents"
	SnapshotPendingTasks SnapshotKind = "tasks/pending"
	SnapshotActiveTasks  SnapshotKind = "tasks/active"
)

// TaskSnapshotKind returns the snapshot kind for an observable partition.
func TaskSnapshotKind(p fleet.Partition) (SnapshotKind, error) {
	switch p {
	case fleet.PartitionPending:
		return SnapshotPendingTasks, nil
	case fleet.PartitionActive:
		return SnapshotActiveTasks, nil
	}
	return "", fmt.Errorf("%w: partition %q", ErrUnknownSnapshotKind, p)
}

// Snapshot is the full current contents of one partition as returned by a
// pull query.
type Snapshot struct {
	Kind SnapshotKind
	// StartedAt is when the pull was issued. Entities pushed after this
	// instant are newer than the snapshot and are left alone by it.
	StartedAt time.Time
	Agents    []fleet.Agent
	Tasks     []fleet.Task
}

func (s Snapshot) partition() fleet.Partition {
	switch s.Kind {
	case SnapshotPendingTasks:
		return fleet.PartitionPending
	case SnapshotActiveTasks:
		return fleet.PartitionActive
	}
	return ""
}

// pushRetention bounds how long a push stamp is remembered for shadowing
// snapshots that were issued before it.
const pushRetention = 10 * time.Minute

type entityKey struct {
	kind Kind
	id   string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for arrival stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler applies inbound updates to an EntityStore.
type Reconciler struct {
	mu       sync.Mutex
	store    *EntityStore
	pushedAt map[entityKey]time.Time
	now      func() time.Time
	logger   *slog.Logger

	hooksMu      sync.RWMutex
	agentRemoved []func(id string)
}

// NewReconciler creates the single writer for store.
func NewReconciler(store *EntityStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		pushedAt: make(map[entityKey]time.Time),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

// Store returns the store this reconciler writes to.
func (r *Reconciler) Store() *EntityStore {
	return r.store
}

// OnAgentRemoved registers a hook that runs synchronously, inside the
// reconciliation, whenever an update or snapshot takes an agent out of the
// view, including one that was never stored. Hooks must not call back into
// the Reconciler.
func (r *Reconciler) OnAgentRemoved(fn func(id string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.agentRemoved = append(r.agentRemoved, fn)
}

// ApplyAgentUpdate merges a push update into the agent it names, creating it
// on first sighting. Updates stamped older than the stored LastUpdateAt are
// dropped. An agent that ends up offline with no known position is removed.
func (r *Reconciler) ApplyAgentUpdate(u fleet.AgentUpdate) error {
	if u.ID == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tx := r.store.begin()
	existing := tx.agent(u.ID)
	if existing != nil && !u.Timestamp.IsZero() && u.Timestamp.Before(existing.LastUpdateAt) {
		r.logger.Debug("dropping stale agent update",
			"agent_id", u.ID,
			"update_at", u.Timestamp,
			"stored_at", existing.LastUpdateAt)
		return nil
	}
	r.pushedAt[entityKey{KindAgent, u.ID}] = now

	// Only position reports and source-stamped updates advance LastUpdateAt;
	// a bare status flip leaves it alone.
	ts := u.Timestamp
	if ts.IsZero() && (u.Position != nil || existing == nil) {
		ts = now
	}
	merged := mergeAgent(existing, u, ts)
	if !merged.OnlineStatus && merged.Position == nil {
		r.removeAgentLocked(tx, u.ID)
		r.commit(tx, now)
		return nil
	}
	if existing != nil {
		// An unstamped repeat only differs by its arrival stamp.
		same := *merged
		if u.Timestamp.IsZero() {
			same.LastUpdateAt = existing.LastUpdateAt
		}
		if existing.Equal(&same) {
			return nil
		}
	}
	tx.putAgent(merged)
	r.commit(tx, now)
	return nil
}

// ApplyTaskUpdate merges a push update into the task it names, creating it on
// first sighting. A task whose status becomes terminal leaves the store.
func (r *Reconciler) ApplyTaskUpdate(u fleet.TaskUpdate) error {
	if u.ID == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pushedAt[entityKey{KindTask, u.ID}] = now

	tx := r.store.begin()
	existing := tx.task(u.ID)
	merged := mergeTask(existing, u, now)
	if !merged.Status.Known() {
		r.logger.Warn("unknown task status, treating as pending",
			"task_id", merged.ID,
			"status", merged.Status)
	}

	if merged.Partition() == fleet.PartitionTerminal {
		if existing == nil {
			return nil
		}
		tx.deleteTask(u.ID)
		r.commit(tx, now)
		return nil
	}
	if existing != nil && existing.Equal(merged) {
		return nil
	}
	tx.putTask(merged)
	r.commit(tx, now)
	return nil
}

// ApplySnapshot replaces the contents of each snapshot's partition in one
// atomic step. Listed entities are upserted unless a push newer than the
// snapshot touched them; tracked entities of the partition that are absent
// from the batch and were not pushed after the snapshot started are removed.
func (r *Reconciler) ApplySnapshot(snaps ...Snapshot) error {
	for _, s := range snaps {
		switch s.Kind {
		case SnapshotAgents, SnapshotPendingTasks, SnapshotActiveTasks:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownSnapshotKind, s.Kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tx := r.store.begin()

	listedAgents := make(map[string]bool)
	listedTasks := make(map[string]bool)

	for _, s := range snaps {
		for i := range s.Agents {
			a := &s.Agents[i]
			if a.ID == "" {
				continue
			}
			listedAgents[a.ID] = true
			if r.pushedSince(KindAgent, a.ID, s.StartedAt) {
				continue
			}
			r.upsertSnapshotAgent(tx, a)
		}
		for i := range s.Tasks {
			t := &s.Tasks[i]
			if t.ID == "" {
				continue
			}
			listedTasks[t.ID] = true
			if r.pushedSince(KindTask, t.ID, s.StartedAt) {
				continue
			}
			r.upsertSnapshotTask(tx, t, now)
		}
	}

	for _, s := range snaps {
		if s.Kind == SnapshotAgents {
			for id := range tx.agents {
				if listedAgents[id] || r.pushedSince(KindAgent, id, s.StartedAt) {
					continue
				}
				r.removeAgentLocked(tx, id)
			}
			continue
		}
		p := s.partition()
		for id, t := range tx.tasks {
			if t.Partition() != p || listedTasks[id] || r.pushedSince(KindTask, id, s.StartedAt) {
				continue
			}
			tx.deleteTask(id)
			delete(r.pushedAt, entityKey{KindTask, id})
		}
	}

	r.prunePushesLocked(now)

	changes := r.commit(tx, now)
	if len(changes) > 0 {
		r.logger.Debug("snapshot applied", "snapshots", len(snaps), "changes", len(changes))
	}
	return nil
}

func (r *Reconciler) upsertSnapshotAgent(tx *txn, a *fleet.Agent) {
	existing := tx.agent(a.ID)
	// Rows without a stamp cannot be compared and are taken as current.
	if existing != nil && !a.LastUpdateAt.IsZero() && existing.LastUpdateAt.After(a.LastUpdateAt) {
		return
	}
	rec := a.Clone()
	if rec.LastUpdateAt.IsZero() && existing != nil {
		rec.LastUpdateAt = existing.LastUpdateAt
	}
	if !rec.OnlineStatus && rec.Position == nil {
		r.removeAgentLocked(tx, a.ID)
		return
	}
	if existing != nil && existing.Equal(rec) {
		return
	}
	tx.putAgent(rec)
}

func (r *Reconciler) upsertSnapshotTask(tx *txn, t *fleet.Task, now time.Time) {
	existing := tx.task(t.ID)
	merged := mergeTask(existing, t.AsUpdate(), now)
	if merged.Partition() == fleet.PartitionTerminal {
		tx.deleteTask(t.ID)
		return
	}
	if existing != nil && existing.Equal(merged) {
		return
	}
	tx.putTask(merged)
}

// pushedSince reports whether a push update touched the entity at or after t.
func (r *Reconciler) pushedSince(kind Kind, id string, t time.Time) bool {
	at, ok := r.pushedAt[entityKey{kind, id}]
	return ok && !at.Before(t)
}

// prunePushesLocked forgets push stamps too old to shadow any snapshot still
// in flight.
func (r *Reconciler) prunePushesLocked(now time.Time) {
	cutoff := now.Add(-pushRetention)
	for k, at := range r.pushedAt {
		if at.Before(cutoff) {
			delete(r.pushedAt, k)
		}
	}
}

// removeAgentLocked deletes the agent if stored. The removal hooks run either
// way, since an agent that was never stored may still have work queued for it.
func (r *Reconciler) removeAgentLocked(tx *txn, id string) {
	if tx.agent(id) != nil {
		tx.deleteAgent(id)
		delete(r.pushedAt, entityKey{KindAgent, id})
	}

	r.hooksMu.RLock()
	hooks := r.agentRemoved
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (r *Reconciler) commit(tx *txn, now time.Time) []Change {
	return r.store.commit(tx, now)
}

func mergeAgent(existing *fleet.Agent, u fleet.AgentUpdate, ts time.Time) *fleet.Agent {
	var a *fleet.Agent
	if existing != nil {
		a = existing.Clone()
	} else {
		a = &fleet.Agent{ID: u.ID, OnlineStatus: true}
	}

	if u.Position != nil {
		p := *u.Position
		a.Position = &p
	}
	if u.OnlineStatus != nil {
		a.OnlineStatus = *u.OnlineStatus
	}
	if u.VehicleInfo != nil {
		a.VehicleInfo = rawOrNil(u.VehicleInfo)
	}
	if u.ETA.Set {
		if u.ETA.Valid {
			a.ETA = rawOrNil(u.ETA.Value)
		} else {
			a.ETA = nil
		}
	}
	if ts.After(a.LastUpdateAt) {
		a.LastUpdateAt = ts
	}
	return a
}

func mergeTask(existing *fleet.Task, u fleet.TaskUpdate, now time.Time) *fleet.Task {
	var t *fleet.Task
	if existing != nil {
		t = existing.Clone()
	} else {
		t = &fleet.Task{ID: u.ID, Status: fleet.StatusPending, CreatedAt: now}
	}

	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Pickup != nil {
		p := *u.Pickup
		t.Pickup = &p
	}
	if u.Dropoff != nil {
		p := *u.Dropoff
		t.Dropoff = &p
	}
	if u.AssignedAgentID.Set {
		if u.AssignedAgentID.Valid {
			id := u.AssignedAgentID.Value
			t.AssignedAgentID = &id
		} else {
			t.AssignedAgentID = nil
		}
	}
	if u.PassengerRef != nil {
		t.PassengerRef = rawOrNil(u.PassengerRef)
	}
	if u.CreatedAt != nil && !u.CreatedAt.IsZero() {
		t.CreatedAt = *u.CreatedAt
	}
	return t
}

// rawOrNil copies raw, mapping a JSON null to nil.
func rawOrNil(raw []byte) []byte {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

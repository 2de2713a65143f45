// ABOUTME: In-memory fan-out of committed entity changes to any number of subscribers
// ABOUTME: Publishing never blocks the reconciler; slow subscribers drop changes

package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fleetsync/internal/fleet"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Kind names the entity kind a Change refers to.
type Kind string

// Entity kinds.
const (
	KindAgent Kind = "agent"
	KindTask  Kind = "task"
)

// Op is the kind of mutation a Change describes.
type Op string

// Change operations.
const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Change describes one committed mutation of the EntityStore.
type Change struct {
	Kind    Kind
	Op      Op
	ID      string
	Version uint64

	// Agent is set for agent upserts.
	Agent *fleet.Agent
	// Task is set for task upserts.
	Task *fleet.Task
	// Partition is the task's partition after an upsert.
	Partition fleet.Partition
	// PreviousPartition is the task's partition before the change, empty
	// for inserts.
	PreviousPartition fleet.Partition
}

type subscription struct {
	ch    chan Change
	kinds map[Kind]bool
}

// Broadcaster delivers committed changes to subscribers. Each subscriber has
// its own buffered channel; a full channel drops the change for that
// subscriber only, so consumers that fall behind should re-read the store.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for changes of the given kinds (all kinds if none are
// given). The subscription is removed and its channel closed when ctx is
// cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Change, string) {
	subID := uuid.New().String()
	sub := &subscription{ch: make(chan Change, subscriberBufferSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends a change to every interested subscriber without blocking.
func (b *Broadcaster) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.kinds != nil && !sub.kinds[c.Kind] {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"sub_id", id,
				"kind", c.Kind,
				"entity_id", c.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

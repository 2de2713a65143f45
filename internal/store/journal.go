// ABOUTME: Journal streams committed entity changes from the change feed into the cache
// ABOUTME: Changes are batched per flush interval and written in one transaction

package store

import (
	"context"
	"time"

	"github.com/2389/fleetsync/internal/fleet"
	"github.com/2389/fleetsync/internal/state"
)

const maxBatch = 256

// Journal writes changes published by es until ctx ends or the feed closes,
// flushing at least every flushEvery. Write errors are logged and the batch
// is dropped; the shutdown Replace repairs the cache.
func (s *SQLiteStore) Journal(ctx context.Context, es *state.EntityStore, flushEvery time.Duration) {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	changes, subID := es.Broadcaster().Subscribe(ctx)
	defer es.Broadcaster().Unsubscribe(subID)

	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	var batch []state.Change
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flushes after cancellation still need to reach the disk.
		if err := s.Apply(context.WithoutCancel(ctx), batch); err != nil {
			s.logger.Warn("journaling changes", "changes", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case c, ok := <-changes:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// Snapshot saves the full current contents of es.
func (s *SQLiteStore) Snapshot(ctx context.Context, es *state.EntityStore) error {
	tasks := es.Tasks(fleet.PartitionPending)
	tasks = append(tasks, es.Tasks(fleet.PartitionActive)...)
	return s.Replace(ctx, es.Agents(), tasks)
}

// ABOUTME: Tests for the per-key debounce scheduler
// ABOUTME: Covers collapsing, key independence, cancel, stop, max wait, and panics

package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	key   string
	value int
	at    time.Time
}

type recorder struct {
	mu    sync.Mutex
	fired []firing
}

func (r *recorder) fire(key string, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, firing{key: key, value: value, at: time.Now()})
}

func (r *recorder) snapshot() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]firing, len(r.fired))
	copy(out, r.fired)
	return out
}

func TestScheduler_CollapsesBurstToLatestValue(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)
	defer s.Stop()

	window := 50 * time.Millisecond
	for i := range 10 {
		s.Schedule("A1", i, window)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * window)

	fired := rec.snapshot()
	require.Len(t, fired, 1)
	assert.Equal(t, 9, fired[0].value)
	assert.Equal(t, 0, s.Pending())
}

// Three updates at 0, 100, and 150ms with a 500ms window produce exactly one
// delivery at about 650ms carrying the 150ms value.
func TestScheduler_LocationBurstFiresOnceAfterLastUpdate(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)
	defer s.Stop()

	window := 500 * time.Millisecond
	start := time.Now()

	s.Schedule("A1", 0, window)
	time.Sleep(100 * time.Millisecond)
	s.Schedule("A1", 100, window)
	time.Sleep(50 * time.Millisecond)
	lastAt := time.Now()
	s.Schedule("A1", 150, window)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "nothing fires before the window after the last update")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	fired := rec.snapshot()
	require.Len(t, fired, 1)
	assert.Equal(t, 150, fired[0].value)
	assert.GreaterOrEqual(t, fired[0].at.Sub(lastAt), window)
	assert.Less(t, fired[0].at.Sub(start), 1200*time.Millisecond)
}

func TestScheduler_KeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)
	defer s.Stop()

	s.Schedule("A1", 1, 20*time.Millisecond)
	s.Schedule("A2", 2, 200*time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	first := rec.snapshot()[0]
	assert.Equal(t, "A1", first.key)
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "A2", rec.snapshot()[1].key)
}

func TestScheduler_Cancel(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)
	defer s.Stop()

	s.Schedule("A1", 1, 20*time.Millisecond)
	s.Cancel("A1")
	s.Cancel("unknown")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_FlushDeliversPendingNow(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)
	defer s.Stop()

	s.Schedule("A1", 1, time.Hour)
	s.Schedule("A1", 2, time.Hour)

	assert.True(t, s.Flush("A1"))
	fired := rec.snapshot()
	require.Len(t, fired, 1)
	assert.Equal(t, 2, fired[0].value)
	assert.Equal(t, 0, s.Pending())

	assert.False(t, s.Flush("A1"))
	assert.False(t, s.Flush("unknown"))
	assert.Len(t, rec.snapshot(), 1)
}

func TestScheduler_FlushWaitsForRunningCallback(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	s := New(func(string, int) {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	defer s.Stop()

	s.Schedule("A1", 1, time.Millisecond)
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	assert.False(t, s.Flush("A1"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestScheduler_StopDropsPendingAndRejectsNew(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire)

	s.Schedule("A1", 1, 20*time.Millisecond)
	s.Schedule("A2", 2, 20*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.False(t, s.Schedule("A3", 3, time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestScheduler_StopWaitsForRunningCallback(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	s := New(func(string, int) {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	s.Schedule("A1", 1, time.Millisecond)
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

func TestScheduler_MaxWaitForcesDelivery(t *testing.T) {
	rec := &recorder{}
	s := New(rec.fire, WithMaxWait(100*time.Millisecond))
	defer s.Stop()

	// Keep rescheduling faster than the window for longer than max wait.
	deadline := time.Now().Add(250 * time.Millisecond)
	i := 0
	for time.Now().Before(deadline) {
		s.Schedule("A1", i, 50*time.Millisecond)
		i++
		time.Sleep(10 * time.Millisecond)
	}

	fired := rec.snapshot()
	assert.GreaterOrEqual(t, len(fired), 1, "a continuously updated key still fires")
	for j := 1; j < len(fired); j++ {
		assert.Greater(t, fired[j].value, fired[j-1].value)
	}
}

func TestScheduler_CallbackPanicIsContained(t *testing.T) {
	calls := make(chan int, 2)
	s := New(func(_ string, v int) {
		calls <- v
		if v == 1 {
			panic("boom")
		}
	})
	defer s.Stop()

	s.Schedule("A1", 1, time.Millisecond)
	assert.Equal(t, 1, <-calls)

	s.Schedule("A1", 2, time.Millisecond)
	select {
	case v := <-calls:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped working after a panic")
	}
}

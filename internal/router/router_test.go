// ABOUTME: Tests for frame decoding and handler dispatch
// ABOUTME: Covers multi-handler fan-out, unsubscribe, reserved types, malformed frames, panics

package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		typ     string
	}{
		{name: "valid", raw: `{"type":"status_update","data":{"agent_id":"A1"}}`, typ: "status_update"},
		{name: "no data", raw: `{"type":"pong"}`, typ: "pong"},
		{name: "missing type", raw: `{"data":{}}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
		{name: "array", raw: `[1,2]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, f.Type)
		})
	}
}

func TestRouter_DispatchesToAllHandlers(t *testing.T) {
	r := New(nil)

	var got []string
	_, err := r.Register(TypeStatusUpdate, func(f Frame) error {
		got = append(got, "first:"+f.Type)
		return nil
	})
	require.NoError(t, err)
	_, err = r.Register(TypeStatusUpdate, func(f Frame) error {
		got = append(got, "second:"+f.Type)
		assert.False(t, f.ReceivedAt.IsZero())
		return nil
	})
	require.NoError(t, err)

	r.Route([]byte(`{"type":"status_update","data":{"agent_id":"A1","onlineStatus":true}}`))

	assert.Equal(t, []string{"first:status_update", "second:status_update"}, got)
}

func TestRouter_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	r := New(nil)

	var a, b int
	unsubA, err := r.Register(TypeEntityUpdate, func(Frame) error { a++; return nil })
	require.NoError(t, err)
	_, err = r.Register(TypeEntityUpdate, func(Frame) error { b++; return nil })
	require.NoError(t, err)

	unsubA()
	unsubA()
	r.Route([]byte(`{"type":"entity_update","data":{"id":"T1"}}`))

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, r.Handlers(TypeEntityUpdate))
}

func TestRouter_PongIsReserved(t *testing.T) {
	r := New(nil)

	_, err := r.Register(TypePong, func(Frame) error { return nil })
	assert.ErrorIs(t, err, ErrReservedType)

	// Routing a pong is silently consumed.
	r.Route([]byte(`{"type":"pong"}`))
	assert.Equal(t, uint64(0), r.Dropped())
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := New(nil)
	_, err := r.Register("", func(Frame) error { return nil })
	assert.Error(t, err)
	_, err = r.Register(TypeEntityCreated, nil)
	assert.Error(t, err)
}

func TestRouter_UnknownTypeIgnored(t *testing.T) {
	r := New(nil)
	called := false
	_, err := r.Register(TypeEntityCreated, func(Frame) error { called = true; return nil })
	require.NoError(t, err)

	r.Route([]byte(`{"type":"surge_pricing","data":{}}`))

	assert.False(t, called)
	assert.Equal(t, uint64(0), r.Dropped(), "unknown types are not malformed")
}

func TestRouter_MalformedFramesDroppedAndCounted(t *testing.T) {
	r := New(nil)
	called := false
	_, err := r.Register(TypeLocationUpdate, func(Frame) error { called = true; return nil })
	require.NoError(t, err)

	for range 50 {
		r.Route([]byte(`{not json`))
	}
	r.Route([]byte(`{"data":{"agent_id":"A1"}}`))

	assert.False(t, called)
	assert.Equal(t, uint64(51), r.Dropped())
}

func TestRouter_HandlerFaultsAreIsolated(t *testing.T) {
	r := New(nil)

	calls := 0
	_, err := r.Register(TypeEntityUpdate, func(Frame) error { panic("handler bug") })
	require.NoError(t, err)
	_, err = r.Register(TypeEntityUpdate, func(Frame) error { return errors.New("bad payload") })
	require.NoError(t, err)
	_, err = r.Register(TypeEntityUpdate, func(Frame) error { calls++; return nil })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		r.Route([]byte(`{"type":"entity_update","data":{"id":"T1"}}`))
		r.Route([]byte(`{"type":"entity_update","data":{"id":"T2"}}`))
	})
	assert.Equal(t, 2, calls)
}

func TestRouter_ConcurrentRegisterAndRoute(t *testing.T) {
	r := New(nil)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub, err := r.Register(TypeStatusUpdate, func(Frame) error {
				mu.Lock()
				total++
				mu.Unlock()
				return nil
			})
			if err != nil {
				return
			}
			for range 20 {
				r.Route([]byte(`{"type":"status_update","data":{}}`))
			}
			unsub()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Handlers(TypeStatusUpdate))
	assert.Positive(t, total)
}

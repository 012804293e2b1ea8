package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// fakeConn records frames written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []model.StreamEvent
	closed bool
	pings  int
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := v.(model.StreamEvent); ok {
		c.frames = append(c.frames, ev)
	}
	return nil
}

func (c *fakeConn) Ping(_ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.frames))
	for i, f := range c.frames {
		types[i] = f.Type
	}
	return types
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r := NewRegistry(logger.NewNop(), opts)
	t.Cleanup(r.Close)
	return r
}

func TestAttachDeliversConnectedEvent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{}

	s := r.Attach(conn, "conv-1", "user-1")
	require.NotEmpty(t, s.ID)

	waitFor(t, func() bool { return len(conn.frameTypes()) >= 1 })
	assert.Equal(t, model.StreamEventConnected, conn.frameTypes()[0])
	assert.Equal(t, StatusConnected, s.Status())
	assert.Equal(t, 1, r.Count())
}

func TestSessionsIndexedByUser(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := r.Attach(&fakeConn{}, "conv-1", "user-1")
	b := r.Attach(&fakeConn{}, "conv-2", "user-1")
	r.Attach(&fakeConn{}, "conv-3", "user-2")

	got := r.ForUser("user-1")
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	r.Detach(a.ID)
	got = r.ForUser("user-1")
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	// Superseding conv-2 replaces user-1's remaining entry.
	repl := r.Attach(&fakeConn{}, "conv-2", "user-1")
	got = r.ForUser("user-1")
	require.Len(t, got, 1)
	assert.Equal(t, repl.ID, got[0].ID)

	r.Detach(repl.ID)
	assert.Empty(t, r.ForUser("user-1"))
	assert.Len(t, r.ForUser("user-2"), 1)
}

func TestReconnectSupersedesPreviousSession(t *testing.T) {
	r := newTestRegistry(t, Options{})
	oldConn, newConn := &fakeConn{}, &fakeConn{}

	old := r.Attach(oldConn, "conv-1", "user-1")
	repl := r.Attach(newConn, "conv-1", "user-1")

	waitFor(t, oldConn.isClosed)
	assert.Equal(t, StatusDisconnected, old.Status())
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, repl.ID, r.Get("conv-1").ID)

	// Events now land on the replacement only.
	r.Send("conv-1", model.StreamEvent{Type: model.StreamEventChunk, Content: "hi"})
	waitFor(t, func() bool {
		for _, ft := range newConn.frameTypes() {
			if ft == model.StreamEventChunk {
				return true
			}
		}
		return false
	})
}

func TestSendToUnknownConversationIsNoOp(t *testing.T) {
	r := newTestRegistry(t, Options{})
	// Must not panic or block.
	r.Send("missing", model.StreamEvent{Type: model.StreamEventChunk})
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	r := newTestRegistry(t, Options{SendBuffer: 2})
	conn := &blockedConn{release: make(chan struct{})}
	defer close(conn.release)

	s := r.Attach(conn, "conv-1", "user-1")

	// The writer is stuck on the first frame; fill the buffer and push
	// one more.
	for i := 0; i < 5; i++ {
		r.Send("conv-1", model.StreamEvent{Type: model.StreamEventChunk, ChunkIndex: i})
	}

	assert.Positive(t, s.ChunksDropped())
}

// blockedConn blocks every write until released.
type blockedConn struct {
	release chan struct{}
}

func (c *blockedConn) WriteJSON(_ any) error {
	<-c.release
	return nil
}
func (c *blockedConn) Ping(_ time.Time) error { return nil }
func (c *blockedConn) Close() error           { return nil }

func TestSilentSessionIsEvicted(t *testing.T) {
	r := newTestRegistry(t, Options{
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  30 * time.Millisecond,
	})
	conn := &fakeConn{}

	s := r.Attach(conn, "conv-1", "user-1")

	waitFor(t, func() bool { return r.Count() == 0 })
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.True(t, conn.isClosed())
}

func TestTouchedSessionSurvivesSweep(t *testing.T) {
	r := newTestRegistry(t, Options{
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	})
	conn := &fakeConn{}
	s := r.Attach(conn, "conv-1", "user-1")

	// Keep answering pings for a while.
	for i := 0; i < 10; i++ {
		s.Touch()
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, r.Count())
	conn.mu.Lock()
	pings := conn.pings
	conn.mu.Unlock()
	assert.Positive(t, pings)
}

func TestDetachRemovesSession(t *testing.T) {
	r := newTestRegistry(t, Options{})
	conn := &fakeConn{}
	s := r.Attach(conn, "conv-1", "user-1")

	r.Detach(s.ID)

	assert.Zero(t, r.Count())
	assert.Nil(t, r.Get("conv-1"))
	assert.True(t, conn.isClosed())
}

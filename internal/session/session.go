// Package session tracks live streaming connections and pushes events to
// them.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
)

// Status is the lifecycle state of a streaming session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Conn is the outbound side of a streaming connection. *websocket.Conn is
// adapted to this in the transport layer; tests use an in-memory fake.
type Conn interface {
	WriteJSON(v any) error
	Ping(deadline time.Time) error
	Close() error
}

// Session is one live streaming connection bound to a conversation.
type Session struct {
	ID             string
	ConversationID string
	UserID         string

	conn Conn
	send chan model.StreamEvent
	done chan struct{}

	mu     sync.Mutex
	status Status

	lastPong      atomic.Int64 // unix nanos
	closed        atomic.Bool
	chunksSent    atomic.Int64
	chunksDropped atomic.Int64

	connectedAt time.Time
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Touch records a liveness signal from the client.
func (s *Session) Touch() {
	s.lastPong.Store(time.Now().UnixNano())
}

// SilentFor reports how long the client has been quiet.
func (s *Session) SilentFor() time.Duration {
	return time.Since(time.Unix(0, s.lastPong.Load()))
}

// ChunksSent returns the number of events delivered on this session.
func (s *Session) ChunksSent() int64 { return s.chunksSent.Load() }

// ChunksDropped returns the number of events dropped due to a full
// buffer.
func (s *Session) ChunksDropped() int64 { return s.chunksDropped.Load() }

// close shuts the session down once; safe to call from multiple
// goroutines.
func (s *Session) close(status Status) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.setStatus(status)
	close(s.done)
	_ = s.conn.Close()
}

// push queues an event without blocking. Returns false on drop or when
// the session is closed.
func (s *Session) push(ev model.StreamEvent) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- ev:
		s.chunksSent.Add(1)
		return true
	default:
		s.chunksDropped.Add(1)
		return false
	}
}

// writer drains the send queue onto the connection. A write failure
// flips the session to error state and stops delivery.
func (s *Session) writer(onDead func(*Session, Status)) {
	for {
		select {
		case ev := <-s.send:
			if err := s.conn.WriteJSON(ev); err != nil {
				onDead(s, StatusError)
				return
			}
		case <-s.done:
			return
		}
	}
}

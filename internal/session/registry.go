package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// Options configure registry keepalive and buffering.
type Options struct {
	// PingInterval is how often the registry pings idle connections.
	PingInterval time.Duration
	// PongTimeout is the silence threshold after which a session is
	// evicted.
	PongTimeout time.Duration
	// SendBuffer is the per-session outbound queue size.
	SendBuffer int
}

// Registry owns all live streaming sessions. One session per
// conversation: a reconnect supersedes the previous session.
type Registry struct {
	logger *logger.Logger
	opts   Options

	mu             sync.RWMutex
	sessions       map[string]*Session
	byConversation map[string]string
	byUser         map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a session registry and starts its keepalive loop.
func NewRegistry(log *logger.Logger, opts Options) *Registry {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	r := &Registry{
		logger:         log,
		opts:           opts,
		sessions:       make(map[string]*Session),
		byConversation: make(map[string]string),
		byUser:         make(map[string]map[string]struct{}),
		stop:           make(chan struct{}),
	}
	go r.keepalive()
	return r
}

// Attach registers a new session for a conversation. An existing session
// for the same conversation is superseded and closed.
func (r *Registry) Attach(conn Conn, conversationID, userID string) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		conn:           conn,
		send:           make(chan model.StreamEvent, r.opts.SendBuffer),
		done:           make(chan struct{}),
		status:         StatusConnecting,
		connectedAt:    time.Now(),
	}
	s.Touch()

	r.mu.Lock()
	if oldID, ok := r.byConversation[conversationID]; ok {
		if old := r.sessions[oldID]; old != nil {
			delete(r.sessions, oldID)
			r.removeUserRefLocked(old)
			r.logger.Infow("session superseded",
				"conversation_id", conversationID, "old_session_id", oldID)
			go old.close(StatusDisconnected)
		}
	}
	r.sessions[s.ID] = s
	r.byConversation[conversationID] = s.ID
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][s.ID] = struct{}{}
	r.mu.Unlock()

	metrics.StreamSessionsActive.Inc()
	s.setStatus(StatusConnected)
	go s.writer(r.evict)

	s.push(model.StreamEvent{
		Type:           model.StreamEventConnected,
		ConversationID: conversationID,
		SessionID:      s.ID,
		Timestamp:      time.Now(),
	})
	return s
}

// Detach closes and removes a session. Used on clean client disconnect.
func (r *Registry) Detach(sessionID string) {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s != nil {
		r.evict(s, StatusDisconnected)
	}
}

// ForUser returns all live sessions belonging to a user, across
// conversations.
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s := r.sessions[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// removeUserRefLocked drops a session from the user index. Caller holds
// r.mu.
func (r *Registry) removeUserRefLocked(s *Session) {
	if ids := r.byUser[s.UserID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// Get returns the live session for a conversation, or nil.
func (r *Registry) Get(conversationID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byConversation[conversationID]; ok {
		return r.sessions[id]
	}
	return nil
}

// Send pushes an event to the conversation's session without blocking.
// No session means a silent no-op; the conversation itself does not
// require a live connection. A full buffer drops the event.
func (r *Registry) Send(conversationID string, ev model.StreamEvent) {
	s := r.Get(conversationID)
	if s == nil {
		return
	}
	if !s.push(ev) {
		metrics.StreamChunksDropped.Inc()
		r.logger.Warnw("stream buffer full, dropping event",
			"conversation_id", conversationID,
			"session_id", s.ID,
			"event_type", ev.Type)
	}
}

// MarkActive flags a session as mid-generation.
func (r *Registry) MarkActive(sessionID string) { r.mark(sessionID, StatusActive) }

// MarkIdle flags a session as between turns.
func (r *Registry) MarkIdle(sessionID string) { r.mark(sessionID, StatusIdle) }

func (r *Registry) mark(sessionID string, status Status) {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s != nil && !s.closed.Load() {
		s.setStatus(status)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close shuts down the registry and every live session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.byConversation = make(map[string]string)
	r.byUser = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, s := range sessions {
		s.close(StatusDisconnected)
		metrics.StreamSessionsActive.Dec()
	}
}

// evict removes a session from the maps and closes it.
func (r *Registry) evict(s *Session, status Status) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		delete(r.sessions, s.ID)
		if r.byConversation[s.ConversationID] == s.ID {
			delete(r.byConversation, s.ConversationID)
		}
		r.removeUserRefLocked(s)
		metrics.StreamSessionsActive.Dec()
	}
	r.mu.Unlock()

	s.close(status)
}

// keepalive pings every session on an interval and evicts the ones that
// have gone silent past the pong timeout.
func (r *Registry) keepalive() {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if s.SilentFor() > r.opts.PongTimeout {
			r.logger.Infow("evicting silent session",
				"session_id", s.ID,
				"conversation_id", s.ConversationID,
				"silent_for", s.SilentFor().String())
			r.evict(s, StatusDisconnected)
			continue
		}
		if err := s.conn.Ping(time.Now().Add(r.opts.PingInterval)); err != nil {
			r.evict(s, StatusError)
		}
	}
}

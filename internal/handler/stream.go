package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/llm"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/middleware"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/service"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/session"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// StreamHandler upgrades connections to WebSocket and runs streamed
// message turns over them.
type StreamHandler struct {
	service  *service.ConversationService
	registry *session.Registry
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(svc *service.ConversationService, registry *session.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service:  svc,
		registry: registry,
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement happens at the gateway in front of this
			// service.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// wsConn adapts *websocket.Conn to the session transport. Writes are
// serialized; gorilla allows one concurrent writer only.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// inboundFrame is one client frame on the stream socket.
type inboundFrame struct {
	Type    string                `json:"type"`
	Content string                `json:"content,omitempty"`
	Options *model.MessageOptions `json:"options,omitempty"`
}

// Connect handles GET /api/v1/conversations/{conversationID}/stream
func (h *StreamHandler) Connect(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	userID := middleware.GetUserID(r.Context())

	// Ownership and liveness are checked before the upgrade so the
	// client gets a proper HTTP status.
	if _, err := h.service.Get(r.Context(), conversationID, userID); err != nil {
		writeEngineError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "conversation_id", conversationID, "error", err)
		return
	}

	ws := &wsConn{conn: conn}
	sess := h.registry.Attach(ws, conversationID, userID)

	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return nil
	})

	h.logger.Infow("stream connected",
		"conversation_id", conversationID, "session_id", sess.ID, "user_id", userID)

	defer h.registry.Detach(sess.ID)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warnw("stream read failed", "session_id", sess.ID, "error", err)
			}
			return
		}
		sess.Touch()

		switch frame.Type {
		case "message":
			h.runStreamedTurn(r, sess, frame)
		case "ping":
			h.registry.Send(conversationID, model.StreamEvent{
				Type:      model.StreamEventKeepalive,
				SessionID: sess.ID,
				Timestamp: time.Now(),
			})
		default:
			h.registry.Send(conversationID, model.StreamEvent{
				Type:      model.StreamEventError,
				Code:      "validation_error",
				Content:   "unknown frame type",
				Timestamp: time.Now(),
			})
		}
	}
}

func (h *StreamHandler) runStreamedTurn(r *http.Request, sess *session.Session, frame inboundFrame) {
	conversationID := sess.ConversationID
	h.registry.MarkActive(sess.ID)
	defer h.registry.MarkIdle(sess.ID)

	resp, err := h.service.StreamMessage(r.Context(), conversationID, sess.UserID,
		&model.SendMessageRequest{Content: frame.Content, Options: frame.Options},
		func(chunk llm.Chunk) error {
			h.registry.Send(conversationID, model.StreamEvent{
				Type:           model.StreamEventChunk,
				ConversationID: conversationID,
				Content:        chunk.Content,
				ChunkIndex:     chunk.Index,
				IsComplete:     chunk.IsComplete,
				Timestamp:      time.Now(),
			})
			return nil
		})
	if err != nil {
		h.registry.Send(conversationID, model.StreamEvent{
			Type:           model.StreamEventError,
			ConversationID: conversationID,
			Code:           errorCode(err),
			Timestamp:      time.Now(),
		})
		return
	}

	h.registry.Send(conversationID, model.StreamEvent{
		Type:           model.StreamEventUserMessage,
		ConversationID: conversationID,
		Message:        resp.UserMessage,
		Timestamp:      time.Now(),
	})
	h.registry.Send(conversationID, model.StreamEvent{
		Type:           model.StreamEventMessageComplete,
		ConversationID: conversationID,
		Message:        resp.AssistantMessage,
		Timestamp:      time.Now(),
	})
}

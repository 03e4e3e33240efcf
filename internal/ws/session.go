package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"notewire/api/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Session is one live connection: a principal bound to a note. Created only
// after admission succeeds, destroyed on disconnect or forced close.
type Session struct {
	broker    *Broker
	conn      *websocket.Conn
	principal Principal
	noteID    string
	// role is the admission-time resolution, kept as a UI hint only.
	// Mutating paths re-derive authorization through the gate.
	role   rbac.Role
	send   chan []byte
	closed atomic.Bool
}

func newSession(broker *Broker, conn *websocket.Conn, principal Principal, noteID string, role rbac.Role) *Session {
	return &Session{
		broker:    broker,
		conn:      conn,
		principal: principal,
		noteID:    noteID,
		role:      role,
		send:      make(chan []byte, sendBuffer),
	}
}

// abort marks the session dead and tears down the transport. Room removal
// happens in readPump's disconnect path.
func (s *Session) abort() {
	s.closed.Store(true)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// sendEvent stamps and enqueues a private message for this session only.
func (s *Session) sendEvent(payload map[string]any) {
	payload["timestamp"] = s.broker.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: marshal event for %s: %v", s.principal.Name, err)
		return
	}
	if s.closed.Load() {
		return
	}
	select {
	case s.send <- data:
	default:
		s.abort()
	}
}

func (s *Session) sendError(message string) {
	s.sendEvent(map[string]any{
		"type":    "error",
		"message": message,
	})
}

func (s *Session) readPump() {
	defer func() {
		s.broker.disconnect(s)
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read from %s: %v", s.principal.Name, err)
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage is the single dispatch point for inbound events. Unknown
// types and malformed payloads answer with a private error and have no
// other effect.
func (s *Session) handleMessage(data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		if errors.Is(err, errUnknownType) {
			s.sendError("Unknown message type")
		} else {
			s.sendError("Invalid message format")
		}
		return
	}

	switch msg.Type {
	case TypeJoinNote:
		// Already a room member after admission; just acknowledge.
		s.sendEvent(map[string]any{
			"type":   "joined",
			"noteId": s.noteID,
		})
	case TypeEditNote:
		s.handleEdit(msg)
	case TypeLiveTyping, TypeLiveEdit:
		s.handleLive(msg)
	case TypeCursorPosition:
		payload := map[string]any{
			"type": TypeCursorPosition,
			"user": s.principal,
		}
		if len(msg.Position) > 0 {
			payload["position"] = json.RawMessage(msg.Position)
		}
		s.broker.broadcast(s.noteID, payload, s)
	case TypeTypingStart:
		s.broker.recordTyping(s.noteID, s.principal)
		s.broadcastTypers()
	case TypeTypingStop:
		s.broker.clearTyping(s.noteID, s.principal.ID)
		s.broadcastTypers()
	case TypeSaveNote:
		s.handleSave(msg)
	}
}

func (s *Session) broadcastTypers() {
	s.broker.broadcast(s.noteID, map[string]any{
		"type":   "typing_users",
		"noteId": s.noteID,
		"users":  s.broker.ListActiveTypers(s.noteID),
	}, s)
}

func (s *Session) handleEdit(msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	grant, err := s.broker.gate.Resolve(ctx, s.principal.ID, s.noteID)
	if err != nil || !rbac.Can(grant.Role, rbac.ActionWrite) {
		s.sendError("You do not have permission to edit this note")
		return
	}

	note, err := s.broker.store.UpdateNoteFields(ctx, s.noteID, msg.Title, msg.Content)
	if err != nil {
		log.Printf("ws: update note %s: %v", s.noteID, err)
		s.sendError("Failed to update note")
		return
	}

	s.broker.broadcast(s.noteID, map[string]any{
		"type":      "note_updated",
		"noteId":    s.noteID,
		"title":     note.Title,
		"content":   note.Content,
		"updatedBy": s.principal,
	}, s)
}

// handleLive relays an in-progress edit and seeds the autosave buffer. It
// is deliberately not role-gated: nothing here touches storage directly,
// and the eventual flush still goes through an authorized save path or the
// best-effort autosave.
func (s *Session) handleLive(msg clientMessage) {
	s.broker.scheduleAutosave(s.noteID, msg.Title, msg.Content)

	payload := map[string]any{
		"type":   msg.Type,
		"noteId": s.noteID,
		"user":   s.principal,
	}
	if msg.Title != nil {
		payload["title"] = *msg.Title
	}
	if msg.Content != nil {
		payload["content"] = *msg.Content
	}
	if len(msg.Cursor) > 0 {
		payload["cursor"] = json.RawMessage(msg.Cursor)
	}
	s.broker.broadcast(s.noteID, payload, s)
}

func (s *Session) handleSave(msg clientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	grant, err := s.broker.gate.Resolve(ctx, s.principal.ID, s.noteID)
	if err != nil || !rbac.Can(grant.Role, rbac.ActionWrite) {
		s.sendError("You do not have permission to save this note")
		return
	}

	// Disarm the debounce before writing so the explicit save cannot race
	// a flush of staler content.
	s.broker.cancelAutosave(s.noteID)

	note, err := s.broker.store.UpdateNoteFields(ctx, s.noteID, msg.Title, msg.Content)
	if err != nil {
		log.Printf("ws: save note %s: %v", s.noteID, err)
		s.sendError("Failed to save note")
		return
	}

	s.broker.broadcast(s.noteID, map[string]any{
		"type":    "note_saved",
		"noteId":  s.noteID,
		"title":   note.Title,
		"content": note.Content,
		"savedBy": s.principal,
	}, nil)
	s.sendEvent(map[string]any{
		"type":   "save_success",
		"noteId": s.noteID,
	})
}

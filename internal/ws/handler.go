package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const admissionTimeout = 10 * time.Second

// Handler upgrades connections on /ws/notes/{id} and runs the admission
// protocol: path, credential, identity, access — in that order, with no
// partial success. Every failure closes the socket with a policy code; a
// session is registered in its room only after all steps pass.
type Handler struct {
	broker   *Broker
	verifier IdentityVerifier
	upgrader websocket.Upgrader
}

func NewHandler(broker *Broker, verifier IdentityVerifier) *Handler {
	return &Handler{
		broker:   broker,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is origin-agnostic; auth happens via bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	noteID := noteIDFromPath(r.URL.Path)
	token := bearerCredential(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		log.Printf("ws: upgrade: %v", err)
		return
	}

	if noteID == "" {
		closePolicy(conn, "Note ID required")
		return
	}
	if token == "" {
		closePolicy(conn, "Authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), admissionTimeout)
	defer cancel()

	principal, err := h.verifier.Identify(ctx, token)
	if err != nil {
		closePolicy(conn, "Authentication failed")
		return
	}

	grant, err := h.broker.gate.Resolve(ctx, principal.ID, noteID)
	if err != nil {
		// NotFound and Forbidden close identically: the client learns
		// nothing about whether the note exists.
		closePolicy(conn, "Access denied")
		return
	}

	sess := newSession(h.broker, conn, principal, noteID, grant.Role)
	h.broker.join(sess)

	sess.sendEvent(map[string]any{
		"type":    "connected",
		"message": "Connected to note: " + grant.Note.Title,
		"noteId":  noteID,
		"user":    principal,
		"role":    string(grant.Role),
	})
	h.broker.broadcast(noteID, map[string]any{
		"type": "user_joined",
		"user": principal,
	}, sess)

	go sess.writePump()
	sess.readPump()
}

// noteIDFromPath extracts the note id from /ws/notes/{id}; empty on any
// other shape.
func noteIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "ws" || parts[1] != "notes" {
		return ""
	}
	return parts[2]
}

// bearerCredential reads the token from the query string or the
// Authorization header.
func bearerCredential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func closePolicy(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

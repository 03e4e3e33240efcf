// Package ws is the real-time collaboration broker: it admits WebSocket
// connections scoped to a note, tracks per-note membership and typing
// presence, fans out edit/cursor events, and reconciles live edits into
// durable storage through a debounced autosave.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"notewire/api/internal/access"
	"notewire/api/internal/store"
)

const (
	defaultTypingTTL     = 5 * time.Second
	defaultAutosaveDelay = 2 * time.Second
	storeTimeout         = 10 * time.Second
)

// Principal identifies an admitted user. Resolved once at admission and
// immutable for the lifetime of the connection.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"username"`
}

// IdentityVerifier resolves a bearer credential to a principal.
type IdentityVerifier interface {
	Identify(ctx context.Context, token string) (Principal, error)
}

// NoteStore is the slice of durable storage the broker consumes.
type NoteStore interface {
	UpdateNoteFields(ctx context.Context, noteID string, title, content *string) (store.Note, error)
}

// AccessGate re-derives a user's role on a note. Called at admission and
// again before every persisted write, since a share can be revoked
// mid-session.
type AccessGate interface {
	Resolve(ctx context.Context, userID, noteID string) (access.Grant, error)
}

type typingEntry struct {
	principal Principal
	seenAt    time.Time
}

type pendingEdit struct {
	title   *string
	content *string
	timer   *time.Timer
}

// Broker owns all shared collaboration state. One mutex guards the room,
// typing and pending-edit maps; nothing is global, so tests can run
// multiple independent brokers.
type Broker struct {
	store NoteStore
	gate  AccessGate

	typingTTL     time.Duration
	autosaveDelay time.Duration
	now           func() time.Time

	mu      sync.Mutex
	rooms   map[string]map[*Session]struct{}
	typing  map[string]map[string]typingEntry
	pending map[string]*pendingEdit
}

func NewBroker(noteStore NoteStore, gate AccessGate, typingTTL, autosaveDelay time.Duration) *Broker {
	if typingTTL <= 0 {
		typingTTL = defaultTypingTTL
	}
	if autosaveDelay <= 0 {
		autosaveDelay = defaultAutosaveDelay
	}
	return &Broker{
		store:         noteStore,
		gate:          gate,
		typingTTL:     typingTTL,
		autosaveDelay: autosaveDelay,
		now:           time.Now,
		rooms:         make(map[string]map[*Session]struct{}),
		typing:        make(map[string]map[string]typingEntry),
		pending:       make(map[string]*pendingEdit),
	}
}

func (b *Broker) join(s *Session) {
	b.mu.Lock()
	room := b.rooms[s.noteID]
	if room == nil {
		room = make(map[*Session]struct{})
		b.rooms[s.noteID] = room
	}
	room[s] = struct{}{}
	b.mu.Unlock()
	log.Printf("ws: %s joined note %s", s.principal.Name, s.noteID)
}

// disconnect removes the session from its room and the typing map before
// any further broadcast can be computed, then announces the departure.
// Safe to call more than once.
func (b *Broker) disconnect(s *Session) {
	b.mu.Lock()
	room := b.rooms[s.noteID]
	if _, ok := room[s]; !ok {
		b.mu.Unlock()
		return
	}
	s.closed.Store(true)
	delete(room, s)
	if len(room) == 0 {
		delete(b.rooms, s.noteID)
	}
	if typers := b.typing[s.noteID]; typers != nil {
		delete(typers, s.principal.ID)
		if len(typers) == 0 {
			delete(b.typing, s.noteID)
		}
	}
	b.mu.Unlock()

	close(s.send)
	b.broadcast(s.noteID, map[string]any{
		"type": "user_left",
		"user": s.principal,
	}, nil)
	log.Printf("ws: %s left note %s", s.principal.Name, s.noteID)
}

// broadcast delivers payload to every open session in the room except the
// excluded one. Enqueueing happens under the broker lock, so every
// recipient observes room messages in the same relative order.
func (b *Broker) broadcast(noteID string, payload map[string]any, exclude *Session) {
	payload["timestamp"] = b.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: marshal broadcast for note %s: %v", noteID, err)
		return
	}

	b.mu.Lock()
	for sess := range b.rooms[noteID] {
		if sess == exclude || sess.closed.Load() {
			continue
		}
		select {
		case sess.send <- data:
		default:
			// A full buffer means a stalled reader. Drop the connection
			// rather than block or reorder the room; readPump cleanup
			// will run the usual disconnect path.
			sess.abort()
		}
	}
	b.mu.Unlock()
}

// RoomSize reports the current number of live sessions for a note.
func (b *Broker) RoomSize(noteID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[noteID])
}

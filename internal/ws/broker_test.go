package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notewire/api/internal/access"
	"notewire/api/internal/rbac"
	"notewire/api/internal/store"
)

type recordedWrite struct {
	noteID  string
	title   *string
	content *string
}

type fakeNoteStore struct {
	mu     sync.Mutex
	writes []recordedWrite
	err    error
}

func (f *fakeNoteStore) UpdateNoteFields(_ context.Context, noteID string, title, content *string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Note{}, f.err
	}
	f.writes = append(f.writes, recordedWrite{noteID: noteID, title: title, content: content})
	note := store.Note{ID: noteID, Title: "Untitled", Content: ""}
	if title != nil {
		note.Title = *title
	}
	if content != nil {
		note.Content = *content
	}
	return note, nil
}

func (f *fakeNoteStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeNoteStore) lastWrite() recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[len(f.writes)-1]
}

type fakeGate struct {
	role rbac.Role
	err  error
}

func (f *fakeGate) Resolve(_ context.Context, _, noteID string) (access.Grant, error) {
	if f.err != nil {
		return access.Grant{}, f.err
	}
	return access.Grant{Note: store.Note{ID: noteID, Title: "Shared plans"}, Role: f.role}, nil
}

func newTestBroker(t *testing.T, noteStore NoteStore, gate AccessGate) *Broker {
	t.Helper()
	if noteStore == nil {
		noteStore = &fakeNoteStore{}
	}
	if gate == nil {
		gate = &fakeGate{role: rbac.RoleEditor}
	}
	return NewBroker(noteStore, gate, 0, 20*time.Millisecond)
}

func addTestSession(b *Broker, userID, name, noteID string) *Session {
	sess := newSession(b, nil, Principal{ID: userID, Name: name}, noteID, rbac.RoleEditor)
	b.join(sess)
	return sess
}

func recvEvent(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if !ok {
			t.Fatal("send channel closed while expecting an event")
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if ok {
			t.Fatalf("expected no event, got %s", data)
		}
	default:
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")
	carol := addTestSession(b, "u3", "carol", "note-1")

	alice.handleMessage([]byte(`{"type":"cursor_position","position":{"line":3,"ch":14}}`))

	for _, other := range []*Session{bob, carol} {
		event := recvEvent(t, other)
		if event["type"] != "cursor_position" {
			t.Fatalf("expected cursor_position, got %v", event["type"])
		}
		if _, ok := event["timestamp"].(string); !ok {
			t.Fatal("expected timestamp on broadcast")
		}
		user := event["user"].(map[string]any)
		if user["username"] != "alice" {
			t.Fatalf("expected originating user alice, got %v", user)
		}
	}
	expectNoEvent(t, alice)
}

func TestBroadcastDoesNotCrossRooms(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-2")

	alice.handleMessage([]byte(`{"type":"cursor_position","position":1}`))

	expectNoEvent(t, bob)
}

func TestBroadcastOrderPerRecipient(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"type":"cursor_position","position":%d}`, i)
		alice.handleMessage([]byte(payload))
	}

	for i := 0; i < 5; i++ {
		event := recvEvent(t, bob)
		if got := int(event["position"].(float64)); got != i {
			t.Fatalf("expected position %d at index %d, got %d", i, i, got)
		}
	}
}

func TestTypingListIncludesRecentTyper(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"typing_start"}`))

	event := recvEvent(t, bob)
	if event["type"] != "typing_users" {
		t.Fatalf("expected typing_users, got %v", event["type"])
	}
	users := event["users"].([]any)
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected [alice], got %v", users)
	}
	expectNoEvent(t, alice)
}

func TestTypingEntryExpiresWithoutStop(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	b.recordTyping("note-1", Principal{ID: "u1", Name: "alice"})

	if got := b.ListActiveTypers("note-1"); len(got) != 1 {
		t.Fatalf("expected alice listed, got %v", got)
	}

	// Shift the clock past the TTL; the next read must evict, no
	// typing_stop required.
	base := time.Now()
	b.now = func() time.Time { return base.Add(b.typingTTL + time.Second) }

	if got := b.ListActiveTypers("note-1"); len(got) != 0 {
		t.Fatalf("expected expired typer to be evicted, got %v", got)
	}
	// Physically removed too, not just filtered.
	b.mu.Lock()
	_, present := b.typing["note-1"]
	b.mu.Unlock()
	if present {
		t.Fatal("expected empty typing map to be deleted")
	}
}

func TestTypingStopClearsEntry(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"typing_start"}`))
	recvEvent(t, bob)

	alice.handleMessage([]byte(`{"type":"typing_stop"}`))
	event := recvEvent(t, bob)
	users := event["users"].([]any)
	if len(users) != 0 {
		t.Fatalf("expected empty typing list, got %v", users)
	}
}

func TestAutosaveCoalescesIntoOneWrite(t *testing.T) {
	fs := &fakeNoteStore{}
	b := newTestBroker(t, fs, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"live_typing","title":"Trip plan","content":"draft one"}`))
	alice.handleMessage([]byte(`{"type":"live_typing","content":"draft two"}`))

	deadline := time.Now().Add(2 * time.Second)
	for fs.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Allow a second (incorrect) write to surface before asserting.
	time.Sleep(60 * time.Millisecond)

	if got := fs.writeCount(); got != 1 {
		t.Fatalf("expected exactly one autosave write, got %d", got)
	}
	write := fs.lastWrite()
	if write.title == nil || *write.title != "Trip plan" {
		t.Fatalf("expected title from first event to survive the merge, got %v", write.title)
	}
	if write.content == nil || *write.content != "draft two" {
		t.Fatalf("expected content from second event to win, got %v", write.content)
	}

	// Both room members hear the auto_saved notification; live relays
	// went to bob only.
	relay := recvEvent(t, bob)
	if relay["type"] != "live_typing" {
		t.Fatalf("expected live_typing relay, got %v", relay["type"])
	}
	recvEvent(t, bob)
	saved := recvEvent(t, bob)
	if saved["type"] != "auto_saved" {
		t.Fatalf("expected auto_saved, got %v", saved["type"])
	}
	savedForSender := recvEvent(t, alice)
	if savedForSender["type"] != "auto_saved" {
		t.Fatalf("expected auto_saved for sender too, got %v", savedForSender["type"])
	}
}

func TestAutosaveFlushFailureIsSwallowed(t *testing.T) {
	fs := &fakeNoteStore{err: errors.New("storage down")}
	b := newTestBroker(t, fs, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")

	alice.handleMessage([]byte(`{"type":"live_typing","content":"doomed"}`))

	time.Sleep(80 * time.Millisecond)
	// No auto_saved broadcast and no in-band error: the failure is local
	// to the log.
	expectNoEvent(t, alice)
}

func TestExplicitSaveCancelsPendingAutosave(t *testing.T) {
	fs := &fakeNoteStore{}
	b := newTestBroker(t, fs, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")

	alice.handleMessage([]byte(`{"type":"live_typing","content":"buffered"}`))
	alice.handleMessage([]byte(`{"type":"save_note","content":"final"}`))

	time.Sleep(80 * time.Millisecond)

	if got := fs.writeCount(); got != 1 {
		t.Fatalf("expected exactly one write (the explicit save), got %d", got)
	}
	write := fs.lastWrite()
	if write.content == nil || *write.content != "final" {
		t.Fatalf("expected explicit save content, got %v", write.content)
	}

	saved := recvEvent(t, alice)
	if saved["type"] != "note_saved" {
		t.Fatalf("expected note_saved for the sender, got %v", saved["type"])
	}
	ack := recvEvent(t, alice)
	if ack["type"] != "save_success" {
		t.Fatalf("expected save_success ack, got %v", ack["type"])
	}
}

func TestEditPersistsAndBroadcasts(t *testing.T) {
	fs := &fakeNoteStore{}
	b := newTestBroker(t, fs, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"edit_note","title":"Renamed","content":"hello"}`))

	if got := fs.writeCount(); got != 1 {
		t.Fatalf("expected one write, got %d", got)
	}

	event := recvEvent(t, bob)
	if event["type"] != "note_updated" {
		t.Fatalf("expected note_updated, got %v", event["type"])
	}
	if event["title"] != "Renamed" || event["content"] != "hello" {
		t.Fatalf("unexpected payload: %v", event)
	}
	expectNoEvent(t, alice)
}

func TestViewerCannotEditOrSave(t *testing.T) {
	fs := &fakeNoteStore{}
	b := newTestBroker(t, fs, &fakeGate{role: rbac.RoleViewer})
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	for _, raw := range []string{
		`{"type":"edit_note","content":"sneaky"}`,
		`{"type":"save_note","content":"sneaky"}`,
	} {
		alice.handleMessage([]byte(raw))
		event := recvEvent(t, alice)
		if event["type"] != "error" {
			t.Fatalf("expected private error, got %v", event)
		}
	}
	if got := fs.writeCount(); got != 0 {
		t.Fatalf("expected zero writes from a viewer, got %d", got)
	}
	expectNoEvent(t, bob)
}

func TestRevokedAccessDeniedMidSession(t *testing.T) {
	fs := &fakeNoteStore{}
	b := newTestBroker(t, fs, &fakeGate{err: access.ErrForbidden})
	alice := addTestSession(b, "u1", "alice", "note-1")

	alice.handleMessage([]byte(`{"type":"edit_note","content":"after revoke"}`))

	event := recvEvent(t, alice)
	if event["type"] != "error" {
		t.Fatalf("expected private error after revocation, got %v", event)
	}
	if got := fs.writeCount(); got != 0 {
		t.Fatalf("expected zero writes, got %d", got)
	}
}

func TestEditFailureReportedOnlyToRequester(t *testing.T) {
	fs := &fakeNoteStore{err: errors.New("storage down")}
	b := newTestBroker(t, fs, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"edit_note","content":"lost"}`))

	event := recvEvent(t, alice)
	if event["type"] != "error" {
		t.Fatalf("expected private error, got %v", event)
	}
	expectNoEvent(t, bob)
}

func TestUnknownTypeAndMalformedPayload(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")

	alice.handleMessage([]byte(`{"type":"self_destruct"}`))
	event := recvEvent(t, alice)
	if event["type"] != "error" || event["message"] != "Unknown message type" {
		t.Fatalf("expected unknown-type error, got %v", event)
	}

	alice.handleMessage([]byte(`{not json`))
	event = recvEvent(t, alice)
	if event["type"] != "error" || event["message"] != "Invalid message format" {
		t.Fatalf("expected format error, got %v", event)
	}

	// Still connected: a valid message works afterwards.
	alice.handleMessage([]byte(`{"type":"join_note"}`))
	event = recvEvent(t, alice)
	if event["type"] != "joined" {
		t.Fatalf("expected joined ack, got %v", event)
	}
}

func TestDisconnectCleansRoomAndPresence(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")
	bob := addTestSession(b, "u2", "bob", "note-1")

	alice.handleMessage([]byte(`{"type":"typing_start"}`))
	recvEvent(t, bob)

	b.disconnect(alice)

	if got := b.RoomSize("note-1"); got != 1 {
		t.Fatalf("expected room size 1, got %d", got)
	}
	if got := b.ListActiveTypers("note-1"); len(got) != 0 {
		t.Fatalf("expected typing list cleared on disconnect, got %v", got)
	}

	event := recvEvent(t, bob)
	if event["type"] != "user_left" {
		t.Fatalf("expected user_left, got %v", event["type"])
	}

	// Idempotent: a second disconnect is a no-op, not a double close.
	b.disconnect(alice)

	// Later broadcasts never reach the closed session.
	bob.handleMessage([]byte(`{"type":"cursor_position","position":1}`))
	if _, ok := <-alice.send; ok {
		t.Fatal("expected no delivery to a closed session")
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	b := newTestBroker(t, nil, nil)
	alice := addTestSession(b, "u1", "alice", "note-1")

	b.disconnect(alice)

	b.mu.Lock()
	_, present := b.rooms["note-1"]
	b.mu.Unlock()
	if present {
		t.Fatal("expected empty room to be deleted")
	}
}

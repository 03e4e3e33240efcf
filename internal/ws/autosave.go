package ws

import (
	"context"
	"log"
	"time"
)

// scheduleAutosave merges a partial payload into the note's pending edit
// buffer and re-arms the debounce timer. At most one timer is outstanding
// per note: arming cancels any prior one. Merging is a field-wise
// overwrite, so a later content always wins over an earlier one
// independently of title.
func (b *Broker) scheduleAutosave(noteID string, title, content *string) {
	if title == nil && content == nil {
		return
	}
	b.mu.Lock()
	pe := b.pending[noteID]
	if pe == nil {
		pe = &pendingEdit{}
		b.pending[noteID] = pe
	}
	if pe.timer != nil {
		pe.timer.Stop()
	}
	if title != nil {
		pe.title = title
	}
	if content != nil {
		pe.content = content
	}
	pe.timer = time.AfterFunc(b.autosaveDelay, func() { b.flushAutosave(noteID) })
	b.mu.Unlock()
}

// flushAutosave takes the pending buffer, clears it, and writes it as one
// partial update. Failures are logged and dropped: the next live edit
// re-arms the timer with fresher content, which is the only retry.
func (b *Broker) flushAutosave(noteID string) {
	b.mu.Lock()
	pe := b.pending[noteID]
	if pe == nil {
		b.mu.Unlock()
		return
	}
	delete(b.pending, noteID)
	title, content := pe.title, pe.content
	b.mu.Unlock()

	if title == nil && content == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := b.store.UpdateNoteFields(ctx, noteID, title, content); err != nil {
		log.Printf("ws: autosave flush for note %s: %v", noteID, err)
		return
	}

	b.broadcast(noteID, map[string]any{
		"type":   "auto_saved",
		"noteId": noteID,
	}, nil)
}

// cancelAutosave disarms the note's timer and discards the pending buffer.
// Used by explicit saves, whose payload supersedes anything buffered; the
// cancellation completes before the explicit write begins.
func (b *Broker) cancelAutosave(noteID string) {
	b.mu.Lock()
	if pe := b.pending[noteID]; pe != nil {
		if pe.timer != nil {
			pe.timer.Stop()
		}
		delete(b.pending, noteID)
	}
	b.mu.Unlock()
}

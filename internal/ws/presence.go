package ws

import "sort"

// recordTyping upserts the typing marker for a principal. Broadcasting the
// recomputed list is the caller's job.
func (b *Broker) recordTyping(noteID string, p Principal) {
	b.mu.Lock()
	typers := b.typing[noteID]
	if typers == nil {
		typers = make(map[string]typingEntry)
		b.typing[noteID] = typers
	}
	typers[p.ID] = typingEntry{principal: p, seenAt: b.now()}
	b.mu.Unlock()
}

func (b *Broker) clearTyping(noteID, userID string) {
	b.mu.Lock()
	if typers := b.typing[noteID]; typers != nil {
		delete(typers, userID)
		if len(typers) == 0 {
			delete(b.typing, noteID)
		}
	}
	b.mu.Unlock()
}

// ListActiveTypers returns the display names of principals still inside the
// typing TTL window. Expired entries are evicted as a side effect of the
// read; there is no background sweeper.
func (b *Broker) ListActiveTypers(noteID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	typers := b.typing[noteID]
	cutoff := b.now().Add(-b.typingTTL)
	names := make([]string, 0, len(typers))
	for id, entry := range typers {
		if !entry.seenAt.After(cutoff) {
			delete(typers, id)
			continue
		}
		names = append(names, entry.principal.Name)
	}
	if len(typers) == 0 {
		delete(b.typing, noteID)
	}
	sort.Strings(names)
	return names
}

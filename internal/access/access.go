// Package access resolves what a user may do with a note. It is the single
// authorization entry point for both connection admission and every mutating
// operation, since a share can be revoked mid-session.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notewire/api/internal/rbac"
	"notewire/api/internal/store"
)

var (
	ErrNotFound  = errors.New("note not found")
	ErrForbidden = errors.New("access denied")
)

// Grant is a successful access resolution: the note plus the caller's role.
type Grant struct {
	Note store.Note
	Role rbac.Role
}

type NoteStore interface {
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	GetNoteShareRole(ctx context.Context, noteID, userID string) (string, error)
}

type Gate struct {
	store NoteStore
}

func NewGate(store NoteStore) *Gate {
	return &Gate{store: store}
}

// Resolve maps (user, note) to a role. Ownership beats any share relation;
// otherwise the share's stored role applies. ErrNotFound when the note does
// not exist, ErrForbidden when it exists but the user has no relation to it.
func (g *Gate) Resolve(ctx context.Context, userID, noteID string) (Grant, error) {
	note, err := g.store.GetNote(ctx, noteID)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("resolve note: %w", err)
	}

	if note.UserID == userID {
		return Grant{Note: note, Role: rbac.RoleOwner}, nil
	}

	role, err := g.store.GetNoteShareRole(ctx, noteID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrForbidden
	}
	if err != nil {
		return Grant{}, fmt.Errorf("resolve share: %w", err)
	}
	return Grant{Note: note, Role: rbac.Normalize(role)}, nil
}

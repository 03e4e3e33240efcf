package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"notewire/api/internal/access"
	"notewire/api/internal/auth"
	"notewire/api/internal/authpw"
	"notewire/api/internal/rbac"
	"notewire/api/internal/search"
	"notewire/api/internal/store"
	"notewire/api/internal/util"
	"notewire/api/internal/ws"
)

// Store is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests use a function-field fake.
type Store interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)

	ListNotes(ctx context.Context, userID string) ([]store.Note, error)
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	InsertNote(ctx context.Context, note store.Note) (store.Note, error)
	UpdateNoteFields(ctx context.Context, noteID string, title, content *string) (store.Note, error)
	MoveNote(ctx context.Context, noteID string, folderID *string) error
	DeleteNote(ctx context.Context, noteID string) error
	ListSharedNotes(ctx context.Context, userID string) ([]store.SharedNote, error)

	UpsertNoteShare(ctx context.Context, noteID, userID, role string) error
	ListNoteShares(ctx context.Context, noteID string) ([]store.NoteShare, error)
	DeleteNoteShare(ctx context.Context, noteID, userID string) error
	GetNoteShareRole(ctx context.Context, noteID, userID string) (string, error)

	ListFolders(ctx context.Context, userID string) ([]store.Folder, error)
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	InsertFolder(ctx context.Context, folder store.Folder) (store.Folder, error)
	UpdateFolder(ctx context.Context, folderID, name string) error
	DeleteFolder(ctx context.Context, folderID string) error

	Ping(ctx context.Context) error
}

// SessionStore holds refresh sessions, keyed by sha256 token hash.
// Backed by Redis when configured, Postgres otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// SearchIndex is the slice of the search service the app uses. May be nil.
type SearchIndex interface {
	Search(ctx context.Context, q search.Query) (search.Page, error)
	NoteChanged(note store.Note, sharedWith []string)
	NoteRemoved(noteID string)
}

// Session is an authenticated caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	ExpiresAt    time.Time
}

type Service struct {
	store      Store
	sessions   SessionStore
	gate       *access.Gate
	passwords  *authpw.Service
	search     SearchIndex
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewService(st Store, sessions SessionStore, gate *access.Gate, index SearchIndex, jwtSecret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store:      st,
		sessions:   sessions,
		gate:       gate,
		passwords:  authpw.NewService(st),
		search:     index,
		jwtSecret:  []byte(jwtSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

func (s *Service) Register(ctx context.Context, email, username, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, email, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrUserExists) {
			return Session{}, domainError(http.StatusConflict, "USER_EXISTS", err.Error(), nil)
		}
		if errors.Is(err, authpw.ErrWeakPassword) {
			return Session{}, validationError(err.Error())
		}
		return Session{}, validationError(err.Error())
	}
	return s.createSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) createSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.jwtSecret, user.ID, user.Username, util.NewID("jti"), expiresAt)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	refresh := newRefreshToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, time.Now().Add(s.refreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}
	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Email:        user.Email,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued, so a replayed token fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		log.Printf("app: revoke rotated refresh session: %v", err)
	}
	return s.createSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Subject, UserName: claims.Name}, nil
}

// Identify resolves a bearer token to a broker principal. It satisfies
// the collaboration handler's verifier interface.
func (s *Service) Identify(ctx context.Context, token string) (ws.Principal, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return ws.Principal{}, err
	}
	return ws.Principal{ID: claims.Subject, Name: claims.Name}, nil
}

func (s *Service) Me(ctx context.Context, session Session) (store.User, error) {
	return s.store.GetUserByID(ctx, session.UserID)
}

func newRefreshToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// --- Notes ---

func (s *Service) ListNotes(ctx context.Context, session Session) ([]store.Note, error) {
	return s.store.ListNotes(ctx, session.UserID)
}

func (s *Service) CreateNote(ctx context.Context, session Session, title, content string, folderID *string) (store.Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	if folderID != nil {
		if _, err := s.ownFolder(ctx, session, *folderID); err != nil {
			return store.Note{}, err
		}
	}
	note, err := s.store.InsertNote(ctx, store.Note{
		ID:       util.NewID("note"),
		Title:    title,
		Content:  content,
		UserID:   session.UserID,
		FolderID: folderID,
	})
	if err != nil {
		return store.Note{}, err
	}
	s.reindexNote(ctx, note)
	return note, nil
}

// GetNote returns the note plus the caller's role on it.
func (s *Service) GetNote(ctx context.Context, session Session, noteID string) (store.Note, rbac.Role, error) {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return store.Note{}, "", err
	}
	return grant.Note, grant.Role, nil
}

func (s *Service) UpdateNote(ctx context.Context, session Session, noteID string, title, content *string) (store.Note, error) {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return store.Note{}, err
	}
	if !rbac.Can(grant.Role, rbac.ActionWrite) {
		return store.Note{}, forbiddenError("You do not have permission to edit this note")
	}
	note, err := s.store.UpdateNoteFields(ctx, noteID, title, content)
	if err != nil {
		return store.Note{}, err
	}
	s.reindexNote(ctx, note)
	return note, nil
}

// MoveNote changes a note's folder. Folders belong to the owner, so only
// the owner can move a note.
func (s *Service) MoveNote(ctx context.Context, session Session, noteID string, folderID *string) error {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return err
	}
	if grant.Role != rbac.RoleOwner {
		return forbiddenError("Only the owner can move this note")
	}
	if folderID != nil {
		if _, err := s.ownFolder(ctx, session, *folderID); err != nil {
			return err
		}
	}
	return s.store.MoveNote(ctx, noteID, folderID)
}

func (s *Service) DeleteNote(ctx context.Context, session Session, noteID string) error {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return err
	}
	if grant.Role != rbac.RoleOwner {
		return forbiddenError("Only the owner can delete this note")
	}
	if err := s.store.DeleteNote(ctx, noteID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.NoteRemoved(noteID)
	}
	return nil
}

func (s *Service) ListSharedNotes(ctx context.Context, session Session) ([]store.SharedNote, error) {
	return s.store.ListSharedNotes(ctx, session.UserID)
}

// --- Shares ---

func (s *Service) ShareNote(ctx context.Context, session Session, noteID, username, role string) (store.NoteShare, error) {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return store.NoteShare{}, err
	}
	if !rbac.Can(grant.Role, rbac.ActionShare) {
		return store.NoteShare{}, forbiddenError("Only the owner can share this note")
	}
	switch role {
	case "":
		role = string(rbac.RoleViewer)
	case string(rbac.RoleViewer), string(rbac.RoleEditor):
	default:
		return store.NoteShare{}, validationError("role must be viewer or editor")
	}
	target, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return store.NoteShare{}, notFoundError("User not found")
	}
	if target.ID == session.UserID {
		return store.NoteShare{}, validationError("You cannot share a note with yourself")
	}
	if err := s.store.UpsertNoteShare(ctx, noteID, target.ID, role); err != nil {
		return store.NoteShare{}, err
	}
	s.reindexNote(ctx, grant.Note)
	return store.NoteShare{
		NoteID:   noteID,
		UserID:   target.ID,
		Username: target.Username,
		Email:    target.Email,
		Role:     role,
	}, nil
}

func (s *Service) ListShares(ctx context.Context, session Session, noteID string) ([]store.NoteShare, error) {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(grant.Role, rbac.ActionShare) {
		return nil, forbiddenError("Only the owner can view shares")
	}
	return s.store.ListNoteShares(ctx, noteID)
}

func (s *Service) Unshare(ctx context.Context, session Session, noteID, username string) error {
	grant, err := s.resolve(ctx, session, noteID)
	if err != nil {
		return err
	}
	if !rbac.Can(grant.Role, rbac.ActionShare) {
		return forbiddenError("Only the owner can revoke shares")
	}
	target, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return notFoundError("User not found")
	}
	if err := s.store.DeleteNoteShare(ctx, noteID, target.ID); err != nil {
		return err
	}
	s.reindexNote(ctx, grant.Note)
	return nil
}

// --- Folders ---

func (s *Service) ListFolders(ctx context.Context, session Session) ([]store.Folder, error) {
	return s.store.ListFolders(ctx, session.UserID)
}

func (s *Service) CreateFolder(ctx context.Context, session Session, name string) (store.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Folder{}, validationError("name is required")
	}
	return s.store.InsertFolder(ctx, store.Folder{
		ID:     util.NewID("fold"),
		Name:   name,
		UserID: session.UserID,
	})
}

func (s *Service) GetFolder(ctx context.Context, session Session, folderID string) (store.Folder, error) {
	return s.ownFolder(ctx, session, folderID)
}

func (s *Service) RenameFolder(ctx context.Context, session Session, folderID, name string) (store.Folder, error) {
	folder, err := s.ownFolder(ctx, session, folderID)
	if err != nil {
		return store.Folder{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Folder{}, validationError("name is required")
	}
	if err := s.store.UpdateFolder(ctx, folderID, name); err != nil {
		return store.Folder{}, err
	}
	folder.Name = name
	return folder, nil
}

// DeleteFolder removes the folder; its notes are detached, not deleted.
func (s *Service) DeleteFolder(ctx context.Context, session Session, folderID string) error {
	if _, err := s.ownFolder(ctx, session, folderID); err != nil {
		return err
	}
	return s.store.DeleteFolder(ctx, folderID)
}

// Folders are strictly owner-scoped; someone else's folder looks like a
// missing one.
func (s *Service) ownFolder(ctx context.Context, session Session, folderID string) (store.Folder, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, notFoundError("Folder not found")
	}
	if folder.UserID != session.UserID {
		return store.Folder{}, notFoundError("Folder not found")
	}
	return folder, nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Page, error) {
	if s.search == nil {
		return search.Page{Results: []search.Result{}}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	})
}

// --- Collaboration ---

// UpdateNoteFields persists a field-wise note update and reindexes it.
// The broker calls this for autosave flushes and explicit saves; its
// access checks have already run.
func (s *Service) UpdateNoteFields(ctx context.Context, noteID string, title, content *string) (store.Note, error) {
	note, err := s.store.UpdateNoteFields(ctx, noteID, title, content)
	if err != nil {
		return store.Note{}, err
	}
	s.reindexNote(ctx, note)
	return note, nil
}

func (s *Service) resolve(ctx context.Context, session Session, noteID string) (access.Grant, error) {
	grant, err := s.gate.Resolve(ctx, session.UserID, noteID)
	if errors.Is(err, access.ErrNotFound) {
		return access.Grant{}, notFoundError("Note not found")
	}
	if errors.Is(err, access.ErrForbidden) {
		return access.Grant{}, forbiddenError("You do not have access to this note")
	}
	if err != nil {
		return access.Grant{}, err
	}
	return grant, nil
}

func (s *Service) reindexNote(ctx context.Context, note store.Note) {
	if s.search == nil {
		return
	}
	shares, err := s.store.ListNoteShares(ctx, note.ID)
	if err != nil {
		log.Printf("app: list shares for index: %v", err)
		shares = nil
	}
	sharedWith := make([]string, 0, len(shares))
	for _, share := range shares {
		sharedWith = append(sharedWith, share.UserID)
	}
	s.search.NoteChanged(note, sharedWith)
}

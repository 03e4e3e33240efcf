package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.Username, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users
		WHERE username=$1
	`, username).Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return user, nil
}

// Notes

const noteColumns = `
	n.id, n.title, n.content, n.user_id, n.folder_id, COALESCE(f.name, ''), n.created_at, n.updated_at
`

func (s *PostgresStore) ListNotes(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes n
		LEFT JOIN folders f ON f.id = n.folder_id
		WHERE n.user_id=$1
		ORDER BY n.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.FolderName, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes n
		LEFT JOIN folders f ON f.id = n.folder_id
		WHERE n.id=$1
	`, noteID).Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.FolderName, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("get note: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) (Note, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, title, content, user_id, folder_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, note.ID, note.Title, note.Content, note.UserID, note.FolderID).Scan(&note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}
	return note, nil
}

// UpdateNoteFields applies a partial title/content update. Nil fields keep
// their current value; the most recent non-nil value wins per field.
func (s *PostgresStore) UpdateNoteFields(ctx context.Context, noteID string, title, content *string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		UPDATE notes
		SET title = COALESCE($2, title),
			content = COALESCE($3, content),
			updated_at = NOW()
		WHERE id=$1
		RETURNING id, title, content, user_id, folder_id, created_at, updated_at
	`, noteID, title, content).Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("update note fields: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) MoveNote(ctx context.Context, noteID string, folderID *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notes SET folder_id=$2, updated_at=NOW() WHERE id=$1`, noteID, folderID)
	if err != nil {
		return fmt.Errorf("move note: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id=$1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSharedNotes(ctx context.Context, userID string) ([]SharedNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.title, n.content, n.user_id, n.folder_id, n.created_at, n.updated_at,
			ns.role, u.username
		FROM note_shares ns
		JOIN notes n ON n.id = ns.note_id
		JOIN users u ON u.id = n.user_id
		WHERE ns.user_id=$1
		ORDER BY n.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list shared notes: %w", err)
	}
	defer rows.Close()

	items := make([]SharedNote, 0)
	for rows.Next() {
		var item SharedNote
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.UserID, &item.FolderID, &item.CreatedAt, &item.UpdatedAt, &item.ShareRole, &item.OwnerUsername); err != nil {
			return nil, fmt.Errorf("scan shared note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shared notes: %w", err)
	}
	return items, nil
}

// Shares

func (s *PostgresStore) UpsertNoteShare(ctx context.Context, noteID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_shares (note_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (note_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, noteID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert note share: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNoteShares(ctx context.Context, noteID string) ([]NoteShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns.note_id, ns.user_id, u.username, u.email, ns.role, ns.created_at
		FROM note_shares ns
		JOIN users u ON u.id = ns.user_id
		WHERE ns.note_id=$1
		ORDER BY ns.created_at ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list note shares: %w", err)
	}
	defer rows.Close()

	items := make([]NoteShare, 0)
	for rows.Next() {
		var item NoteShare
		if err := rows.Scan(&item.NoteID, &item.UserID, &item.Username, &item.Email, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note share: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note shares: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteNoteShare(ctx context.Context, noteID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM note_shares WHERE note_id=$1 AND user_id=$2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("delete note share: %w", err)
	}
	return nil
}

// GetNoteShareRole returns the stored share role for a user on a note.
// Returns sql.ErrNoRows (wrapped) when no share relation exists.
func (s *PostgresStore) GetNoteShareRole(ctx context.Context, noteID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM note_shares WHERE note_id=$1 AND user_id=$2`, noteID, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("get note share role: %w", err)
	}
	return role, nil
}

// Folders

func (s *PostgresStore) ListFolders(ctx context.Context, userID string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.name, f.user_id, COUNT(n.id), f.created_at, f.updated_at
		FROM folders f
		LEFT JOIN notes n ON n.folder_id = f.id
		WHERE f.user_id=$1
		GROUP BY f.id
		ORDER BY f.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.Name, &item.UserID, &item.NoteCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, user_id, created_at, updated_at FROM folders WHERE id=$1
	`, folderID).Scan(&item.ID, &item.Name, &item.UserID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Folder{}, fmt.Errorf("get folder: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, folder Folder) (Folder, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO folders (id, name, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, folder.ID, folder.Name, folder.UserID).Scan(&folder.CreatedAt, &folder.UpdatedAt)
	if err != nil {
		return Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	return folder, nil
}

func (s *PostgresStore) UpdateFolder(ctx context.Context, folderID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE folders SET name=$2, updated_at=NOW() WHERE id=$1`, folderID, name)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	return nil
}

// DeleteFolder removes the folder; its notes survive detached via the
// ON DELETE SET NULL constraint.
func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.username
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Email, &user.Username)
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

package store

import "time"

type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Folder struct {
	ID        string
	Name      string
	UserID    string
	NoteCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Note struct {
	ID         string
	Title      string
	Content    string
	UserID     string
	FolderID   *string
	FolderName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type NoteShare struct {
	NoteID    string
	UserID    string
	Username  string
	Email     string
	Role      string
	CreatedAt time.Time
}

// SharedNote is a note visible to a user through a share relation.
type SharedNote struct {
	Note
	ShareRole     string
	OwnerUsername string
}

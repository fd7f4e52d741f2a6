// Package store defines the storage interface for collab-hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrNotFound is returned by updates that matched no row. Lookups return (nil, nil) instead.
	ErrNotFound = errors.New("store: not found")
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsersExcept(ctx context.Context, userID string) ([]User, error)

	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]Project, error)
	AddProjectMembers(ctx context.Context, projectID string, userIDs []string) error
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
	UpdateFileTree(ctx context.Context, projectID string, tree json.RawMessage) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, projectID string, afterSeq int64, limit int) ([]Message, error)
	// GetRecentMessages returns the newest limit messages, oldest first.
	GetRecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a registered user.
type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email"`
	UserName     string    `json:"userName"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Project is a collaborative workspace: a member set, a file tree and a message log.
type Project struct {
	ID        string          `json:"_id"`
	Name      string          `json:"name"`
	Members   []string        `json:"users"`
	FileTree  json.RawMessage `json:"fileTree"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Message is one entry of a project's append-only log.
type Message struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"senderId"`
	SenderEmail string    `json:"senderEmail"`
	SenderName  string    `json:"senderName,omitempty"`
	Content     string    `json:"content"`
	SentAt      time.Time `json:"sentAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// emptyTree is stored for projects created without a file tree.
var emptyTree = json.RawMessage(`{}`)

func treeOrEmpty(tree json.RawMessage) json.RawMessage {
	if len(tree) == 0 || string(tree) == "null" {
		return emptyTree
	}
	return tree
}

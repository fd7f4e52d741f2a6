// Package persist is the relay's write path into the store: append a message
// to a project's log and replace a project's file tree.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/collabhub/internal/store"
	"github.com/devcollab/collabhub/pkg/protocol"
)

// Op names the failed persistence operation.
type Op string

const (
	OpAppendMessage   Op = "append_message"
	OpReplaceFileTree Op = "replace_file_tree"
)

// Error describes a failed write. It is logged and counted, never surfaced to clients.
type Error struct {
	Op        Op
	ProjectID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrInvalidTree is returned for a file tree that is not a JSON object.
var ErrInvalidTree = errors.New("file tree must be a JSON object")

// Message is a relayed chat message ready to be logged.
type Message struct {
	Text      string
	Sender    protocol.Sender
	Timestamp time.Time
}

// Adapter writes relay events to the store. Each call is a single atomic
// statement with no retry.
type Adapter struct {
	store store.Store
}

// New creates a persistence adapter over s.
func New(s store.Store) *Adapter {
	return &Adapter{store: s}
}

// AppendMessage appends msg to the project's log and returns its sequence number.
func (a *Adapter) AppendMessage(ctx context.Context, projectID string, msg Message) (int64, error) {
	rec := &store.Message{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		SenderID:    msg.Sender.ID,
		SenderEmail: msg.Sender.Email,
		SenderName:  msg.Sender.UserName,
		Content:     msg.Text,
		SentAt:      msg.Timestamp.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	seq, err := a.store.AppendMessage(ctx, rec)
	if err != nil {
		return 0, &Error{Op: OpAppendMessage, ProjectID: projectID, Err: err}
	}
	return seq, nil
}

// ReplaceFileTree overwrites the project's file tree. Anything but a JSON
// object is rejected before it reaches the store.
func (a *Adapter) ReplaceFileTree(ctx context.Context, projectID string, tree json.RawMessage) error {
	if !protocol.IsFileTree(tree) {
		return &Error{Op: OpReplaceFileTree, ProjectID: projectID, Err: ErrInvalidTree}
	}
	if err := a.store.UpdateFileTree(ctx, projectID, tree); err != nil {
		return &Error{Op: OpReplaceFileTree, ProjectID: projectID, Err: err}
	}
	return nil
}

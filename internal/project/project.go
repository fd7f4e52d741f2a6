// Package project owns project lookup and membership rules on top of the store.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/devcollab/collabhub/internal/store"
	"github.com/devcollab/collabhub/pkg/protocol"
)

var (
	ErrInvalidID   = errors.New("invalid project id")
	ErrNotFound    = errors.New("project not found")
	ErrNotMember   = errors.New("not a project member")
	ErrNameTaken   = errors.New("project name already exists")
	ErrInvalidName = errors.New("project name is required")
	ErrInvalidTree = errors.New("file tree must be a JSON object")
)

// ValidID reports whether id is well-formed for a project.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Service wraps the store with project rules.
type Service struct {
	store store.Store
}

// NewService creates a project service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Lookup fails fast on a malformed id and returns ErrNotFound for an absent project.
func (s *Service) Lookup(ctx context.Context, id string) (*store.Project, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// Create makes a new project whose only member is the creator.
func (s *Service) Create(ctx context.Context, name, creatorID string) (*store.Project, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, ErrInvalidName
	}
	now := time.Now().UTC()
	p := &store.Project{
		ID:        uuid.New().String(),
		Name:      name,
		Members:   []string{creatorID},
		FileTree:  json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ListForUser returns the projects the user belongs to.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]store.Project, error) {
	projects, err := s.store.ListProjectsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if projects == nil {
		projects = []store.Project{}
	}
	return projects, nil
}

// AddUsers adds members to a project. The actor must already be a member.
func (s *Service) AddUsers(ctx context.Context, projectID, actorID string, userIDs []string) (*store.Project, error) {
	if _, err := s.Lookup(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, projectID, actorID); err != nil {
		return nil, err
	}

	ids := lo.Uniq(lo.Compact(lo.Map(userIDs, func(id string, _ int) string {
		return strings.TrimSpace(id)
	})))
	if len(ids) > 0 {
		if err := s.store.AddProjectMembers(ctx, projectID, ids); err != nil {
			return nil, fmt.Errorf("add members: %w", err)
		}
	}
	return s.Lookup(ctx, projectID)
}

// UpdateFileTree replaces the project's file tree on behalf of a member.
func (s *Service) UpdateFileTree(ctx context.Context, projectID, actorID string, tree json.RawMessage) (*store.Project, error) {
	if !protocol.IsFileTree(tree) {
		return nil, ErrInvalidTree
	}
	if _, err := s.Lookup(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateFileTree(ctx, projectID, tree); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update file tree: %w", err)
	}
	return s.Lookup(ctx, projectID)
}

// IsMember reports whether userID belongs to the project.
func (s *Service) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	ok, err := s.store.IsProjectMember(ctx, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

// FileTree returns the project's current file tree.
func (s *Service) FileTree(ctx context.Context, projectID string) (json.RawMessage, error) {
	p, err := s.Lookup(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return p.FileTree, nil
}

// RecentMessages returns the newest limit log entries in log order.
func (s *Service) RecentMessages(ctx context.Context, projectID string, limit int) ([]store.Message, error) {
	msgs, err := s.store.GetRecentMessages(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

func (s *Service) requireMember(ctx context.Context, projectID, userID string) error {
	ok, err := s.IsMember(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

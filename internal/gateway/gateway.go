// Package gateway authenticates a connection attempt and binds it to a
// project before any WebSocket upgrade happens.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/devcollab/collabhub/internal/auth"
	"github.com/devcollab/collabhub/internal/project"
	"github.com/devcollab/collabhub/internal/store"
)

// Code identifies why a handshake was refused.
type Code string

const (
	CodeInvalidProjectID  Code = "invalid_project_id"
	CodeProjectNotFound   Code = "project_not_found"
	CodeMissingCredential Code = "missing_credential"
	CodeInvalidCredential Code = "invalid_credential"
	CodeNotProjectMember  Code = "not_project_member"
)

// HandshakeError is a refused connection attempt. errors.Is matches on Code.
type HandshakeError struct {
	Code Code
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s: %v", e.Code, e.Err)
	}
	return "handshake " + string(e.Code)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func (e *HandshakeError) Is(target error) bool {
	t, ok := target.(*HandshakeError)
	return ok && t.Code == e.Code
}

// HTTPStatus maps the code to the status used to refuse the upgrade.
func (e *HandshakeError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidProjectID:
		return http.StatusBadRequest
	case CodeProjectNotFound:
		return http.StatusNotFound
	case CodeMissingCredential, CodeInvalidCredential:
		return http.StatusUnauthorized
	case CodeNotProjectMember:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is.
var (
	ErrInvalidProjectID  = &HandshakeError{Code: CodeInvalidProjectID}
	ErrProjectNotFound   = &HandshakeError{Code: CodeProjectNotFound}
	ErrMissingCredential = &HandshakeError{Code: CodeMissingCredential}
	ErrInvalidCredential = &HandshakeError{Code: CodeInvalidCredential}
	ErrNotProjectMember  = &HandshakeError{Code: CodeNotProjectMember}
)

// SessionContext is what a successful handshake yields.
type SessionContext struct {
	ProjectID   string
	ProjectName string
	Identity    *auth.Identity
}

// ProjectLookup is the subset of project.Service the gateway needs.
type ProjectLookup interface {
	Lookup(ctx context.Context, id string) (*store.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// Gateway runs the connection handshake.
type Gateway struct {
	projects          ProjectLookup
	verifier          auth.Provider
	requireMembership bool
}

// New creates a Gateway. With requireMembership set, verified identities that
// are not project members are refused with NotProjectMember.
func New(projects ProjectLookup, verifier auth.Provider, requireMembership bool) *Gateway {
	return &Gateway{projects: projects, verifier: verifier, requireMembership: requireMembership}
}

// Handshake validates the project id, loads the project, then verifies the
// credential. Each step short-circuits. Errors other than *HandshakeError are
// infrastructure failures of the lookup itself.
func (g *Gateway) Handshake(ctx context.Context, credential, rawProjectID string) (*SessionContext, error) {
	p, err := g.projects.Lookup(ctx, rawProjectID)
	switch {
	case errors.Is(err, project.ErrInvalidID):
		return nil, &HandshakeError{Code: CodeInvalidProjectID, Err: err}
	case errors.Is(err, project.ErrNotFound):
		return nil, &HandshakeError{Code: CodeProjectNotFound, Err: err}
	case err != nil:
		return nil, fmt.Errorf("project lookup: %w", err)
	}

	if strings.TrimSpace(credential) == "" {
		return nil, &HandshakeError{Code: CodeMissingCredential}
	}

	identity, err := g.verifier.ValidateToken(ctx, credential)
	if err != nil {
		return nil, &HandshakeError{Code: CodeInvalidCredential, Err: err}
	}

	if g.requireMembership {
		ok, err := g.projects.IsMember(ctx, p.ID, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return nil, &HandshakeError{Code: CodeNotProjectMember}
		}
	}

	return &SessionContext{ProjectID: p.ID, ProjectName: p.Name, Identity: identity}, nil
}

// Authenticate runs the handshake with the credential and project id taken
// from an upgrade request: ?token= or Authorization: Bearer, and ?projectId=.
func (g *Gateway) Authenticate(r *http.Request) (*SessionContext, error) {
	return g.Handshake(r.Context(), Credential(r), r.URL.Query().Get("projectId"))
}

// Credential extracts the bearer credential from a request.
func Credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

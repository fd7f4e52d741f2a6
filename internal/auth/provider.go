package auth

import (
	"context"

	"github.com/devcollab/collabhub/internal/store"
	"github.com/devcollab/collabhub/pkg/protocol"
)

// Identity is the verified principal behind a credential.
type Identity struct {
	UserID   string
	Email    string
	UserName string
}

// Sender returns the identity as a message sender snapshot.
func (id *Identity) Sender() *protocol.Sender {
	return &protocol.Sender{ID: id.UserID, Email: id.Email, UserName: id.UserName}
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// LoginProvider is implemented by providers that manage their own accounts.
type LoginProvider interface {
	Register(ctx context.Context, email, userName, password string) (*store.User, error)
	Login(ctx context.Context, email, password string) (*store.User, string, error)
	IssueToken(user *store.User) (string, error)
}

// Revoker is implemented by providers whose tokens can be invalidated before expiry.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// Package auth provides authentication for collab-hub: builtin email/password
// accounts with HS256 tokens, or externally issued tokens verified via JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Email    string `json:"email"`
	UserName string `json:"usr"`
	jwt.RegisteredClaims
}

// Service handles builtin account operations.
// It implements Provider, LoginProvider and Revoker.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
	denylist  Denylist
}

// NewService creates a new auth service. A nil denylist keeps revocations in memory.
func NewService(s store.Store, cfg config.AuthConfig, denylist Denylist) *Service {
	if denylist == nil {
		denylist = NewMemoryDenylist()
	}
	return &Service{
		store:     s,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		denylist:  denylist,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, email, userName, password string) (*store.User, error) {
	email = normalizeEmail(email)
	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if userName == "" {
		userName, _, _ = strings.Cut(email, "@")
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		UserName:     userName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// Login authenticates a user and returns it with a fresh token.
func (s *Service) Login(ctx context.Context, email, password string) (*store.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs a token for the given user.
func (s *Service) IssueToken(user *store.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Email:    user.Email,
		UserName: user.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// Revoked tokens, and tokens whose revocation status cannot be checked, are rejected.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.ID != "" {
		revoked, err := s.denylist.Contains(ctx, claims.ID)
		if err != nil || revoked {
			return nil, ErrUnauthorized
		}
	}
	return &Identity{
		UserID:   claims.UserID,
		Email:    claims.Email,
		UserName: claims.UserName,
	}, nil
}

// Revoke denylists a token until it would have expired anyway.
func (s *Service) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return ErrUnauthorized
	}
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.denylist.Add(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/store"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestAuthService(t *testing.T, denylist Denylist) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}
	return NewService(s, cfg, denylist), s
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Alice@Example.com ", "alice", "password123")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email: got %q, want normalized", user.Email)
	}
	if user.PasswordHash == "password123" {
		t.Error("password stored in plaintext")
	}

	if _, err := svc.Register(ctx, "alice@example.com", "other", "pw"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate Register: expected ErrUserExists, got %v", err)
	}

	got, token, err := svc.Login(ctx, "ALICE@example.com", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID || token == "" {
		t.Errorf("Login: got user %s token %q", got.ID, token)
	}

	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDefaultsUserName(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	user, err := svc.Register(context.Background(), "carol@example.com", "", "pw")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.UserName != "carol" {
		t.Errorf("UserName: got %q, want carol", user.UserName)
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "bob@example.com", "bob", "pw")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.IssueToken(user)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID || id.Email != "bob@example.com" || id.UserName != "bob" {
		t.Errorf("Identity: got %+v", id)
	}
	sender := id.Sender()
	if sender.ID != user.ID || sender.Email != "bob@example.com" {
		t.Errorf("Sender: got %+v", sender)
	}

	if _, err := svc.ValidateToken(ctx, "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage token: expected ErrUnauthorized, got %v", err)
	}
}

func TestValidateTokenRejectsExpiredAndForeign(t *testing.T) {
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ID:        "jti-1",
		},
	})
	signed, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired token: expected ErrUnauthorized, got %v", err)
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err = foreign.SignedString([]byte("some-other-secret-of-sufficient-length"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("foreign token: expected ErrUnauthorized, got %v", err)
	}

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{UserID: "u1"})
	signed, err = noExpiry.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, signed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("token without exp: expected ErrUnauthorized, got %v", err)
	}
}

func TestRevokeMemory(t *testing.T) {
	r := require.New(t)
	svc, _ := newTestAuthService(t, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "dave@example.com", "dave", "pw")
	r.NoError(err)
	token, err := svc.IssueToken(user)
	r.NoError(err)

	_, err = svc.ValidateToken(ctx, token)
	r.NoError(err)

	r.NoError(svc.Revoke(ctx, token))
	_, err = svc.ValidateToken(ctx, token)
	r.ErrorIs(err, ErrUnauthorized)

	// Another token for the same user is unaffected.
	other, err := svc.IssueToken(user)
	r.NoError(err)
	_, err = svc.ValidateToken(ctx, other)
	r.NoError(err)
}

func TestRevokeRedis(t *testing.T) {
	r := require.New(t)
	mr := miniredis.RunT(t)
	ctx := context.Background()

	denylist, err := NewRedisDenylist(ctx, "redis://"+mr.Addr())
	r.NoError(err)
	t.Cleanup(func() { _ = denylist.Close() })

	svc, _ := newTestAuthService(t, denylist)
	user, err := svc.Register(ctx, "erin@example.com", "erin", "pw")
	r.NoError(err)
	token, err := svc.IssueToken(user)
	r.NoError(err)

	r.NoError(svc.Revoke(ctx, token))
	_, err = svc.ValidateToken(ctx, token)
	r.ErrorIs(err, ErrUnauthorized)
	r.Len(mr.Keys(), 1)

	// The entry lives only as long as the token would have.
	ttl := mr.TTL(mr.Keys()[0])
	r.Greater(ttl, 59*time.Minute)
	r.LessOrEqual(ttl, time.Hour)

	mr.FastForward(2 * time.Hour)
	r.Empty(mr.Keys())
}

func TestRedisUnavailableFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	denylist, err := NewRedisDenylist(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = denylist.Close() })

	svc, _ := newTestAuthService(t, denylist)
	user, err := svc.Register(ctx, "frank@example.com", "frank", "pw")
	require.NoError(t, err)
	token, err := svc.IssueToken(user)
	require.NoError(t, err)

	mr.Close()
	_, err = svc.ValidateToken(ctx, token)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestMemoryDenylistExpiry(t *testing.T) {
	d := NewMemoryDenylist()
	ctx := context.Background()
	require.NoError(t, d.Add(ctx, "a", time.Hour))
	require.NoError(t, d.Add(ctx, "b", -time.Second))

	ok, err := d.Contains(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.Contains(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIdentityFromClaims(t *testing.T) {
	id, err := identityFromClaims(jwt.MapClaims{"sub": "ext-1", "email": "x@example.com", "name": "X"})
	require.NoError(t, err)
	require.Equal(t, "ext-1", id.UserID)
	require.Equal(t, "X", id.UserName)

	id, err = identityFromClaims(jwt.MapClaims{"sub": "ext-2"})
	require.NoError(t, err)
	require.Equal(t, "ext-2", id.UserName)

	_, err = identityFromClaims(jwt.MapClaims{"email": "x@example.com"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewProvider(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	p, err := NewProvider(ctx, config.AuthConfig{JWTSecret: testSecret}, config.CacheConfig{}, s, logger)
	require.NoError(t, err)
	require.Equal(t, "builtin", p.Name())

	// Unreachable Redis degrades to the memory denylist.
	p, err = NewProvider(ctx, config.AuthConfig{JWTSecret: testSecret},
		config.CacheConfig{RedisURL: "redis://127.0.0.1:1"}, s, logger)
	require.NoError(t, err)
	_, isMem := p.(*Service).denylist.(*MemoryDenylist)
	require.True(t, isMem)

	_, err = NewProvider(ctx, config.AuthConfig{Provider: "saml"}, config.CacheConfig{}, s, logger)
	require.Error(t, err)

	_, err = NewProvider(ctx, config.AuthConfig{Provider: "jwks"}, config.CacheConfig{}, s, logger)
	require.Error(t, err)
}

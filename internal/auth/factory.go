package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
// When a Redis URL is configured the builtin provider keeps its revocations
// there; if Redis is unreachable it falls back to an in-memory denylist.
func NewProvider(ctx context.Context, cfg config.AuthConfig, cache config.CacheConfig, s store.Store, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.JWKSURL, cfg.Issuer)
	case "builtin", "":
		var denylist Denylist
		if cache.RedisURL != "" {
			rd, err := NewRedisDenylist(ctx, cache.RedisURL)
			if err != nil {
				logger.Warn("redis unavailable, falling back to in-memory token denylist", "error", err)
			} else {
				denylist = rd
			}
		}
		return NewService(s, cfg, denylist), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// Close releases the denylist backend, if it holds one.
func (s *Service) Close() error {
	if c, ok := s.denylist.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

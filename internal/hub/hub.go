// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devcollab/collabhub/internal/ai"
	"github.com/devcollab/collabhub/internal/api"
	"github.com/devcollab/collabhub/internal/auth"
	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/gateway"
	"github.com/devcollab/collabhub/internal/persist"
	"github.com/devcollab/collabhub/internal/project"
	"github.com/devcollab/collabhub/internal/relay"
	"github.com/devcollab/collabhub/internal/sandbox"
	"github.com/devcollab/collabhub/internal/store"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and the relay.
const shutdownTimeout = 30 * time.Second

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	relay        *relay.Relay
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth, cfg.Cache, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	gen, err := ai.NewGenerator(cfg.AI, logger)
	if err != nil {
		closeProvider(authProvider)
		_ = db.Close()
		return nil, fmt.Errorf("init ai: %w", err)
	}
	invoker := ai.NewInvoker(gen, cfg.AI.Timeout.Duration, logger)

	projects := project.NewService(db)

	var runner relay.Runner
	if cfg.Sandbox.Enabled {
		runner = sandbox.NewRunner(projects, cfg.Sandbox, logger)
	}

	rl := relay.New(
		gateway.New(projects, authProvider, cfg.Relay.RequireMembership),
		relay.NewRegistry(logger),
		persist.New(db),
		invoker,
		logger,
		relay.Options{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			TriggerMarker:     cfg.Relay.TriggerMarker,
			MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
			SendQueueSize:     cfg.Relay.SendQueueSize,
			MessagesPerSecond: cfg.Relay.MessagesPerSecond,
			MessageBurst:      cfg.Relay.MessageBurst,
			PersistTimeout:    cfg.Relay.PersistTimeout.Duration,
			Runner:            runner,
		},
	)

	apiSrv := api.NewServer(db, authProvider, loginProvider, projects, invoker, rl.HandleWS, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		relay:        rl,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	if cfg.AI.Provider == "none" || cfg.AI.Provider == "" {
		h.logger.Warn("no ai provider configured; @ai messages will get the fallback reply")
	}
	if cfg.Sandbox.Enabled {
		h.logger.Warn("sandbox runs are enabled; project code executes on this host", "command", cfg.Sandbox.Command)
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until ctx is canceled or the
// listener fails. It closes the store before returning.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Server.Addr)
	if err != nil {
		h.close()
		return fmt.Errorf("listen %s: %w", h.cfg.Server.Addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve runs the hub on an existing listener.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	defer h.close()

	srv := &http.Server{
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	h.api.StartBackgroundTasks(gctx)

	if h.cfg.Storage.Retention.Duration > 0 {
		g.Go(func() error {
			h.runRetentionPurger(gctx, h.cfg.Storage.Retention.Duration)
			return nil
		})
	}

	g.Go(func() error {
		h.logger.Info("hub listening", "addr", ln.Addr().String())
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ServeTLS(ln, h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by the server; the
		// relay closes them and waits for in-flight persistence and AI work.
		if err := h.relay.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("relay shutdown incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (h *Hub) close() {
	closeProvider(h.authProvider)
	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")
}

func closeProvider(p auth.Provider) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeOnce(ctx, retention)
		}
	}
}

func (h *Hub) purgeOnce(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := h.store.PurgeOldMessages(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: messages failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old messages", "count", n)
	}
}

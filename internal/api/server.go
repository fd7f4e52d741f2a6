// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devcollab/collabhub/internal/auth"
	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/metrics"
	"github.com/devcollab/collabhub/internal/project"
	"github.com/devcollab/collabhub/internal/store"
)

// historyLimit caps the messages returned with a project.
const historyLimit = 500

// Generator answers the plain AI passthrough.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider // nil unless builtin auth
	projects      *project.Service
	ai            Generator
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. ws serves the relay endpoint.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, projects *project.Service, gen Generator, ws http.HandlerFunc, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		projects:      projects,
		ai:            gen,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", metrics.Handler())

	// Relay WebSocket (handshake done inside)
	mux.Get("/ws", ws)

	// Account routes only exist with builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.Group(func(r chi.Router) {
			r.Use(ipRateLimitMiddleware(srv.loginRL))
			r.Post("/users/register", srv.handleRegister)
			r.Post("/users/login", srv.handleLogin)
		})
	}

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/users/profile", srv.handleProfile)
		r.Get("/users/logout", srv.handleLogout)
		r.Get("/users/all", srv.handleListUsers)

		r.Post("/projects/create", srv.handleCreateProject)
		r.Get("/projects/all", srv.handleListProjects)
		r.Put("/projects/add-user", srv.handleAddUsers)
		r.Get("/projects/get-project/{projectId}", srv.handleGetProject)
		r.Put("/projects/update-file-tree", srv.handleUpdateFileTree)

		r.Get("/ai/get-result", srv.handleAIResult)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- User handlers ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Email, strings.TrimSpace(req.UserName), req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.loginProvider.IssueToken(user)
	if err != nil {
		s.logger.Error("issue token failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	user, token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user, "token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("get user failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		// Externally issued identity with no local account.
		user = &store.User{ID: identity.UserID, Email: identity.Email, UserName: identity.UserName}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	revoker, ok := s.authProvider.(auth.Revoker)
	if !ok {
		writeError(w, http.StatusNotImplemented, "logout is handled by the identity provider")
		return
	}
	if err := revoker.Revoke(r.Context(), getTokenFromContext(r.Context())); err != nil {
		s.logger.Error("revoke failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	users, err := s.store.ListUsersExcept(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// --- Project handlers ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req createProjectRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	p, err := s.projects.Create(r.Context(), req.Name, identity.UserID)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	s.logger.Info("project created", "project_id", p.ID, "user_id", identity.UserID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	projects, err := s.projects.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleAddUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req addUsersRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	for _, id := range req.Users {
		u, err := s.store.GetUserByID(r.Context(), id)
		if err != nil {
			s.writeProjectError(w, err)
			return
		}
		if u == nil {
			writeError(w, http.StatusBadRequest, "unknown user "+id)
			return
		}
	}

	p, err := s.projects.AddUsers(r.Context(), req.ProjectID, identity.UserID, req.Users)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

// projectDetail is a project with its members and recent history expanded.
type projectDetail struct {
	*store.Project
	Users    []store.User    `json:"users"`
	Messages []store.Message `json:"messages"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	projectID := chi.URLParam(r, "projectId")

	p, err := s.projects.Lookup(r.Context(), projectID)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	member, err := s.projects.IsMember(r.Context(), projectID, identity.UserID)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	if !member {
		s.writeProjectError(w, project.ErrNotMember)
		return
	}

	detail := projectDetail{Project: p, Users: make([]store.User, 0, len(p.Members))}
	for _, id := range p.Members {
		u, err := s.store.GetUserByID(r.Context(), id)
		if err != nil {
			s.writeProjectError(w, err)
			return
		}
		if u != nil {
			detail.Users = append(detail.Users, *u)
		}
	}
	detail.Messages, err = s.projects.RecentMessages(r.Context(), projectID, historyLimit)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"project": detail})
}

func (s *Server) handleUpdateFileTree(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var req updateFileTreeRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	p, err := s.projects.UpdateFileTree(r.Context(), req.ProjectID, identity.UserID, req.FileTree)
	if err != nil {
		s.writeProjectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p})
}

func (s *Server) writeProjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrInvalidID), errors.Is(err, project.ErrInvalidName), errors.Is(err, project.ErrInvalidTree):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, project.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("project request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- AI passthrough ---

func (s *Server) handleAIResult(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	text, err := s.ai.Generate(r.Context(), prompt)
	if err != nil {
		s.logger.Warn("ai passthrough failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "ai unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

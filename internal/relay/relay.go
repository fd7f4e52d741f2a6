// Package relay is the real-time collaboration core: it admits authenticated
// WebSocket sessions into per-project rooms, fans chat messages out to the
// room, logs them, and delegates "@ai" messages to the AI invoker.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/devcollab/collabhub/internal/ai"
	"github.com/devcollab/collabhub/internal/gateway"
	"github.com/devcollab/collabhub/internal/metrics"
	"github.com/devcollab/collabhub/internal/persist"
	"github.com/devcollab/collabhub/pkg/protocol"
)

// isoMillis is the timestamp layout used on the wire.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Error codes sent to a single session in an "error" frame.
const (
	ErrCodeBadFrame        = "bad_frame"
	ErrCodeUnknownEvent    = "unknown_event"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeEmptyMessage    = "empty_message"
	ErrCodeSandboxDisabled = "sandbox_disabled"
)

// Handshaker admits or refuses an upgrade request.
type Handshaker interface {
	Authenticate(r *http.Request) (*gateway.SessionContext, error)
}

// Persistence is the write path for relayed events.
type Persistence interface {
	AppendMessage(ctx context.Context, projectID string, msg persist.Message) (int64, error)
	ReplaceFileTree(ctx context.Context, projectID string, tree json.RawMessage) error
}

// Delegate generates AI replies. Any failure is reported as an error and
// answered with the fallback envelope.
type Delegate interface {
	Invoke(ctx context.Context, prompt string) (protocol.AIEnvelope, error)
}

// Runner executes a project's file tree and streams its output.
type Runner interface {
	Run(ctx context.Context, projectID string, emit func(stream, line string)) (int, error)
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins    []string // for WebSocket origin check
	TriggerMarker     string   // default "@ai"
	MaxMessageBytes   int64    // max frame size from clients (default 256KB)
	SendQueueSize     int      // per-session outbound queue (default 64)
	MessagesPerSecond float64  // per-session inbound rate (default 5)
	MessageBurst      int      // per-session inbound burst (default 10)
	PersistTimeout    time.Duration
	Runner            Runner // nil disables project-run
}

// Relay owns the WebSocket endpoint and the message flow between sessions.
type Relay struct {
	gateway  Handshaker
	rooms    *Registry
	persist  Persistence
	delegate Delegate
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	// work is the parent of all asynchronous persistence and AI calls. It
	// outlives individual sessions and is canceled only after Shutdown.
	work   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// New creates a Relay.
func New(gw Handshaker, rooms *Registry, p Persistence, d Delegate, logger *slog.Logger, opts Options) *Relay {
	if opts.TriggerMarker == "" {
		opts.TriggerMarker = "@ai"
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 256 * 1024
	}
	if opts.SendQueueSize == 0 {
		opts.SendQueueSize = 64
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.MessageBurst == 0 {
		opts.MessageBurst = 10
	}
	if opts.PersistTimeout == 0 {
		opts.PersistTimeout = 5 * time.Second
	}

	work, stop := context.WithCancel(context.Background())
	return &Relay{
		gateway:  gw,
		rooms:    rooms,
		persist:  p,
		delegate: d,
		logger:   logger.With("component", "relay"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		work:     work,
		stop:     stop,
	}
}

// HandleWS authenticates, upgrades and serves one client connection.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	sc, err := r.gateway.Authenticate(req)
	if err != nil {
		r.refuse(w, err)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(r.opts.MaxMessageBytes)

	s := newSession(uuid.New().String(), sc.ProjectID, sc.Identity, conn, r.opts.SendQueueSize,
		rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessageBurst), r.logger)

	if _, err := r.rooms.Join(s); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	metrics.Handshakes.WithLabelValues("ok").Inc()
	s.logger.Info("client connected", "user", sc.Identity.UserID)

	go s.writePump()
	s.startKeepalive()

	defer func() {
		r.rooms.Leave(s)
		s.Close()
		s.logger.Info("client disconnected", "user", sc.Identity.UserID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("client read error", "error", err)
			}
			return
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		r.dispatch(s, raw)
	}
}

// refuse rejects an upgrade request before any room join.
func (r *Relay) refuse(w http.ResponseWriter, err error) {
	var he *gateway.HandshakeError
	if errors.As(err, &he) {
		metrics.Handshakes.WithLabelValues(string(he.Code)).Inc()
		r.logger.Debug("handshake refused", "code", he.Code, "error", err)
		writeJSON(w, he.HTTPStatus(), map[string]string{"code": string(he.Code), "error": he.Error()})
		return
	}
	metrics.Handshakes.WithLabelValues("error").Inc()
	r.logger.Error("handshake failed", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "unavailable", "error": "service unavailable"})
}

// dispatch handles one inbound frame. It runs on the session's read
// goroutine, so a session's frames are handled in arrival order.
func (r *Relay) dispatch(s *Session, raw []byte) {
	if !s.limiter.Allow() {
		r.sendError(s, ErrCodeRateLimited, "too many messages")
		return
	}

	frame, err := protocol.Decode(raw)
	if err != nil {
		r.sendError(s, ErrCodeBadFrame, err.Error())
		return
	}

	switch frame.Event {
	case protocol.EventProjectMessage:
		var in protocol.ProjectMessage
		if err := json.Unmarshal(frame.Data, &in); err != nil {
			r.sendError(s, ErrCodeBadFrame, "invalid project-message payload")
			return
		}
		r.OnInbound(s, in)
	case protocol.EventProjectRun:
		r.startRun(s)
	default:
		r.sendError(s, ErrCodeUnknownEvent, "unknown event "+frame.Event)
	}
}

// OnInbound relays one chat message: broadcast to the rest of the room first,
// then persist asynchronously, then delegate to the AI if triggered.
func (r *Relay) OnInbound(s *Session, in protocol.ProjectMessage) {
	if strings.TrimSpace(in.Message) == "" {
		r.sendError(s, ErrCodeEmptyMessage, "message is empty")
		return
	}

	sentAt := time.Now().UTC()
	stamp := sentAt.Format(isoMillis)
	if t, err := time.Parse(time.RFC3339, in.Timestamp); err == nil {
		sentAt, stamp = t, in.Timestamp
	}

	sender := s.identity.Sender()
	out := protocol.ProjectMessage{Message: in.Message, Sender: sender, Timestamp: stamp}
	r.broadcast(s.projectID, out, s)
	metrics.MessagesRelayed.WithLabelValues("user").Inc()

	projectID := s.projectID
	msg := persist.Message{Text: in.Message, Sender: *sender, Timestamp: sentAt}
	r.goAsync(func(ctx context.Context) {
		r.appendMessage(ctx, projectID, msg)
	})

	prompt, triggered := r.extractPrompt(in.Message)
	if !triggered {
		return
	}
	r.goAsync(func(ctx context.Context) {
		r.answer(ctx, projectID, prompt)
	})
}

// extractPrompt reports whether text carries the trigger marker and returns
// the text with its first occurrence removed.
func (r *Relay) extractPrompt(text string) (string, bool) {
	if !strings.Contains(text, r.opts.TriggerMarker) {
		return "", false
	}
	return strings.TrimSpace(strings.Replace(text, r.opts.TriggerMarker, "", 1)), true
}

// answer runs the AI delegate and broadcasts exactly one AI message to the
// whole room: the generated envelope, or the fixed fallback.
func (r *Relay) answer(ctx context.Context, projectID, prompt string) {
	start := time.Now()
	env, err := r.delegate.Invoke(ctx, prompt)
	metrics.AIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AIRequests.WithLabelValues("fallback").Inc()
		r.logger.Warn("ai delegation failed, sending fallback", "project_id", projectID, "error", err)
		env = ai.Fallback()
	} else {
		metrics.AIRequests.WithLabelValues("ok").Inc()
		if env.HasFileTree() && !protocol.IsFileTree(env.FileTree) {
			r.logger.Warn("ai file tree is not an object, dropping it", "project_id", projectID)
			env.FileTree = json.RawMessage("null")
		}
	}

	body, mErr := json.Marshal(env)
	if mErr != nil {
		body, _ = json.Marshal(ai.Fallback())
		err = mErr
	}

	sentAt := time.Now().UTC()
	out := protocol.ProjectMessage{
		Message:   string(body),
		Sender:    protocol.AISender(),
		Timestamp: sentAt.Format(isoMillis),
	}
	r.broadcast(projectID, out, nil)
	metrics.MessagesRelayed.WithLabelValues("ai").Inc()

	if err != nil {
		return
	}
	r.appendMessage(ctx, projectID, persist.Message{Text: string(body), Sender: *protocol.AISender(), Timestamp: sentAt})
	if env.HasFileTree() {
		r.replaceFileTree(ctx, projectID, env.FileTree)
	}
}

// startRun runs the project's file tree for the requesting session only. A
// previous run of the same session is stopped first.
func (r *Relay) startRun(s *Session) {
	if r.opts.Runner == nil {
		metrics.SandboxRuns.WithLabelValues("rejected").Inc()
		r.sendError(s, ErrCodeSandboxDisabled, "sandbox runs are disabled")
		return
	}

	go func() {
		ctx, finish, ok := s.swapRun()
		if !ok {
			return
		}
		defer finish()

		emit := func(stream, line string) {
			frame, err := protocol.Encode(protocol.EventProjectRunOutput, protocol.RunOutput{Stream: stream, Line: line})
			if err == nil {
				s.SendRun(ctx, frame)
			}
		}

		code, err := r.opts.Runner.Run(ctx, s.projectID, emit)
		exit := protocol.RunExit{ExitCode: code}
		if err != nil {
			exit.Error = err.Error()
			metrics.SandboxRuns.WithLabelValues("failed").Inc()
			s.logger.Info("sandbox run ended with error", "exit_code", code, "error", err)
		} else {
			metrics.SandboxRuns.WithLabelValues("ok").Inc()
		}
		if frame, encErr := protocol.Encode(protocol.EventProjectRunExit, exit); encErr == nil {
			// ctx may already be canceled by a replacing run; the exit frame
			// is still owed to the client.
			exitCtx, cancel := context.WithTimeout(s.ctx, wsWriteWait)
			s.SendRun(exitCtx, frame)
			cancel()
		}
	}()
}

func (r *Relay) appendMessage(ctx context.Context, projectID string, msg persist.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()
	if _, err := r.persist.AppendMessage(ctx, projectID, msg); err != nil {
		r.recordPersistFailure(err)
	}
}

func (r *Relay) replaceFileTree(ctx context.Context, projectID string, tree json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	defer cancel()
	if err := r.persist.ReplaceFileTree(ctx, projectID, tree); err != nil {
		r.recordPersistFailure(err)
	}
}

func (r *Relay) recordPersistFailure(err error) {
	op := "unknown"
	var pe *persist.Error
	if errors.As(err, &pe) {
		op = string(pe.Op)
	}
	metrics.PersistFailures.WithLabelValues(op).Inc()
	r.logger.Error("persistence failed", "op", op, "error", err)
}

func (r *Relay) broadcast(projectID string, msg protocol.ProjectMessage, exclude *Session) {
	frame, err := protocol.Encode(protocol.EventProjectMessage, msg)
	if err != nil {
		r.logger.Error("encode message", "error", err)
		return
	}
	r.rooms.Broadcast(projectID, frame, exclude)
}

func (r *Relay) sendError(s *Session, code, message string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.Send(frame)
}

// goAsync runs fn on its own goroutine, tracked for Shutdown. Work submitted
// after Shutdown has begun is dropped.
func (r *Relay) goAsync(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("relay shutting down, dropping async work")
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(r.work)
	}()
	return true
}

// Shutdown drains the room registry, closes every session and waits for
// in-flight persistence and AI work until ctx expires.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.rooms.Drain() {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	defer r.stop()
	select {
	case <-done:
		r.logger.Info("relay stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("relay shutdown timed out with work in flight")
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

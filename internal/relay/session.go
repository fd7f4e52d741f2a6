package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/devcollab/collabhub/internal/auth"
	"github.com/devcollab/collabhub/internal/metrics"
)

const (
	// wsPingInterval is how often the hub sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// runQueueSize is the sandbox frame buffer per session.
	runQueueSize = 16
)

// Session is one live, joined connection. It is never persisted and never
// resumed: a reconnect is a new Session.
type Session struct {
	id        string
	projectID string
	identity  *auth.Identity

	conn    *websocket.Conn // nil in tests
	send    chan []byte
	runOut  chan []byte // sandbox frames; senders block instead of dropping
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx       context.Context // canceled on Close
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func newSession(id, projectID string, identity *auth.Identity, conn *websocket.Conn, queueSize int, limiter *rate.Limiter, logger *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		projectID: projectID,
		identity:  identity,
		conn:      conn,
		send:      make(chan []byte, queueSize),
		runOut:    make(chan []byte, runQueueSize),
		limiter:   limiter,
		logger:    logger.With("conn_id", id, "project_id", projectID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// ProjectID returns the room key.
func (s *Session) ProjectID() string { return s.projectID }

// Identity returns the verified identity bound at handshake.
func (s *Session) Identity() *auth.Identity { return s.identity }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send enqueues a frame without blocking. A session whose queue is full is
// closed rather than allowed to stall the room.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		metrics.DroppedSessions.Inc()
		s.logger.Warn("send queue full, dropping slow session")
		s.Close()
		return false
	}
}

// SendRun enqueues a sandbox frame, waiting for queue space until ctx ends or
// the session closes. A chatty process is slowed down to the client's read
// rate instead of getting the session dropped.
func (s *Session) SendRun(ctx context.Context, frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.runOut <- frame:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Close tears the session down: cancels its sandbox run and ends the write pump.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel() // also cancels any sandbox run derived from s.ctx
	})
}

// writePump drains the send queue onto the connection. It owns all data
// writes; control frames go through WriteControl, which is safe concurrently.
func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()
	for {
		var frame []byte
		select {
		case frame = <-s.send:
		case frame = <-s.runOut:
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("write failed", "error", err)
			s.Close()
			return
		}
	}
}

// startKeepalive sets a read deadline, installs a pong handler and pings the
// peer until the session closes.
func (s *Session) startKeepalive() {
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-s.done:
				return
			}
		}
	}()
}

// swapRun installs a new sandbox run, stopping and waiting for any previous
// one first. It returns the run's context and a func to mark it finished.
func (s *Session) swapRun() (context.Context, func(), bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.runCancel != nil {
		s.runCancel()
		<-s.runDone
	}
	select {
	case <-s.done:
		return nil, nil, false
	default:
	}

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.runCancel = cancel
	s.runDone = done

	finish := func() {
		cancel()
		close(done)
		s.runMu.Lock()
		if s.runDone == done {
			s.runCancel = nil
			s.runDone = nil
		}
		s.runMu.Unlock()
	}
	return ctx, finish, true
}

package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/devcollab/collabhub/internal/metrics"
)

// ErrRegistryClosed is returned by Join once the registry has been drained.
var ErrRegistryClosed = errors.New("room registry closed")

// Room is the broadcast group for one project.
type Room struct {
	ProjectID string
	sessions  map[string]*Session
}

// Registry maps live sessions to project rooms. It is created at process
// start and drained at shutdown.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger.With("component", "rooms"),
	}
}

// Join adds s to the room keyed by its project id. Joining twice is a no-op.
func (r *Registry) Join(s *Session) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	room, ok := r.rooms[s.projectID]
	if !ok {
		room = &Room{ProjectID: s.projectID, sessions: make(map[string]*Session)}
		r.rooms[s.projectID] = room
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
	if _, joined := room.sessions[s.id]; !joined {
		room.sessions[s.id] = s
		metrics.ActiveSessions.Inc()
		r.logger.Debug("session joined", "project_id", s.projectID, "conn_id", s.id, "members", len(room.sessions))
	}
	return room, nil
}

// Leave removes s from its room, deleting the room when it becomes empty.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[s.projectID]
	if !ok {
		return
	}
	if _, joined := room.sessions[s.id]; !joined {
		return
	}
	delete(room.sessions, s.id)
	metrics.ActiveSessions.Dec()
	if len(room.sessions) == 0 {
		delete(r.rooms, s.projectID)
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
	r.logger.Debug("session left", "project_id", s.projectID, "conn_id", s.id)
}

// Members returns a snapshot of the sessions in a project's room.
func (r *Registry) Members(projectID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[projectID]
	if !ok {
		return nil
	}
	members := make([]*Session, 0, len(room.sessions))
	for _, s := range room.sessions {
		members = append(members, s)
	}
	return members
}

// Broadcast enqueues frame on every member of the room except exclude (which
// may be nil) and returns the number of sessions it was delivered to.
func (r *Registry) Broadcast(projectID string, frame []byte, exclude *Session) int {
	delivered := 0
	for _, s := range r.Members(projectID) {
		if s == exclude {
			continue
		}
		if s.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Drain closes the registry to new joins and returns every session that was
// still joined. The caller is responsible for closing them.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var all []*Session
	for _, room := range r.rooms {
		for _, s := range room.sessions {
			all = append(all, s)
		}
	}
	r.rooms = make(map[string]*Room)
	metrics.ActiveRooms.Set(0)
	metrics.ActiveSessions.Sub(float64(len(all)))
	r.logger.Info("registry drained", "sessions", len(all))
	return all
}

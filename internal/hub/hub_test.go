package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/devcollab/collabhub/internal/config"
	"github.com/devcollab/collabhub/internal/store"
	"github.com/devcollab/collabhub/pkg/protocol"
)

const testConfig = `
server:
  addr: "127.0.0.1:0"
auth:
  jwt_secret: "hub-test-secret-that-is-long-enough-123"
storage:
  driver: sqlite
  dsn: ":memory:"
`

// setupTestHub serves a hub on a loopback listener. stop cancels it and
// returns Serve's result; it is safe to call more than once.
func setupTestHub(t *testing.T) (h *Hub, base string, stop func() error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err = New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, ln) }()

	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				result = errors.New("hub did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return h, "http://" + ln.Addr().String(), stop
}

func postJSON(t *testing.T, url, token string, body any, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHubEndToEnd(t *testing.T) {
	_, base, stop := setupTestHub(t)

	var reg struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusCreated, postJSON(t, base+"/users/register", "", map[string]string{
		"email": "alice@example.com", "password": "secret123",
	}, &reg))

	var p store.Project
	require.Equal(t, http.StatusCreated, postJSON(t, base+"/projects/create", reg.Token, map[string]string{"name": "demo"}, &p))

	wsURL := "ws" + base[len("http"):] + "/ws?projectId=" + p.ID + "&token=" + reg.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// With no AI provider configured, @ai yields the fallback reply to the sender.
	frame, err := protocol.Encode(protocol.EventProjectMessage, protocol.ProjectMessage{Message: "@ai hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got protocol.Frame
	require.NoError(t, conn.ReadJSON(&got))
	var msg protocol.ProjectMessage
	require.NoError(t, json.Unmarshal(got.Data, &msg))
	require.True(t, msg.Sender.IsAI())
	require.JSONEq(t, `{"text":"AI is unavailable right now. Please try again later.","fileTree":null}`, msg.Message)

	// project-run is refused while the sandbox is disabled.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"project-run"}`)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, protocol.EventError, got.Event)

	// Shutdown closes live sessions.
	require.ErrorIs(t, stop(), context.Canceled)
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestHubReadyz(t *testing.T) {
	_, base, _ := setupTestHub(t)

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPurgeOnce(t *testing.T) {
	h, _, _ := setupTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateUser(ctx, &store.User{ID: "u1", Email: "u1@example.com", CreatedAt: time.Now()}))
	p := &store.Project{ID: "8b0e1c7e-0000-4000-8000-000000000001", Name: "retention", Members: []string{"u1"}, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, h.store.CreateProject(ctx, p))

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	_, err := h.store.AppendMessage(ctx, &store.Message{ID: "m1", ProjectID: p.ID, SenderID: "u1", Content: "old", SentAt: old, CreatedAt: old})
	require.NoError(t, err)
	_, err = h.store.AppendMessage(ctx, &store.Message{ID: "m2", ProjectID: p.ID, SenderID: "u1", Content: "new", SentAt: now, CreatedAt: now})
	require.NoError(t, err)

	h.purgeOnce(ctx, 24*time.Hour)

	msgs, err := h.store.GetMessages(ctx, p.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "new", msgs[0].Content)
}

func TestNewRejectsUnknownAIProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.AI.Provider = "mystery"

	_, err = New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.ErrorContains(t, err, "unknown ai provider")
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-relay/config"
	"collab-relay/core"
	"collab-relay/stores/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	patches []string
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/internal/token", func(w http.ResponseWriter, r *http.Request) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": signed}})
	})
	mux.HandleFunc("/api/internal/nodes/positions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.patches = append(b.patches, string(body))
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	return mux
}

func (b *fakeBackend) Patches() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.patches...)
}

func newTestRelay(t *testing.T, debounce time.Duration) (*Relay, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	backendSrv := httptest.NewServer(fb.handler(t))
	t.Cleanup(backendSrv.Close)

	cfg := &config.Config{
		BackendURL:     backendSrv.URL,
		InternalAPIKey: "secret",
		FlushDebounce:  debounce,
		BackendTimeout: time.Second,
		TokenTimeout:   time.Second,
		RoomIdleGrace:  time.Minute,
	}
	return New(cfg, memory.NewRoomStore(), nil), fb
}

func TestRelay_PositionsReachBackendAfterQuietPeriod(t *testing.T) {
	rl, fb := newTestRelay(t, 20*time.Millisecond)
	srv := httptest.NewServer(rl.Router(nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/board", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"node_position","nodeId":"n1","position":{"x":1.5,"y":2}}`)))

	require.Eventually(t, func() bool { return len(fb.Patches()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"nodes":[{"nodeId":"n1","position":{"x":1.5,"y":2}}]}`, fb.Patches()[0])
	assert.Eventually(t, func() bool { return rl.Pending.Len("board") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelay_ShutdownFlushesPending(t *testing.T) {
	rl, fb := newTestRelay(t, time.Hour)
	rl.Start()

	rl.Pending.Record("room", core.PendingPosition{NodeID: "n1", Position: core.Position{X: 1, Y: 1}})
	rl.Scheduler.Schedule("room")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rl.Shutdown(ctx))

	assert.Len(t, fb.Patches(), 1)
	assert.Equal(t, 0, rl.Pending.Len("room"))
}

func TestRelay_ShutdownClosesConnectionsBeforeFlush(t *testing.T) {
	rl, fb := newTestRelay(t, time.Hour)
	srv := httptest.NewServer(rl.Router(nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/board", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"node_position","nodeId":"n1","position":{"x":3,"y":4}}`)))
	require.Eventually(t, func() bool { return rl.Pending.Len("board") == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rl.Shutdown(ctx))

	require.Len(t, fb.Patches(), 1)
	assert.JSONEq(t, `{"nodes":[{"nodeId":"n1","position":{"x":3,"y":4}}]}`, fb.Patches()[0])
	assert.Equal(t, 0, rl.Registry.Snapshot()["board"])

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_RoomsAPIReportsLiveRooms(t *testing.T) {
	rl, _ := newTestRelay(t, time.Hour)
	srv := httptest.NewServer(rl.Router(nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/board", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return rl.Registry.Snapshot()["board"] == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rooms []struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "board", rooms[0].ID)
	assert.Equal(t, 1, rooms[0].Users)
	assert.NotNil(t, rooms[0].LastActive)
}

func TestRelay_Healthz(t *testing.T) {
	rl, _ := newTestRelay(t, time.Hour)
	rec := httptest.NewRecorder()

	rl.Router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRelay_JanitorEvictsIdleRooms(t *testing.T) {
	rl, _ := newTestRelay(t, time.Hour)
	rl.cfg.RoomIdleGrace = 40 * time.Millisecond
	rl.Start()
	defer rl.Shutdown(context.Background())

	srv := httptest.NewServer(rl.Router(nil))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/board", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rl.Registry.Snapshot()["board"] == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := rl.Registry.Snapshot()["board"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

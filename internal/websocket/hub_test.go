package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/dlsync/internal/testutil"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(testutil.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub, url := startHub(t)

	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Broadcast(EventDownloadRemoved, map[string]string{"downloadId": "d1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, EventDownloadRemoved, msg.Type)
	assert.Equal(t, "d1", msg.Payload["downloadId"])
}

func TestHub_ResyncRequest(t *testing.T) {
	hub, url := startHub(t)
	called := make(chan struct{}, 1)
	hub.SetResyncHandler(func() { called <- struct{}{} })

	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"resync"}`)))
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("resync handler not invoked")
	}
}

func TestHub_RecentlyPushed(t *testing.T) {
	hub := NewHub(testutil.NopLogger())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	assert.False(t, hub.RecentlyPushed("d1", 2*time.Second))

	hub.RecordExternalPush("d1")
	now = now.Add(time.Second)
	assert.True(t, hub.RecentlyPushed("d1", 2*time.Second))

	now = now.Add(5 * time.Second)
	assert.False(t, hub.RecentlyPushed("d1", 2*time.Second))
	assert.Empty(t, hub.pushes, "expired entry is dropped")
}

func TestHub_BroadcastBufferFull(t *testing.T) {
	hub := NewHub(testutil.NopLogger())
	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.Broadcast(EventDownloadUpdate, nil))
	}
	assert.ErrorIs(t, hub.Broadcast(EventDownloadUpdate, nil), ErrBufferFull)
}

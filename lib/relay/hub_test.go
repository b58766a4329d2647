package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hubHarness runs a Hub behind an httptest server so tests exercise real
// websocket connections.
type hubHarness struct {
	hub *Hub
	srv *httptest.Server
}

func newHubHarness(t *testing.T, queueSize int) *hubHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &hubHarness{hub: NewHub(silentLogger(), queueSize)}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		id := h.hub.Add(ctx, conn)
		defer h.hub.Remove(id)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		cancel()
		h.srv.Close()
	})
	return h
}

func (h *hubHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.hub.Len()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	require.True(t, waitForCondition(2*time.Second, func() bool { return h.hub.Len() > before }))
	return conn
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	h := newHubHarness(t, 16)
	c1 := h.dial(t)
	c2 := h.dial(t)

	h.hub.BroadcastEvent("Target.targetInfoChanged", map[string]string{"k": "v"}, "")

	for _, conn := range []*websocket.Conn{c1, c2} {
		frame := readClientFrame(t, conn)
		assert.Equal(t, "Target.targetInfoChanged", frame.Method)
		assert.JSONEq(t, `{"k":"v"}`, string(frame.Params))
	}
}

func TestHubUnicastTargetsOneClient(t *testing.T) {
	h := newHubHarness(t, 16)
	c1 := h.dial(t)
	c2 := h.dial(t)
	_ = c2

	var target string
	h.hub.mu.Lock()
	for id := range h.hub.clients {
		target = id
		break
	}
	h.hub.mu.Unlock()

	h.hub.Send(target, cdpFrame{ID: 1, Result: json.RawMessage(`{}`)})

	// Exactly one of the two clients receives it; the other read times out.
	received := 0
	for _, conn := range []*websocket.Conn{c1, c2} {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if _, _, err := conn.Read(ctx); err == nil {
			received++
		}
		cancel()
	}
	assert.Equal(t, 1, received)
}

func TestHubOverflowDropsClient(t *testing.T) {
	h := newHubHarness(t, 2)
	conn := h.dial(t)

	// The client never reads, and its writer goroutine can only drain so
	// fast; flooding must eventually trip the queue cap and drop the client.
	for i := 0; i < 500_000; i++ {
		h.hub.Broadcast(cdpFrame{Method: "Spam.event", Params: json.RawMessage(`{"seq":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`)})
		if h.hub.Len() == 0 {
			break
		}
	}
	require.True(t, waitForCondition(2*time.Second, func() bool { return h.hub.Len() == 0 }))

	// The close code tells the peer to back off.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			assert.Equal(t, websocket.StatusTryAgainLater, websocket.CloseStatus(err))
			break
		}
	}
}

func TestHubCloseAll(t *testing.T) {
	h := newHubHarness(t, 16)
	conn := h.dial(t)

	h.hub.CloseAll()
	assert.Equal(t, 0, h.hub.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ExtensionLink owns the single extension websocket slot: request/reply id
// allocation for outbound calls and demux of inbound events into the registry
// and hub. A second extension connecting while one is live is closed with 4001.
type ExtensionLink struct {
	logger   *slog.Logger
	registry *Registry
	hub      *Hub
	tracker  *attachTracker
	settings Settings

	nextID atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[int64]chan extensionReply
	pongMiss int
	shutdown bool
}

type extensionReply struct {
	result json.RawMessage
	err    *CDPError
}

func NewExtensionLink(logger *slog.Logger, registry *Registry, hub *Hub, tracker *attachTracker, settings Settings) *ExtensionLink {
	return &ExtensionLink{
		logger:   logger,
		registry: registry,
		hub:      hub,
		tracker:  tracker,
		settings: settings,
		pending:  make(map[int64]chan extensionReply),
	}
}

// Connected reports whether an extension currently occupies the slot.
func (l *ExtensionLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// ServeHTTP upgrades the extension websocket and runs its read loop until the
// socket closes. The endpoint is deliberately unauthenticated: the extension
// runs in-browser with no way to receive the token, and the relay binds
// loopback only.
func (l *ExtensionLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		l.logger.Error("extension: websocket accept failed", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(l.settings.ReadLimitBytes)

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	if l.conn != nil {
		l.mu.Unlock()
		l.logger.Warn("extension: slot already occupied, rejecting second connection")
		_ = conn.Close(websocket.StatusCode(closeCodeExtensionSlotTaken), "extension already connected")
		return
	}
	l.conn = conn
	l.pongMiss = 0
	l.mu.Unlock()

	l.logger.Info("extension: connected", slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	go l.pingLoop(ctx, conn)
	l.readLoop(ctx, conn)
	cancel()

	l.release(conn)
}

// release frees the slot if conn still owns it and fails everything that was
// waiting on the extension.
func (l *ExtensionLink) release(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	pending := l.pending
	l.pending = make(map[int64]chan extensionReply)
	l.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	for _, ch := range pending {
		ch <- extensionReply{err: &CDPError{Code: codeServerError, Message: ErrExtensionDisconnected.Error()}}
	}
	l.registry.OnExtensionDisconnected()
	if l.tracker != nil {
		l.tracker.failAll(ErrExtensionDisconnected)
	}
	l.logger.Info("extension: disconnected")
}

// Shutdown closes the live socket (if any) and rejects future connections.
func (l *ExtensionLink) Shutdown() {
	l.mu.Lock()
	l.shutdown = true
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
}

// Call sends {id, method, params} to the extension and waits for the matching
// reply. It fails fast when no extension is connected and distinguishes
// timeout, disconnect, and shutdown errors.
func (l *ExtensionLink) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	id := l.nextID.Add(1)
	frame, err := json.Marshal(extensionFrame{ID: id, Method: method, Params: paramsRaw})
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	replyCh := make(chan extensionReply, 1)
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil, ErrShuttingDown
	}
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil, ErrNoExtension
	}
	l.pending[id] = replyCh
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("write to extension: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-replyCh:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-time.After(l.settings.CallTimeout):
		return nil, fmt.Errorf("extension call %s: %w", method, context.DeadlineExceeded)
	}
}

func (l *ExtensionLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.logger.Debug("extension: read loop ended", slog.String("err", err.Error()))
			return
		}
		l.handleFrame(data)
	}
}

// handleFrame demuxes one inbound extension frame. Malformed frames are logged
// and dropped; the link stays up.
func (l *ExtensionLink) handleFrame(data []byte) {
	var frame extensionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.logger.Warn("extension: malformed frame dropped", slog.String("err", err.Error()))
		return
	}

	switch {
	case frame.Method == "pong":
		l.mu.Lock()
		l.pongMiss = 0
		l.mu.Unlock()

	case frame.Method == "forwardCDPEvent":
		var ev struct {
			Method    string          `json:"method"`
			Params    json.RawMessage `json:"params"`
			SessionID string          `json:"sessionId"`
		}
		if err := json.Unmarshal(frame.Params, &ev); err != nil {
			l.logger.Warn("extension: malformed forwardCDPEvent dropped", slog.String("err", err.Error()))
			return
		}
		if l.settings.LogCDPFrames {
			l.logger.Debug("cdp", slog.String("dir", "<-ext"), slog.String("method", ev.Method), slog.String("sessionId", ev.SessionID))
		}
		// Target lifecycle events mutate the registry, which rebroadcasts them
		// itself (possibly preceded by a synthetic detach). Everything else is
		// forwarded verbatim.
		if l.registry.dispatchTargetEvent(ev.Method, ev.Params) {
			return
		}
		l.hub.Broadcast(cdpFrame{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID})

	case frame.Method == "tabsDiscovered":
		var p struct {
			Tabs []DiscoveredTab `json:"tabs"`
		}
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			// Accept a bare array as well as {tabs: [...]}.
			var tabs []DiscoveredTab
			if err2 := json.Unmarshal(frame.Params, &tabs); err2 != nil {
				l.logger.Warn("extension: malformed tabsDiscovered dropped", slog.String("err", err.Error()))
				return
			}
			p.Tabs = tabs
		}
		l.registry.OnTabsDiscovered(p.Tabs)

	case frame.Method == "tabUpdated":
		var p struct {
			TabID  int     `json:"tabId"`
			Title  *string `json:"title"`
			URL    *string `json:"url"`
			Active *bool   `json:"active"`
		}
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			l.logger.Warn("extension: malformed tabUpdated dropped", slog.String("err", err.Error()))
			return
		}
		l.registry.OnTabUpdated(p.TabID, tabUpdate{Title: p.Title, URL: p.URL, Active: p.Active})

	case frame.Method == "tabRemoved":
		var p struct {
			TabID int `json:"tabId"`
		}
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			l.logger.Warn("extension: malformed tabRemoved dropped", slog.String("err", err.Error()))
			return
		}
		l.registry.OnTabRemoved(p.TabID)

	case frame.ID != 0:
		l.mu.Lock()
		ch, ok := l.pending[frame.ID]
		l.mu.Unlock()
		if !ok {
			l.logger.Warn("extension: reply for unknown id dropped", slog.Int64("id", frame.ID))
			return
		}
		ch <- extensionReply{result: frame.Result, err: frame.Error}

	default:
		l.logger.Warn("extension: unrecognized frame dropped", slog.String("method", frame.Method))
	}
}

// pingLoop sends {method:"ping"} every PingInterval and closes the socket
// after PongMissLimit consecutive intervals without a pong.
func (l *ExtensionLink) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ping, _ := json.Marshal(map[string]string{"method": "ping"})
	ticker := time.NewTicker(l.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.pongMiss++
			missed := l.pongMiss
			l.mu.Unlock()
			if missed > l.settings.PongMissLimit {
				l.logger.Warn("extension: missed pongs, closing socket", slog.Int("missed", missed-1))
				_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				return
			}
		}
	}
}

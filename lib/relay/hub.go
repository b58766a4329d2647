package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
)

// Hub tracks the set of live CDP client sockets. Each client has a bounded
// send queue drained by a single writer goroutine, so frames to one peer never
// interleave. A client that cannot keep up is closed with 1013.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu      sync.Mutex
	clients map[string]*cdpClient
}

type cdpClient struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewHub(logger *slog.Logger, queueSize int) *Hub {
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		clients:   make(map[string]*cdpClient),
	}
}

// Add registers a freshly accepted client socket and starts its writer.
// Returns the assigned client id.
func (h *Hub) Add(ctx context.Context, conn *websocket.Conn) string {
	cl := &cdpClient{
		id:     cuid2.Generate(),
		conn:   conn,
		sendCh: make(chan []byte, h.queueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()
	go cl.writeLoop(ctx, h.logger)
	h.logger.Info("relay: cdp client connected", slog.String("client", cl.id), slog.Int("clients", n))
	return cl.id
}

// Remove drops the client and stops its writer. Safe to call twice.
func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	cl, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	if ok {
		cl.close(websocket.StatusNormalClosure, "")
		h.logger.Info("relay: cdp client disconnected", slog.String("client", clientID))
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends the frame to every connected client.
func (h *Hub) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("relay: marshal broadcast frame", slog.String("err", err.Error()))
		return
	}
	h.mu.Lock()
	clients := make([]*cdpClient, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()
	for _, cl := range clients {
		h.enqueue(cl, data)
	}
}

// BroadcastEvent implements eventSink for the registry.
func (h *Hub) BroadcastEvent(method string, params any, sessionID string) {
	p, err := json.Marshal(params)
	if err != nil {
		h.logger.Error("relay: marshal event params", slog.String("err", err.Error()))
		return
	}
	h.Broadcast(cdpFrame{Method: method, Params: p, SessionID: sessionID})
}

// Send unicasts the frame to one client; no-op when the client is gone.
func (h *Hub) Send(clientID string, frame any) {
	h.mu.Lock()
	cl, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("relay: marshal unicast frame", slog.String("err", err.Error()))
		return
	}
	h.enqueue(cl, data)
}

// SendEvent unicasts a CDP event to one client.
func (h *Hub) SendEvent(clientID, method string, params any, sessionID string) {
	p, err := json.Marshal(params)
	if err != nil {
		h.logger.Error("relay: marshal event params", slog.String("err", err.Error()))
		return
	}
	h.Send(clientID, cdpFrame{Method: method, Params: p, SessionID: sessionID})
}

// CloseAll disconnects every client. Used on instance teardown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*cdpClient)
	h.mu.Unlock()
	for _, cl := range clients {
		cl.close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (h *Hub) enqueue(cl *cdpClient, data []byte) {
	select {
	case cl.sendCh <- data:
	default:
		// Queue full: the peer is too slow to be a correct CDP client.
		h.logger.Warn("relay: client write queue overflow, dropping client", slog.String("client", cl.id))
		cl.close(websocket.StatusTryAgainLater, "write queue overflow")
		h.Remove(cl.id)
	}
}

func (cl *cdpClient) writeLoop(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case data := <-cl.sendCh:
			if err := cl.conn.Write(ctx, websocket.MessageText, data); err != nil {
				logger.Debug("relay: client write failed", slog.String("client", cl.id), slog.String("err", err.Error()))
				cl.close(websocket.StatusAbnormalClosure, "")
				return
			}
		}
	}
}

func (cl *cdpClient) close(code websocket.StatusCode, reason string) {
	cl.once.Do(func() {
		close(cl.done)
		_ = cl.conn.Close(code, reason)
	})
}

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/onkernel/cdp-relay/lib/auth"
	"github.com/onkernel/cdp-relay/lib/logger"
)

// versionInfo is the /json/version response. WebSocketDebuggerURL is present
// iff an extension is connected; it carries the token as a query parameter so
// clients that discovered the relay over authenticated HTTP can dial /cdp.
type versionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

const (
	browserName     = "cdp-relay"
	protocolVersion = "1.3"
)

func (in *Instance) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		logger.Middleware(in.logger),
		in.rejectWhenStopping,
	)

	// Liveness, unauthenticated.
	r.Get("/health", in.handleHealth)

	// Extension slot: unauthenticated by design (loopback bind + single-slot
	// policy are the protection; the in-browser extension cannot carry the token).
	r.Get("/extension", in.link.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(in.token))
		r.Get("/json", in.handleList)
		r.Get("/json/list", in.handleList)
		r.Get("/json/version", in.handleVersion)
		r.Post("/json/attach/{id}", in.handleAttach)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(in.token, auth.AllowQueryToken()))
		r.Get("/cdp", in.handleCDP)
	})

	return r
}

func (in *Instance) rejectWhenStopping(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if in.closed.Load() {
			writeJSONError(w, http.StatusServiceUnavailable, "relay shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (in *Instance) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"extensionConnected": in.link.Connected(),
		"clients":            in.hub.Len(),
	})
}

func (in *Instance) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := versionInfo{Browser: browserName, ProtocolVersion: protocolVersion}
	if in.link.Connected() {
		info.WebSocketDebuggerURL = in.WebSocketDebuggerURL()
	}
	writeJSON(w, http.StatusOK, info)
}

func (in *Instance) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, in.registry.List(in.WebSocketDebuggerURL()))
}

// handleAttach asks the extension to attach a previously discovered tab and
// blocks until both the RPC reply and the attachedToTarget event have been
// seen, or the attach timeout elapses.
func (in *Instance) handleAttach(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	id := chi.URLParam(r, "id")
	if !strings.HasPrefix(id, discoveredTabPrefix) {
		writeJSONError(w, http.StatusBadRequest, "not a discovered-tab id: "+id)
		return
	}
	tabID, err := strconv.Atoi(strings.TrimPrefix(id, discoveredTabPrefix))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed tab id: "+id)
		return
	}
	if !in.registry.HasDiscoveredTab(tabID) {
		writeJSONError(w, http.StatusBadRequest, "unknown discovered tab: "+id)
		return
	}
	if !in.link.Connected() {
		writeJSONError(w, http.StatusServiceUnavailable, "no extension connected")
		return
	}

	waiter := in.tracker.register(tabID)
	defer in.tracker.unregister(waiter)

	go func() {
		result, err := in.link.Call(r.Context(), "attachDiscoveredTab", map[string]int{"tabId": tabID})
		if err != nil {
			in.tracker.fail(waiter, err)
			return
		}
		var res struct {
			SessionID string `json:"sessionId"`
			TargetID  string `json:"targetId"`
		}
		if err := json.Unmarshal(result, &res); err != nil {
			log.Warn("relay: malformed attachDiscoveredTab reply", slog.String("err", err.Error()))
			in.tracker.fail(waiter, err)
			return
		}
		in.tracker.setResult(waiter, res.SessionID, res.TargetID)
	}()

	sessionID, targetID, err := waiter.wait(r.Context(), in.settings.AttachTimeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"targetId": targetID, "sessionId": sessionID})
	case err == ErrAttachTimeout:
		writeJSONError(w, http.StatusGatewayTimeout, "attach timed out")
	default:
		log.Warn("relay: attach failed", slog.Int("tabId", tabID), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// handleCDP upgrades an authenticated CDP client, seeds it with the attached
// target set, and pumps its frames through the router until it disconnects.
func (in *Instance) handleCDP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		in.logger.Error("relay: cdp client accept failed", slog.String("err", err.Error()))
		return
	}
	conn.SetReadLimit(in.settings.ReadLimitBytes)

	ctx := r.Context()
	clientID := in.hub.Add(in.runCtx, conn)
	defer in.hub.Remove(clientID)

	in.router.ReplayAttached(clientID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			in.logger.Debug("relay: cdp client read ended", slog.String("client", clientID), slog.String("err", err.Error()))
			return
		}
		in.router.HandleFrame(in.runCtx, clientID, data)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Router dispatches inbound CDP client frames: a small Target.* subset is
// answered locally so clients behave as if talking to a real browser;
// everything else is forwarded to the extension with the relay's own id and
// mapped back to the client's id on reply.
type Router struct {
	logger   *slog.Logger
	registry *Registry
	hub      *Hub
	link     *ExtensionLink
	settings Settings
}

func NewRouter(logger *slog.Logger, registry *Registry, hub *Hub, link *ExtensionLink, settings Settings) *Router {
	return &Router{logger: logger, registry: registry, hub: hub, link: link, settings: settings}
}

// HandleFrame processes one frame from one client. A failure while handling
// it must not affect other clients: panics are trapped and answered with a
// generic -32000 error to the originating client.
func (rt *Router) HandleFrame(ctx context.Context, clientID string, data []byte) {
	var frame cdpFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		rt.logger.Warn("relay: malformed client frame dropped", slog.String("client", clientID), slog.String("err", err.Error()))
		return
	}
	if frame.Method == "" {
		rt.logger.Debug("relay: client frame without method dropped", slog.String("client", clientID))
		return
	}
	if rt.settings.LogCDPFrames {
		rt.logger.Debug("cdp", slog.String("dir", "->ext"), slog.String("client", clientID),
			slog.String("method", frame.Method), slog.Int64("id", frame.ID), slog.String("sessionId", frame.SessionID))
	}

	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("relay: panic handling client frame", slog.String("client", clientID), slog.Any("panic", r))
			rt.hub.Send(clientID, cdpFrame{
				ID:        frame.ID,
				Error:     &CDPError{Code: codeServerError, Message: fmt.Sprintf("internal error: %v", r)},
				SessionID: frame.SessionID,
			})
		}
	}()

	switch frame.Method {
	case "Target.setDiscoverTargets":
		rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Result: json.RawMessage(`{}`), SessionID: frame.SessionID})
		rt.ReplayAttached(clientID)

	case "Target.setAutoAttach":
		// The extension owns attach policy; acknowledge and do nothing.
		rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Result: json.RawMessage(`{}`), SessionID: frame.SessionID})

	case "Target.getTargets":
		targets := rt.registry.AttachedSnapshot()
		infos := make([]TargetInfo, 0, len(targets))
		for _, t := range targets {
			infos = append(infos, t.info())
		}
		result, _ := json.Marshal(map[string]any{"targetInfos": infos})
		rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Result: result, SessionID: frame.SessionID})

	case "Target.attachToTarget":
		rt.handleAttachToTarget(clientID, frame)

	default:
		rt.forward(ctx, clientID, frame)
	}
}

func (rt *Router) handleAttachToTarget(clientID string, frame cdpFrame) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(frame.Params, &p); err != nil || p.TargetID == "" {
		rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Error: &CDPError{Code: codeInvalidParams, Message: "No such target"}})
		return
	}
	sessionID, ok := rt.registry.SessionForTarget(p.TargetID)
	if !ok {
		rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Error: &CDPError{Code: codeInvalidParams, Message: "No such target"}})
		return
	}
	result, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	rt.hub.Send(clientID, cdpFrame{ID: frame.ID, Result: result})
	// The attach event goes to the requesting client only; other clients
	// already saw it when the extension attached.
	for _, t := range rt.registry.AttachedSnapshot() {
		if t.SessionID == sessionID {
			rt.hub.SendEvent(clientID, "Target.attachedToTarget", attachedToTargetParams{
				SessionID:          t.SessionID,
				TargetInfo:         t.info(),
				WaitingForDebugger: t.WaitingForDebugger,
			}, "")
		}
	}
}

// forward relays a frame to the extension as a forwardCDPCommand call and
// unicasts the eventual reply back under the client's original id.
func (rt *Router) forward(ctx context.Context, clientID string, frame cdpFrame) {
	if frame.SessionID != "" && !rt.registry.HasSession(frame.SessionID) {
		rt.hub.Send(clientID, cdpFrame{
			ID:        frame.ID,
			Error:     &CDPError{Code: codeSessionNotFound, Message: "Session not found"},
			SessionID: frame.SessionID,
		})
		return
	}

	params := map[string]any{
		"sessionId": frame.SessionID,
		"method":    frame.Method,
		"params":    frame.Params,
	}
	go func() {
		result, err := rt.link.Call(ctx, "forwardCDPCommand", params)
		reply := cdpFrame{ID: frame.ID, SessionID: frame.SessionID}
		switch e := err.(type) {
		case nil:
			if result == nil {
				result = json.RawMessage(`{}`)
			}
			reply.Result = result
		case *CDPError:
			reply.Error = e
		default:
			reply.Error = &CDPError{Code: codeServerError, Message: err.Error()}
		}
		rt.hub.Send(clientID, reply)
	}()
}

// ReplayAttached seeds one client with the current attached-target set as a
// sequence of synthetic Target.attachedToTarget events.
func (rt *Router) ReplayAttached(clientID string) {
	for _, t := range rt.registry.AttachedSnapshot() {
		rt.hub.SendEvent(clientID, "Target.attachedToTarget", attachedToTargetParams{
			SessionID:          t.SessionID,
			TargetInfo:         t.info(),
			WaitingForDebugger: t.WaitingForDebugger,
		}, "")
	}
}

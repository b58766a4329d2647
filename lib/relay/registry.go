package relay

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// eventSink receives CDP events to fan out to connected clients. Implemented
// by the Hub; kept as an interface so the registry can be tested alone.
type eventSink interface {
	BroadcastEvent(method string, params any, sessionID string)
}

// attachObserver is notified of every Target.attachedToTarget the registry
// accepts, keyed by the extension-assigned ids. Used to complete pending
// /json/attach requests.
type attachObserver interface {
	noteAttached(sessionID, targetID string)
}

// Registry is the authoritative view of attached sessions and discovered
// tabs. All mutations arrive from the extension link's read loop; reads come
// from HTTP handlers and the router, so everything is guarded by one mutex.
type Registry struct {
	logger   *slog.Logger
	sink     eventSink
	observer attachObserver

	mu         sync.Mutex
	sessions   map[string]*AttachedTarget // sessionID -> target
	discovered map[int]*DiscoveredTab     // tabID -> tab
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		sessions:   make(map[string]*AttachedTarget),
		discovered: make(map[int]*DiscoveredTab),
	}
}

func (rg *Registry) setSink(s eventSink)          { rg.sink = s }
func (rg *Registry) setObserver(o attachObserver) { rg.observer = o }

func (rg *Registry) broadcast(method string, params any, sessionID string) {
	if rg.sink != nil {
		rg.sink.BroadcastEvent(method, params, sessionID)
	}
}

// attachedToTargetParams is the wire shape of the Target.attachedToTarget event.
type attachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

// OnAttachedToTarget records a new attachment. If the sessionId is already
// bound to a different targetId, the old target is detached first (with a
// synthetic Target.detachedFromTarget broadcast) so each live sessionId maps
// to exactly one target. The incoming event is always rebroadcast so
// late-joining clients can resync.
func (rg *Registry) OnAttachedToTarget(sessionID string, info TargetInfo, waitingForDebugger bool) {
	rg.mu.Lock()
	if existing, ok := rg.sessions[sessionID]; ok && existing.TargetID != info.TargetID {
		oldTargetID := existing.TargetID
		delete(rg.sessions, sessionID)
		rg.logger.Info("relay: session id reused, detaching old target",
			slog.String("sessionId", sessionID), slog.String("oldTargetId", oldTargetID), slog.String("newTargetId", info.TargetID))
		rg.broadcast("Target.detachedFromTarget", map[string]any{
			"sessionId": sessionID,
			"targetId":  oldTargetID,
		}, "")
	}
	rg.sessions[sessionID] = &AttachedTarget{
		TargetID:           info.TargetID,
		SessionID:          sessionID,
		Title:              info.Title,
		URL:                info.URL,
		WaitingForDebugger: waitingForDebugger,
	}
	rg.mu.Unlock()

	rg.broadcast("Target.attachedToTarget", attachedToTargetParams{
		SessionID:          sessionID,
		TargetInfo:         TargetInfo{TargetID: info.TargetID, Type: "page", Title: info.Title, URL: info.URL, Attached: true},
		WaitingForDebugger: waitingForDebugger,
	}, "")

	if rg.observer != nil {
		rg.observer.noteAttached(sessionID, info.TargetID)
	}
}

// OnDetachedFromTarget removes the session and rebroadcasts the detach.
func (rg *Registry) OnDetachedFromTarget(sessionID string) {
	rg.mu.Lock()
	target, ok := rg.sessions[sessionID]
	if ok {
		delete(rg.sessions, sessionID)
	}
	rg.mu.Unlock()
	if !ok {
		rg.logger.Debug("relay: detach for unknown session", slog.String("sessionId", sessionID))
	}
	params := map[string]any{"sessionId": sessionID}
	if target != nil {
		params["targetId"] = target.TargetID
	}
	rg.broadcast("Target.detachedFromTarget", params, "")
}

// OnTargetInfoChanged updates title/url by targetId and rebroadcasts.
func (rg *Registry) OnTargetInfoChanged(info TargetInfo) {
	rg.mu.Lock()
	for _, t := range rg.sessions {
		if t.TargetID == info.TargetID {
			t.Title = info.Title
			t.URL = info.URL
		}
	}
	rg.mu.Unlock()
	rg.broadcast("Target.targetInfoChanged", map[string]any{
		"targetInfo": TargetInfo{TargetID: info.TargetID, Type: "page", Title: info.Title, URL: info.URL, Attached: true},
	}, "")
}

// OnTabsDiscovered atomically replaces the discovered-tab set.
func (rg *Registry) OnTabsDiscovered(tabs []DiscoveredTab) {
	next := make(map[int]*DiscoveredTab, len(tabs))
	for i := range tabs {
		tab := tabs[i]
		next[tab.TabID] = &tab
	}
	rg.mu.Lock()
	rg.discovered = next
	rg.mu.Unlock()
}

// tabUpdate carries the optional fields of a tabUpdated event.
type tabUpdate struct {
	Title  *string `json:"title"`
	URL    *string `json:"url"`
	Active *bool   `json:"active"`
}

// OnTabUpdated upserts a discovered tab, creating it if absent.
func (rg *Registry) OnTabUpdated(tabID int, upd tabUpdate) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	tab, ok := rg.discovered[tabID]
	if !ok {
		tab = &DiscoveredTab{TabID: tabID}
		rg.discovered[tabID] = tab
	}
	if upd.Title != nil {
		tab.Title = *upd.Title
	}
	if upd.URL != nil {
		tab.URL = *upd.URL
	}
	if upd.Active != nil {
		tab.Active = *upd.Active
	}
}

// OnTabRemoved drops the discovered tab; no-op when unknown.
func (rg *Registry) OnTabRemoved(tabID int) {
	rg.mu.Lock()
	delete(rg.discovered, tabID)
	rg.mu.Unlock()
}

// OnExtensionDisconnected clears both sets. Pending attach failures are the
// attach tracker's concern.
func (rg *Registry) OnExtensionDisconnected() {
	rg.mu.Lock()
	rg.sessions = make(map[string]*AttachedTarget)
	rg.discovered = make(map[int]*DiscoveredTab)
	rg.mu.Unlock()
}

// HasSession reports whether sessionID is live.
func (rg *Registry) HasSession(sessionID string) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	_, ok := rg.sessions[sessionID]
	return ok
}

// SessionForTarget returns the live sessionId attached to targetId, if any.
func (rg *Registry) SessionForTarget(targetID string) (string, bool) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	for sid, t := range rg.sessions {
		if t.TargetID == targetID {
			return sid, true
		}
	}
	return "", false
}

// HasDiscoveredTab reports whether tabID is in the discovered set.
func (rg *Registry) HasDiscoveredTab(tabID int) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	_, ok := rg.discovered[tabID]
	return ok
}

// AttachedSnapshot returns a copy of all attached targets.
func (rg *Registry) AttachedSnapshot() []AttachedTarget {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	out := make([]AttachedTarget, 0, len(rg.sessions))
	for _, t := range rg.sessions {
		out = append(out, *t)
	}
	return out
}

// List renders the /json/list view: every attached target, then every
// discovered tab whose normalized URL is not already represented by an
// attached row. Only attached rows are debuggable, so only they carry
// webSocketDebuggerUrl.
func (rg *Registry) List(wsDebuggerURL string) []TargetEntry {
	rg.mu.Lock()
	attached := make([]AttachedTarget, 0, len(rg.sessions))
	for _, t := range rg.sessions {
		attached = append(attached, *t)
	}
	tabs := make([]DiscoveredTab, 0, len(rg.discovered))
	for _, tab := range rg.discovered {
		tabs = append(tabs, *tab)
	}
	rg.mu.Unlock()

	attachedURLs := make(map[string]struct{}, len(attached))
	for _, t := range attached {
		attachedURLs[normalizeURL(t.URL)] = struct{}{}
	}

	entries := lo.Map(attached, func(t AttachedTarget, _ int) TargetEntry {
		return TargetEntry{
			ID:                   t.TargetID,
			Type:                 "page",
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: wsDebuggerURL,
		}
	})
	visible := lo.Filter(tabs, func(tab DiscoveredTab, _ int) bool {
		_, dup := attachedURLs[normalizeURL(tab.URL)]
		return !dup
	})
	return append(entries, lo.Map(visible, func(tab DiscoveredTab, _ int) TargetEntry {
		return TargetEntry{
			ID:    discoveredTabPrefix + strconv.Itoa(tab.TabID),
			Type:  "page",
			Title: tab.Title,
			URL:   tab.URL,
		}
	})...)
}

// normalizeURL parses and re-stringifies a URL for dedup comparisons. The
// fragment is kept; trailing whitespace is trimmed. Unparseable input falls
// back to the trimmed raw string.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.String()
}

// dispatchTargetEvent routes a Target.* lifecycle event from the extension
// into the registry. Returns false when the method is not a lifecycle event
// the registry tracks.
func (rg *Registry) dispatchTargetEvent(method string, params json.RawMessage) bool {
	switch method {
	case "Target.attachedToTarget":
		var p attachedToTargetParams
		if err := json.Unmarshal(params, &p); err != nil {
			rg.logger.Warn("relay: malformed attachedToTarget params", slog.String("err", err.Error()))
			return true
		}
		rg.OnAttachedToTarget(p.SessionID, p.TargetInfo, p.WaitingForDebugger)
		return true
	case "Target.detachedFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			rg.logger.Warn("relay: malformed detachedFromTarget params", slog.String("err", err.Error()))
			return true
		}
		rg.OnDetachedFromTarget(p.SessionID)
		return true
	case "Target.targetInfoChanged":
		var p struct {
			TargetInfo TargetInfo `json:"targetInfo"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			rg.logger.Warn("relay: malformed targetInfoChanged params", slog.String("err", err.Error()))
			return true
		}
		rg.OnTargetInfoChanged(p.TargetInfo)
		return true
	}
	return false
}

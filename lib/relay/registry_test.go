package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink captures broadcast events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	method string
	params json.RawMessage
}

func (s *recordingSink) BroadcastEvent(method string, params any, sessionID string) {
	data, _ := json.Marshal(params)
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{method: method, params: data})
	s.mu.Unlock()
}

func (s *recordingSink) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.events, func(e sinkEvent, _ int) string { return e.method })
}

func newTestRegistry() (*Registry, *recordingSink) {
	rg := NewRegistry(silentLogger())
	sink := &recordingSink{}
	rg.setSink(sink)
	return rg, sink
}

func TestRegistry_AttachAndList(t *testing.T) {
	rg, _ := newTestRegistry()

	rg.OnAttachedToTarget("cb-tab-1", TargetInfo{TargetID: "t1", URL: "https://example.com", Title: "Example"}, false)

	list := rg.List("ws://127.0.0.1:1/cdp?token=x")
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)
	assert.Equal(t, "page", list[0].Type)
	assert.Equal(t, "https://example.com", list[0].URL)
	assert.Equal(t, "ws://127.0.0.1:1/cdp?token=x", list[0].WebSocketDebuggerURL)

	rg.OnTargetInfoChanged(TargetInfo{TargetID: "t1", URL: "https://www.derstandard.at/", Title: "DER STANDARD"})
	list = rg.List("")
	require.Len(t, list, 1)
	assert.Equal(t, "DER STANDARD", list[0].Title)
	assert.Equal(t, "https://www.derstandard.at/", list[0].URL)
}

func TestRegistry_SessionReuseDetachesOldTargetFirst(t *testing.T) {
	rg, sink := newTestRegistry()

	rg.OnAttachedToTarget("shared-session", TargetInfo{TargetID: "t1", URL: "https://a.test"}, false)
	rg.OnAttachedToTarget("shared-session", TargetInfo{TargetID: "t2", URL: "https://b.test"}, false)

	require.Equal(t, []string{
		"Target.attachedToTarget",
		"Target.detachedFromTarget",
		"Target.attachedToTarget",
	}, sink.methods())

	// The detach references the old target.
	var detach struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	require.NoError(t, json.Unmarshal(sink.events[1].params, &detach))
	assert.Equal(t, "shared-session", detach.SessionID)
	assert.Equal(t, "t1", detach.TargetID)

	// Exactly one live entry for the session, and it is t2.
	sid, ok := rg.SessionForTarget("t2")
	require.True(t, ok)
	assert.Equal(t, "shared-session", sid)
	_, ok = rg.SessionForTarget("t1")
	assert.False(t, ok)
}

func TestRegistry_AttachIdempotentForSameTarget(t *testing.T) {
	rg, sink := newTestRegistry()

	info := TargetInfo{TargetID: "t1", URL: "https://example.com", Title: "Example"}
	rg.OnAttachedToTarget("s1", info, false)
	rg.OnAttachedToTarget("s1", info, false)

	// No detach is synthesized; the event is still rebroadcast both times.
	assert.Equal(t, []string{"Target.attachedToTarget", "Target.attachedToTarget"}, sink.methods())
	assert.Len(t, rg.AttachedSnapshot(), 1)
}

func TestRegistry_DiscoveredTabDedupByURL(t *testing.T) {
	rg, _ := newTestRegistry()

	rg.OnTabsDiscovered([]DiscoveredTab{{TabID: 300, URL: "https://example.com", Title: "Example"}})
	require.Len(t, rg.List(""), 1)
	assert.Equal(t, "dtab-300", rg.List("")[0].ID)

	rg.OnAttachedToTarget("s1", TargetInfo{TargetID: "real-t1", URL: "https://example.com", Title: "Example"}, false)

	list := rg.List("ws://x/cdp")
	require.Len(t, list, 1)
	assert.Equal(t, "real-t1", list[0].ID)
	assert.Equal(t, "Example", list[0].Title)
	// The attached row wins and is the only debuggable one.
	assert.NotEmpty(t, list[0].WebSocketDebuggerURL)
}

func TestRegistry_TabsDiscoveredIsFullReplace(t *testing.T) {
	rg, _ := newTestRegistry()

	rg.OnTabsDiscovered([]DiscoveredTab{{TabID: 1, URL: "https://a.test"}, {TabID: 2, URL: "https://b.test"}})
	rg.OnTabsDiscovered([]DiscoveredTab{{TabID: 2, URL: "https://b.test"}, {TabID: 3, URL: "https://c.test"}})

	ids := lo.Map(rg.List(""), func(e TargetEntry, _ int) string { return e.ID })
	assert.ElementsMatch(t, []string{"dtab-2", "dtab-3"}, ids)
}

func TestRegistry_TabUpdatedUpsertsAndTabRemovedDeletes(t *testing.T) {
	rg, _ := newTestRegistry()

	title := "New tab"
	active := true
	rg.OnTabUpdated(42, tabUpdate{Title: &title, Active: &active})
	require.True(t, rg.HasDiscoveredTab(42))

	url := "https://news.test"
	rg.OnTabUpdated(42, tabUpdate{URL: &url})
	list := rg.List("")
	require.Len(t, list, 1)
	assert.Equal(t, "New tab", list[0].Title)
	assert.Equal(t, "https://news.test", list[0].URL)

	rg.OnTabRemoved(42)
	assert.False(t, rg.HasDiscoveredTab(42))
	// Removing again is a no-op.
	rg.OnTabRemoved(42)
	assert.Empty(t, rg.List(""))
}

func TestRegistry_ExtensionDisconnectedClearsEverything(t *testing.T) {
	rg, _ := newTestRegistry()

	rg.OnAttachedToTarget("s1", TargetInfo{TargetID: "t1", URL: "https://a.test"}, false)
	rg.OnTabsDiscovered([]DiscoveredTab{{TabID: 500, URL: "https://b.test"}})

	rg.OnExtensionDisconnected()

	assert.Empty(t, rg.List(""))
	assert.False(t, rg.HasSession("s1"))
	assert.False(t, rg.HasDiscoveredTab(500))
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, normalizeURL("https://example.com"), normalizeURL("https://example.com  "))
	// Fragments are kept.
	assert.NotEqual(t, normalizeURL("https://example.com/#a"), normalizeURL("https://example.com/#b"))
}

// Package relay bridges a single Chrome-extension websocket to any number of
// CDP client websockets, multiplexing commands onto the extension link and
// synthesizing the Target.* discovery surface clients expect from a browser.
package relay

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrShuttingDown          = errors.New("relay shutting down")
	ErrNoExtension           = errors.New("no extension connected")
	ErrExtensionDisconnected = errors.New("extension disconnected")
	ErrAttachTimeout         = errors.New("attach timed out")
)

// CDP JSON-RPC error codes used by the router.
const (
	codeServerError     = -32000
	codeSessionNotFound = -32001
	codeInvalidParams   = -32602
)

// Websocket close codes. 4001 is the relay's private code for a second
// extension attempting to take the slot; 1013 (try again later) is used when a
// client's write queue overflows.
const closeCodeExtensionSlotTaken = 4001

// CDPError is the JSON-RPC error object carried in CDP responses.
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CDPError) Error() string { return e.Message }

// cdpFrame is the open-shape CDP message exchanged with clients. Unknown
// top-level fields are not part of the protocol; unknown fields inside params
// ride along as raw JSON.
type cdpFrame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CDPError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// extensionFrame is a message received from the extension websocket: either an
// event (method set) or a reply to an outbound call (id set).
type extensionFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CDPError       `json:"error,omitempty"`
}

// TargetInfo mirrors CDP's Target.TargetInfo for the fields the relay tracks.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// AttachedTarget is a tab the extension has attached; CDP traffic flows for it.
type AttachedTarget struct {
	TargetID           string
	SessionID          string
	Title              string
	URL                string
	WaitingForDebugger bool
}

func (t AttachedTarget) info() TargetInfo {
	return TargetInfo{
		TargetID: t.TargetID,
		Type:     "page",
		Title:    t.Title,
		URL:      t.URL,
		Attached: true,
	}
}

// DiscoveredTab is a tab the extension reports but has not attached. It is
// surfaced in /json/list under the synthetic id "dtab-<tabId>".
type DiscoveredTab struct {
	TabID  int    `json:"tabId"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

const discoveredTabPrefix = "dtab-"

// TargetEntry is one row of the /json/list response.
type TargetEntry struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// Settings are the per-instance tunables. The zero value is not usable; start
// from DefaultSettings.
type Settings struct {
	PingInterval    time.Duration
	PongMissLimit   int
	CallTimeout     time.Duration
	AttachTimeout   time.Duration
	ClientQueueSize int
	ReadLimitBytes  int64
	LogCDPFrames    bool
}

func DefaultSettings() Settings {
	return Settings{
		PingInterval:    15 * time.Second,
		PongMissLimit:   3,
		CallTimeout:     30 * time.Second,
		AttachTimeout:   10 * time.Second,
		ClientQueueSize: 256,
		ReadLimitBytes:  100 * 1024 * 1024,
	}
}

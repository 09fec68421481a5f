package contracts

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var errEmptyPayload = errors.New("empty payload")

const (
	// MessageTypeStatus carries user-facing progress or error text to the host.
	MessageTypeStatus = "status"
	// MessageTypeRender carries the initial document snapshot to the host.
	MessageTypeRender = "render"
	// MessageTypePatch carries a document diff, in either direction.
	MessageTypePatch = "patch"
	// MessageTypeIdle tells the host the next patch may be sent.
	MessageTypeIdle = "idle"
	// MessageTypeRendered confirms the host has mounted the snapshot.
	MessageTypeRendered = "rendered"
	// MessageTypeLocation carries a URL state update from the host.
	MessageTypeLocation = "location"
)

// IncomingMessage is the minimal envelope used to route host messages.
type IncomingMessage struct {
	Type string `json:"type"`
}

// StatusMessage reports startup progress or a failure summary.
type StatusMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// RenderMessage is the full document snapshot sent once per session.
type RenderMessage struct {
	Type        string             `json:"type"`
	DocsJSON    map[string]DocJSON `json:"docs_json"`
	RenderItems []RenderItem       `json:"render_items"`
	RootIDs     []string           `json:"root_ids"`
}

// PatchMessage is an outgoing document diff. Patch holds the raw JSON patch.
type PatchMessage struct {
	Type    string          `json:"type"`
	Patch   json.RawMessage `json:"patch"`
	Buffers [][]byte        `json:"buffers"`
}

// IdleMessage signals that the worker finished applying a host patch.
type IdleMessage struct {
	Type string `json:"type"`
}

// HostPatchMessage is a patch sent by the host. Patch is normally a
// JSON-encoded string holding the patch; see Payload.
type HostPatchMessage struct {
	Type  string          `json:"type"`
	Patch json.RawMessage `json:"patch"`
}

// LocationMessage is a location update sent by the host. Location is
// normally a JSON-encoded object string; see Payload.
type LocationMessage struct {
	Type     string          `json:"type"`
	Location json.RawMessage `json:"location"`
}

// Payload unwraps a field that hosts send either as a JSON-encoded string or
// as the JSON value itself.
func Payload(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), nil
	}
	if len(raw) == 0 {
		return nil, errEmptyPayload
	}
	return raw, nil
}

// DocJSON is one serialized document inside a render snapshot.
type DocJSON struct {
	Title   string   `json:"title"`
	Version string   `json:"version"`
	Roots   DocRoots `json:"roots"`
}

// DocRoots lists every model reachable from the document roots.
type DocRoots struct {
	References []Model  `json:"references"`
	RootIDs    []string `json:"root_ids"`
}

// Model is the serialized form of a single document model.
type Model struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// RenderItem maps a document's roots onto host page elements.
type RenderItem struct {
	DocID   string            `json:"docid"`
	Roots   map[string]string `json:"roots"`
	RootIDs []string          `json:"root_ids"`
}

func NewStatus(msg string) StatusMessage {
	return StatusMessage{Type: MessageTypeStatus, Msg: msg}
}

func NewIdle() IdleMessage {
	return IdleMessage{Type: MessageTypeIdle}
}

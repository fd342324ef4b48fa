package bridge

import (
	"encoding/json"
	"errors"
)

// MsgType identifies the kind of message sent over the Unix socket.
type MsgType string

const (
	MsgRequest  MsgType = "request"
	MsgResponse MsgType = "response"
	MsgError    MsgType = "error"
	MsgPing     MsgType = "ping"
	MsgPong     MsgType = "pong"

	// Push notifications, editor → peer. No id, no reply.
	MsgBufferChanged      MsgType = "buffer_changed"
	MsgBufferEntered      MsgType = "buffer_entered"
	MsgDiagnosticsChanged MsgType = "diagnostics_changed"
	MsgCursorMoved        MsgType = "cursor_moved"
	MsgEditorClosed       MsgType = "editor_closed"
)

// Capability command names carried on Message.Command.
const (
	CmdOpenFile         = "open_file"
	CmdGetBuffers       = "get_buffers"
	CmdGetBufferContent = "get_buffer_content"
	CmdGetDiagnostics   = "get_diagnostics"
	CmdGetCursor        = "get_cursor"
	CmdPing             = "ping"
)

// ErrBridgeAlreadyRunning is returned by SocketEndpoint.Listen when another
// bridge is already listening on the socket.
var ErrBridgeAlreadyRunning = errors.New("bridge already running")

// ErrNotConnected is returned when an operation needs a live peer and none
// is attached.
var ErrNotConnected = errors.New("no peer connected")

// Message is the wire envelope for all socket messages (newline-delimited
// JSON, one message per line). Which fields are populated depends on Type.
// The id is opaque: chosen by whoever sent the request and echoed back
// verbatim, never generated or validated here.
type Message struct {
	Type MsgType         `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`

	// Request direction.
	Command json.RawMessage `json:"command,omitempty"`

	// Reply direction.
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`

	// ping / pong. A pointer: zero is a valid sequence number and must
	// still appear on the wire.
	Seq *int `json:"seq,omitempty"`

	// Notification fields (buffer_entered, buffer_changed, cursor_moved).
	Path     string `json:"path,omitempty"`
	Filetype string `json:"filetype,omitempty"`
	Line     int    `json:"line,omitempty"`
	Col      int    `json:"col,omitempty"`
}

// CommandType extracts the capability name from a raw command object.
func CommandType(raw json.RawMessage) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", errors.New("command has no type")
	}
	return probe.Type, nil
}

// OpenFileCommand is the payload for the open_file capability.
type OpenFileCommand struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
}

// GetBufferContentCommand is the payload for get_buffer_content.
type GetBufferContentCommand struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// GetDiagnosticsCommand is the payload for get_diagnostics. Path is
// optional; empty means all tracked buffers.
type GetDiagnosticsCommand struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

// PingCommand is the payload for the ping capability.
type PingCommand struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
}

// BufferInfo describes one tracked buffer in get_buffers results.
type BufferInfo struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Modified bool   `json:"modified"`
	Filetype string `json:"filetype"`
}

// Diagnostic is one editor diagnostic entry.
type Diagnostic struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// Cursor is the current cursor position.
type Cursor struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// Location is one definition or reference target.
type Location struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Preview string `json:"preview,omitempty"`
}

// Symbol is one document symbol.
type Symbol struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Line   int    `json:"line"`
	Detail string `json:"detail,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

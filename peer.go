package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PeerClient is the external-process side of the socket protocol: it
// dials the editor's bridge socket, sends correlated requests, and
// surfaces push notifications through a callback. Replies are matched to
// requests by id; a dropped connection fails everything in flight.
type PeerClient struct {
	Logger         *slog.Logger
	OnNotification func(Message)

	conn    net.Conn
	pending *PendingTable

	mu     sync.Mutex // guards writes and closed
	closed bool
}

// Dial connects to the bridge socket and starts the read loop. Logger
// and OnNotification must be set before Dial; the read loop uses them.
func (pc *PeerClient) Dial(socketPath string) error {
	if pc.Logger == nil {
		pc.Logger = slog.Default()
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to bridge: %w", err)
	}
	pc.conn = conn
	pc.pending = NewPendingTable()
	go pc.readLoop()
	return nil
}

// DialPeer is a convenience for clients that need no callbacks.
func DialPeer(socketPath string) (*PeerClient, error) {
	pc := &PeerClient{}
	if err := pc.Dial(socketPath); err != nil {
		return nil, err
	}
	return pc, nil
}

// Close closes the connection. Idempotent; in-flight requests fail.
func (pc *PeerClient) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.mu.Unlock()
	return pc.conn.Close()
}

// Request sends a correlated command to the editor and waits for its
// terminal reply.
func (pc *PeerClient) Request(ctx context.Context, command any) (json.RawMessage, error) {
	id, ch := pc.pending.Add()
	if err := pc.write(Message{
		Type:    MsgRequest,
		ID:      mustMarshal(id),
		Command: mustMarshal(command),
	}); err != nil {
		pc.pending.Fail(id, err)
		<-ch
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply.Result, reply.Err
	case <-ctx.Done():
		pc.pending.Fail(id, ctx.Err())
		<-ch
		return nil, ctx.Err()
	}
}

// Ping sends an uncorrelated ping; the editor echoes a pong with the
// same seq, delivered through OnNotification.
func (pc *PeerClient) Ping(seq int) error {
	return pc.write(Message{Type: MsgPing, Seq: &seq})
}

func (pc *PeerClient) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrNotConnected
	}
	_, err = pc.conn.Write(data)
	return err
}

func (pc *PeerClient) readLoop() {
	var framer LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				var msg Message
				if uerr := json.Unmarshal(frame, &msg); uerr != nil {
					pc.Logger.Debug("dropping malformed line", "err", uerr)
					continue
				}
				pc.handle(msg)
			}
		}
		if err != nil {
			break
		}
	}
	// No reply will arrive for anything still pending.
	pc.pending.FailAll(ErrNotConnected)
}

func (pc *PeerClient) handle(msg Message) {
	switch msg.Type {
	case MsgResponse:
		if id, ok := pc.pending.Owns(msg.ID); ok {
			pc.pending.Resolve(id, msg.Result)
			return
		}
		pc.Logger.Debug("unmatched response", "id", string(msg.ID))

	case MsgError:
		if id, ok := pc.pending.Owns(msg.ID); ok {
			pc.pending.Fail(id, fmt.Errorf("%s", msg.Message))
			return
		}
		pc.Logger.Debug("unmatched error reply", "id", string(msg.ID))

	case MsgPing:
		if err := pc.write(Message{Type: MsgPong, Seq: msg.Seq}); err != nil {
			pc.Logger.Debug("pong failed", "err", err)
		}

	default:
		if pc.OnNotification != nil {
			pc.OnNotification(msg)
		}
	}
}

// Typed conveniences over Request.

// OpenFile asks the editor to open path, optionally jumping to line/col.
func (pc *PeerClient) OpenFile(ctx context.Context, path string, line, col int) error {
	_, err := pc.Request(ctx, OpenFileCommand{Type: CmdOpenFile, Path: path, Line: line, Col: col})
	return err
}

// Buffers returns the editor's tracked buffers.
func (pc *PeerClient) Buffers(ctx context.Context) ([]BufferInfo, error) {
	raw, err := pc.Request(ctx, map[string]string{"type": CmdGetBuffers})
	if err != nil {
		return nil, err
	}
	var result struct {
		Buffers []BufferInfo `json:"buffers"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing buffers result: %w", err)
	}
	return result.Buffers, nil
}

// BufferContent returns the content of one tracked buffer. tracked is
// false when the editor does not know the path.
func (pc *PeerClient) BufferContent(ctx context.Context, path string) (lines []string, tracked bool, err error) {
	raw, err := pc.Request(ctx, GetBufferContentCommand{Type: CmdGetBufferContent, Path: path})
	if err != nil {
		return nil, false, err
	}
	var result struct {
		Lines   []string `json:"lines"`
		Tracked bool     `json:"tracked"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("parsing content result: %w", err)
	}
	return result.Lines, result.Tracked, nil
}

// Diagnostics returns diagnostics for path, or all when path is empty.
func (pc *PeerClient) Diagnostics(ctx context.Context, path string) ([]Diagnostic, error) {
	raw, err := pc.Request(ctx, GetDiagnosticsCommand{Type: CmdGetDiagnostics, Path: path})
	if err != nil {
		return nil, err
	}
	var result struct {
		Diagnostics []Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing diagnostics result: %w", err)
	}
	return result.Diagnostics, nil
}

// CursorPos returns the editor's current cursor position.
func (pc *PeerClient) CursorPos(ctx context.Context) (Cursor, error) {
	raw, err := pc.Request(ctx, map[string]string{"type": CmdGetCursor})
	if err != nil {
		return Cursor{}, err
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("parsing cursor result: %w", err)
	}
	return cursor, nil
}

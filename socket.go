package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// CommandHandler handles one socket capability command. It receives the
// raw command object (including its type field) and returns the response
// payload, or an error that becomes an error reply.
type CommandHandler func(ctx context.Context, raw json.RawMessage) (any, error)

// SocketEndpoint owns the Unix socket side of the bridge: one listener at
// a session-unique path, at most one live peer, newline-delimited JSON
// framing, and command dispatch through a Router. A second connecting
// peer replaces the first; the superseded connection is closed.
type SocketEndpoint struct {
	Store    *BufferStore
	Commands *Router[CommandHandler]
	Logger   *slog.Logger
	Trace    *Trace

	pending  *PendingTable
	listener net.Listener
	path     string
	wg       sync.WaitGroup

	mu     sync.Mutex // guards peer, closed and writes to peer
	peer   net.Conn
	closed bool

	dropped atomic.Uint64
}

// DefaultSocketPath returns a PID-scoped socket path, so two concurrent
// editor sessions never collide.
func DefaultSocketPath() string {
	name := fmt.Sprintf("bridge-%d.sock", os.Getpid())
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("bridge-%d", os.Getuid()), name)
}

// SocketPathFromEnv returns the socket path from the BRIDGE_SOCKET env
// var, or the default PID-scoped path.
func SocketPathFromEnv() string {
	if p := os.Getenv("BRIDGE_SOCKET"); p != "" {
		return p
	}
	return DefaultSocketPath()
}

// Listen starts accepting peer connections on the Unix socket.
func (e *SocketEndpoint) Listen(ctx context.Context, socketPath string) error {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Commands == nil {
		e.Commands = NewRouter[CommandHandler]()
	}
	if e.pending == nil {
		e.pending = NewPendingTable()
	}

	// Clean up stale socket
	if _, err := os.Stat(socketPath); err == nil {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return ErrBridgeAlreadyRunning
		}
		os.Remove(socketPath)
	}

	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	e.listener = ln
	e.path = socketPath
	e.Logger.Info("socket endpoint listening", "path", socketPath)

	go func() {
		<-ctx.Done()
		e.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || e.isClosed() {
					return
				}
				e.Logger.Error("accept error", "err", err)
				continue
			}
			e.attach(conn)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleConn(ctx, conn)
			}()
		}
	}()

	return nil
}

// Path returns the bound socket path.
func (e *SocketEndpoint) Path() string {
	return e.path
}

// DroppedSends reports how many outbound writes failed against a dead or
// absent peer. Best-effort sends never error; this counter is the
// observable side channel.
func (e *SocketEndpoint) DroppedSends() uint64 {
	return e.dropped.Load()
}

// Connected reports whether a peer is currently attached.
func (e *SocketEndpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer != nil
}

// attach makes conn the active peer, closing any superseded one.
func (e *SocketEndpoint) attach(conn net.Conn) {
	e.mu.Lock()
	old := e.peer
	e.peer = conn
	e.mu.Unlock()

	if old != nil {
		e.Logger.Info("peer replaced, closing superseded connection")
		old.Close()
		// No reply will ever arrive on the superseded connection, and the
		// new peer knows nothing about ids issued before it attached.
		e.pending.FailAll(ErrNotConnected)
	} else {
		e.Logger.Info("peer connected")
	}
	e.pushInitialContext(conn)
}

// detach clears the peer reference if conn is still the active peer and
// fails everything awaiting a reply on it.
func (e *SocketEndpoint) detach(conn net.Conn) {
	e.mu.Lock()
	active := e.peer == conn
	if active {
		e.peer = nil
	}
	e.mu.Unlock()

	if active {
		e.pending.FailAll(ErrNotConnected)
		e.Logger.Info("peer disconnected")
	}
}

// pushInitialContext sends current buffer identity and diagnostics state
// to a freshly connected peer. These are pushes, not replies: no id.
func (e *SocketEndpoint) pushInitialContext(conn net.Conn) {
	if e.Store == nil {
		return
	}
	if buf, ok := e.Store.Current(); ok {
		e.writeTo(conn, Message{
			Type:     MsgBufferEntered,
			Path:     buf.Path,
			Filetype: buf.Filetype,
		})
	}
	e.writeTo(conn, Message{Type: MsgDiagnosticsChanged})
}

func (e *SocketEndpoint) handleConn(ctx context.Context, conn net.Conn) {
	defer e.detach(conn)

	// Decoded messages flow through a FIFO channel so a slow handler
	// cannot stall reads off the socket.
	msgs := make(chan Message, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			e.route(ctx, conn, msg)
		}
	}()

	var framer LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, frame := range framer.Feed(buf[:n]) {
				var msg Message
				if uerr := json.Unmarshal(frame, &msg); uerr != nil {
					// Skip corrupt message; the line is consumed and the
					// connection stays open.
					e.record(DirDrop, "malformed", string(frame))
					e.Logger.Debug("dropping malformed line", "err", uerr)
					continue
				}
				msgs <- msg
			}
		}
		if err != nil {
			break
		}
	}
	close(msgs)
	<-done
}

func (e *SocketEndpoint) route(ctx context.Context, conn net.Conn, msg Message) {
	e.record(DirIn, string(msg.Type), "")

	switch msg.Type {
	case MsgResponse:
		if id, ok := e.pending.Owns(msg.ID); ok {
			e.pending.Resolve(id, msg.Result)
		} else {
			e.Logger.Debug("unmatched response", "id", string(msg.ID))
		}

	case MsgError:
		if id, ok := e.pending.Owns(msg.ID); ok {
			e.pending.Fail(id, fmt.Errorf("%s", msg.Message))
		} else {
			e.Logger.Debug("unmatched error reply", "id", string(msg.ID))
		}

	case MsgPing:
		e.writeTo(conn, Message{Type: MsgPong, Seq: msg.Seq})

	case MsgPong:
		// Peer liveness echo; nothing to correlate.

	case MsgRequest:
		e.handleRequest(ctx, conn, msg)

	default:
		e.Logger.Debug("ignoring message", "type", string(msg.Type))
	}
}

func (e *SocketEndpoint) handleRequest(ctx context.Context, conn net.Conn, msg Message) {
	replyErr := func(text string) {
		if msg.ID == nil {
			e.Logger.Debug("dropping failed request without id", "err", text)
			return
		}
		e.writeTo(conn, Message{Type: MsgError, ID: msg.ID, Message: text})
	}

	name, err := CommandType(msg.Command)
	if err != nil {
		replyErr(fmt.Sprintf("bad command: %v", err))
		return
	}

	handler, ok := e.Commands.Lookup(name)
	if !ok {
		replyErr(fmt.Sprintf("unknown command: %s (supported: %s)",
			name, strings.Join(e.Commands.Names(), ", ")))
		return
	}

	result, err := handler(ctx, msg.Command)
	if err != nil {
		replyErr(err.Error())
		return
	}
	if msg.ID == nil {
		return
	}
	e.writeTo(conn, Message{Type: MsgResponse, ID: msg.ID, Result: mustMarshal(result)})
}

// Send writes a message to the current peer, best-effort. Write failures
// and the no-peer case are logged and counted, never returned.
func (e *SocketEndpoint) Send(msg Message) {
	e.mu.Lock()
	conn := e.peer
	e.mu.Unlock()

	if conn == nil {
		e.dropped.Add(1)
		e.record(DirDrop, string(msg.Type), "no peer")
		return
	}
	e.writeTo(conn, msg)
}

// writeTo serializes msg as one JSON line on conn. Failures are swallowed
// after logging and counting.
func (e *SocketEndpoint) writeTo(conn net.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.Logger.Error("marshal failed", "type", string(msg.Type), "err", err)
		return
	}
	data = append(data, '\n')

	e.mu.Lock()
	_, err = conn.Write(data)
	e.mu.Unlock()

	if err != nil {
		e.dropped.Add(1)
		e.record(DirDrop, string(msg.Type), err.Error())
		e.Logger.Debug("send failed", "type", string(msg.Type), "err", err)
		return
	}
	e.record(DirOut, string(msg.Type), "")
}

// Request sends a correlated request to the peer and waits for its
// terminal reply. The reply channel fails if the peer disconnects first.
func (e *SocketEndpoint) Request(ctx context.Context, command any) (json.RawMessage, error) {
	e.mu.Lock()
	conn := e.peer
	e.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id, ch := e.pending.Add()
	e.writeTo(conn, Message{
		Type:    MsgRequest,
		ID:      mustMarshal(id),
		Command: mustMarshal(command),
	})

	select {
	case reply := <-ch:
		return reply.Result, reply.Err
	case <-ctx.Done():
		e.pending.Fail(id, ctx.Err())
		<-ch
		return nil, ctx.Err()
	}
}

// Notification helpers, editor → peer.

func (e *SocketEndpoint) NotifyBufferEntered(path, filetype string) {
	e.Send(Message{Type: MsgBufferEntered, Path: path, Filetype: filetype})
}

func (e *SocketEndpoint) NotifyBufferChanged(path string) {
	e.Send(Message{Type: MsgBufferChanged, Path: path})
}

func (e *SocketEndpoint) NotifyDiagnosticsChanged() {
	e.Send(Message{Type: MsgDiagnosticsChanged})
}

func (e *SocketEndpoint) NotifyCursorMoved(c Cursor) {
	e.Send(Message{Type: MsgCursorMoved, Path: c.Path, Line: c.Line, Col: c.Col})
}

func (e *SocketEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears the endpoint down: editor_closed is pushed once, the peer
// and listener are closed, and the socket file is unlinked so a later
// session cannot accept phantom connections on a stale path. Idempotent.
func (e *SocketEndpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	peer := e.peer
	e.peer = nil
	e.mu.Unlock()

	if peer != nil {
		if data, err := json.Marshal(Message{Type: MsgEditorClosed}); err == nil {
			peer.Write(append(data, '\n'))
		}
		peer.Close()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	if e.pending != nil {
		e.pending.FailAll(ErrNotConnected)
	}
	e.wg.Wait()
	if e.path != "" {
		os.Remove(e.path)
	}
	e.Logger.Info("socket endpoint closed")
}

func (e *SocketEndpoint) record(dir, msgType, detail string) {
	if e.Trace != nil {
		e.Trace.Record(dir, msgType, detail)
	}
}

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startEndpoint brings up a socket endpoint with one tracked buffer and
// one diagnostic, on a short temp socket path.
func startEndpoint(t *testing.T) (*SocketEndpoint, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bridge-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "b.sock")

	store := NewBufferStore()
	store.Open("/src/main.go", 1, 1)
	store.SetDiagnostics("/src/main.go", []Diagnostic{
		{Path: "/src/main.go", Line: 3, Col: 1, Severity: "error", Message: "undefined: x"},
	})

	endpoint := &SocketEndpoint{
		Store:    store,
		Commands: NewRouter[CommandHandler](),
		Logger:   testLogger(),
		Trace:    NewTrace(128),
	}
	NewCapabilities(store).RegisterSocket(endpoint.Commands)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := endpoint.Listen(ctx, socketPath); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(endpoint.Close)
	return endpoint, socketPath
}

func TestSocketInitialContextPush(t *testing.T) {
	_, socketPath := startEndpoint(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	var types []MsgType
	for len(types) < 2 && scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatal(err)
		}
		types = append(types, msg.Type)
		if msg.Type == MsgBufferEntered && msg.Path != "/src/main.go" {
			t.Errorf("buffer_entered path = %q", msg.Path)
		}
		if msg.ID != nil {
			t.Error("initial context push carried an id")
		}
	}
	if len(types) != 2 || types[0] != MsgBufferEntered || types[1] != MsgDiagnosticsChanged {
		t.Errorf("pushed %v", types)
	}
}

func TestSocketRequestResponse(t *testing.T) {
	_, socketPath := startEndpoint(t)

	client := &PeerClient{Logger: testLogger()}
	if err := client.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buffers, err := client.Buffers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(buffers) != 1 || buffers[0].Path != "/src/main.go" {
		t.Errorf("buffers = %+v", buffers)
	}

	diags, err := client.Diagnostics(ctx, "/src/main.go")
	if err != nil {
		t.Fatal(err)
	}
	if len(diags) != 1 || diags[0].Message != "undefined: x" {
		t.Errorf("diagnostics = %+v", diags)
	}

	cursor, err := client.CursorPos(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor.Path != "/src/main.go" {
		t.Errorf("cursor = %+v", cursor)
	}
}

func TestSocketOpenFileMutatesState(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	client := &PeerClient{Logger: testLogger()}
	if err := client.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.OpenFile(ctx, "/src/new.go", 12, 4); err != nil {
		t.Fatal(err)
	}
	buf, ok := endpoint.Store.Current()
	if !ok || buf.Path != "/src/new.go" {
		t.Errorf("current buffer = %v", buf)
	}
	if c := endpoint.Store.Cursor(); c.Line != 12 || c.Col != 4 {
		t.Errorf("cursor = %+v", c)
	}
}

func TestSocketUnknownCommand(t *testing.T) {
	_, socketPath := startEndpoint(t)

	client := &PeerClient{Logger: testLogger()}
	if err := client.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Request(ctx, map[string]string{"type": "frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}
	// The reply names what the endpoint does support.
	if !strings.Contains(err.Error(), CmdGetBuffers) {
		t.Errorf("err %v does not list supported commands", err)
	}
}

func TestSocketMalformedLineTolerance(t *testing.T) {
	_, socketPath := startEndpoint(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Garbage between two valid requests: both must still be answered.
	io.WriteString(conn, `{"type":"request","id":1,"command":{"type":"get_cursor"}}`+"\n")
	io.WriteString(conn, "this is not json at all\n")
	io.WriteString(conn, `{"type":"request","id":2,"command":{"type":"get_cursor"}}`+"\n")

	scanner := bufio.NewScanner(conn)
	var replies []string
	for len(replies) < 2 && scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type == MsgResponse {
			replies = append(replies, string(msg.ID))
		}
	}
	if len(replies) != 2 || replies[0] != "1" || replies[1] != "2" {
		t.Errorf("replies = %v", replies)
	}
}

func TestSocketPingPong(t *testing.T) {
	_, socketPath := startEndpoint(t)

	pongs := make(chan Message, 4)
	client := &PeerClient{
		Logger: testLogger(),
		OnNotification: func(msg Message) {
			if msg.Type == MsgPong {
				pongs <- msg
			}
		},
	}
	if err := client.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Ping(42); err != nil {
		t.Fatal(err)
	}
	select {
	case pong := <-pongs:
		if pong.Seq == nil || *pong.Seq != 42 {
			t.Errorf("pong seq = %v, want 42", pong.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func TestSocketPeerReplacement(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	first := &PeerClient{Logger: testLogger()}
	if err := first.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	waitFor(t, "first peer attach", endpoint.Connected)

	second := &PeerClient{Logger: testLogger()}
	if err := second.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// New peer is live.
	if _, err := second.Buffers(ctx); err != nil {
		t.Fatalf("second peer request failed: %v", err)
	}

	// Superseded connection was closed; requests on it cannot succeed.
	waitFor(t, "first peer closure", func() bool {
		shortCtx, c := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer c()
		_, err := first.Buffers(shortCtx)
		return err != nil
	})
}

func TestSocketPeerReplacementFailsInflightRequests(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	// First peer never answers.
	first, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitFor(t, "first peer attach", endpoint.Connected)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := endpoint.Request(ctx, map[string]string{"type": "never_answered"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the request land in the pending table

	second, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	// Replacement must fail the waiter promptly, not leave it to its own
	// deadline.
	select {
	case err := <-done:
		if err == nil {
			t.Error("request to superseded peer resolved without error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request to superseded peer still pending after replacement")
	}
}

func TestSocketEditorClosedOnTeardown(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	notes := make(chan Message, 8)
	client := &PeerClient{
		Logger:         testLogger(),
		OnNotification: func(msg Message) { notes <- msg },
	}
	if err := client.Dial(socketPath); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	waitFor(t, "peer attach", endpoint.Connected)
	endpoint.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-notes:
			if msg.Type == MsgEditorClosed {
				return
			}
		case <-deadline:
			t.Fatal("editor_closed never arrived")
		}
	}
}

func TestSocketTeardownIdempotent(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	endpoint.Close()
	endpoint.Close() // second teardown must not panic

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file still exists after teardown")
	}
	if _, err := net.Dial("unix", socketPath); err == nil {
		t.Error("reconnect succeeded after teardown")
	}
}

func TestSocketRequestDirection(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	// Raw fake peer: answer the editor's request by echoing the id.
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var msg Message
			if json.Unmarshal(scanner.Bytes(), &msg) != nil {
				continue
			}
			if msg.Type != MsgRequest {
				continue
			}
			reply, _ := json.Marshal(Message{
				Type:   MsgResponse,
				ID:     msg.ID,
				Result: mustMarshal(map[string]string{"status": "opened"}),
			})
			conn.Write(append(reply, '\n'))
		}
	}()

	waitFor(t, "peer attach", endpoint.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := endpoint.Request(ctx, map[string]string{"type": "show_message", "text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "opened" {
		t.Errorf("result = %+v", result)
	}
}

func TestSocketRequestFailsWhenPeerDrops(t *testing.T) {
	endpoint, socketPath := startEndpoint(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "peer attach", endpoint.Connected)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := endpoint.Request(ctx, map[string]string{"type": "never_answered"})
		done <- err
	}()

	// Give the request a moment to land in the pending table, then drop
	// the peer: the caller must get an error, not hang.
	time.Sleep(50 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after peer dropped")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request hung after peer dropped")
	}
}

func TestSocketDroppedSendCounter(t *testing.T) {
	endpoint, _ := startEndpoint(t)

	// No peer attached: the notification is counted, not raised.
	endpoint.NotifyDiagnosticsChanged()
	if endpoint.DroppedSends() == 0 {
		t.Error("dropped send not counted")
	}
}

func TestSocketListenRefusesSecondBridge(t *testing.T) {
	_, socketPath := startEndpoint(t)

	other := &SocketEndpoint{Logger: testLogger()}
	err := other.Listen(context.Background(), socketPath)
	if err != ErrBridgeAlreadyRunning {
		t.Errorf("err = %v, want ErrBridgeAlreadyRunning", err)
	}
}

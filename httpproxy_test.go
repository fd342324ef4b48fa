package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// stubProvider is a controllable LookupProvider for proxy tests.
type stubProvider struct {
	StoreProvider
	hoverText string
	locations []Location
	symbols   []Symbol
	delay     time.Duration
}

func (p *stubProvider) Hover(ctx context.Context, file string, line, col int) (string, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.hoverText, nil
}

func (p *stubProvider) Definition(ctx context.Context, file string, line, col int) ([]Location, error) {
	return p.locations, nil
}

func (p *stubProvider) Symbols(ctx context.Context, file string) ([]Symbol, error) {
	return p.symbols, nil
}

func startProxy(t *testing.T, lsp LookupProvider, timeout time.Duration) *Proxy {
	t.Helper()

	store := NewBufferStore()
	store.Open("/src/main.go", 1, 1)
	store.SetDiagnostics("/src/main.go", []Diagnostic{
		{Path: "/src/main.go", Line: 2, Col: 4, Severity: "error", Message: "missing return"},
	})

	caps := NewCapabilities(store)
	if lsp != nil {
		caps.LSP = lsp
	}

	proxy := &Proxy{
		Routes:         NewRouter[ProxyHandler](),
		Logger:         testLogger(),
		Trace:          NewTrace(128),
		RequestTimeout: timeout,
	}
	caps.RegisterProxy(proxy.Routes)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := proxy.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(proxy.Close)
	return proxy
}

func postJSON(t *testing.T, port int, path, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d%s", port, path),
		"application/json",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(data)
}

func TestProxyHealth(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
		Port   int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Port != proxy.Port() {
		t.Errorf("health = %+v", health)
	}
}

func TestProxyUnknownEndpoint(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	status, body := postJSON(t, proxy.Port(), "/lsp/unknown", "{}")
	if status != 400 {
		t.Errorf("status = %d, want 400", status)
	}
	if body != `{"error":"Unknown endpoint: /lsp/unknown"}` {
		t.Errorf("body = %s", body)
	}
}

func TestProxyMissingFields(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	tests := []struct {
		path    string
		body    string
		missing []string
	}{
		{"/lsp/hover", `{"file":"x.rs"}`, []string{"line", "col"}},
		{"/lsp/hover", `{"line":1,"col":2}`, []string{"file"}},
		{"/lsp/definition", `{}`, []string{"file", "line", "col"}},
		{"/lsp/diagnostics", `{}`, []string{"file"}},
		{"/lsp/symbols", `{}`, []string{"file"}},
		{"/lsp/signature", `{"file":"x.rs","line":1}`, []string{"col"}},
	}
	for _, tt := range tests {
		t.Run(tt.path+tt.body, func(t *testing.T) {
			status, body := postJSON(t, proxy.Port(), tt.path, tt.body)
			if status != 400 {
				t.Fatalf("status = %d, want 400", status)
			}
			for _, name := range tt.missing {
				if !strings.Contains(body, name) {
					t.Errorf("error %s does not name %q", body, name)
				}
			}
		})
	}
}

func TestProxyDiagnosticsNotFoundIsEmpty(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	status, body := postJSON(t, proxy.Port(), "/lsp/diagnostics", `{"file":"/not/open.rs"}`)
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if body != `{"diagnostics":[]}` {
		t.Errorf("body = %s", body)
	}
}

func TestProxyDiagnosticsTracked(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	status, body := postJSON(t, proxy.Port(), "/lsp/diagnostics", `{"file":"/src/main.go"}`)
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	var result struct {
		Diagnostics []Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Diagnostics) != 1 || result.Diagnostics[0].Message != "missing return" {
		t.Errorf("diagnostics = %+v", result.Diagnostics)
	}
}

func TestProxyHoverViaProvider(t *testing.T) {
	proxy := startProxy(t, &stubProvider{hoverText: "func Foo() error"}, 0)

	status, body := postJSON(t, proxy.Port(), "/lsp/hover", `{"file":"x.go","line":1,"col":5}`)
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if body != `{"hover":"func Foo() error"}` {
		t.Errorf("body = %s", body)
	}
}

func TestProxyDefinitionEmptyWhenUnknown(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	status, body := postJSON(t, proxy.Port(), "/lsp/definition", `{"file":"x.go","line":1,"col":1}`)
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if body != `{"locations":[]}` {
		t.Errorf("body = %s", body)
	}
}

func TestProxySlowLookupTimesOut(t *testing.T) {
	proxy := startProxy(t, &stubProvider{hoverText: "late", delay: 5 * time.Second}, 100*time.Millisecond)

	status, body := postJSON(t, proxy.Port(), "/lsp/hover", `{"file":"x.go","line":1,"col":1}`)
	if status != 400 {
		t.Fatalf("status = %d, want 400", status)
	}
	if !strings.Contains(body, "timed out") {
		t.Errorf("body = %s", body)
	}
}

func TestProxyResponseHeadersAndClose(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body := `{"file":"/not/open.rs"}`
	fmt.Fprintf(conn, "POST /lsp/diagnostics HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	raw, err := io.ReadAll(conn) // server closes after one response
	if err != nil {
		t.Fatal(err)
	}
	head, respBody, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		t.Fatalf("no header terminator in %q", raw)
	}
	headStr := string(head)
	if !strings.HasPrefix(headStr, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line in %q", headStr)
	}
	if !strings.Contains(headStr, "Connection: close") {
		t.Error("missing Connection: close")
	}
	if !strings.Contains(headStr, "Content-Type: application/json") {
		t.Error("missing Content-Type")
	}
	if !strings.Contains(headStr, fmt.Sprintf("Content-Length: %d", len(respBody))) {
		t.Errorf("Content-Length mismatch: head=%q body len=%d", headStr, len(respBody))
	}
}

func TestProxyBodySplitAcrossWrites(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body := `{"file":"/not/open.rs"}`
	head := fmt.Sprintf("POST /lsp/diagnostics HTTP/1.1\r\nContent-Length: %d\r\n\r\n", len(body))

	// Headers plus all but the last body byte, then a pause, then the rest.
	fmt.Fprint(conn, head+body[:len(body)-1])
	time.Sleep(100 * time.Millisecond)
	fmt.Fprint(conn, body[len(body)-1:])

	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte("HTTP/1.1 200 OK")) {
		t.Errorf("response = %q", raw)
	}
	if !bytes.HasSuffix(raw, []byte(`{"diagnostics":[]}`)) {
		t.Errorf("body = %q", raw)
	}
}

func TestProxyMethodIgnoredForRouting(t *testing.T) {
	// Routing is by exact path; /health responds to plain GET.
	proxy := startProxy(t, nil, 0)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", proxy.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	fmt.Fprint(conn, "GET /health HTTP/1.1\r\n\r\n")
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte("HTTP/1.1 200 OK")) {
		t.Errorf("response = %q", raw)
	}
}

func TestProxyRecordsTraceEvents(t *testing.T) {
	proxy := startProxy(t, nil, 0)

	postJSON(t, proxy.Port(), "/lsp/diagnostics", `{"file":"/src/main.go"}`)

	waitFor(t, "trace events", func() bool {
		var in, out bool
		for _, ev := range proxy.Trace.All() {
			switch ev.Dir {
			case DirIn:
				in = true
			case DirOut:
				out = true
			}
		}
		return in && out
	})
}

func TestProxyTeardownIdempotent(t *testing.T) {
	proxy := startProxy(t, nil, 0)
	port := proxy.Port()

	proxy.Close()
	proxy.Close() // second teardown must not panic

	if _, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
		t.Error("connect succeeded after teardown")
	}
}

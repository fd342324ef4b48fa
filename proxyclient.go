package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProxyClient is a typed HTTP client for the capability proxy, for
// callers that cannot speak the socket protocol.
type ProxyClient struct {
	baseURL string
	http    *http.Client
}

// NewProxyClient creates a client for a proxy on the given loopback port.
func NewProxyClient(port int) *ProxyClient {
	return &ProxyClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 35 * time.Second},
	}
}

// Health probes /health and returns the port the proxy reports.
func (c *ProxyClient) Health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	var result struct {
		Status string `json:"status"`
		Port   int    `json:"port"`
	}
	if err := c.do(req, &result); err != nil {
		return 0, err
	}
	if result.Status != "ok" {
		return 0, fmt.Errorf("proxy unhealthy: %s", result.Status)
	}
	return result.Port, nil
}

// Diagnostics fetches diagnostics for file.
func (c *ProxyClient) Diagnostics(ctx context.Context, file string) ([]Diagnostic, error) {
	var result struct {
		Diagnostics []Diagnostic `json:"diagnostics"`
	}
	err := c.post(ctx, "/lsp/diagnostics", map[string]any{"file": file}, &result)
	return result.Diagnostics, err
}

// Hover fetches hover text at a position. Empty means nothing to show.
func (c *ProxyClient) Hover(ctx context.Context, file string, line, col int) (string, error) {
	var result struct {
		Hover string `json:"hover"`
	}
	err := c.post(ctx, "/lsp/hover", position(file, line, col), &result)
	return result.Hover, err
}

// Definition fetches go-to-definition targets.
func (c *ProxyClient) Definition(ctx context.Context, file string, line, col int) ([]Location, error) {
	var result struct {
		Locations []Location `json:"locations"`
	}
	err := c.post(ctx, "/lsp/definition", position(file, line, col), &result)
	return result.Locations, err
}

// References fetches reference locations.
func (c *ProxyClient) References(ctx context.Context, file string, line, col int) ([]Location, error) {
	var result struct {
		References []Location `json:"references"`
	}
	err := c.post(ctx, "/lsp/references", position(file, line, col), &result)
	return result.References, err
}

// Symbols fetches document symbols for file.
func (c *ProxyClient) Symbols(ctx context.Context, file string) ([]Symbol, error) {
	var result struct {
		Symbols []Symbol `json:"symbols"`
	}
	err := c.post(ctx, "/lsp/symbols", map[string]any{"file": file}, &result)
	return result.Symbols, err
}

// Signature fetches signature help at a position.
func (c *ProxyClient) Signature(ctx context.Context, file string, line, col int) (string, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	err := c.post(ctx, "/lsp/signature", position(file, line, col), &result)
	return result.Signature, err
}

func position(file string, line, col int) map[string]any {
	return map[string]any{"file": file, "line": line, "col": col}
}

func (c *ProxyClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *ProxyClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &remote) == nil && remote.Error != "" {
			return fmt.Errorf("%s: %s", req.URL.Path, remote.Error)
		}
		return fmt.Errorf("%s returned status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", req.URL.Path, err)
	}
	return nil
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LookupProvider answers the editor-introspection queries that resolve
// asynchronously (language-server backed). Implementations may block
// until the underlying lookup fires; they must honor ctx. A file the
// editor does not track yields empty results and a nil error — absence
// is a normal outcome, not a failure.
type LookupProvider interface {
	Diagnostics(ctx context.Context, file string) ([]Diagnostic, error)
	Hover(ctx context.Context, file string, line, col int) (string, error)
	Definition(ctx context.Context, file string, line, col int) ([]Location, error)
	References(ctx context.Context, file string, line, col int) ([]Location, error)
	Symbols(ctx context.Context, file string) ([]Symbol, error)
	Signature(ctx context.Context, file string, line, col int) (string, error)
}

// StoreProvider is the built-in LookupProvider backed by the in-memory
// BufferStore. Diagnostics come from tracked state; the language-server
// queries have nothing behind them here and resolve empty.
type StoreProvider struct {
	Store *BufferStore
}

func (p *StoreProvider) Diagnostics(ctx context.Context, file string) ([]Diagnostic, error) {
	return p.Store.Diagnostics(file), nil
}

func (p *StoreProvider) Hover(ctx context.Context, file string, line, col int) (string, error) {
	return "", nil
}

func (p *StoreProvider) Definition(ctx context.Context, file string, line, col int) ([]Location, error) {
	return nil, nil
}

func (p *StoreProvider) References(ctx context.Context, file string, line, col int) ([]Location, error) {
	return nil, nil
}

func (p *StoreProvider) Symbols(ctx context.Context, file string) ([]Symbol, error) {
	return nil, nil
}

func (p *StoreProvider) Signature(ctx context.Context, file string, line, col int) (string, error) {
	return "", nil
}

// Capabilities wires the editor-state handlers into both endpoints. The
// same operations back the socket commands and the HTTP routes; only the
// request/response shapes differ per transport.
type Capabilities struct {
	Store *BufferStore
	LSP   LookupProvider
}

// NewCapabilities builds the handler set over store, defaulting the
// lookup provider to the store itself.
func NewCapabilities(store *BufferStore) *Capabilities {
	return &Capabilities{
		Store: store,
		LSP:   &StoreProvider{Store: store},
	}
}

// RegisterSocket binds the capability commands onto a socket router.
func (c *Capabilities) RegisterSocket(r *Router[CommandHandler]) {
	r.Register(CmdOpenFile, c.cmdOpenFile)
	r.Register(CmdGetBuffers, c.cmdGetBuffers)
	r.Register(CmdGetBufferContent, c.cmdGetBufferContent)
	r.Register(CmdGetDiagnostics, c.cmdGetDiagnostics)
	r.Register(CmdGetCursor, c.cmdGetCursor)
	r.Register(CmdPing, c.cmdPing)
}

// RegisterProxy binds the capability endpoints onto the HTTP router.
// /health is registered by the proxy itself.
func (c *Capabilities) RegisterProxy(r *Router[ProxyHandler]) {
	r.Register("/lsp/diagnostics", c.httpDiagnostics)
	r.Register("/lsp/hover", c.httpHover)
	r.Register("/lsp/definition", c.httpDefinition)
	r.Register("/lsp/references", c.httpReferences)
	r.Register("/lsp/symbols", c.httpSymbols)
	r.Register("/lsp/signature", c.httpSignature)
}

// Socket command handlers.

func (c *Capabilities) cmdOpenFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var cmd OpenFileCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("bad open_file payload: %w", err)
	}
	if cmd.Path == "" {
		return nil, fmt.Errorf("missing required field: path")
	}
	buf := c.Store.Open(cmd.Path, cmd.Line, cmd.Col)
	return map[string]any{"path": buf.Path, "id": buf.ID}, nil
}

func (c *Capabilities) cmdGetBuffers(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"buffers": c.Store.List()}, nil
}

func (c *Capabilities) cmdGetBufferContent(ctx context.Context, raw json.RawMessage) (any, error) {
	var cmd GetBufferContentCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("bad get_buffer_content payload: %w", err)
	}
	if cmd.Path == "" {
		return nil, fmt.Errorf("missing required field: path")
	}
	lines, ok := c.Store.Content(cmd.Path)
	if !ok {
		// Untracked path is a normal negative result.
		return map[string]any{"path": cmd.Path, "lines": []string{}, "tracked": false}, nil
	}
	return map[string]any{"path": cmd.Path, "lines": lines, "tracked": true}, nil
}

func (c *Capabilities) cmdGetDiagnostics(ctx context.Context, raw json.RawMessage) (any, error) {
	var cmd GetDiagnosticsCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("bad get_diagnostics payload: %w", err)
	}
	diags := c.Store.Diagnostics(cmd.Path)
	if diags == nil {
		diags = []Diagnostic{}
	}
	return map[string]any{"diagnostics": diags}, nil
}

func (c *Capabilities) cmdGetCursor(ctx context.Context, raw json.RawMessage) (any, error) {
	return c.Store.Cursor(), nil
}

func (c *Capabilities) cmdPing(ctx context.Context, raw json.RawMessage) (any, error) {
	var cmd PingCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("bad ping payload: %w", err)
	}
	return map[string]any{"seq": cmd.Seq}, nil
}

// HTTP capability handlers.

func (c *Capabilities) httpDiagnostics(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file")
	if err != nil {
		return nil, err
	}
	diags, err := c.LSP.Diagnostics(ctx, params.File)
	if err != nil {
		return nil, err
	}
	if diags == nil {
		diags = []Diagnostic{}
	}
	return map[string]any{"diagnostics": diags}, nil
}

func (c *Capabilities) httpHover(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file", "line", "col")
	if err != nil {
		return nil, err
	}
	text, err := c.LSP.Hover(ctx, params.File, *params.Line, *params.Col)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hover": text}, nil
}

func (c *Capabilities) httpDefinition(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file", "line", "col")
	if err != nil {
		return nil, err
	}
	locs, err := c.LSP.Definition(ctx, params.File, *params.Line, *params.Col)
	if err != nil {
		return nil, err
	}
	if locs == nil {
		locs = []Location{}
	}
	return map[string]any{"locations": locs}, nil
}

func (c *Capabilities) httpReferences(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file", "line", "col")
	if err != nil {
		return nil, err
	}
	refs, err := c.LSP.References(ctx, params.File, *params.Line, *params.Col)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		refs = []Location{}
	}
	return map[string]any{"references": refs}, nil
}

func (c *Capabilities) httpSymbols(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file")
	if err != nil {
		return nil, err
	}
	syms, err := c.LSP.Symbols(ctx, params.File)
	if err != nil {
		return nil, err
	}
	if syms == nil {
		syms = []Symbol{}
	}
	return map[string]any{"symbols": syms}, nil
}

func (c *Capabilities) httpSignature(ctx context.Context, req *HTTPRequest) (any, error) {
	params, err := decodeParams(req.Body, "file", "line", "col")
	if err != nil {
		return nil, err
	}
	sig, err := c.LSP.Signature(ctx, params.File, *params.Line, *params.Col)
	if err != nil {
		return nil, err
	}
	return map[string]any{"signature": sig}, nil
}

// lspParams is the decoded body shared by the capability endpoints.
// Pointers distinguish absent from zero for the numeric fields.
type lspParams struct {
	File string `json:"file"`
	Line *int   `json:"line"`
	Col  *int   `json:"col"`
}

// decodeParams decodes a JSON request body and validates the required
// fields, naming every missing one. This is the single validation path
// for all capability endpoints. An absent body counts as an empty object.
func decodeParams(body []byte, required ...string) (*lspParams, error) {
	params := &lspParams{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, params); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %v", err)
		}
	}

	var missing []string
	for _, name := range required {
		switch name {
		case "file":
			if params.File == "" {
				missing = append(missing, name)
			}
		case "line":
			if params.Line == nil {
				missing = append(missing, name)
			}
		case "col":
			if params.Col == nil {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required parameter(s): %s", strings.Join(missing, ", "))
	}
	return params, nil
}

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ProxyHandler handles one capability request on the HTTP endpoint. The
// returned value is serialized as the 200 response body; an error becomes
// a 400 reply with {"error": ...}. Handlers may block on asynchronous
// editor lookups; ctx is cancelled if the client disconnects first or the
// request timeout expires.
type ProxyHandler func(ctx context.Context, req *HTTPRequest) (any, error)

// DefaultRequestTimeout bounds how long a capability lookup may hold its
// connection open before the proxy gives up with a 400 reply.
const DefaultRequestTimeout = 30 * time.Second

// Proxy is the HTTP capability endpoint: a hand-rolled HTTP/1.1 server on
// an OS-assigned loopback port. Every connection serves exactly one
// request and is closed; the only statuses ever produced are 200 and 400.
type Proxy struct {
	Routes         *Router[ProxyHandler]
	Logger         *slog.Logger
	Trace          *Trace
	RequestTimeout time.Duration

	listener net.Listener
	port     int
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Listen binds 127.0.0.1:0 and starts serving. The assigned port is
// available from Port afterwards.
func (p *Proxy) Listen(ctx context.Context) error {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Routes == nil {
		p.Routes = NewRouter[ProxyHandler]()
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}
	p.listener = ln
	p.port = ln.Addr().(*net.TCPAddr).Port

	// Liveness probe: synchronous, unconditional.
	p.Routes.Register("/health", func(ctx context.Context, req *HTTPRequest) (any, error) {
		return map[string]any{"status": "ok", "port": p.port}, nil
	})

	p.Logger.Info("proxy endpoint listening", "port", p.port)

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || p.isClosed() {
					return
				}
				p.Logger.Error("proxy accept error", "err", err)
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.handleConn(ctx, conn)
			}()
		}
	}()

	return nil
}

// Port returns the OS-assigned listening port, valid after Listen.
func (p *Proxy) Port() int {
	return p.port
}

// Close shuts the listener down and waits for in-flight connections.
// Idempotent.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.listener != nil {
		p.listener.Close()
	}
	p.wg.Wait()
	p.Logger.Info("proxy endpoint closed")
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := p.readRequest(conn)
	if err != nil {
		p.record(DirDrop, "http", err.Error())
		p.writeResponse(conn, 400, errorBody(fmt.Sprintf("Bad request: %v", err)))
		return
	}
	if req == nil {
		// Connection closed before a full request arrived.
		return
	}
	p.record(DirIn, "http", req.Method+" "+req.Path)

	reqCtx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()

	// Cancel the lookup if the client goes away while we wait. The
	// request is already fully framed, so anything further read here is
	// either EOF or trailing garbage.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				cancel()
				return
			}
		}
	}()

	handler, ok := p.Routes.Lookup(req.Path)
	if !ok {
		p.writeResponse(conn, 400, errorBody("Unknown endpoint: "+req.Path))
		return
	}

	status, body := p.invoke(reqCtx, handler, req)
	p.writeResponse(conn, status, body)
}

// invoke runs the handler and converts its outcome to a status and JSON
// body. A handler that outlives the request context is abandoned; its
// eventual result is discarded.
func (p *Proxy) invoke(ctx context.Context, handler ProxyHandler, req *HTTPRequest) (int, []byte) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, req)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return 400, errorBody(out.err.Error())
		}
		body, err := json.Marshal(out.result)
		if err != nil {
			p.Logger.Error("proxy response marshal failed", "path", req.Path, "err", err)
			return 400, errorBody("internal encoding error")
		}
		return 200, body
	case <-ctx.Done():
		p.record(DirDrop, "http", req.Path+" "+ctx.Err().Error())
		return 400, errorBody("request timed out or cancelled")
	}
}

// readRequest reads from conn until one complete request is framed.
// Returns nil without error on EOF before a full request.
func (p *Proxy) readRequest(conn net.Conn) (*HTTPRequest, error) {
	var framer HTTPFramer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reqs, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if len(reqs) > 0 {
				return reqs[0], nil
			}
		}
		if err != nil {
			return nil, nil
		}
	}
}

func (p *Proxy) writeResponse(conn net.Conn, status int, body []byte) {
	reason := "OK"
	if status == 400 {
		reason = "Bad Request"
	}
	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, reason, len(body),
	)
	if _, err := conn.Write(append([]byte(head), body...)); err != nil {
		p.record(DirDrop, "http", err.Error())
		p.Logger.Debug("proxy write failed", "err", err)
		return
	}
	p.record(DirOut, "http", fmt.Sprintf("%d", status))
}

func (p *Proxy) record(dir, msgType, detail string) {
	if p.Trace != nil {
		p.Trace.Record(dir, msgType, detail)
	}
}

func errorBody(msg string) []byte {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return body
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	bridge "github.com/thoughtoinnovate/tark-sub001"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	socketPath := flag.String("socket", bridge.SocketPathFromEnv(), "Unix socket path")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	traceSize := flag.Int("trace-size", 512, "Protocol trace ring capacity")
	runMCP := flag.Bool("mcp", false, "Also serve MCP tools on stdio")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	store := bridge.NewBufferStore()
	trace := bridge.NewTrace(*traceSize)
	caps := bridge.NewCapabilities(store)

	endpoint := &bridge.SocketEndpoint{
		Store:    store,
		Commands: bridge.NewRouter[bridge.CommandHandler](),
		Logger:   logger,
		Trace:    trace,
	}
	caps.RegisterSocket(endpoint.Commands)

	err := endpoint.Listen(ctx, *socketPath)
	if err != nil {
		if errors.Is(err, bridge.ErrBridgeAlreadyRunning) {
			logger.Error("another bridge owns the socket", "path", *socketPath)
		} else {
			logger.Error("failed to start socket endpoint", "err", err)
		}
		os.Exit(1)
	}
	defer endpoint.Close()

	proxy := &bridge.Proxy{
		Routes: bridge.NewRouter[bridge.ProxyHandler](),
		Logger: logger,
		Trace:  trace,
	}
	caps.RegisterProxy(proxy.Routes)

	if err := proxy.Listen(ctx); err != nil {
		logger.Error("failed to start proxy endpoint", "err", err)
		os.Exit(1)
	}
	defer proxy.Close()

	// The peer discovers both addresses out-of-band; print them for the
	// launcher to capture. Stderr, not stdout: under -mcp, stdout is the
	// JSON-RPC stream and must carry nothing else.
	fmt.Fprintf(os.Stderr, "socket=%s\nport=%d\n", *socketPath, proxy.Port())

	if *runMCP {
		server := bridge.NewMCPServer(caps, trace)
		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
			if ctx.Err() == nil {
				logger.Error("mcp server error", "err", err)
				os.Exit(1)
			}
		}
		return
	}

	<-ctx.Done()
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	bridge "github.com/thoughtoinnovate/tark-sub001"

	"golang.org/x/term"
)

const usage = `Usage: bridgectl [-socket path] <command> [args]

Commands:
  buffers              list tracked buffers
  content <path>       print buffer content
  diagnostics [path]   print diagnostics (all buffers when no path)
  cursor               print cursor position
  open <path> [line [col]]   open a file in the editor
  ping                 check the bridge is responding
`

func main() {
	socketPath := flag.String("socket", bridge.SocketPathFromEnv(), "Unix socket path")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	client, err := bridge.DialPeer(*socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pretty := term.IsTerminal(int(os.Stdout.Fd()))

	if err := run(ctx, client, args, pretty); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *bridge.PeerClient, args []string, pretty bool) error {
	switch args[0] {
	case "buffers":
		buffers, err := client.Buffers(ctx)
		if err != nil {
			return err
		}
		if !pretty {
			return printJSON(map[string]any{"buffers": buffers})
		}
		for _, buf := range buffers {
			mark := " "
			if buf.Modified {
				mark = "*"
			}
			fmt.Printf("%3d %s %s (%s)\n", buf.ID, mark, buf.Path, buf.Filetype)
		}
		return nil

	case "content":
		if len(args) < 2 {
			return fmt.Errorf("content requires a path")
		}
		lines, tracked, err := client.BufferContent(ctx, args[1])
		if err != nil {
			return err
		}
		if !tracked {
			return fmt.Errorf("%s is not tracked by the editor", args[1])
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil

	case "diagnostics":
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		diags, err := client.Diagnostics(ctx, path)
		if err != nil {
			return err
		}
		if !pretty {
			return printJSON(map[string]any{"diagnostics": diags})
		}
		for _, d := range diags {
			fmt.Printf("%s:%d:%d [%s] %s\n", d.Path, d.Line, d.Col, d.Severity, d.Message)
		}
		return nil

	case "cursor":
		cursor, err := client.CursorPos(ctx)
		if err != nil {
			return err
		}
		if !pretty {
			return printJSON(cursor)
		}
		fmt.Printf("%s:%d:%d\n", cursor.Path, cursor.Line, cursor.Col)
		return nil

	case "open":
		if len(args) < 2 {
			return fmt.Errorf("open requires a path")
		}
		line, col := 0, 0
		if len(args) > 2 {
			line, _ = strconv.Atoi(args[2])
		}
		if len(args) > 3 {
			col, _ = strconv.Atoi(args[3])
		}
		return client.OpenFile(ctx, args[1], line, col)

	case "ping":
		raw, err := client.Request(ctx, bridge.PingCommand{Type: bridge.CmdPing, Seq: 1})
		if err != nil {
			return err
		}
		fmt.Printf("pong %s\n", raw)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

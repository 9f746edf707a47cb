// Package main implements a mock agent binary that speaks the stream-json
// protocol over a WebSocket. It dials the --sdk-url bridge like the real
// agent CLI and generates simulated responses for development and e2e tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// sessionID is unique per mock-agent process. Each session spawns its own
// process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	var (
		sdkURL         = flag.String("sdk-url", "", "bridge WebSocket URL (required)")
		model          = flag.String("model", "mock-default", "model name to report")
		permissionMode = flag.String("permission-mode", "", "accepted and ignored")
		resume         = flag.String("resume", "", "agent session id to resume")
		forkSession    = flag.Bool("fork-session", false, "accepted and ignored")
		systemPrompt   = flag.String("system-prompt", "", "accepted and ignored")
		appendPrompt   = flag.String("append-system-prompt", "", "accepted and ignored")
	)
	flag.Parse()
	_ = *permissionMode
	_ = *forkSession
	_ = *systemPrompt
	_ = *appendPrompt

	if *sdkURL == "" {
		fmt.Fprintln(os.Stderr, "mock-agent: --sdk-url is required")
		os.Exit(2)
	}

	conn, err := dial(*sdkURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: failed to connect to %s: %v\n", *sdkURL, err)
		os.Exit(1)
	}
	defer func() {
		_ = conn.Close()
	}()

	id := sessionID
	if *resume != "" {
		id = *resume
	}

	a := newAgent(conn, id, *model)
	if err := a.run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// dial retries the bridge for a few seconds; the server side may still be
// binding when the process starts.
func dial(url string) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	return nil, lastErr
}

// wantsTool reports whether the prompt should trigger a permission round
// trip, and returns the simulated command.
func wantsTool(prompt string) (string, bool) {
	const marker = "run:"
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(prompt[idx+len(marker):]), true
}

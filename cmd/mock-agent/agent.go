package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// turnCost is the simulated per-turn spend added to the cumulative totals.
const turnCost = 0.003

// agent is one mock session: it answers prompts, asks permission for
// simulated tool use, and reports cumulative usage totals in every result.
type agent struct {
	conn      *websocket.Conn
	sessionID string
	model     string

	writeMu sync.Mutex

	// Cumulative session totals, reported whole in each result frame.
	totalCost    float64
	inputTokens  int64
	outputTokens int64

	requestSeq int

	mu       sync.Mutex
	pending  map[string]chan permissionResult
	stopPing chan struct{}
}

type permissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

func newAgent(conn *websocket.Conn, sessionID, model string) *agent {
	return &agent{
		conn:      conn,
		sessionID: sessionID,
		model:     model,
		pending:   make(map[string]chan permissionResult),
		stopPing:  make(chan struct{}),
	}
}

// run announces the session and serves prompts until the socket closes.
func (a *agent) run() error {
	a.send(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": a.sessionID,
		"model":      a.model,
	})

	go a.keepAlive()
	defer close(a.stopPing)

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "user":
			if frame.Message != nil {
				go a.handlePrompt(frame.Message.Content)
			}
		case "control_response":
			a.resolvePermission(frame.Response)
		case "interrupt":
			// Turns complete instantly here; nothing to cancel.
		}
	}
}

type inboundFrame struct {
	Type    string `json:"type"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message,omitempty"`
	Response *controlResponseBody `json:"response,omitempty"`
}

type controlResponseBody struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id"`
	Result    permissionResult `json:"result"`
}

// handlePrompt runs one simulated turn: optional tool permission round trip,
// an assistant reply, then the result frame with cumulative totals.
func (a *agent) handlePrompt(prompt string) {
	reply := "You said: " + prompt

	if command, ok := wantsTool(prompt); ok {
		behavior := a.askPermission("Bash", map[string]any{"command": command})
		if behavior == "allow" {
			reply = fmt.Sprintf("Ran %q for you.", command)
		} else {
			reply = fmt.Sprintf("I was not allowed to run %q.", command)
		}
	}

	a.send(map[string]any{
		"type":       "assistant",
		"session_id": a.sessionID,
		"message": map[string]any{
			"role":    "assistant",
			"content": reply,
		},
	})

	a.totalCost += turnCost
	a.inputTokens += int64(len(prompt))
	a.outputTokens += int64(len(reply))

	a.send(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     a.sessionID,
		"is_error":       false,
		"total_cost_usd": a.totalCost,
		"usage": map[string]any{
			"input_tokens":  a.inputTokens,
			"output_tokens": a.outputTokens,
		},
	})
}

// askPermission sends a can_use_tool control request and blocks for the
// decision. A missing reply denies after a timeout.
func (a *agent) askPermission(toolName string, toolInput map[string]any) string {
	a.mu.Lock()
	a.requestSeq++
	requestID := fmt.Sprintf("req-%d", a.requestSeq)
	ch := make(chan permissionResult, 1)
	a.pending[requestID] = ch
	a.mu.Unlock()

	a.send(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request": map[string]any{
			"subtype":    "can_use_tool",
			"tool_name":  toolName,
			"tool_input": toolInput,
		},
	})

	select {
	case result := <-ch:
		return result.Behavior
	case <-time.After(30 * time.Second):
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
		return "deny"
	}
}

func (a *agent) resolvePermission(resp *controlResponseBody) {
	if resp == nil {
		return
	}
	a.mu.Lock()
	ch := a.pending[resp.RequestID]
	delete(a.pending, resp.RequestID)
	a.mu.Unlock()
	if ch != nil {
		ch <- resp.Result
	}
}

// keepAlive pings the bridge periodically so the connection stays warm.
func (a *agent) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopPing:
			return
		case <-ticker.C:
			a.send(map[string]any{"type": "keep_alive"})
		}
	}
}

// send writes one NDJSON frame.
func (a *agent) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = a.conn.WriteMessage(websocket.TextMessage, data)
}

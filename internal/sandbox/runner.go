// Package sandbox runs agent turns inside Docker containers. Two modes:
// ephemeral (a fresh container per run, request on stdin, result framed on
// stdout) and daemon (a long-lived container per group, file-based request
// and response exchange with heartbeat liveness).
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Output framing markers. The agent prints its result between these so the
// host can separate it from incidental stdout noise (tool output, logs).
const (
	OutputStartMarker = "---DOTCLAW_OUTPUT_START---"
	OutputEndMarker   = "---DOTCLAW_OUTPUT_END---"
)

// ErrNoOutputMarkers means the agent exited without printing a framed
// result. Treated as a run failure, not an empty reply.
var ErrNoOutputMarkers = errors.New("sandbox: output markers not found")

// ErrRunTimeout means the container exceeded its wall-clock budget.
var ErrRunTimeout = errors.New("sandbox: run timed out")

// Image is an inline attachment handed to the agent.
type Image struct {
	MIMEType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// RunRequest is the JSON document the host hands the agent.
type RunRequest struct {
	RunID     string  `json:"run_id"`
	TraceID   string  `json:"trace_id"`
	Group     string  `json:"group"`
	ChatID    string  `json:"chat_id"`
	Model     string  `json:"model"`
	SessionID string  `json:"session_id,omitempty"`
	Prompt    string  `json:"prompt"`
	Context   string  `json:"context,omitempty"`
	Memories  string  `json:"memories,omitempty"`
	Images    []Image `json:"images,omitempty"`
	// MaxToolSteps caps the agent's internal tool loop.
	MaxToolSteps int `json:"max_tool_steps,omitempty"`
	// Generation overrides for the resolved model; zero means agent default.
	ContextWindow   int     `json:"context_window,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// RunResult is the framed document the agent prints back.
type RunResult struct {
	Output    string `json:"output"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
}

// Runner executes one agent turn. Implementations must honor ctx
// cancellation by killing the underlying container or abandoning the
// exchange.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	Close() error
}

// ExtractResult pulls the framed result out of raw agent stdout. The body
// between the markers is parsed as a RunResult; non-JSON bodies are
// wrapped as plain output for agents that print bare text.
func ExtractResult(stdout string) (*RunResult, error) {
	start := strings.LastIndex(stdout, OutputStartMarker)
	if start < 0 {
		return nil, ErrNoOutputMarkers
	}
	rest := stdout[start+len(OutputStartMarker):]
	end := strings.Index(rest, OutputEndMarker)
	if end < 0 {
		return nil, ErrNoOutputMarkers
	}
	body := strings.TrimSpace(rest[:end])

	var res RunResult
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return &RunResult{Output: body}, nil
	}
	if res.Error != "" {
		return &res, fmt.Errorf("sandbox: agent error: %s", res.Error)
	}
	return &res, nil
}

// Config holds the shared sandbox settings.
type Config struct {
	Image        string
	MemoryMB     int64
	NetworkMode  string
	AgentCommand string
	Timeout      time.Duration
	// GroupsDir is the root holding one workspace folder per group.
	GroupsDir string
	// IPCDir is the root for per-group daemon exchange directories.
	IPCDir string
	// ExtraBinds come from the mount allowlist.
	ExtraBinds []string
	// Env passed through to the agent (API keys etc).
	Env []string
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "dotclaw-agent:latest"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
}

package engine

import (
	"context"
	"errors"
)

// ErrStopStream is returned from a chunk callback to abort the in-flight
// model stream without failing the turn. Providers must stop iterating and
// return nil (or ErrStopStream) when they see it.
var ErrStopStream = errors.New("stop stream")

// Message is one conversation entry sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one streaming model request.
type StreamRequest struct {
	ModelID         string
	Messages        []Message
	MaxOutputTokens int
	Temperature     *float64
}

// ModelStreamer opens one streaming model request per call and delivers raw
// text chunks in arrival order. Returning an error from onChunk aborts the
// stream early; ctx cancellation aborts the underlying request.
type ModelStreamer interface {
	StreamText(ctx context.Context, req StreamRequest, onChunk func(chunk string) error) error
}

// ToolRequest is one invocation routed through the tool gateway.
type ToolRequest struct {
	RunID string
	Turn  int
	Tool  string
	Input map[string]any
}

// ToolResult is the outcome of one tool invocation. A failed invocation is
// still a result: Err carries the failure text so it flows into the next
// turn's context instead of aborting the run.
type ToolResult struct {
	Tool        string
	CommandLine string
	Stdout      string
	Stderr      string
	Err         string
}

// PayloadChars is the number of characters this result contributes to the
// per-run tool payload budget.
func (r ToolResult) PayloadChars() int {
	return len(r.Stdout) + len(r.Stderr) + len(r.Err)
}

// ToolGateway executes command, install, web search and URL scrape requests.
// Implementations are idempotent per (run, turn, tool, input) and apply their
// own per-attempt timeouts and bounded retries.
type ToolGateway interface {
	Execute(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// FileChange summarizes one finalized file write.
type FileChange struct {
	Path         string
	Bytes        int
	Rewrite      bool
	LinesAdded   int
	LinesRemoved int
}

// Sandbox mutates the ephemeral execution sandbox. EnsureSandbox is lazy and
// idempotent; it returns a stable sandbox id for the run.
type Sandbox interface {
	EnsureSandbox(ctx context.Context, project string) (string, error)
	PrepareFile(ctx context.Context, path string) error
	AppendFileContent(ctx context.Context, path string, content string, first bool) error
	FinalizeFile(ctx context.Context, path string) (FileChange, error)
	Flush(ctx context.Context, sandboxID string) error
}

// Checkpoint is an immutable snapshot taken after any turn that continues,
// enabling resume after a restart.
type Checkpoint struct {
	RunID               string    `json:"run_id"`
	Turn                int       `json:"turn"`
	RawResponseSoFar    string    `json:"raw_response_so_far"`
	NextTurnMessages    []Message `json:"next_turn_messages"`
	SandboxSeen         bool      `json:"sandbox_seen"`
	SandboxID           string    `json:"sandbox_id,omitempty"`
	TotalToolCallsInRun int       `json:"total_tool_calls_in_run"`
	UpdatedAtUnixMs     int64     `json:"updated_at_unix_ms"`
}

// CheckpointStore persists checkpoints. Save is awaited by the loop but its
// failure is non-fatal to the live run.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)
}

// OutputEvent is the flat wire form forwarded to the output channel.
type OutputEvent struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	Project  string   `json:"project,omitempty"`
	Path     string   `json:"path,omitempty"`
	Packages []string `json:"packages,omitempty"`
	Name     string   `json:"name,omitempty"`
	Args     []string `json:"args,omitempty"`
	Query    string   `json:"query,omitempty"`
	URL      string   `json:"url,omitempty"`
	Tool     string   `json:"tool,omitempty"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Error    string   `json:"error,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Message  string   `json:"message,omitempty"`
	Turn     int      `json:"turn,omitempty"`

	LinesAdded   int  `json:"lines_added,omitempty"`
	LinesRemoved int  `json:"lines_removed,omitempty"`
	Rewrite      bool `json:"rewrite,omitempty"`
	Synthesized  bool `json:"synthesized,omitempty"`
}

// OutputChannel is a one-way, ordered, append-only event sink. Emit must not
// block the loop and must never reorder events.
type OutputChannel interface {
	Emit(ev OutputEvent)
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RawResponse   string
	TurnsExecuted int
	StopReason    StopReason
	Cancelled     bool
}

// HostSampler reports host load for turn-boundary logging. Optional.
type HostSampler interface {
	Sample(ctx context.Context) (HostLoad, error)
}

// HostLoad is a point-in-time host utilization snapshot.
type HostLoad struct {
	CPUPercent     float64
	Load1          float64
	MemUsedPercent float64
}

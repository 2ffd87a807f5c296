package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edwardlabs/edward-engine/internal/tagstream"
)

// turnState is the explicit per-turn accumulator threaded through the
// dispatcher: (state, event) -> new state. The dispatcher never keeps hidden
// per-turn fields of its own, which keeps event application testable in
// isolation.
type turnState struct {
	runID string
	turn  int

	sandboxSeen bool
	sandboxID   string
	project     string

	openFile      string
	fileChunkSent bool

	doneSeen bool

	toolResults    []ToolResult
	generatedFiles []string
}

func newTurnState(runID string, turn int) turnState {
	return turnState{runID: strings.TrimSpace(runID), turn: turn}
}

// Dispatcher maps parser events to side effects against the sandbox and the
// tool gateway, and forwards events to the output channel. Tool-style events
// (command, install, web search, URL scrape) are fully absorbed: their
// results surface as tool_result output events and as next-turn context, not
// as verbatim forwards.
type Dispatcher struct {
	log     *slog.Logger
	sandbox Sandbox
	tools   ToolGateway
	output  OutputChannel
}

func NewDispatcher(log *slog.Logger, sandbox Sandbox, tools ToolGateway, output OutputChannel) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, sandbox: sandbox, tools: tools, output: output}
}

// Apply routes one event. Side effects are awaited before returning so they
// stay strictly ordered relative to the text that requested them. The
// returned state is the input state plus this event's effects.
func (d *Dispatcher) Apply(ctx context.Context, st turnState, ev tagstream.Event) (turnState, error) {
	switch e := ev.(type) {
	case tagstream.Text:
		d.emit(OutputEvent{Type: "text", Text: e.Content})

	case tagstream.ThinkingStart:
		d.emit(OutputEvent{Type: "thinking_start"})

	case tagstream.ThinkingContent:
		d.emit(OutputEvent{Type: "thinking", Text: e.Content})

	case tagstream.ThinkingEnd:
		d.emit(OutputEvent{Type: "thinking_end"})

	case tagstream.SandboxStart:
		next, err := d.ensureSandbox(ctx, st, e.Project)
		if err != nil {
			return st, err
		}
		st = next
		d.emit(OutputEvent{Type: "sandbox_start", Project: st.project})

	case tagstream.SandboxEnd:
		if st.sandboxSeen && d.sandbox != nil {
			if err := d.sandbox.Flush(ctx, st.sandboxID); err != nil {
				d.log.Warn("sandbox flush failed", "run_id", st.runID, "turn", st.turn, "error", err)
			}
		}
		d.emit(OutputEvent{Type: "sandbox_end", Synthesized: e.Synthesized})

	case tagstream.FileStart:
		next, err := d.ensureSandbox(ctx, st, st.project)
		if err != nil {
			return st, err
		}
		st = next
		if d.sandbox != nil {
			if err := d.sandbox.PrepareFile(ctx, e.Path); err != nil {
				return st, fmt.Errorf("prepare file %s: %w", e.Path, err)
			}
		}
		st.openFile = e.Path
		st.fileChunkSent = false
		d.emit(OutputEvent{Type: "file_start", Path: e.Path})

	case tagstream.FileContent:
		if st.openFile == "" {
			// Content with no open scope is surfaced as text rather than lost.
			d.emit(OutputEvent{Type: "text", Text: e.Content})
			break
		}
		if d.sandbox != nil {
			if err := d.sandbox.AppendFileContent(ctx, st.openFile, e.Content, !st.fileChunkSent); err != nil {
				return st, fmt.Errorf("append file %s: %w", st.openFile, err)
			}
		}
		st.fileChunkSent = true
		d.emit(OutputEvent{Type: "file_content", Path: st.openFile, Text: e.Content})

	case tagstream.FileEnd:
		if st.openFile == "" {
			break
		}
		path := st.openFile
		st.openFile = ""
		st.fileChunkSent = false
		change := FileChange{Path: path}
		if d.sandbox != nil {
			var err error
			change, err = d.sandbox.FinalizeFile(ctx, path)
			if err != nil {
				return st, fmt.Errorf("finalize file %s: %w", path, err)
			}
		}
		st.generatedFiles = append(st.generatedFiles, path)
		d.emit(OutputEvent{
			Type:         "file_end",
			Path:         path,
			Synthesized:  e.Synthesized,
			Rewrite:      change.Rewrite,
			LinesAdded:   change.LinesAdded,
			LinesRemoved: change.LinesRemoved,
		})

	case tagstream.InstallPackages:
		st = d.invokeTool(ctx, st, ToolRequest{
			RunID: st.runID,
			Turn:  st.turn,
			Tool:  "install",
			Input: map[string]any{"packages": e.Packages},
		})

	case tagstream.Command:
		st = d.invokeTool(ctx, st, ToolRequest{
			RunID: st.runID,
			Turn:  st.turn,
			Tool:  "command",
			Input: map[string]any{"name": e.Name, "args": e.Args},
		})

	case tagstream.WebSearch:
		st = d.invokeTool(ctx, st, ToolRequest{
			RunID: st.runID,
			Turn:  st.turn,
			Tool:  "web_search",
			Input: map[string]any{"query": e.Query},
		})

	case tagstream.URLScrape:
		st = d.invokeTool(ctx, st, ToolRequest{
			RunID: st.runID,
			Turn:  st.turn,
			Tool:  "url_scrape",
			Input: map[string]any{"url": e.URL},
		})

	case tagstream.Done:
		st.doneSeen = true
		d.emit(OutputEvent{Type: "done"})

	case tagstream.Malformed:
		d.log.Warn("malformed tag in model output", "run_id", st.runID, "turn", st.turn, "tag", e.Tag, "reason", e.Reason)
		d.emit(OutputEvent{Type: "error", Name: e.Tag, Reason: e.Reason})
	}

	return st, nil
}

// ensureSandbox performs the lazy provisioning side effect at most once per
// run: the first sandbox-scoped event pays for it, later ones reuse the id.
func (d *Dispatcher) ensureSandbox(ctx context.Context, st turnState, project string) (turnState, error) {
	project = strings.TrimSpace(project)
	if project != "" {
		st.project = project
	}
	if st.sandboxSeen {
		return st, nil
	}
	st.sandboxSeen = true
	if d.sandbox == nil {
		return st, nil
	}
	id, err := d.sandbox.EnsureSandbox(ctx, st.project)
	if err != nil {
		return st, fmt.Errorf("ensure sandbox: %w", err)
	}
	st.sandboxID = strings.TrimSpace(id)
	return st, nil
}

// invokeTool executes one tool request synchronously. Failures become tool
// results whose error text reaches the next turn; they never abort the run.
func (d *Dispatcher) invokeTool(ctx context.Context, st turnState, req ToolRequest) turnState {
	var res ToolResult
	if d.tools == nil {
		res = ToolResult{Tool: req.Tool, Err: "tool gateway unavailable"}
	} else {
		var err error
		res, err = d.tools.Execute(ctx, req)
		if err != nil && strings.TrimSpace(res.Err) == "" {
			res.Err = strings.TrimSpace(err.Error())
		}
	}
	if strings.TrimSpace(res.Tool) == "" {
		res.Tool = req.Tool
	}
	st.toolResults = append(st.toolResults, res)
	d.emit(OutputEvent{
		Type:   "tool_result",
		Tool:   res.Tool,
		Name:   res.CommandLine,
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		Error:  res.Err,
		Turn:   st.turn,
	})
	return st
}

func (d *Dispatcher) emit(ev OutputEvent) {
	if d.output == nil {
		return
	}
	d.output.Emit(ev)
}

package engine

import (
	"strings"
	"testing"
)

func TestBuildContinuation_Layout(t *testing.T) {
	t.Parallel()

	results := []ToolResult{
		{Tool: "command", CommandLine: "npm test", Stdout: "12 passing"},
		{Tool: "command", CommandLine: "ls src", Stdout: "a.ts\nb.ts", Stderr: "warning: slow disk"},
	}
	msg, ok := buildContinuation("Build a todo app", "I ran the tests.", results, Budgets{}.WithDefaults())
	if !ok {
		t.Fatalf("continuation unexpectedly over budget")
	}
	if msg.Role != "user" {
		t.Fatalf("role=%q, want user", msg.Role)
	}

	want := "Original request:\nBuild a todo app\n\n" +
		"Your output last turn:\nI ran the tests.\n\n" +
		"Tool results:\n" +
		"$ npm test\n12 passing" +
		toolResultsDelimiter +
		"$ ls src\na.ts\nb.ts\nstderr:\nwarning: slow disk"
	if !strings.HasPrefix(msg.Content, want) {
		t.Fatalf("content=\n%q\nwant prefix\n%q", msg.Content, want)
	}
}

func TestBuildContinuation_TruncatesRawTextHeadOnly(t *testing.T) {
	t.Parallel()

	b := Budgets{ContinuationRawTextChars: 10}.WithDefaults()
	msg, ok := buildContinuation("req", strings.Repeat("y", 50), nil, b)
	if !ok {
		t.Fatalf("continuation unexpectedly over budget")
	}
	if !strings.Contains(msg.Content, strings.Repeat("y", 10)+truncationMarker) {
		t.Fatalf("missing truncation marker: %q", msg.Content)
	}
	if strings.Contains(msg.Content, strings.Repeat("y", 11)) {
		t.Fatalf("kept more than the head: %q", msg.Content)
	}
}

func TestBuildContinuation_HardCeiling(t *testing.T) {
	t.Parallel()

	b := Budgets{MaxContinuationChars: 50}.WithDefaults()
	_, ok := buildContinuation(strings.Repeat("r", 100), "raw", nil, b)
	if ok {
		t.Fatalf("oversized continuation was not rejected")
	}
}

func TestRenderToolResult_FallsBackToToolName(t *testing.T) {
	t.Parallel()

	got := renderToolResult(ToolResult{Tool: "web_search", Err: "timeout"})
	want := "$ web_search\nerror: timeout"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderToolResult_KeepsSignificantWhitespace(t *testing.T) {
	t.Parallel()

	got := renderToolResult(ToolResult{
		Tool:        "command",
		CommandLine: "tsc",
		Stdout:      "src/app.ts:3:1\n    error TS2304: Cannot find name 'foo'.\n",
		Stderr:      "  deprecation warning\n",
	})
	want := "$ tsc\n" +
		"src/app.ts:3:1\n    error TS2304: Cannot find name 'foo'.\n" +
		"stderr:\n  deprecation warning"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTruncateHead_MultibyteSafe(t *testing.T) {
	t.Parallel()

	got := truncateHead("héllo wörld", 5)
	if got != "héllo"+truncationMarker {
		t.Fatalf("got %q", got)
	}
	if truncateHead("short", 10) != "short" {
		t.Fatalf("short input must pass through untouched")
	}
}

func TestOriginalRequestAndSystemPrefix(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: "system", Content: "You are an app builder."},
		{Role: "user", Content: "first ask"},
		{Role: "user", Content: "second ask"},
	}
	if got := originalRequest(msgs); got != "first ask" {
		t.Fatalf("originalRequest=%q", got)
	}
	sys := systemMessages(msgs)
	if len(sys) != 1 || sys[0].Content != "You are an app builder." {
		t.Fatalf("systemMessages=%v", sys)
	}
}

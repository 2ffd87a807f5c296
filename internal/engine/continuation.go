package engine

import (
	"strings"
)

const (
	truncationMarker     = "\n... (truncated)"
	toolResultsDelimiter = "\n---\n"
)

// truncateHead keeps the head of s up to maxRunes runes and marks the cut
// explicitly. The cut is never silent.
func truncateHead(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + truncationMarker
}

// renderToolResult renders one result as the model will read it back:
// the command line first, then stdout, then stderr when present. Only
// trailing newlines are stripped; interior and leading whitespace can be
// significant (indented compiler diagnostics).
func renderToolResult(res ToolResult) string {
	var b strings.Builder
	line := strings.TrimSpace(res.CommandLine)
	if line == "" {
		line = res.Tool
	}
	b.WriteString("$ ")
	b.WriteString(line)
	if out := strings.TrimRight(res.Stdout, "\n"); strings.TrimSpace(out) != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	if errOut := strings.TrimRight(res.Stderr, "\n"); strings.TrimSpace(errOut) != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(errOut)
	}
	if failure := strings.TrimSpace(res.Err); failure != "" {
		b.WriteString("\nerror: ")
		b.WriteString(failure)
	}
	return b.String()
}

// buildContinuation assembles the single next-turn user message from the
// original request, the turn's raw text and the collected tool results. The
// second return value is false when the assembled prompt exceeds the hard
// ceiling; such a prompt is never sent.
func buildContinuation(originalRequest string, rawTurnText string, results []ToolResult, b Budgets) (Message, bool) {
	rendered := make([]string, 0, len(results))
	for _, res := range results {
		rendered = append(rendered, renderToolResult(res))
	}

	var sb strings.Builder
	sb.WriteString("Original request:\n")
	sb.WriteString(strings.TrimSpace(originalRequest))
	sb.WriteString("\n\nYour output last turn:\n")
	sb.WriteString(truncateHead(rawTurnText, b.ContinuationRawTextChars))
	sb.WriteString("\n\nTool results:\n")
	sb.WriteString(strings.Join(rendered, toolResultsDelimiter))
	sb.WriteString("\n\nContinue the task. Use the tool results above; do not repeat work that already succeeded.")

	content := sb.String()
	if len(content) > b.MaxContinuationChars {
		return Message{}, false
	}
	return Message{Role: "user", Content: content}, true
}

// originalRequest extracts the first user message of the conversation; the
// continuation prompt anchors every later turn to it.
func originalRequest(messages []Message) string {
	for _, m := range messages {
		if strings.EqualFold(strings.TrimSpace(m.Role), "user") {
			return m.Content
		}
	}
	return ""
}

// systemMessages returns the system-role prefix of the conversation; it is
// carried into every turn unchanged.
func systemMessages(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
			out = append(out, m)
		}
	}
	return out
}

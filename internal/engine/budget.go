package engine

// StopReason is the terminal reason for a run. Exactly one is produced per
// completed run; cancelled runs return early without one.
type StopReason string

const (
	StopDone               StopReason = "done"
	StopNoToolResults      StopReason = "no_tool_results"
	StopMaxTurns           StopReason = "max_turns_reached"
	StopContextLimit       StopReason = "context_limit_exceeded"
	StopToolBudget         StopReason = "tool_budget_exceeded"
	StopToolPayloadBudget  StopReason = "tool_payload_budget_exceeded"
	StopResponseSize       StopReason = "response_size_exceeded"
	StopContinuationBudget StopReason = "continuation_budget_exceeded"
)

// Message returns the user-visible explanation emitted on the output channel
// when a run terminates for this reason.
func (r StopReason) Message() string {
	switch r {
	case StopDone:
		return "The agent finished the task."
	case StopNoToolResults:
		return "The agent produced no further actions."
	case StopMaxTurns:
		return "The run reached the maximum number of agent turns."
	case StopContextLimit:
		return "The conversation no longer fits in the model's context window."
	case StopToolBudget:
		return "The run reached its tool invocation budget."
	case StopToolPayloadBudget:
		return "The run reached its tool output size budget."
	case StopResponseSize:
		return "The model response exceeded the maximum response size."
	case StopContinuationBudget:
		return "The next-turn prompt exceeded the continuation size budget."
	default:
		return "The run stopped."
	}
}

// Budgets holds every hard ceiling the loop enforces.
type Budgets struct {
	MaxAgentTurns       int
	MaxToolCallsPerTurn int
	MaxToolCallsPerRun  int
	MaxToolPayloadChars int
	MaxResponseBytes    int

	MaxContinuationChars     int
	ContinuationRawTextChars int

	ContextWindowTokens  int
	ReservedOutputTokens int
}

const (
	defaultMaxAgentTurns       = 6
	defaultMaxToolCallsPerTurn = 16
	defaultMaxToolCallsPerRun  = 48
	defaultMaxToolPayloadChars = 200_000
	defaultMaxResponseBytes    = 4 << 20

	defaultMaxContinuationChars     = 120_000
	defaultContinuationRawTextChars = 40_000

	defaultContextWindowTokens  = 128_000
	defaultReservedOutputTokens = 8_192
)

// WithDefaults fills every unset ceiling.
func (b Budgets) WithDefaults() Budgets {
	out := b
	if out.MaxAgentTurns <= 0 {
		out.MaxAgentTurns = defaultMaxAgentTurns
	}
	if out.MaxToolCallsPerTurn <= 0 {
		out.MaxToolCallsPerTurn = defaultMaxToolCallsPerTurn
	}
	if out.MaxToolCallsPerRun <= 0 {
		out.MaxToolCallsPerRun = defaultMaxToolCallsPerRun
	}
	if out.MaxToolPayloadChars <= 0 {
		out.MaxToolPayloadChars = defaultMaxToolPayloadChars
	}
	if out.MaxResponseBytes <= 0 {
		out.MaxResponseBytes = defaultMaxResponseBytes
	}
	if out.MaxContinuationChars <= 0 {
		out.MaxContinuationChars = defaultMaxContinuationChars
	}
	if out.ContinuationRawTextChars <= 0 {
		out.ContinuationRawTextChars = defaultContinuationRawTextChars
	}
	if out.ContextWindowTokens <= 0 {
		out.ContextWindowTokens = defaultContextWindowTokens
	}
	if out.ReservedOutputTokens <= 0 {
		out.ReservedOutputTokens = defaultReservedOutputTokens
	}
	return out
}

// budgetLedger is the single place budget counters live. Every check goes
// through FirstViolation so the priority order (per-turn tool calls, per-run
// tool calls, payload size) is stated exactly once.
type budgetLedger struct {
	cfg Budgets

	toolCallsThisTurn int
	toolCallsThisRun  int
	toolPayloadChars  int
	responseBytes     int
}

func newBudgetLedger(cfg Budgets) *budgetLedger {
	return &budgetLedger{cfg: cfg}
}

// BeginTurn resets the per-turn counters. Run-wide counters persist.
func (l *budgetLedger) BeginTurn() {
	l.toolCallsThisTurn = 0
}

// RecordToolResult accounts one tool invocation and its payload.
func (l *budgetLedger) RecordToolResult(res ToolResult) {
	l.toolCallsThisTurn++
	l.toolCallsThisRun++
	l.toolPayloadChars += res.PayloadChars()
}

// AddResponseBytes accounts one raw chunk against the run-wide response
// ceiling. It returns false when the chunk would exceed the ceiling; the
// caller must discard the chunk.
func (l *budgetLedger) AddResponseBytes(n int) bool {
	if l.responseBytes+n > l.cfg.MaxResponseBytes {
		return false
	}
	l.responseBytes += n
	return true
}

// FirstViolation returns the highest-priority violated budget, if any.
// Reaching a tool-call ceiling exactly counts as a violation.
func (l *budgetLedger) FirstViolation() (StopReason, bool) {
	if l.toolCallsThisTurn >= l.cfg.MaxToolCallsPerTurn {
		return StopToolBudget, true
	}
	if l.toolCallsThisRun >= l.cfg.MaxToolCallsPerRun {
		return StopToolBudget, true
	}
	if l.toolPayloadChars >= l.cfg.MaxToolPayloadChars {
		return StopToolPayloadBudget, true
	}
	return "", false
}

// estimateTokens approximates prompt token usage for the context-window
// preflight. Four characters per token plus a small per-message overhead; the
// estimate only needs to be conservative enough to refuse clearly oversized
// requests before opening a stream.
func estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += 4 + (len(m.Role)+len(m.Content)+3)/4
	}
	return total
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/edwardlabs/edward-engine/internal/tagstream"
)

// LoopOptions wires one run of the agent loop.
type LoopOptions struct {
	Log *slog.Logger

	RunID           string
	ModelID         string
	Temperature     *float64
	MaxOutputTokens int

	Budgets Budgets

	Model       ModelStreamer
	Sandbox     Sandbox
	Tools       ToolGateway
	Checkpoints CheckpointStore
	Output      OutputChannel
	Host        HostSampler

	PersistOpTimeout time.Duration
}

// Loop drives up to MaxAgentTurns model turns for one run. Exactly one Loop
// instance runs per active run; resuming uses a persisted checkpoint, never a
// second parallel loop.
type Loop struct {
	log *slog.Logger

	runID           string
	modelID         string
	temperature     *float64
	maxOutputTokens int

	budgets Budgets

	model       ModelStreamer
	dispatcher  *Dispatcher
	checkpoints CheckpointStore
	output      OutputChannel
	host        HostSampler

	persistOpTimeout time.Duration
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Model == nil {
		return nil, errors.New("missing model streamer")
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		return nil, errors.New("missing run id")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:              log,
		runID:            runID,
		modelID:          strings.TrimSpace(opts.ModelID),
		temperature:      opts.Temperature,
		maxOutputTokens:  opts.MaxOutputTokens,
		budgets:          opts.Budgets.WithDefaults(),
		model:            opts.Model,
		dispatcher:       NewDispatcher(log, opts.Sandbox, opts.Tools, opts.Output),
		checkpoints:      opts.Checkpoints,
		output:           opts.Output,
		host:             opts.Host,
		persistOpTimeout: opts.PersistOpTimeout,
	}, nil
}

// Run executes a fresh run from an initial conversation.
func (l *Loop) Run(ctx context.Context, conversation []Message) (RunResult, error) {
	return l.run(ctx, conversation, 1, "", turnCarry{})
}

// Resume continues a run from a persisted checkpoint.
func (l *Loop) Resume(ctx context.Context, cp Checkpoint) (RunResult, error) {
	carry := turnCarry{
		sandboxSeen:    cp.SandboxSeen,
		sandboxID:      cp.SandboxID,
		totalToolCalls: cp.TotalToolCallsInRun,
	}
	return l.run(ctx, cp.NextTurnMessages, cp.Turn+1, cp.RawResponseSoFar, carry)
}

// turnCarry is the run-scoped state a continued or resumed turn inherits.
type turnCarry struct {
	sandboxSeen    bool
	sandboxID      string
	totalToolCalls int
}

func (l *Loop) run(ctx context.Context, messages []Message, startTurn int, priorRaw string, carry turnCarry) (RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	original := originalRequest(messages)
	system := systemMessages(messages)

	ledger := newBudgetLedger(l.budgets)
	ledger.toolCallsThisRun = carry.totalToolCalls
	ledger.responseBytes = len(priorRaw)

	raw := strings.Builder{}
	raw.WriteString(priorRaw)

	l.logHostLoad(ctx, "run started", startTurn)

	result := RunResult{}
	if startTurn > l.budgets.MaxAgentTurns {
		return l.stop(result, StopMaxTurns, startTurn-1, raw.String()), nil
	}

	for turn := startTurn; turn <= l.budgets.MaxAgentTurns; turn++ {
		ledger.BeginTurn()

		// Preflight: never open a stream that cannot fit in the window.
		if estimateTokens(messages)+l.budgets.ReservedOutputTokens > l.budgets.ContextWindowTokens {
			return l.stop(result, StopContextLimit, turn-1, raw.String()), nil
		}

		parser := tagstream.New()
		st := newTurnState(l.runID, turn)
		st.sandboxSeen = carry.sandboxSeen
		st.sandboxID = carry.sandboxID

		var turnRaw strings.Builder
		var stopThisTurn StopReason
		cancelled := false
		var dispatchErr error

		route := func(events []tagstream.Event) error {
			for _, ev := range events {
				before := len(st.toolResults)
				next, err := l.dispatcher.Apply(ctx, st, ev)
				if err != nil {
					dispatchErr = err
					return ErrStopStream
				}
				st = next
				for _, res := range st.toolResults[before:] {
					ledger.RecordToolResult(res)
				}
				if stopThisTurn == "" {
					if reason, violated := ledger.FirstViolation(); violated {
						stopThisTurn = reason
						return ErrStopStream
					}
				}
			}
			return nil
		}

		req := StreamRequest{
			ModelID:         l.modelID,
			Messages:        messages,
			MaxOutputTokens: l.maxOutputTokens,
			Temperature:     l.temperature,
		}
		streamErr := l.model.StreamText(ctx, req, func(chunk string) error {
			select {
			case <-ctx.Done():
				cancelled = true
				return ErrStopStream
			default:
			}
			if !ledger.AddResponseBytes(len(chunk)) {
				// The violating chunk is discarded, not partially applied.
				stopThisTurn = StopResponseSize
				return ErrStopStream
			}
			turnRaw.WriteString(chunk)
			return route(parser.Process(chunk))
		})

		// Flush is unconditional so buffered file and text content is never
		// silently lost, even when the stream was cut short by a budget.
		if dispatchErr == nil {
			_ = route(parser.Flush())
		}

		raw.WriteString(turnRaw.String())
		result.TurnsExecuted = turn

		if cancelled {
			result.RawResponse = raw.String()
			result.Cancelled = true
			l.log.Info("run cancelled", "run_id", l.runID, "turn", turn)
			return result, nil
		}
		if dispatchErr != nil {
			result.RawResponse = raw.String()
			return result, dispatchErr
		}
		if streamErr != nil && !errors.Is(streamErr, ErrStopStream) {
			// Transport failure is fatal for the run, but the accumulated raw
			// response is returned so a partial artifact can be persisted.
			result.RawResponse = raw.String()
			return result, streamErr
		}

		carry.sandboxSeen = st.sandboxSeen
		carry.sandboxID = st.sandboxID
		carry.totalToolCalls = ledger.toolCallsThisRun

		// Turn outcome, in fixed priority order.
		if stopThisTurn != "" {
			return l.stop(result, stopThisTurn, turn, raw.String()), nil
		}
		if st.doneSeen {
			return l.stop(result, StopDone, turn, raw.String()), nil
		}
		if len(st.toolResults) == 0 {
			return l.stop(result, StopNoToolResults, turn, raw.String()), nil
		}
		if turn >= l.budgets.MaxAgentTurns {
			return l.stop(result, StopMaxTurns, turn, raw.String()), nil
		}

		next, ok := buildContinuation(original, turnRaw.String(), st.toolResults, l.budgets)
		if !ok {
			return l.stop(result, StopContinuationBudget, turn, raw.String()), nil
		}
		messages = append(append([]Message(nil), system...), next)

		l.saveCheckpoint(Checkpoint{
			RunID:               l.runID,
			Turn:                turn,
			RawResponseSoFar:    raw.String(),
			NextTurnMessages:    messages,
			SandboxSeen:         carry.sandboxSeen,
			SandboxID:           carry.sandboxID,
			TotalToolCallsInRun: carry.totalToolCalls,
			UpdatedAtUnixMs:     time.Now().UnixMilli(),
		})
		l.logHostLoad(ctx, "turn continued", turn)
	}

	return l.stop(result, StopMaxTurns, l.budgets.MaxAgentTurns, raw.String()), nil
}

func (l *Loop) stop(result RunResult, reason StopReason, turn int, raw string) RunResult {
	result.RawResponse = raw
	result.StopReason = reason
	if turn > result.TurnsExecuted {
		result.TurnsExecuted = turn
	}
	l.log.Info("run stopped",
		"run_id", l.runID,
		"turn", turn,
		"stop_reason", string(reason),
	)
	if l.output != nil {
		l.output.Emit(OutputEvent{
			Type:    "run_stopped",
			Reason:  string(reason),
			Message: reason.Message(),
			Turn:    turn,
		})
	}
	return result
}

// saveCheckpoint is awaited so a crash cannot race a not-yet-durable
// checkpoint, but its failure never aborts the turn sequence.
func (l *Loop) saveCheckpoint(cp Checkpoint) {
	if l.checkpoints == nil {
		return
	}
	timeout := l.persistOpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.checkpoints.Save(ctx, cp); err != nil {
		l.log.Warn("checkpoint save failed", "run_id", l.runID, "turn", cp.Turn, "error", err)
	}
}

func (l *Loop) logHostLoad(ctx context.Context, event string, turn int) {
	if l.host == nil {
		return
	}
	load, err := l.host.Sample(ctx)
	if err != nil {
		return
	}
	l.log.Debug("host load",
		"event", event,
		"run_id", l.runID,
		"turn", turn,
		"cpu_percent", load.CPUPercent,
		"load1", load.Load1,
		"mem_used_percent", load.MemUsedPercent,
	)
}

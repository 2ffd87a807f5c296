package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/edwardlabs/edward-engine/internal/tagstream"
)

func applyAll(t *testing.T, d *Dispatcher, st turnState, events ...tagstream.Event) turnState {
	t.Helper()
	for _, ev := range events {
		next, err := d.Apply(context.Background(), st, ev)
		if err != nil {
			t.Fatalf("Apply(%#v): %v", ev, err)
		}
		st = next
	}
	return st
}

func TestDispatcher_SandboxProvisionedOnce(t *testing.T) {
	t.Parallel()

	sandbox := newFakeSandbox()
	out := &recordedOutput{}
	d := NewDispatcher(slog.Default(), sandbox, &fakeGateway{}, out)

	st := applyAll(t, d, newTurnState("run_1", 1),
		tagstream.SandboxStart{Project: "demo"},
		tagstream.FileStart{Path: "a.ts"},
		tagstream.FileContent{Path: "a.ts", Content: "x"},
		tagstream.FileEnd{Path: "a.ts"},
		tagstream.FileStart{Path: "b.ts"},
		tagstream.FileEnd{Path: "b.ts"},
		tagstream.SandboxEnd{},
	)

	if sandbox.ensures != 1 {
		t.Fatalf("ensures=%d, want 1 (lazy, once)", sandbox.ensures)
	}
	if !st.sandboxSeen || st.sandboxID != "sbx_test" {
		t.Fatalf("state=%+v", st)
	}
	if len(st.generatedFiles) != 2 {
		t.Fatalf("generated files=%v", st.generatedFiles)
	}
	if sandbox.flushes != 1 {
		t.Fatalf("flushes=%d, want 1", sandbox.flushes)
	}
}

func TestDispatcher_CommandAbsorbedNotForwarded(t *testing.T) {
	t.Parallel()

	out := &recordedOutput{}
	d := NewDispatcher(slog.Default(), newFakeSandbox(), &fakeGateway{}, out)

	st := applyAll(t, d, newTurnState("run_1", 1),
		tagstream.Command{Name: "npm", Args: []string{"install"}},
	)

	if len(st.toolResults) != 1 {
		t.Fatalf("tool results=%d, want 1", len(st.toolResults))
	}
	if got := out.byType("tool_result"); len(got) != 1 {
		t.Fatalf("tool_result events=%d, want 1", len(got))
	}
	// The raw command event itself is absorbed.
	if got := out.byType("command"); len(got) != 0 {
		t.Fatalf("command events=%d, want 0", len(got))
	}
}

func TestDispatcher_ToolFailureBecomesResult(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{fn: func(req ToolRequest) (ToolResult, error) {
		return ToolResult{Tool: req.Tool}, errors.New("registry unreachable")
	}}
	d := NewDispatcher(slog.Default(), newFakeSandbox(), gw, &recordedOutput{})

	st := applyAll(t, d, newTurnState("run_1", 1),
		tagstream.InstallPackages{Packages: []string{"react"}},
	)

	if len(st.toolResults) != 1 {
		t.Fatalf("tool results=%d, want 1", len(st.toolResults))
	}
	if st.toolResults[0].Err != "registry unreachable" {
		t.Fatalf("err=%q", st.toolResults[0].Err)
	}
}

func TestDispatcher_DoneSetsFlag(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(slog.Default(), nil, nil, &recordedOutput{})
	st := applyAll(t, d, newTurnState("run_1", 1), tagstream.Done{})
	if !st.doneSeen {
		t.Fatalf("doneSeen=false, want true")
	}
}

func TestDispatcher_MalformedForwardedAsError(t *testing.T) {
	t.Parallel()

	out := &recordedOutput{}
	d := NewDispatcher(slog.Default(), nil, nil, out)
	applyAll(t, d, newTurnState("run_1", 1), tagstream.Malformed{Tag: "file", Reason: "empty path"})

	got := out.byType("error")
	if len(got) != 1 {
		t.Fatalf("error events=%d, want 1", len(got))
	}
	if got[0].Reason != "empty path" {
		t.Fatalf("reason=%q", got[0].Reason)
	}
}

func TestDispatcher_OrphanFileContentSurfacesAsText(t *testing.T) {
	t.Parallel()

	out := &recordedOutput{}
	d := NewDispatcher(slog.Default(), newFakeSandbox(), nil, out)
	applyAll(t, d, newTurnState("run_1", 1), tagstream.FileContent{Path: "a", Content: "stray"})

	if got := out.byType("text"); len(got) != 1 || got[0].Text != "stray" {
		t.Fatalf("text events=%v", got)
	}
}

func TestBudgetLedger_CountWinsOverPayload(t *testing.T) {
	t.Parallel()

	ledger := newBudgetLedger(Budgets{
		MaxToolCallsPerTurn: 1,
		MaxToolPayloadChars: 5,
	}.WithDefaults())
	ledger.BeginTurn()

	// One event violates both the count and the payload ceiling; the check
	// order (count before payload) decides the winner.
	ledger.RecordToolResult(ToolResult{Stdout: "0123456789"})
	reason, violated := ledger.FirstViolation()
	if !violated {
		t.Fatalf("expected violation")
	}
	if reason != StopToolBudget {
		t.Fatalf("reason=%q, want %q", reason, StopToolBudget)
	}
}

func TestBudgetLedger_PerTurnCountersReset(t *testing.T) {
	t.Parallel()

	ledger := newBudgetLedger(Budgets{MaxToolCallsPerTurn: 2, MaxToolCallsPerRun: 10}.WithDefaults())
	ledger.BeginTurn()
	ledger.RecordToolResult(ToolResult{})
	ledger.BeginTurn()
	ledger.RecordToolResult(ToolResult{})

	if _, violated := ledger.FirstViolation(); violated {
		t.Fatalf("per-turn counter did not reset")
	}
	if ledger.toolCallsThisRun != 2 {
		t.Fatalf("run counter=%d, want 2", ledger.toolCallsThisRun)
	}
}

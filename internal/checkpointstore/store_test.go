package checkpointstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndLoadLatest(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for turn := 1; turn <= 3; turn++ {
		cp := engine.Checkpoint{
			RunID:            "run_a",
			Turn:             turn,
			RawResponseSoFar: "raw",
			NextTurnMessages: []engine.Message{
				{Role: "system", Content: "builder"},
				{Role: "user", Content: "continue"},
			},
			SandboxSeen:         true,
			SandboxID:           "sbx_1",
			TotalToolCallsInRun: turn * 2,
		}
		if err := s.Save(ctx, cp); err != nil {
			t.Fatalf("Save turn %d: %v", turn, err)
		}
	}

	got, err := s.LoadLatest(ctx, "run_a")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got == nil {
		t.Fatalf("LoadLatest returned nil")
	}
	if got.Turn != 3 || got.TotalToolCallsInRun != 6 {
		t.Fatalf("got turn=%d calls=%d, want 3/6", got.Turn, got.TotalToolCallsInRun)
	}
	if !got.SandboxSeen || got.SandboxID != "sbx_1" {
		t.Fatalf("sandbox fields lost: %+v", got)
	}
	if len(got.NextTurnMessages) != 2 || got.NextTurnMessages[0].Role != "system" {
		t.Fatalf("messages round trip failed: %+v", got.NextTurnMessages)
	}
	if got.UpdatedAtUnixMs <= 0 {
		t.Fatalf("updated_at not stamped")
	}
}

func TestStore_LoadLatestMissingRun(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, err := s.LoadLatest(context.Background(), "run_missing")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestStore_SaveUpsertsSameTurn(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	first := engine.Checkpoint{RunID: "run_b", Turn: 1, RawResponseSoFar: "first"}
	second := engine.Checkpoint{RunID: "run_b", Turn: 1, RawResponseSoFar: "second"}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save (retry): %v", err)
	}

	got, err := s.LoadLatest(ctx, "run_b")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.RawResponseSoFar != "second" {
		t.Fatalf("raw=%q, want second write", got.RawResponseSoFar)
	}
}

func TestStore_SaveValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, engine.Checkpoint{Turn: 1}); err == nil {
		t.Fatalf("missing run_id accepted")
	}
	if err := s.Save(ctx, engine.Checkpoint{RunID: "run_c"}); err == nil {
		t.Fatalf("zero turn accepted")
	}
}

func TestStore_DeleteRunAndListRuns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, runID := range []string{"run_x", "run_y"} {
		if err := s.Save(ctx, engine.Checkpoint{RunID: runID, Turn: 1}); err != nil {
			t.Fatalf("Save %s: %v", runID, err)
		}
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs=%v, want 2", runs)
	}

	if err := s.DeleteRun(ctx, "run_x"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	got, err := s.LoadLatest(ctx, "run_x")
	if err != nil || got != nil {
		t.Fatalf("deleted run still present: %+v, err=%v", got, err)
	}
}

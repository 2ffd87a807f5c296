package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := NewWorkspace(slog.Default(), t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return w
}

func TestWorkspace_EnsureSandboxIsIdempotent(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()

	id1, err := w.EnsureSandbox(ctx, "My Demo App")
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}
	id2, err := w.EnsureSandbox(ctx, "other name ignored")
	if err != nil {
		t.Fatalf("EnsureSandbox (second): %v", err)
	}
	if id1 == "" || id1 != id2 {
		t.Fatalf("ids %q / %q, want one stable id", id1, id2)
	}
	if base := filepath.Base(w.Root()); base != "my-demo-app" {
		t.Fatalf("root dir %q", base)
	}
}

func TestWorkspace_StreamedFileLandsAtomically(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()
	if _, err := w.EnsureSandbox(ctx, "demo"); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	if err := w.PrepareFile(ctx, "src/app.ts"); err != nil {
		t.Fatalf("PrepareFile: %v", err)
	}
	for i, chunk := range []string{"const a", " = 1;\n", "export default a;\n"} {
		if err := w.AppendFileContent(ctx, "src/app.ts", chunk, i == 0); err != nil {
			t.Fatalf("AppendFileContent: %v", err)
		}
	}

	real := filepath.Join(w.Root(), "src", "app.ts")
	if _, err := os.Stat(real); err == nil {
		t.Fatalf("file visible before finalize")
	}

	change, err := w.FinalizeFile(ctx, "src/app.ts")
	if err != nil {
		t.Fatalf("FinalizeFile: %v", err)
	}
	if change.Rewrite {
		t.Fatalf("fresh file reported as rewrite")
	}

	got, err := os.ReadFile(real)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "const a = 1;\nexport default a;\n" {
		t.Fatalf("content=%q", got)
	}
	if change.Bytes != len(got) {
		t.Fatalf("bytes=%d, want %d", change.Bytes, len(got))
	}
	if _, err := os.Stat(real + partialSuffix); err == nil {
		t.Fatalf("staging file left behind")
	}
}

func TestWorkspace_RewriteReportsLineDiff(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()
	if _, err := w.EnsureSandbox(ctx, "demo"); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	write := func(content string) {
		t.Helper()
		if err := w.PrepareFile(ctx, "a.txt"); err != nil {
			t.Fatalf("PrepareFile: %v", err)
		}
		if err := w.AppendFileContent(ctx, "a.txt", content, true); err != nil {
			t.Fatalf("AppendFileContent: %v", err)
		}
		if _, err := w.FinalizeFile(ctx, "a.txt"); err != nil {
			t.Fatalf("FinalizeFile: %v", err)
		}
	}

	write("one\ntwo\nthree\n")

	if err := w.PrepareFile(ctx, "a.txt"); err != nil {
		t.Fatalf("PrepareFile: %v", err)
	}
	if err := w.AppendFileContent(ctx, "a.txt", "one\n2\nthree\nfour\n", true); err != nil {
		t.Fatalf("AppendFileContent: %v", err)
	}
	change, err := w.FinalizeFile(ctx, "a.txt")
	if err != nil {
		t.Fatalf("FinalizeFile: %v", err)
	}
	if !change.Rewrite {
		t.Fatalf("rewrite not detected")
	}
	if change.LinesAdded != 2 || change.LinesRemoved != 1 {
		t.Fatalf("added=%d removed=%d, want 2/1", change.LinesAdded, change.LinesRemoved)
	}
}

func TestWorkspace_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()
	if _, err := w.EnsureSandbox(ctx, "demo"); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	// Virtual paths are normalized against the workspace root; traversal
	// segments cannot step above it.
	if err := w.PrepareFile(ctx, "../outside.txt"); err != nil {
		t.Fatalf("normalized traversal should stage inside root: %v", err)
	}
	if _, err := w.FinalizeFile(ctx, "../outside.txt"); err != nil {
		t.Fatalf("FinalizeFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.Root(), "outside.txt")); err != nil {
		t.Fatalf("file not contained in root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(w.Root()), "outside.txt")); err == nil {
		t.Fatalf("file escaped the workspace root")
	}
}

func TestWorkspace_FlushDiscardsAbandonedStreams(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()
	id, err := w.EnsureSandbox(ctx, "demo")
	if err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	if err := w.PrepareFile(ctx, "half.txt"); err != nil {
		t.Fatalf("PrepareFile: %v", err)
	}
	if err := w.AppendFileContent(ctx, "half.txt", "partial", true); err != nil {
		t.Fatalf("AppendFileContent: %v", err)
	}
	if err := w.Flush(ctx, id); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := os.Stat(filepath.Join(w.Root(), "half.txt")); err == nil {
		t.Fatalf("abandoned stream became a real file")
	}
	if _, err := os.Stat(filepath.Join(w.Root(), "half.txt"+partialSuffix)); err == nil {
		t.Fatalf("staging file left behind after flush")
	}
}

func TestWorkspace_RestartedFileBeginsEmpty(t *testing.T) {
	t.Parallel()

	w := newTestWorkspace(t)
	ctx := context.Background()
	if _, err := w.EnsureSandbox(ctx, "demo"); err != nil {
		t.Fatalf("EnsureSandbox: %v", err)
	}

	if err := w.PrepareFile(ctx, "r.txt"); err != nil {
		t.Fatalf("PrepareFile: %v", err)
	}
	if err := w.AppendFileContent(ctx, "r.txt", "stale", true); err != nil {
		t.Fatalf("AppendFileContent: %v", err)
	}
	if err := w.PrepareFile(ctx, "r.txt"); err != nil {
		t.Fatalf("PrepareFile (restart): %v", err)
	}
	if err := w.AppendFileContent(ctx, "r.txt", "fresh", true); err != nil {
		t.Fatalf("AppendFileContent: %v", err)
	}
	if _, err := w.FinalizeFile(ctx, "r.txt"); err != nil {
		t.Fatalf("FinalizeFile: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(w.Root(), "r.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "fresh" {
		t.Fatalf("content=%q, want fresh", got)
	}
	if !strings.HasSuffix(w.Root(), "demo") {
		t.Fatalf("root=%q", w.Root())
	}
}

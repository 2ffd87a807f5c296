// Package sandbox materializes generated files in a per-project workspace
// directory. Files stream in as chunks, are staged under a .partial suffix and
// are moved into place atomically on finalize.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

const partialSuffix = ".partial"

type Workspace struct {
	log  *slog.Logger
	base string

	mu   sync.Mutex
	id   string
	root string

	// open streams, keyed by the virtual path the model used
	staged map[string]*stagedFile
}

type stagedFile struct {
	realPath    string
	stagingPath string
	prior       string
	hadPrior    bool
	f           *os.File
	bytes       int
}

func NewWorkspace(log *slog.Logger, baseDir string) (*Workspace, error) {
	if log == nil {
		log = slog.Default()
	}
	base := filepath.Clean(strings.TrimSpace(baseDir))
	if base == "" || base == "." {
		return nil, errors.New("missing workspace base dir")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, err
	}
	return &Workspace{log: log, base: base, staged: map[string]*stagedFile{}}, nil
}

// EnsureSandbox creates (or reuses) the workspace root for the project and
// returns its id. Calling it again returns the same id.
func (w *Workspace) EnsureSandbox(ctx context.Context, project string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.id != "" {
		return w.id, nil
	}

	name := sanitizeProjectName(project)
	root := filepath.Join(w.base, name)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}
	w.root = root
	w.id = "sbx_" + uuid.NewString()
	w.log.Info("workspace ready", "sandbox_id", w.id, "root", root)
	return w.id, nil
}

// PrepareFile opens a staging file for the path. An already-open stream for
// the same path is discarded first, so a restarted file begins empty.
func (w *Workspace) PrepareFile(ctx context.Context, p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root == "" {
		return errors.New("workspace not provisioned")
	}
	real, err := w.resolve(p)
	if err != nil {
		return err
	}

	if prev, ok := w.staged[p]; ok {
		_ = prev.f.Close()
		_ = os.Remove(prev.stagingPath)
		delete(w.staged, p)
	}

	if err := os.MkdirAll(filepath.Dir(real), 0o700); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	st := &stagedFile{realPath: real, stagingPath: real + partialSuffix}
	if prior, err := os.ReadFile(real); err == nil {
		st.prior = string(prior)
		st.hadPrior = true
	}

	f, err := os.OpenFile(st.stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	st.f = f
	w.staged[p] = st
	return nil
}

// AppendFileContent writes one chunk to the staging file.
func (w *Workspace) AppendFileContent(ctx context.Context, p, content string, first bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.staged[p]
	if !ok {
		return fmt.Errorf("no open stream for %s", p)
	}
	n, err := st.f.WriteString(content)
	st.bytes += n
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// FinalizeFile moves the staging file into place atomically and reports what
// changed. Rewrites of an existing file carry a line-level diff summary.
func (w *Workspace) FinalizeFile(ctx context.Context, p string) (engine.FileChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.staged[p]
	if !ok {
		return engine.FileChange{}, fmt.Errorf("no open stream for %s", p)
	}
	delete(w.staged, p)

	if err := st.f.Close(); err != nil {
		_ = os.Remove(st.stagingPath)
		return engine.FileChange{}, fmt.Errorf("close staging file: %w", err)
	}

	change := engine.FileChange{Path: p, Bytes: st.bytes, Rewrite: st.hadPrior}
	if st.hadPrior {
		next, err := os.ReadFile(st.stagingPath)
		if err != nil {
			_ = os.Remove(st.stagingPath)
			return engine.FileChange{}, fmt.Errorf("read staging file: %w", err)
		}
		change.LinesAdded, change.LinesRemoved = diffLineCounts(st.prior, string(next))
	}

	if err := os.Rename(st.stagingPath, st.realPath); err != nil {
		_ = os.Remove(st.stagingPath)
		return engine.FileChange{}, fmt.Errorf("finalize %s: %w", p, err)
	}
	return change, nil
}

// Flush closes and discards any stream left open. Parser-side synthesis
// normally finalizes open files first; anything still staged here was
// abandoned mid-stream and must not shadow the real file.
func (w *Workspace) Flush(ctx context.Context, sandboxID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for p, st := range w.staged {
		_ = st.f.Close()
		_ = os.Remove(st.stagingPath)
		delete(w.staged, p)
		w.log.Warn("discarded abandoned file stream", "path", p)
	}
	return nil
}

// Root returns the provisioned workspace root, empty before EnsureSandbox.
func (w *Workspace) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

func (w *Workspace) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	vp := path.Clean("/" + p)

	rel := strings.TrimPrefix(vp, "/")
	relOS := filepath.FromSlash(rel)
	if relOS == "" || filepath.IsAbs(relOS) {
		return "", errors.New("invalid path")
	}

	abs := filepath.Clean(filepath.Join(w.root, relOS))
	ok, err := isWithinRoot(abs, w.root)
	if err != nil || !ok {
		return "", errors.New("path escapes workspace root")
	}
	return abs, nil
}

func isWithinRoot(p string, root string) (bool, error) {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false, err
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func sanitizeProjectName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "project"
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// diffLineCounts summarizes a rewrite as lines added and removed.
func diffLineCounts(before, after string) (added int, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && strings.TrimSpace(d.Text) != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

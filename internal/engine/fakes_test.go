package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// scriptedStreamer plays back one fixed chunk sequence per call.
type scriptedStreamer struct {
	turns [][]string

	calls    int
	requests []StreamRequest
	consumed []int

	transportErr error
	beforeChunk  func(call, chunk int)
}

func (s *scriptedStreamer) StreamText(ctx context.Context, req StreamRequest, onChunk func(string) error) error {
	call := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	s.consumed = append(s.consumed, 0)

	var chunks []string
	if call < len(s.turns) {
		chunks = s.turns[call]
	}
	for i, chunk := range chunks {
		if s.beforeChunk != nil {
			s.beforeChunk(call, i)
		}
		if err := onChunk(chunk); err != nil {
			if errors.Is(err, ErrStopStream) {
				return ErrStopStream
			}
			return err
		}
		s.consumed[call]++
	}
	return s.transportErr
}

// fakeSandbox records every mutation in memory.
type fakeSandbox struct {
	ensures   int
	project   string
	prepared  []string
	finalized []string
	flushes   int
	files     map[string]*strings.Builder

	ensureErr error
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string]*strings.Builder{}}
}

func (f *fakeSandbox) EnsureSandbox(ctx context.Context, project string) (string, error) {
	f.ensures++
	f.project = project
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "sbx_test", nil
}

func (f *fakeSandbox) PrepareFile(ctx context.Context, path string) error {
	f.prepared = append(f.prepared, path)
	f.files[path] = &strings.Builder{}
	return nil
}

func (f *fakeSandbox) AppendFileContent(ctx context.Context, path, content string, first bool) error {
	b, ok := f.files[path]
	if !ok {
		return errors.New("file not prepared")
	}
	b.WriteString(content)
	return nil
}

func (f *fakeSandbox) FinalizeFile(ctx context.Context, path string) (FileChange, error) {
	f.finalized = append(f.finalized, path)
	size := 0
	if b, ok := f.files[path]; ok {
		size = b.Len()
	}
	return FileChange{Path: path, Bytes: size}, nil
}

func (f *fakeSandbox) Flush(ctx context.Context, sandboxID string) error {
	f.flushes++
	return nil
}

func (f *fakeSandbox) content(path string) string {
	if b, ok := f.files[path]; ok {
		return b.String()
	}
	return ""
}

// fakeGateway answers every request via fn, defaulting to an echo result.
type fakeGateway struct {
	fn    func(req ToolRequest) (ToolResult, error)
	calls []ToolRequest
}

func (f *fakeGateway) Execute(ctx context.Context, req ToolRequest) (ToolResult, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		return f.fn(req)
	}
	return ToolResult{Tool: req.Tool, CommandLine: req.Tool, Stdout: "ok"}, nil
}

// memStore is an in-memory checkpoint store.
type memStore struct {
	saved   []Checkpoint
	saveErr error
}

func (m *memStore) Save(ctx context.Context, cp Checkpoint) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, cp)
	return nil
}

func (m *memStore) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].RunID == runID {
			cp := m.saved[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// recordedOutput captures emitted events in order.
type recordedOutput struct {
	mu     sync.Mutex
	events []OutputEvent
}

func (r *recordedOutput) Emit(ev OutputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedOutput) byType(eventType string) []OutputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutputEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

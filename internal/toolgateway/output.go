package toolgateway

import (
	"io"
	"sync"
)

// commandOutput collects a child process's stdout and stderr under one shared
// byte budget. Writes past the budget are counted, not stored, and never
// error, so a chatty child cannot stall on a full pipe.
type commandOutput struct {
	mu      sync.Mutex
	limit   int
	stdout  []byte
	stderr  []byte
	dropped int
}

func newCommandOutput(limit int) *commandOutput {
	if limit <= 0 {
		limit = 1
	}
	return &commandOutput{limit: limit}
}

// Streams returns the writer pair to wire into an exec.Cmd.
func (o *commandOutput) Streams() (stdout, stderr io.Writer) {
	return outputStream{o: o}, outputStream{o: o, stderr: true}
}

func (o *commandOutput) Stdout() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.stdout)
}

func (o *commandOutput) Stderr() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.stderr)
}

// DroppedBytes reports how much output did not fit the budget.
func (o *commandOutput) DroppedBytes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

type outputStream struct {
	o      *commandOutput
	stderr bool
}

func (s outputStream) Write(p []byte) (int, error) {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()

	keep := s.o.limit - len(s.o.stdout) - len(s.o.stderr)
	if keep > len(p) {
		keep = len(p)
	}
	if keep < 0 {
		keep = 0
	}
	if keep > 0 {
		if s.stderr {
			s.o.stderr = append(s.o.stderr, p[:keep]...)
		} else {
			s.o.stdout = append(s.o.stdout, p[:keep]...)
		}
	}
	s.o.dropped += len(p) - keep

	// Report the full write so the child never sees a short write error.
	return len(p), nil
}

package engine

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// flusher is the subset of http.Flusher the stream needs; http.ResponseWriter
// implementations satisfy it.
type flusher interface {
	Flush()
}

// NDJSONOutput writes one JSON object per line to w. It satisfies
// OutputChannel: Emit never blocks the loop on serialization errors, it drops
// the event and logs instead.
type NDJSONOutput struct {
	log *slog.Logger

	mu sync.Mutex
	w  io.Writer
	f  flusher
}

func NewNDJSONOutput(log *slog.Logger, w io.Writer) *NDJSONOutput {
	if log == nil {
		log = slog.Default()
	}
	var f flusher
	if fl, ok := w.(flusher); ok {
		f = fl
	}
	return &NDJSONOutput{log: log, w: w, f: f}
}

func (s *NDJSONOutput) Emit(ev OutputEvent) {
	if s == nil || s.w == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Debug("output event marshal failed", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(append(b, '\n')); err != nil {
		s.log.Debug("output event write failed", "type", ev.Type, "error", err)
		return
	}
	if s.f != nil {
		s.f.Flush()
	}
}

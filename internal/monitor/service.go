// Package monitor samples host load so the engine can log resource pressure
// around long runs. Samples are cached briefly; the loop asks at turn
// boundaries and per-turn granularity is more than enough.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edwardlabs/edward-engine/internal/engine"
)

const sampleCacheTTL = 2 * time.Second

type Service struct {
	log *slog.Logger

	mu       sync.Mutex
	cached   engine.HostLoad
	cachedAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// Sample returns the current host load. Individual probe failures degrade to
// zero values rather than failing the sample; a box without load averages
// (Windows) still reports CPU and memory.
func (s *Service) Sample(ctx context.Context) (engine.HostLoad, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if time.Since(s.cachedAt) < sampleCacheTTL {
		out := s.cached
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	var out engine.HostLoad

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug("cpu sample failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.Load1 = avg.Load1
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out.MemUsedPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Debug("memory sample failed", "error", err)
	}

	s.mu.Lock()
	s.cached = out
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return out, nil
}

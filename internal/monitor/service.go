// Package monitor samples process and host statistics for the health endpoint.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

type Snapshot struct {
	Platform    string    `json:"platform"`
	GoVersion   string    `json:"go_version"`
	PID         int32     `json:"pid"`
	UptimeSec   int64     `json:"uptime_sec"`
	Goroutines  int       `json:"goroutines"`
	HeapBytes   uint64    `json:"heap_bytes"`
	RSSBytes    uint64    `json:"rss_bytes"`
	ProcessCPU  float64   `json:"process_cpu_percent"`
	HostCPU     float64   `json:"host_cpu_percent"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`
	MemoryUsed  float64   `json:"memory_used_percent"`
	TimestampMs int64     `json:"timestamp_ms"`
}

type Service struct {
	log     *slog.Logger
	started time.Time
	now     func() time.Time

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	at      time.Time

	proc *process.Process
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{log: log, started: time.Now(), now: time.Now}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		log.Warn("monitor: open self process failed", "error", err)
	}
	return s
}

// Snapshot returns cached stats when they are fresh enough.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := s.now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.at) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx, now)

	s.mu.Lock()
	s.snap = snap
	s.at = now
	s.hasSnap = true
	s.mu.Unlock()
	return snap
}

func (s *Service) collect(ctx context.Context, now time.Time) Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := Snapshot{
		Platform:    runtime.GOOS,
		GoVersion:   runtime.Version(),
		PID:         int32(os.Getpid()),
		UptimeSec:   int64(now.Sub(s.started).Seconds()),
		Goroutines:  runtime.NumGoroutine(),
		HeapBytes:   ms.HeapAlloc,
		TimestampMs: now.UnixMilli(),
	}

	if s.proc != nil {
		if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			snap.RSSBytes = info.RSS
		} else if err != nil {
			s.log.Warn("monitor: get process memory failed", "error", err)
		}
		if pct, err := s.proc.CPUPercentWithContext(ctx); err == nil {
			snap.ProcessCPU = pct
		}
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.HostCPU = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryUsed = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("monitor: get memory failed", "error", err)
	}
	return snap
}

// readCPUUsage prefers non-blocking sampling and falls back to a short interval.
func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// HostSample is a point-in-time resource reading taken directly from the OS
// process table, independent of anything the worker self-reports on stdout.
// It supplements — never replaces — the worker's own StatusMetrics records,
// completing the resource-sampling concern the teacher's agent package left
// as an unimplemented stub.
type HostSample struct {
	CPUPercent float64
	RSSBytes   uint64
	SampledAt  time.Time
}

// SampleHost reads CPU and memory usage for pid from the OS. It returns an
// error if the process has already exited — callers should treat that as
// "nothing to sample this tick", not a fatal condition.
func SampleHost(ctx context.Context, pid int) (HostSample, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return HostSample{}, fmt.Errorf("supervisor: opening process %d: %w", pid, err)
	}

	cpuPct, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("supervisor: reading cpu percent for pid %d: %w", pid, err)
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("supervisor: reading memory info for pid %d: %w", pid, err)
	}

	return HostSample{
		CPUPercent: cpuPct,
		RSSBytes:   memInfo.RSS,
		SampledAt:  time.Now(),
	}, nil
}

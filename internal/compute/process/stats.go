package process

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats reports resource usage of the child process.
func (r *Runtime) Stats(ctx context.Context) (map[string]any, error) {
	pid := r.pid()
	if pid == 0 {
		return map[string]any{"running": false}, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"running":  true,
		"pid":      pid,
		"endpoint": r.Endpoint(),
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out["rssBytes"] = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		out["cpuPercent"] = cpu
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		out["threads"] = threads
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		out["uptimeSeconds"] = int64(time.Since(time.UnixMilli(created)).Seconds())
	}
	return out, nil
}

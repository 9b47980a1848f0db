// Package metrics collects host resource utilization for the
// cpu/mem/disk figures reported at every heartbeat, via gopsutil.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// sampleWindow is how long cpu.PercentWithContext blocks to compute a
// CPU utilization delta. Kept short relative to the heartbeat interval
// so Collect never stalls the loop.
const sampleWindow = 200 * time.Millisecond

// Collect returns a snapshot of current host CPU%, memory%, and free disk
// space at diskPath (the first authorized root, or "/" if none configured).
// Any individual metric that fails to read is left at zero rather than
// failing the whole heartbeat — a missing metric is not a reason to stop
// reporting liveness.
func Collect(ctx context.Context, diskPath string) apitypes.Metrics {
	m := apitypes.Metrics{}

	if percents, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemPercent = vm.UsedPercent
	}

	if diskPath == "" {
		diskPath = "/"
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		m.DiskFreeGB = float64(du.Free) / (1 << 30)
	}

	return m
}

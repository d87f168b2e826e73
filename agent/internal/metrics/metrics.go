// Package metrics collects host resource utilization for heartbeat
// reporting (C2), using gopsutil to read CPU, memory, disk, and uptime
// facts the same way on Linux, Windows, and macOS hosts.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/netwatch-io/netwatch/shared/types"
)

// diskPath is the filesystem sampled for disk usage. Agents run as a single
// process per host with no concept of "the data volume" yet, so the root
// filesystem stands in for total host disk pressure.
const diskPath = "/"

// Collect returns a snapshot of current host resource usage for a
// heartbeat frame. Any probe that fails contributes a zero value rather
// than aborting the whole snapshot — a heartbeat with partial data is still
// more useful than a dropped heartbeat.
func Collect(ctx context.Context) types.HeartbeatPayload {
	var hb types.HeartbeatPayload

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		hb.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemUsedBytes = vm.Used
		hb.MemTotalBytes = vm.Total
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		hb.DiskUsedBytes = du.Used
		hb.DiskTotalBytes = du.Total
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		hb.UptimeSeconds = info.Uptime
	}

	return hb
}

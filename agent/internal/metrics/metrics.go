// Package metrics collects a host resource snapshot attached to every
// outgoing heartbeat, mirroring the teacher's own agent.metrics message.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fleetctl/fleetctl/shared/protocol"
)

// sampleTimeout bounds how long a single CPU percent sample may block —
// cpu.PercentWithContext blocks for the given interval to measure usage.
const sampleTimeout = 200 * time.Millisecond

// Collect returns a snapshot of current host resource usage. Any individual
// sampler that fails reports zero for that field rather than aborting the
// whole heartbeat — a missing metric must never block liveness reporting.
func Collect() *protocol.SystemMetrics {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	snap := &protocol.SystemMetrics{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = du.UsedPercent
	}

	return snap
}

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/lmdm/labmonitor/pkg/types"
)

const mb = 1024 * 1024

// LocalSampler reads telemetry for the controller host itself, so the
// machine running labmonitor can join the pool without SSHing to localhost.
type LocalSampler struct{}

func NewLocalSampler() *LocalSampler {
	return &LocalSampler{}
}

func (s *LocalSampler) Sample(ctx context.Context, machine *types.Machine) (*types.TelemetrySample, error) {
	sample := &types.TelemetrySample{
		MachineId: machine.ExternalId,
		SampledAt: time.Now(),
	}

	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("local cpu sample failed: %w", err)
	}
	if len(percentages) > 0 {
		sample.CpuPercent = percentages[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("local memory sample failed: %w", err)
	}
	sample.MemoryUsedMb = int64(vm.Used / mb)
	sample.MemoryFreeMb = int64(vm.Available / mb)
	sample.MemoryTotalMb = int64(vm.Total / mb)

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		sample.Disks = []types.DiskSample{
			{
				MountPoint:      usage.Path,
				TotalSize:       fmt.Sprintf("%dG", usage.Total/(mb*1024)),
				Used:            fmt.Sprintf("%dG", usage.Used/(mb*1024)),
				Available:       fmt.Sprintf("%dG", usage.Free/(mb*1024)),
				UsagePercentage: fmt.Sprintf("%.0f%%", usage.UsedPercent),
			},
		}
	}

	if users, err := host.UsersWithContext(ctx); err == nil {
		for _, u := range users {
			sample.Sessions = append(sample.Sessions, types.SessionSample{
				User:      u.User,
				TTY:       u.Terminal,
				From:      u.Host,
				LoginTime: time.Unix(int64(u.Started), 0).Format("15:04"),
			})
		}
	}

	return sample, nil
}

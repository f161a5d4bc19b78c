package collector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/clients"
	"github.com/lmdm/labmonitor/pkg/types"
)

const (
	cpuUsageCmd    = `top -bn1 | grep -i 'Cpu(s)' | awk '{print $2+$4}'`
	memoryUsageCmd = `free -m | awk '/^Mem/ {print $3, $4, $2}'`
	gpuUsageCmd    = `nvidia-smi --query-gpu=index,name,memory.used,memory.total,utilization.gpu --format=csv,noheader,nounits`
	gpuProcsCmd    = `nvidia-smi --query-compute-apps=pid,name,gpu_name --format=csv,noheader,nounits`
	diskUsageCmd   = `df -h --output=target,size,used,avail,pcent`
	sessionsCmd    = `w -h`
)

// Sampler produces one telemetry sample for a machine.
type Sampler interface {
	Sample(ctx context.Context, machine *types.Machine) (*types.TelemetrySample, error)
}

// SSHProber collects a machine's telemetry over SSH. The CPU and memory
// sections must succeed for the sample to count; GPU, disk and session
// sections are best-effort since not every lab machine has a GPU or a
// readable utmp.
type SSHProber struct {
	runnerFactory clients.RunnerFactory
}

func NewSSHProber(runnerFactory clients.RunnerFactory) *SSHProber {
	return &SSHProber{runnerFactory: runnerFactory}
}

func (p *SSHProber) Sample(ctx context.Context, machine *types.Machine) (*types.TelemetrySample, error) {
	runner, err := p.runnerFactory(machine)
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	sample := &types.TelemetrySample{
		MachineId: machine.ExternalId,
		SampledAt: time.Now(),
	}

	stdout, _, err := runner.Run(ctx, cpuUsageCmd)
	if err != nil {
		return nil, fmt.Errorf("cpu probe failed: %w", err)
	}

	sample.CpuPercent, err = parseCpuOutput(stdout)
	if err != nil {
		return nil, err
	}

	stdout, _, err = runner.Run(ctx, memoryUsageCmd)
	if err != nil {
		return nil, fmt.Errorf("memory probe failed: %w", err)
	}

	sample.MemoryUsedMb, sample.MemoryFreeMb, sample.MemoryTotalMb, err = parseMemoryOutput(stdout)
	if err != nil {
		return nil, err
	}

	if machine.GpuCount > 0 {
		gpuOut, _, err := runner.Run(ctx, gpuUsageCmd)
		if err == nil {
			procsOut, _, _ := runner.Run(ctx, gpuProcsCmd)
			sample.Gpus = parseGpuOutput(gpuOut, procsOut, func(pid string) string {
				out, _, err := runner.Run(ctx, fmt.Sprintf("ps -p %s -o user --no-headers", pid))
				if err != nil {
					return ""
				}
				return strings.TrimSpace(out)
			})
		} else {
			log.Warn().Str("machine_id", machine.ExternalId).Err(err).Msg("gpu probe failed")
		}
	}

	if diskOut, _, err := runner.Run(ctx, diskUsageCmd); err == nil {
		sample.Disks = parseDiskOutput(diskOut)
	}

	if sessionsOut, _, err := runner.Run(ctx, sessionsCmd); err == nil {
		sample.Sessions = parseSessionsOutput(sessionsOut)
	}

	return sample, nil
}

func parseCpuOutput(out string) (float64, error) {
	// Some locales print the decimal separator as a comma
	raw := strings.ReplaceAll(strings.TrimSpace(out), ",", ".")

	usage, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected cpu probe output %q: %w", out, err)
	}

	return usage, nil
}

func parseMemoryOutput(out string) (used, free, total int64, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected memory probe output %q", out)
	}

	values := make([]int64, 3)
	for i, field := range fields {
		values[i], err = strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("unexpected memory probe output %q: %w", out, err)
		}
	}

	return values[0], values[1], values[2], nil
}

// parseGpuOutput joins per-GPU stats with the compute processes running on
// them. userLookup resolves a PID to its owner on the probed machine.
func parseGpuOutput(gpuOut, procsOut string, userLookup func(pid string) string) []types.GpuSample {
	samples := []types.GpuSample{}

	// Process owner by GPU name; nvidia-smi reports the GPU a compute app
	// runs on by name, not index
	type procOwner struct {
		process string
		user    string
	}
	ownersByGpu := map[string]procOwner{}

	for _, line := range strings.Split(strings.TrimSpace(procsOut), "\n") {
		if line == "" {
			continue
		}

		fields := splitCsvLine(line)
		if len(fields) != 3 {
			continue
		}

		pid, process, gpuName := fields[0], fields[1], fields[2]

		user := ""
		if pid != "[N/A]" {
			user = userLookup(pid)
		}

		ownersByGpu[gpuName] = procOwner{process: process, user: user}
	}

	for _, line := range strings.Split(strings.TrimSpace(gpuOut), "\n") {
		if line == "" {
			continue
		}

		fields := splitCsvLine(line)
		if len(fields) != 5 {
			log.Warn().Str("line", line).Msg("skipping malformed gpu probe line")
			continue
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		memUsed, _ := strconv.ParseFloat(fields[2], 64)
		memTotal, _ := strconv.ParseFloat(fields[3], 64)
		utilization, _ := strconv.ParseFloat(fields[4], 64)

		sample := types.GpuSample{
			Index:        index,
			Name:         fields[1],
			MemoryUsedMb: memUsed,
			MemoryTotal:  memTotal,
			Utilization:  utilization,
		}

		if owner, ok := ownersByGpu[sample.Name]; ok {
			sample.Process = owner.process
			sample.User = owner.user
		}

		samples = append(samples, sample)
	}

	return samples
}

// System mounts are noise on a lab dashboard; only report data volumes.
var ignoredMountPrefixes = []string{"/snap", "/run", "/dev", "/tmp", "/boot", "/var", "/sys", "/proc"}

func parseDiskOutput(out string) []types.DiskSample {
	samples := []types.DiskSample{}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return samples
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		ignored := false
		for _, prefix := range ignoredMountPrefixes {
			if strings.HasPrefix(fields[0], prefix) {
				ignored = true
				break
			}
		}
		if ignored {
			continue
		}

		samples = append(samples, types.DiskSample{
			MountPoint:      fields[0],
			TotalSize:       fields[1],
			Used:            fields[2],
			Available:       fields[3],
			UsagePercentage: fields[4],
		})
	}

	return samples
}

func parseSessionsOutput(out string) []types.SessionSample {
	samples := []types.SessionSample{}

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		samples = append(samples, types.SessionSample{
			User:      fields[0],
			TTY:       fields[1],
			From:      fields[2],
			LoginTime: fields[3],
		})
	}

	return samples
}

func splitCsvLine(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

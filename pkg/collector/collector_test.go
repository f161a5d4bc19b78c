package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

type fakeSampler struct {
	sample *types.TelemetrySample
	err    error
}

func (f *fakeSampler) Sample(ctx context.Context, machine *types.Machine) (*types.TelemetrySample, error) {
	if f.err != nil {
		return nil, f.err
	}

	s := *f.sample
	s.MachineId = machine.ExternalId
	s.SampledAt = time.Now()
	return &s, nil
}

func newCollectorForTest(t *testing.T, sampler Sampler) (*Collector, repository.MachineRepository, *repository.BackendMemoryRepository, *types.Machine) {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()
	machineRepo := repository.NewMachineRedisRepositoryForTest(rdb)

	machine, err := backendRepo.CreateMachine(context.Background(), &types.MachineSpec{
		Name:          "lab-01",
		Address:       "10.0.0.10",
		Username:      "lab",
		TotalCpu:      8,
		TotalMemoryMb: 16000,
	}, "hash-1")
	assert.Nil(t, err)

	err = machineRepo.AddMachineState(&types.MachineState{
		MachineId:     machine.ExternalId,
		Status:        types.MachineStatusAvailable,
		TotalCpu:      8,
		TotalMemoryMb: 16000,
		FreeCpu:       8,
		FreeMemoryMb:  16000,
	})
	assert.Nil(t, err)

	collector := NewCollector(backendRepo, machineRepo, rdb, sampler, types.CollectorConfig{
		PollInterval:     time.Minute,
		HistoryInterval:  time.Hour,
		FailureThreshold: 3,
	})

	return collector, machineRepo, backendRepo, &machine
}

func TestPollSuccessUpdatesTelemetry(t *testing.T) {
	sampler := &fakeSampler{
		sample: &types.TelemetrySample{CpuPercent: 55.5, MemoryUsedMb: 9000, MemoryFreeMb: 7000, MemoryTotalMb: 16000},
	}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	collector.poll(context.Background(), machine)

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, 55.5, state.CpuPercent)
	assert.Equal(t, int64(9000), state.MemoryUsedMb)
	assert.Equal(t, types.MachineStatusAvailable, state.Status)
}

func TestConsecutiveFailuresMarkUnreachable(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("dial tcp: i/o timeout")}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	// Below the threshold the machine stays available
	collector.poll(context.Background(), machine)
	collector.poll(context.Background(), machine)

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusAvailable, state.Status)

	// Third consecutive failure crosses the threshold
	collector.poll(context.Background(), machine)

	state, err = machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusUnreachable, state.Status)
}

func TestSuccessfulProbeResetsFailureStreak(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("dial tcp: i/o timeout")}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	collector.poll(context.Background(), machine)
	collector.poll(context.Background(), machine)

	// A success in between resets the counter
	sampler.err = nil
	sampler.sample = &types.TelemetrySample{CpuPercent: 10}
	collector.poll(context.Background(), machine)

	// Two more failures don't reach the threshold
	sampler.err = errors.New("dial tcp: i/o timeout")
	sampler.sample = nil
	collector.poll(context.Background(), machine)
	collector.poll(context.Background(), machine)

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusAvailable, state.Status)
}

func TestRecoveryRestoresMachine(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("dial tcp: i/o timeout")}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	for i := 0; i < 3; i++ {
		collector.poll(context.Background(), machine)
	}

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusUnreachable, state.Status)

	sampler.err = nil
	sampler.sample = &types.TelemetrySample{CpuPercent: 5}
	collector.poll(context.Background(), machine)

	state, err = machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusAvailable, state.Status)
}

func TestFailuresNeverOverrideDisabled(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("dial tcp: i/o timeout")}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	err := machineRepo.UpdateMachineStatus(machine.ExternalId, types.MachineStatusDisabled)
	assert.Nil(t, err)

	for i := 0; i < 3; i++ {
		collector.poll(context.Background(), machine)
	}

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusDisabled, state.Status)
}

func TestFailuresPastThresholdStillMarkUnreachable(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("dial tcp: i/o timeout")}
	collector, machineRepo, _, machine := newCollectorForTest(t, sampler)

	for i := 0; i < 3; i++ {
		collector.poll(context.Background(), machine)
	}

	// Operator brings the machine back while probes keep failing
	err := machineRepo.UpdateMachineStatus(machine.ExternalId, types.MachineStatusAvailable)
	assert.Nil(t, err)

	collector.poll(context.Background(), machine)

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusUnreachable, state.Status)
}

func TestPersistHistory(t *testing.T) {
	sampler := &fakeSampler{
		sample: &types.TelemetrySample{CpuPercent: 30, MemoryUsedMb: 4000, MemoryFreeMb: 12000, MemoryTotalMb: 16000},
	}
	collector, _, backendRepo, machine := newCollectorForTest(t, sampler)

	collector.poll(context.Background(), machine)
	collector.persistHistory(context.Background())

	snapshots, err := backendRepo.ListTelemetrySnapshots(
		context.Background(), machine.Id, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	assert.Nil(t, err)
	assert.Len(t, snapshots, 1)
	assert.Equal(t, 30.0, snapshots[0].CpuPercent)
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/calendar"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

func newRegistryForTest(t *testing.T) (*MachineRegistry, repository.MachineRepository, *repository.BackendMemoryRepository) {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()
	machineRepo := repository.NewMachineRedisRepositoryForTest(rdb)
	cal := calendar.NewReservationCalendar(backendRepo, rdb, types.NotifierConfig{
		ReservationReminderLead: 24 * time.Hour,
		ReminderScanInterval:    time.Minute,
	})

	return NewMachineRegistry(backendRepo, machineRepo, cal), machineRepo, backendRepo
}

func labSpec() *types.MachineSpec {
	return &types.MachineSpec{
		Name:          "lab-01",
		Address:       "10.0.0.10",
		Username:      "lab",
		TotalCpu:      8,
		TotalMemoryMb: 16000,
		GpuCount:      2,
		GpuType:       "RTX 3090",
		DiskGb:        500,
	}
}

func TestRegisterInitializesLiveState(t *testing.T) {
	reg, machineRepo, _ := newRegistryForTest(t)

	machine, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)
	assert.NotEmpty(t, machine.ExternalId)
	assert.NotEmpty(t, machine.SpecHash)

	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, types.MachineStatusAvailable, state.Status)
	assert.Equal(t, int64(8), state.FreeCpu)
	assert.Equal(t, int64(16000), state.FreeMemoryMb)
	assert.Equal(t, uint32(2), state.FreeGpuCount)
}

func TestRegisterIdenticalSpecIsNoOp(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	first, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)

	second, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)
	assert.Equal(t, first.ExternalId, second.ExternalId)

	machines, err := reg.List(context.Background())
	assert.Nil(t, err)
	assert.Len(t, machines, 1)
}

func TestRegisterSameAddressDifferentSpecFails(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	_, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)

	changed := labSpec()
	changed.TotalCpu = 16

	_, err = reg.Register(context.Background(), changed)
	assert.Error(t, err)

	_, ok := err.(*types.ErrDuplicateMachine)
	assert.True(t, ok)
}

func TestDeregisterRemovesLiveState(t *testing.T) {
	reg, machineRepo, _ := newRegistryForTest(t)

	machine, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)

	err = reg.Deregister(context.Background(), machine.ExternalId)
	assert.Nil(t, err)

	_, err = machineRepo.GetMachineState(machine.ExternalId)
	assert.Error(t, err)

	_, err = reg.Get(context.Background(), machine.ExternalId)
	assert.Error(t, err)

	// Deregistering again fails on the durable row
	err = reg.Deregister(context.Background(), machine.ExternalId)
	assert.Error(t, err)
}

func TestUpdateTelemetryUnknownMachine(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	err := reg.UpdateTelemetry("nonexistent", &types.TelemetrySample{SampledAt: time.Now()})
	assert.Error(t, err)

	_, ok := err.(*types.ErrMachineNotFound)
	assert.True(t, ok)
}

func TestAvailableCapacityRespectsReservations(t *testing.T) {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()
	machineRepo := repository.NewMachineRedisRepositoryForTest(rdb)
	cal := calendar.NewReservationCalendar(backendRepo, rdb, types.NotifierConfig{
		ReservationReminderLead: 24 * time.Hour,
		ReminderScanInterval:    time.Minute,
	})
	reg := NewMachineRegistry(backendRepo, machineRepo, cal)

	machine, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)

	user, err := backendRepo.CreateUser(context.Background(), "ada", "ada@lab.example", 0)
	assert.Nil(t, err)

	now := time.Now()
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machine.ExternalId,
		UserId:    user.ExternalId,
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(time.Hour),
		CpuCores:  6,
		MemoryMb:  12000,
	})
	assert.Nil(t, err)

	capacity, err := reg.AvailableCapacity(context.Background(), machine.ExternalId, now)
	assert.Nil(t, err)
	assert.Equal(t, int64(2), capacity.CpuCores)
	assert.Equal(t, int64(4000), capacity.MemoryMb)

	// After the reservation window, live free capacity is the bound again
	capacity, err = reg.AvailableCapacity(context.Background(), machine.ExternalId, now.Add(2*time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(8), capacity.CpuCores)
}

func TestAvailableCapacitySubtractsHoldsAndReservations(t *testing.T) {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()
	machineRepo := repository.NewMachineRedisRepositoryForTest(rdb)
	cal := calendar.NewReservationCalendar(backendRepo, rdb, types.NotifierConfig{
		ReservationReminderLead: 24 * time.Hour,
		ReminderScanInterval:    time.Minute,
	})
	reg := NewMachineRegistry(backendRepo, machineRepo, cal)

	spec := labSpec()
	spec.TotalCpu = 4
	spec.TotalMemoryMb = 8000
	machine, err := reg.Register(context.Background(), spec)
	assert.Nil(t, err)

	// A running job holds 2 of the 4 cores
	state, err := machineRepo.GetMachineState(machine.ExternalId)
	assert.Nil(t, err)
	err = machineRepo.UpdateMachineCapacity(state, &types.JobRequest{
		JobId:    "job-1",
		CpuCores: 2,
		MemoryMb: 2000,
	}, types.RemoveCapacity)
	assert.Nil(t, err)

	user, err := backendRepo.CreateUser(context.Background(), "ada", "ada@lab.example", 0)
	assert.Nil(t, err)

	// A reservation commits 3 more cores over the same window. The job hold
	// and the reservation are independent claims: 2 + 3 > 4, so nothing is
	// left even though each claim alone would leave cores free.
	now := time.Now()
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machine.ExternalId,
		UserId:    user.ExternalId,
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(time.Hour),
		CpuCores:  3,
		MemoryMb:  3000,
	})
	assert.Nil(t, err)

	capacity, err := reg.AvailableCapacity(context.Background(), machine.ExternalId, now)
	assert.Nil(t, err)
	assert.Equal(t, int64(0), capacity.CpuCores)
	assert.Equal(t, int64(3000), capacity.MemoryMb)

	// Outside the reservation window only the job hold counts
	capacity, err = reg.AvailableCapacity(context.Background(), machine.ExternalId, now.Add(2*time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(2), capacity.CpuCores)
	assert.Equal(t, int64(6000), capacity.MemoryMb)
}

func TestSetStatusDisabledExcludesFromScheduling(t *testing.T) {
	reg, _, _ := newRegistryForTest(t)

	machine, err := reg.Register(context.Background(), labSpec())
	assert.Nil(t, err)

	err = reg.SetStatus(machine.ExternalId, types.MachineStatusDisabled)
	assert.Nil(t, err)

	state, err := reg.GetState(machine.ExternalId)
	assert.Nil(t, err)
	assert.False(t, state.Schedulable())
}

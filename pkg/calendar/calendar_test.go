package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

func newCalendarForTest(t *testing.T) (*ReservationCalendar, *repository.BackendMemoryRepository, string, string) {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()

	machine, err := backendRepo.CreateMachine(context.Background(), &types.MachineSpec{
		Name:          "lab-01",
		Address:       "10.0.0.10",
		Username:      "lab",
		TotalCpu:      8,
		TotalMemoryMb: 16000,
		GpuCount:      2,
	}, "hash-1")
	assert.Nil(t, err)

	user, err := backendRepo.CreateUser(context.Background(), "ada", "ada@lab.example", 0)
	assert.Nil(t, err)

	cal := NewReservationCalendar(backendRepo, rdb, types.NotifierConfig{
		ReservationReminderLead: 24 * time.Hour,
		ReminderScanInterval:    time.Minute,
	})

	return cal, backendRepo, machine.ExternalId, user.ExternalId
}

func TestReserveRejectsInvalidWindow(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	_, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(time.Hour),
	})
	assert.Error(t, err)

	_, ok := err.(*types.ErrInvalidReservationWindow)
	assert.True(t, ok)
}

func TestExclusiveOverlapConflicts(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	first, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(3 * time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)
	assert.NotNil(t, first)

	// Any overlap with an exclusive reservation conflicts
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(2 * time.Hour),
		EndsAt:    now.Add(4 * time.Hour),
		CpuCores:  1,
	})
	assert.Error(t, err)

	_, ok := err.(*types.ErrReservationConflict)
	assert.True(t, ok)

	// Back-to-back windows do not overlap
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(3 * time.Hour),
		EndsAt:    now.Add(4 * time.Hour),
		CpuCores:  1,
	})
	assert.Nil(t, err)
}

func TestNonExclusiveReservationsMayOverlap(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	_, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(3 * time.Hour),
		CpuCores:  2,
		MemoryMb:  4000,
	})
	assert.Nil(t, err)

	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(2 * time.Hour),
		EndsAt:    now.Add(4 * time.Hour),
		CpuCores:  2,
		MemoryMb:  4000,
	})
	assert.Nil(t, err)

	// An exclusive request over the same window conflicts with both
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(4 * time.Hour),
		Exclusive: true,
	})
	assert.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	reservation, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)

	err = cal.Cancel(context.Background(), reservation.ExternalId)
	assert.Nil(t, err)

	err = cal.Cancel(context.Background(), reservation.ExternalId)
	assert.Nil(t, err)

	// Cancelled reservations stop conflicting
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)
}

func TestCapacityAt(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()

	// No reservations: full capacity
	capacity, err := cal.CapacityAt(context.Background(), machineId, now.Add(time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(8), capacity.CpuCores)
	assert.Equal(t, int64(16000), capacity.MemoryMb)
	assert.Equal(t, uint32(2), capacity.GpuCount)

	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(3 * time.Hour),
		CpuCores:  6,
		MemoryMb:  12000,
		GpuCount:  1,
	})
	assert.Nil(t, err)

	capacity, err = cal.CapacityAt(context.Background(), machineId, now.Add(2*time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(2), capacity.CpuCores)
	assert.Equal(t, int64(4000), capacity.MemoryMb)
	assert.Equal(t, uint32(1), capacity.GpuCount)

	// Outside the window the claim does not apply
	capacity, err = cal.CapacityAt(context.Background(), machineId, now.Add(4*time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(8), capacity.CpuCores)

	// Stacked non-exclusive claims clamp at zero instead of going negative
	_, err = cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(3 * time.Hour),
		CpuCores:  6,
		MemoryMb:  12000,
	})
	assert.Nil(t, err)

	capacity, err = cal.CapacityAt(context.Background(), machineId, now.Add(2*time.Hour))
	assert.Nil(t, err)
	assert.Equal(t, int64(0), capacity.CpuCores)
	assert.Equal(t, int64(0), capacity.MemoryMb)
}

func TestCapacityAtExclusiveZeroesMachine(t *testing.T) {
	cal, _, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	_, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(time.Hour),
		EndsAt:    now.Add(2 * time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)

	capacity, err := cal.CapacityAt(context.Background(), machineId, now.Add(90*time.Minute))
	assert.Nil(t, err)
	assert.Equal(t, int64(0), capacity.CpuCores)
	assert.Equal(t, int64(0), capacity.MemoryMb)
	assert.Equal(t, uint32(0), capacity.GpuCount)
}

func TestReminderScanMarksNotifiedOnce(t *testing.T) {
	cal, backendRepo, machineId, userId := newCalendarForTest(t)

	now := time.Now()
	reservation, err := cal.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: machineId,
		UserId:    userId,
		StartsAt:  now.Add(2 * time.Hour),
		EndsAt:    now.Add(3 * time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)

	err = cal.scanUpcoming(context.Background())
	assert.Nil(t, err)

	stored, err := backendRepo.GetReservation(context.Background(), reservation.ExternalId)
	assert.Nil(t, err)
	assert.True(t, stored.Notified)

	// A second scan finds nothing to notify
	err = cal.scanUpcoming(context.Background())
	assert.Nil(t, err)
}

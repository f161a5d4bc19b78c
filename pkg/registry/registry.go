package registry

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

// CapacitySource answers how much of a machine is claimable at a point in
// time once reservations are taken into account.
type CapacitySource interface {
	CapacityAt(ctx context.Context, machineId string, at time.Time) (*types.Capacity, error)
}

type MachineRegistry struct {
	backendRepo repository.BackendRepository
	machineRepo repository.MachineRepository
	capacity    CapacitySource
}

func NewMachineRegistry(
	backendRepo repository.BackendRepository,
	machineRepo repository.MachineRepository,
	capacity CapacitySource,
) *MachineRegistry {
	return &MachineRegistry{
		backendRepo: backendRepo,
		machineRepo: machineRepo,
		capacity:    capacity,
	}
}

// Register adds a machine and initializes its live state at full capacity.
// Re-registering an identical spec is a no-op that returns the existing
// record; the same address with a different spec is rejected.
func (r *MachineRegistry) Register(ctx context.Context, spec *types.MachineSpec) (*types.Machine, error) {
	specHash, err := hashSpec(spec)
	if err != nil {
		return nil, err
	}

	existing, err := r.backendRepo.GetMachineBySpecHash(ctx, specHash)
	if err == nil {
		log.Info().Str("machine_id", existing.ExternalId).Str("name", existing.Name).Msg("machine already registered with identical spec")
		return existing, nil
	}

	machines, err := r.backendRepo.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range machines {
		if m.Address == spec.Address {
			return nil, &types.ErrDuplicateMachine{Address: spec.Address}
		}
	}

	machine, err := r.backendRepo.CreateMachine(ctx, spec, specHash)
	if err != nil {
		return nil, err
	}

	err = r.machineRepo.AddMachineState(&types.MachineState{
		MachineId:     machine.ExternalId,
		Status:        types.MachineStatusAvailable,
		TotalCpu:      machine.TotalCpu,
		TotalMemoryMb: machine.TotalMemoryMb,
		TotalGpuCount: machine.GpuCount,
		FreeCpu:       machine.TotalCpu,
		FreeMemoryMb:  machine.TotalMemoryMb,
		FreeGpuCount:  machine.GpuCount,
		GpuType:       machine.GpuType,
		LastSeenAt:    time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("machine_id", machine.ExternalId).Str("name", machine.Name).Str("address", machine.Address).Msg("machine registered")

	return &machine, nil
}

func (r *MachineRegistry) Deregister(ctx context.Context, machineId string) error {
	if err := r.backendRepo.DeleteMachine(ctx, machineId); err != nil {
		return err
	}

	err := r.machineRepo.RemoveMachineState(machineId)
	if err != nil {
		// The live state may have already expired; the durable row is gone
		// either way
		if _, ok := err.(*types.ErrMachineNotFound); !ok {
			return err
		}
	}

	log.Info().Str("machine_id", machineId).Msg("machine deregistered")
	return nil
}

func (r *MachineRegistry) Get(ctx context.Context, machineId string) (*types.Machine, error) {
	return r.backendRepo.GetMachineByExternalId(ctx, machineId)
}

func (r *MachineRegistry) List(ctx context.Context) ([]types.Machine, error) {
	return r.backendRepo.ListMachines(ctx)
}

func (r *MachineRegistry) GetState(machineId string) (*types.MachineState, error) {
	return r.machineRepo.GetMachineState(machineId)
}

func (r *MachineRegistry) ListStates() ([]*types.MachineState, error) {
	return r.machineRepo.GetAllMachineStates()
}

// UpdateTelemetry replaces the machine's live snapshot with a fresh sample.
func (r *MachineRegistry) UpdateTelemetry(machineId string, sample *types.TelemetrySample) error {
	return r.machineRepo.UpdateMachineTelemetry(machineId, sample)
}

func (r *MachineRegistry) SetStatus(machineId string, status types.MachineStatus) error {
	return r.machineRepo.UpdateMachineStatus(machineId, status)
}

// AvailableCapacity reports what a job could claim on the machine at the
// given time. Job holds and reservations are independent claims on the same
// machine, so the amounts reserved for that instant are subtracted from the
// live free capacity, clamped at zero.
func (r *MachineRegistry) AvailableCapacity(ctx context.Context, machineId string, at time.Time) (*types.Capacity, error) {
	state, err := r.machineRepo.GetMachineState(machineId)
	if err != nil {
		return nil, err
	}

	unreserved, err := r.capacity.CapacityAt(ctx, machineId, at)
	if err != nil {
		return nil, err
	}

	reservedCpu := state.TotalCpu - unreserved.CpuCores
	reservedMemory := state.TotalMemoryMb - unreserved.MemoryMb
	reservedGpus := state.TotalGpuCount - unreserved.GpuCount

	available := &types.Capacity{
		CpuCores: clampInt64(state.FreeCpu - reservedCpu),
		MemoryMb: clampInt64(state.FreeMemoryMb - reservedMemory),
	}
	if reservedGpus < state.FreeGpuCount {
		available.GpuCount = state.FreeGpuCount - reservedGpus
	}

	return available, nil
}

func hashSpec(spec *types.MachineSpec) (string, error) {
	hash, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}

	return types.FormatSpecHash(hash), nil
}

func clampInt64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

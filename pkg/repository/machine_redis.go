package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/types"
)

type MachineRedisRepository struct {
	rdb  *common.RedisClient
	lock *common.RedisLock
}

func NewMachineRedisRepository(r *common.RedisClient) MachineRepository {
	lock := common.NewRedisLock(r)
	return &MachineRedisRepository{rdb: r, lock: lock}
}

// AddMachineState adds or replaces the live state for a machine
func (r *MachineRedisRepository) AddMachineState(state *types.MachineState) error {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(state.MachineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(state.MachineId))

	stateKey := common.RedisKeys.MachineState(state.MachineId)
	indexKey := common.RedisKeys.MachineIndex()

	// Cache machine state key in index so we don't have to scan for it
	err = r.rdb.SAdd(context.TODO(), indexKey, stateKey).Err()
	if err != nil {
		return fmt.Errorf("failed to add machine state key to index <%v>: %w", indexKey, err)
	}

	state.ResourceVersion = 0
	err = r.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return fmt.Errorf("failed to add machine state <%s>: %v", stateKey, err)
	}

	err = r.rdb.Expire(context.TODO(), stateKey, time.Duration(types.MachineStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set machine state ttl <%v>: %w", stateKey, err)
	}

	return nil
}

func (r *MachineRedisRepository) RemoveMachineState(machineId string) error {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(machineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(machineId))

	stateKey := common.RedisKeys.MachineState(machineId)
	res, err := r.rdb.Exists(context.TODO(), stateKey).Result()
	if err != nil {
		return err
	}

	exists := res > 0
	if !exists {
		return &types.ErrMachineNotFound{MachineId: machineId}
	}

	indexKey := common.RedisKeys.MachineIndex()
	err = r.rdb.SRem(context.TODO(), indexKey, stateKey).Err()
	if err != nil {
		return fmt.Errorf("failed to remove machine state key from index <%v>: %w", indexKey, err)
	}

	err = r.rdb.Del(context.TODO(), stateKey).Err()
	if err != nil {
		return err
	}

	err = r.rdb.Del(context.TODO(), common.RedisKeys.MachineTelemetry(machineId)).Err()
	if err != nil {
		return err
	}

	err = r.rdb.Del(context.TODO(), common.RedisKeys.MachineFailureCounter(machineId)).Err()
	if err != nil {
		return err
	}

	return nil
}

func (r *MachineRedisRepository) GetMachineState(machineId string) (*types.MachineState, error) {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(machineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return nil, err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(machineId))

	key := common.RedisKeys.MachineState(machineId)
	exists, err := r.rdb.Exists(context.TODO(), key).Result()
	if err != nil {
		return nil, err
	}

	if exists == 0 {
		return nil, &types.ErrMachineNotFound{MachineId: machineId}
	}

	return r.getMachineStateFromKey(key)
}

func (r *MachineRedisRepository) GetAllMachineStates() ([]*types.MachineState, error) {
	keys, err := r.rdb.SMembers(context.TODO(), common.RedisKeys.MachineIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve machine state keys: %v", err)
	}

	return r.getMachineStatesFromKeys(keys)
}

func (r *MachineRedisRepository) UpdateMachineStatus(machineId string, status types.MachineStatus) error {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(machineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(machineId))

	stateKey := common.RedisKeys.MachineState(machineId)
	exists, err := r.rdb.Exists(context.TODO(), stateKey).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return &types.ErrMachineNotFound{MachineId: machineId}
	}

	state, err := r.getMachineStateFromKey(stateKey)
	if err != nil {
		return err
	}

	state.Status = status
	state.ResourceVersion++
	err = r.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return fmt.Errorf("failed to update machine status <%s>: %v", stateKey, err)
	}

	err = r.rdb.Expire(context.TODO(), stateKey, time.Duration(types.MachineStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set machine state ttl <%v>: %w", stateKey, err)
	}

	return nil
}

// UpdateMachineCapacity applies a hold or release of a job's declared
// resources. The caller's resource version must match the stored state so
// concurrent scheduling passes cannot both claim the last free slot. Free
// capacity never goes negative: a hold that would overdraw the machine fails
// and leaves the state untouched.
func (r *MachineRedisRepository) UpdateMachineCapacity(state *types.MachineState, request *types.JobRequest, ut types.CapacityUpdateType) error {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(state.MachineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(state.MachineId))

	key := common.RedisKeys.MachineState(state.MachineId)

	currentState, err := r.getMachineStateFromKey(key)
	if err != nil {
		return fmt.Errorf("failed to get machine state <%v>: %v", key, err)
	}

	updatedState := &types.MachineState{}
	if err := common.CopyStruct(currentState, updatedState); err != nil {
		return fmt.Errorf("failed to copy machine state: %v", err)
	}

	if updatedState.ResourceVersion != state.ResourceVersion {
		return types.ErrInvalidResourceVersion
	}

	switch ut {
	case types.AddCapacity:
		updatedState.FreeCpu = updatedState.FreeCpu + request.CpuCores
		updatedState.FreeMemoryMb = updatedState.FreeMemoryMb + request.MemoryMb

		if request.RequiresGPU() {
			updatedState.FreeGpuCount += request.GpuCount
		}

		// Releases are clamped so a double release can never inflate
		// capacity past the machine's totals
		if updatedState.FreeCpu > updatedState.TotalCpu {
			updatedState.FreeCpu = updatedState.TotalCpu
		}
		if updatedState.FreeMemoryMb > updatedState.TotalMemoryMb {
			updatedState.FreeMemoryMb = updatedState.TotalMemoryMb
		}
		if updatedState.FreeGpuCount > updatedState.TotalGpuCount {
			updatedState.FreeGpuCount = updatedState.TotalGpuCount
		}

	case types.RemoveCapacity:
		if updatedState.FreeCpu < request.CpuCores || updatedState.FreeMemoryMb < request.MemoryMb {
			return &types.ErrInsufficientCapacity{}
		}

		if request.RequiresGPU() && updatedState.FreeGpuCount < request.GpuCount {
			return &types.ErrInsufficientCapacity{}
		}

		updatedState.FreeCpu = updatedState.FreeCpu - request.CpuCores
		updatedState.FreeMemoryMb = updatedState.FreeMemoryMb - request.MemoryMb

		if request.RequiresGPU() {
			updatedState.FreeGpuCount -= request.GpuCount
		}

	default:
		return errors.New("invalid capacity update type")
	}

	updatedState.ResourceVersion++
	err = r.rdb.HSet(context.TODO(), key, common.ToSlice(updatedState)).Err()
	if err != nil {
		return fmt.Errorf("failed to update machine capacity <%s>: %v", key, err)
	}

	return nil
}

// UpdateMachineTelemetry rewrites the live utilization fields from a fresh
// probe sample and stores the full sample alongside the state.
func (r *MachineRedisRepository) UpdateMachineTelemetry(machineId string, sample *types.TelemetrySample) error {
	err := r.lock.Acquire(context.TODO(), common.RedisKeys.MachineLock(machineId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer r.lock.Release(common.RedisKeys.MachineLock(machineId))

	stateKey := common.RedisKeys.MachineState(machineId)
	exists, err := r.rdb.Exists(context.TODO(), stateKey).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return &types.ErrMachineNotFound{MachineId: machineId}
	}

	state, err := r.getMachineStateFromKey(stateKey)
	if err != nil {
		return err
	}

	state.CpuPercent = sample.CpuPercent
	state.MemoryUsedMb = sample.MemoryUsedMb
	state.LastSeenAt = sample.SampledAt.Unix()
	state.ResourceVersion++

	err = r.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return fmt.Errorf("failed to update machine telemetry <%s>: %v", stateKey, err)
	}

	err = r.rdb.Expire(context.TODO(), stateKey, time.Duration(types.MachineStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set machine state ttl <%v>: %w", stateKey, err)
	}

	serialized, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to serialize telemetry sample: %w", err)
	}

	telemetryKey := common.RedisKeys.MachineTelemetry(machineId)
	err = r.rdb.Set(context.TODO(), telemetryKey, serialized, time.Duration(types.MachineStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to store telemetry sample <%s>: %v", telemetryKey, err)
	}

	return nil
}

func (r *MachineRedisRepository) GetMachineTelemetry(machineId string) (*types.TelemetrySample, error) {
	res, err := r.rdb.Get(context.TODO(), common.RedisKeys.MachineTelemetry(machineId)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, &types.ErrMachineNotFound{MachineId: machineId}
		}
		return nil, err
	}

	sample := &types.TelemetrySample{}
	if err := json.Unmarshal(res, sample); err != nil {
		return nil, fmt.Errorf("failed to deserialize telemetry sample: %w", err)
	}

	return sample, nil
}

func (r *MachineRedisRepository) SetMachineKeepAlive(machineId string) error {
	stateKey := common.RedisKeys.MachineState(machineId)

	err := r.rdb.Expire(context.TODO(), stateKey, time.Duration(types.MachineStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set machine state ttl <%v>: %w", stateKey, err)
	}

	return nil
}

// IncrementFailureCount bumps the consecutive probe failure counter and
// returns the new value. The counter is reset on the first successful probe.
func (r *MachineRedisRepository) IncrementFailureCount(machineId string) (int, error) {
	count, err := r.rdb.Incr(context.TODO(), common.RedisKeys.MachineFailureCounter(machineId)).Result()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (r *MachineRedisRepository) ResetFailureCount(machineId string) error {
	return r.rdb.Del(context.TODO(), common.RedisKeys.MachineFailureCounter(machineId)).Err()
}

func (r *MachineRedisRepository) getMachineStatesFromKeys(keys []string) ([]*types.MachineState, error) {
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))

	// Fetch all machines at once using a pipeline
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(context.TODO(), key)
	}

	_, err := pipe.Exec(context.TODO())
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to execute pipeline: %v", err)
	}

	var states []*types.MachineState
	for i, cmd := range cmds {
		res, err := cmd.Result()
		if err != nil || len(res) == 0 {
			// If there is an error or the result is empty, remove the key from the index
			indexKey := common.RedisKeys.MachineIndex()
			r.rdb.SRem(context.TODO(), indexKey, keys[i]).Err()
			continue
		}

		machineId := strings.Split(keys[i], ":")[len(strings.Split(keys[i], ":"))-1]
		state := &types.MachineState{MachineId: machineId}

		if err = common.ToStruct(res, state); err != nil {
			return nil, fmt.Errorf("failed to deserialize machine state <%v>: %v", keys[i], err)
		}

		states = append(states, state)
	}

	return states, nil
}

func (r *MachineRedisRepository) getMachineStateFromKey(key string) (*types.MachineState, error) {
	machineId := strings.Split(key, ":")[len(strings.Split(key, ":"))-1]
	state := &types.MachineState{
		MachineId: machineId,
	}

	res, err := r.rdb.HGetAll(context.TODO(), key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get machine state <%s>: %v", key, err)
	}

	if err = common.ToStruct(res, state); err != nil {
		return nil, fmt.Errorf("failed to deserialize machine state <%v>: %v", key, err)
	}

	return state, nil
}

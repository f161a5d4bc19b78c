package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/types"
)

// validTransitions maps a job status to the statuses it may move to.
// Terminal statuses have no entries, so a finished job can never be revived.
var validTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusQueued:    {types.JobStatusScheduled, types.JobStatusFailed, types.JobStatusCancelled},
	types.JobStatusScheduled: {types.JobStatusRunning, types.JobStatusFailed, types.JobStatusCancelled},
	types.JobStatusRunning:   {types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled},
}

type JobRedisRepository struct {
	rdb  *common.RedisClient
	lock *common.RedisLock
}

func NewJobRedisRepository(r *common.RedisClient) JobRepository {
	lock := common.NewRedisLock(r)
	return &JobRedisRepository{rdb: r, lock: lock}
}

func (jr *JobRedisRepository) SetJobState(state *types.JobState) error {
	err := jr.lock.Acquire(context.TODO(), common.RedisKeys.SchedulerJobLock(state.JobId), common.RedisLockOptions{TtlS: 10, Retries: 0})
	if err != nil {
		return err
	}
	defer jr.lock.Release(common.RedisKeys.SchedulerJobLock(state.JobId))

	stateKey := common.RedisKeys.SchedulerJobState(state.JobId)
	err = jr.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return fmt.Errorf("failed to set job state <%v>: %w", stateKey, err)
	}

	// State is refreshed on every status transition; the TTL only reaps
	// jobs whose controller died mid-dispatch
	err = jr.rdb.Expire(context.TODO(), stateKey, time.Duration(types.JobStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set job state ttl <%v>: %w", stateKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) GetJobState(jobId string) (*types.JobState, error) {
	stateKey := common.RedisKeys.SchedulerJobState(jobId)

	res, err := jr.rdb.HGetAll(context.TODO(), stateKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}

	if len(res) == 0 {
		return nil, &types.ErrJobNotFound{JobId: jobId}
	}

	state := &types.JobState{}
	if err = common.ToStruct(res, state); err != nil {
		return nil, fmt.Errorf("failed to deserialize job state <%v>: %v", stateKey, err)
	}

	return state, nil
}

func (jr *JobRedisRepository) DeleteJobState(jobId string) error {
	stateKey := common.RedisKeys.SchedulerJobState(jobId)

	err := jr.rdb.Del(context.TODO(), stateKey).Err()
	if err != nil {
		return fmt.Errorf("failed to delete job state <%v>: %w", stateKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) UpdateJobStatus(jobId string, status types.JobStatus) error {
	err := jr.lock.Acquire(context.TODO(), common.RedisKeys.SchedulerJobLock(jobId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer jr.lock.Release(common.RedisKeys.SchedulerJobLock(jobId))

	stateKey := common.RedisKeys.SchedulerJobState(jobId)
	res, err := jr.rdb.HGetAll(context.TODO(), stateKey).Result()
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return &types.ErrJobNotFound{JobId: jobId}
	}

	state := &types.JobState{}
	if err = common.ToStruct(res, state); err != nil {
		return fmt.Errorf("failed to deserialize job state: %v", err)
	}

	allowed := false
	for _, next := range validTransitions[state.Status] {
		if next == status {
			allowed = true
			break
		}
	}

	if !allowed {
		return &types.ErrInvalidJobStatus{JobId: jobId, Status: state.Status}
	}

	state.Status = status
	if status == types.JobStatusScheduled {
		state.ScheduledAt = time.Now().Unix()
	}

	err = jr.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return fmt.Errorf("failed to update job status <%v>: %w", stateKey, err)
	}

	err = jr.rdb.Expire(context.TODO(), stateKey, time.Duration(types.JobStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set job state ttl <%v>: %w", stateKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) SetJobRemotePid(jobId string, pid int) error {
	err := jr.lock.Acquire(context.TODO(), common.RedisKeys.SchedulerJobLock(jobId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return err
	}
	defer jr.lock.Release(common.RedisKeys.SchedulerJobLock(jobId))

	stateKey := common.RedisKeys.SchedulerJobState(jobId)
	exists, err := jr.rdb.Exists(context.TODO(), stateKey).Result()
	if err != nil {
		return err
	}

	if exists == 0 {
		return &types.ErrJobNotFound{JobId: jobId}
	}

	return jr.rdb.HSet(context.TODO(), stateKey, "remote_pid", pid).Err()
}

// ClaimCapacityRelease flips the capacity-held marker off and reports whether
// this caller owned the flip. Exactly one of N concurrent release attempts
// sees held=true, which is what keeps capacity release idempotent.
func (jr *JobRedisRepository) ClaimCapacityRelease(jobId string) (*types.JobState, bool, error) {
	err := jr.lock.Acquire(context.TODO(), common.RedisKeys.SchedulerJobLock(jobId), common.RedisLockOptions{TtlS: 10, Retries: 3})
	if err != nil {
		return nil, false, err
	}
	defer jr.lock.Release(common.RedisKeys.SchedulerJobLock(jobId))

	stateKey := common.RedisKeys.SchedulerJobState(jobId)
	res, err := jr.rdb.HGetAll(context.TODO(), stateKey).Result()
	if err != nil {
		return nil, false, err
	}

	if len(res) == 0 {
		return nil, false, &types.ErrJobNotFound{JobId: jobId}
	}

	state := &types.JobState{}
	if err = common.ToStruct(res, state); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize job state: %v", err)
	}

	if !state.CapacityHeld {
		return state, false, nil
	}

	state.CapacityHeld = false
	err = jr.rdb.HSet(context.TODO(), stateKey, common.ToSlice(state)).Err()
	if err != nil {
		return nil, false, fmt.Errorf("failed to clear capacity hold <%v>: %w", stateKey, err)
	}

	return state, true, nil
}

func (jr *JobRedisRepository) SetCancelRequested(jobId string) error {
	cancelKey := common.RedisKeys.SchedulerJobCancel(jobId)
	err := jr.rdb.SetEx(context.TODO(), cancelKey, 1, time.Duration(types.JobStateTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set cancel flag <%v>: %w", cancelKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) IsCancelRequested(jobId string) (bool, error) {
	res, err := jr.rdb.Exists(context.TODO(), common.RedisKeys.SchedulerJobCancel(jobId)).Result()
	if err != nil {
		return false, err
	}

	return res > 0, nil
}

func (jr *JobRedisRepository) SetJobExitCode(jobId string, exitCode int) error {
	exitCodeKey := common.RedisKeys.SchedulerJobExitCode(jobId)
	err := jr.rdb.SetEx(context.TODO(), exitCodeKey, exitCode, time.Duration(types.JobExitCodeTtlS)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to set exit code <%v> for job <%v>: %w", exitCodeKey, jobId, err)
	}

	return nil
}

func (jr *JobRedisRepository) GetJobExitCode(jobId string) (int, error) {
	exitCodeKey := common.RedisKeys.SchedulerJobExitCode(jobId)
	exitCode, err := jr.rdb.Get(context.TODO(), exitCodeKey).Int()
	if err != nil {
		return -1, err
	}

	return exitCode, nil
}

func (jr *JobRedisRepository) AddJobToUserIndex(userId, jobId string) error {
	indexKey := common.RedisKeys.SchedulerUserJobIndex(userId)

	err := jr.rdb.SAdd(context.TODO(), indexKey, jobId).Err()
	if err != nil {
		return fmt.Errorf("failed to add job to user index <%v>: %w", indexKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) RemoveJobFromUserIndex(userId, jobId string) error {
	indexKey := common.RedisKeys.SchedulerUserJobIndex(userId)

	err := jr.rdb.SRem(context.TODO(), indexKey, jobId).Err()
	if err != nil {
		return fmt.Errorf("failed to remove job from user index <%v>: %w", indexKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) GetUserActiveJobCount(userId string) (int, error) {
	count, err := jr.rdb.SCard(context.TODO(), common.RedisKeys.SchedulerUserJobIndex(userId)).Result()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

func (jr *JobRedisRepository) AddJobToMachineIndex(machineId, jobId string) error {
	indexKey := common.RedisKeys.MachineJobIndex(machineId)

	err := jr.rdb.SAdd(context.TODO(), indexKey, jobId).Err()
	if err != nil {
		return fmt.Errorf("failed to add job to machine index <%v>: %w", indexKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) RemoveJobFromMachineIndex(machineId, jobId string) error {
	indexKey := common.RedisKeys.MachineJobIndex(machineId)

	err := jr.rdb.SRem(context.TODO(), indexKey, jobId).Err()
	if err != nil {
		return fmt.Errorf("failed to remove job from machine index <%v>: %w", indexKey, err)
	}

	return nil
}

func (jr *JobRedisRepository) GetJobsOnMachine(machineId string) ([]string, error) {
	jobIds, err := jr.rdb.SMembers(context.TODO(), common.RedisKeys.MachineJobIndex(machineId)).Result()
	if err != nil {
		return nil, err
	}

	return jobIds, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/metrics"
	"github.com/lmdm/labmonitor/pkg/registry"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

const (
	leaderLockTtlS        int = 30
	capacityUpdateRetries int = 3
)

// JobRunner launches and supervises a job's process on a machine.
type JobRunner interface {
	Launch(ctx context.Context, req *types.JobRequest, machine *types.Machine) (int, error)
	PollExit(ctx context.Context, jobId string, machine *types.Machine, pid int) (int, bool, error)
	Kill(ctx context.Context, machine *types.Machine, pid int) error
	TailLogs(ctx context.Context, jobId string, machine *types.Machine, lines int) (string, error)
}

// Scheduler owns the job lifecycle: submissions enter the backlog, the
// dispatch loop places them on machines in submission order, and a monitor
// goroutine per running job drives it to a terminal status.
type Scheduler struct {
	backendRepo repository.BackendRepository
	jobRepo     repository.JobRepository
	machineRepo repository.MachineRepository
	registry    *registry.MachineRegistry
	backlog     *JobBacklog
	eventBus    *common.EventBus
	runner      JobRunner
	lock        *common.RedisLock
	config      types.SchedulerConfig
}

func NewScheduler(
	backendRepo repository.BackendRepository,
	jobRepo repository.JobRepository,
	machineRepo repository.MachineRepository,
	reg *registry.MachineRegistry,
	rdb *common.RedisClient,
	runner JobRunner,
	config types.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		backendRepo: backendRepo,
		jobRepo:     jobRepo,
		machineRepo: machineRepo,
		registry:    reg,
		backlog:     NewJobBacklog(rdb),
		eventBus:    common.NewEventBus(rdb),
		runner:      runner,
		lock:        common.NewRedisLock(rdb),
		config:      config,
	}
}

// Submit validates a request, records the job, and puts it at the tail of
// the backlog. The job is dispatched later by the scheduling loop.
func (s *Scheduler) Submit(ctx context.Context, req *types.JobRequest) (*types.Job, error) {
	if req.Command == "" {
		return nil, errors.New("job command is empty")
	}

	if _, err := shlex.Split(req.Command); err != nil {
		return nil, fmt.Errorf("invalid job command: %w", err)
	}

	if req.CpuCores <= 0 || req.MemoryMb <= 0 {
		return nil, errors.New("job must request at least one cpu core and some memory")
	}

	user, err := s.backendRepo.GetUserByExternalId(ctx, req.UserId)
	if err != nil {
		return nil, err
	}

	if user.MaxConcurrentJobs > 0 {
		active, err := s.jobRepo.GetUserActiveJobCount(user.ExternalId)
		if err != nil {
			return nil, err
		}

		if active >= user.MaxConcurrentJobs {
			return nil, &types.ErrQuotaExceeded{UserId: user.ExternalId, Limit: user.MaxConcurrentJobs}
		}
	}

	if req.JobId == "" {
		jobId, err := common.GenerateObjectId()
		if err != nil {
			return nil, err
		}

		req.JobId = jobId
	} else if _, err := s.jobRepo.GetJobState(req.JobId); err == nil {
		return nil, &types.ErrJobAlreadyQueued{JobId: req.JobId}
	}

	req.UserEmail = user.Email
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	job, err := s.backendRepo.CreateJob(ctx, req, user.Id)
	if err != nil {
		return nil, err
	}

	err = s.jobRepo.SetJobState(&types.JobState{
		JobId:    req.JobId,
		UserId:   user.ExternalId,
		Status:   types.JobStatusQueued,
		CpuCores: req.CpuCores,
		MemoryMb: req.MemoryMb,
		GpuCount: req.GpuCount,
	})
	if err != nil {
		return nil, err
	}

	if err := s.jobRepo.AddJobToUserIndex(user.ExternalId, req.JobId); err != nil {
		return nil, err
	}

	if err := s.backlog.Push(req); err != nil {
		return nil, err
	}

	log.Info().Str("job_id", req.JobId).Str("user_id", user.ExternalId).Str("command", req.Command).Msg("job queued")

	return &job, nil
}

// Cancel requests cancellation of a job at any point in its lifecycle.
// Cancelling a finished job is a no-op, and repeated cancels are safe.
func (s *Scheduler) Cancel(ctx context.Context, jobId string) error {
	job, err := s.backendRepo.GetJob(ctx, jobId)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return nil
	}

	if err := s.jobRepo.SetCancelRequested(jobId); err != nil {
		return err
	}

	log.Info().Str("job_id", jobId).Msg("job cancellation requested")
	return nil
}

// JobLogs returns the tail of a job's stdout and stderr from the machine it
// was placed on. Logs live on the machine, not in the controller, so this
// only works while the machine is reachable.
func (s *Scheduler) JobLogs(ctx context.Context, jobId string, lines int) (string, error) {
	state, err := s.jobRepo.GetJobState(jobId)
	if err != nil {
		return "", err
	}

	if state.MachineId == "" {
		return "", errors.New("job has not been placed on a machine yet")
	}

	machine, err := s.backendRepo.GetMachineByExternalId(ctx, state.MachineId)
	if err != nil {
		return "", err
	}

	return s.runner.TailLogs(ctx, jobId, machine, lines)
}

// StartProcessingRequests runs the dispatch loop until the context is
// cancelled. The leader lock keeps multiple controllers from scheduling
// concurrently.
func (s *Scheduler) StartProcessingRequests(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.lock.Acquire(ctx, common.RedisKeys.SchedulerLeaderLock(), common.RedisLockOptions{TtlS: leaderLockTtlS, Retries: 0})
			if err != nil {
				continue
			}

			s.schedulePass(ctx)
			s.lock.Release(common.RedisKeys.SchedulerLeaderLock())

			metrics.BacklogLength.Set(float64(s.backlog.Len()))
		}
	}
}

// schedulePass drains up to MaxJobsPerPass requests in submission order. The
// first request that cannot be placed stops the pass and everything popped
// goes back with its original score, so no later submission jumps the line.
func (s *Scheduler) schedulePass(ctx context.Context) {
	requests, err := s.backlog.PopBatch(int64(s.config.MaxJobsPerPass))
	if err != nil {
		log.Error().Err(err).Msg("failed to pop job backlog")
		return
	}

	for i, req := range requests {
		cancelled, err := s.jobRepo.IsCancelRequested(req.JobId)
		if err == nil && cancelled {
			s.finalize(ctx, req.JobId, types.JobStatusCancelled, nil, "cancelled before dispatch")
			continue
		}

		machine, err := s.selectMachine(ctx, req)
		if err != nil {
			if _, ok := err.(*types.ErrInsufficientCapacity); ok {
				s.requeue(requests[i:])
				return
			}

			s.finalize(ctx, req.JobId, types.JobStatusFailed, nil, err.Error())
			continue
		}

		if err := s.dispatch(ctx, req, machine); err != nil {
			if _, ok := err.(*types.ErrInsufficientCapacity); ok {
				s.requeue(requests[i:])
				return
			}

			s.finalize(ctx, req.JobId, types.JobStatusFailed, nil, err.Error())
		}
	}
}

func (s *Scheduler) requeue(requests []*types.JobRequest) {
	for _, req := range requests {
		if err := s.backlog.Requeue(req); err != nil {
			log.Error().Str("job_id", req.JobId).Err(err).Msg("failed to requeue job")
		}
	}
}

// selectMachine returns the schedulable machine with the most free cpu that
// can hold the request right now, reservations included.
func (s *Scheduler) selectMachine(ctx context.Context, req *types.JobRequest) (*types.Machine, error) {
	states, err := s.machineRepo.GetAllMachineStates()
	if err != nil {
		return nil, err
	}

	now := time.Now()

	// First fit wins; states come out of redis unordered, so sort by id to
	// keep the choice stable across passes
	sort.Slice(states, func(i, j int) bool {
		return states[i].MachineId < states[j].MachineId
	})

	for _, state := range states {
		if !state.Schedulable() {
			continue
		}

		if req.TargetMachineId != "" && state.MachineId != req.TargetMachineId {
			continue
		}

		if req.RequiresGPU() {
			if state.TotalGpuCount == 0 {
				continue
			}
			if req.GpuType != "" && state.GpuType != req.GpuType {
				continue
			}
		}

		available, err := s.registry.AvailableCapacity(ctx, state.MachineId, now)
		if err != nil {
			log.Warn().Str("machine_id", state.MachineId).Err(err).Msg("failed to compute available capacity")
			continue
		}

		if available.CpuCores < req.CpuCores || available.MemoryMb < req.MemoryMb {
			continue
		}

		if req.RequiresGPU() && available.GpuCount < req.GpuCount {
			continue
		}

		return s.backendRepo.GetMachineByExternalId(ctx, state.MachineId)
	}

	return nil, &types.ErrInsufficientCapacity{}
}

// dispatch holds the job's capacity on the machine, marks it scheduled, and
// hands it to a monitor goroutine.
func (s *Scheduler) dispatch(ctx context.Context, req *types.JobRequest, machine *types.Machine) error {
	if err := s.holdCapacity(req, machine.ExternalId); err != nil {
		return err
	}

	state, err := s.jobRepo.GetJobState(req.JobId)
	if err != nil {
		return err
	}

	state.MachineId = machine.ExternalId
	state.CapacityHeld = true
	if err := s.jobRepo.SetJobState(state); err != nil {
		return err
	}

	if err := s.jobRepo.UpdateJobStatus(req.JobId, types.JobStatusScheduled); err != nil {
		return err
	}

	if err := s.jobRepo.AddJobToMachineIndex(machine.ExternalId, req.JobId); err != nil {
		return err
	}

	now := time.Now()
	s.updateJobRecord(ctx, req.JobId, func(job *types.Job) {
		job.Status = types.JobStatusScheduled
		job.MachineId = &machine.Id
		job.ScheduledAt = &now
	})

	metrics.SchedulingLatency.Observe(time.Since(req.SubmittedAt).Seconds())

	log.Info().Str("job_id", req.JobId).Str("machine_id", machine.ExternalId).Str("machine_name", machine.Name).Msg("job scheduled")
	s.sendJobEvent(common.EventTypeJobScheduled, req.JobId, req.UserEmail, map[string]any{"machine_name": machine.Name})

	// The watcher inherits the dispatch loop's context so controller
	// shutdown stops it; the remote process itself keeps running
	go s.monitor(ctx, req, machine)

	return nil
}

// holdCapacity claims the job's declared resources on the machine. A version
// conflict means another writer touched the state in between; re-read and
// retry a few times before giving up on this pass.
func (s *Scheduler) holdCapacity(req *types.JobRequest, machineId string) error {
	var err error
	for attempt := 0; attempt < capacityUpdateRetries; attempt++ {
		var state *types.MachineState
		state, err = s.machineRepo.GetMachineState(machineId)
		if err != nil {
			return err
		}

		err = s.machineRepo.UpdateMachineCapacity(state, req, types.RemoveCapacity)
		if err == nil || !errors.Is(err, types.ErrInvalidResourceVersion) {
			return err
		}
	}

	return err
}

// monitor drives a dispatched job to a terminal status: it launches the
// remote process, then polls for its exit and for cancellation requests.
func (s *Scheduler) monitor(ctx context.Context, req *types.JobRequest, machine *types.Machine) {
	pid, err := s.runner.Launch(ctx, req, machine)
	if err != nil {
		metrics.DispatchFailures.Inc()
		log.Error().Str("job_id", req.JobId).Str("machine_id", machine.ExternalId).Err(err).Msg("job launch failed")
		s.finalize(ctx, req.JobId, types.JobStatusFailed, nil, fmt.Sprintf("launch failed: %v", err))
		return
	}

	if err := s.jobRepo.SetJobRemotePid(req.JobId, pid); err != nil {
		log.Error().Str("job_id", req.JobId).Err(err).Msg("failed to record remote pid")
	}

	if err := s.jobRepo.UpdateJobStatus(req.JobId, types.JobStatusRunning); err != nil {
		log.Error().Str("job_id", req.JobId).Err(err).Msg("failed to mark job running")
	}

	now := time.Now()
	s.updateJobRecord(ctx, req.JobId, func(job *types.Job) {
		job.Status = types.JobStatusRunning
		job.StartedAt = &now
	})

	log.Info().Str("job_id", req.JobId).Str("machine_id", machine.ExternalId).Int("pid", pid).Msg("job running")
	s.sendJobEvent(common.EventTypeJobRunning, req.JobId, req.UserEmail, map[string]any{"machine_name": machine.Name})

	ticker := time.NewTicker(s.config.ExitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := s.jobRepo.IsCancelRequested(req.JobId)
			if err == nil && cancelled {
				if err := s.runner.Kill(ctx, machine, pid); err != nil {
					log.Error().Str("job_id", req.JobId).Err(err).Msg("failed to kill remote process")
				}

				s.finalize(ctx, req.JobId, types.JobStatusCancelled, nil, "cancelled by user")
				return
			}

			exitCode, done, err := s.runner.PollExit(ctx, req.JobId, machine, pid)
			if err != nil {
				// Transient probe failures shouldn't fail the job; the
				// process keeps running on the machine
				log.Warn().Str("job_id", req.JobId).Err(err).Msg("exit poll failed")
				continue
			}

			if !done {
				continue
			}

			if err := s.jobRepo.SetJobExitCode(req.JobId, exitCode); err != nil {
				log.Error().Str("job_id", req.JobId).Err(err).Msg("failed to record exit code")
			}

			status := types.JobStatusCompleted
			errMsg := ""
			if exitCode != 0 {
				status = types.JobStatusFailed
				errMsg = fmt.Sprintf("process exited with code %d", exitCode)
			}

			s.finalize(ctx, req.JobId, status, &exitCode, errMsg)
			return
		}
	}
}

// finalize moves a job to a terminal status and releases everything it held.
// The capacity-held claim guarantees the machine's capacity is returned
// exactly once no matter how many paths race to finish the job.
func (s *Scheduler) finalize(ctx context.Context, jobId string, status types.JobStatus, exitCode *int, errMsg string) {
	state, claimed, err := s.jobRepo.ClaimCapacityRelease(jobId)
	if err != nil {
		log.Error().Str("job_id", jobId).Err(err).Msg("failed to claim capacity release")
		return
	}

	if claimed && state.MachineId != "" {
		s.releaseCapacity(state)

		if err := s.jobRepo.RemoveJobFromMachineIndex(state.MachineId, jobId); err != nil {
			log.Error().Str("job_id", jobId).Err(err).Msg("failed to remove job from machine index")
		}
	}

	if err := s.jobRepo.UpdateJobStatus(jobId, status); err != nil {
		// Another path already finalized this job
		if _, ok := err.(*types.ErrInvalidJobStatus); ok {
			return
		}
		log.Error().Str("job_id", jobId).Err(err).Msg("failed to update job status")
	}

	if err := s.jobRepo.RemoveJobFromUserIndex(state.UserId, jobId); err != nil {
		log.Error().Str("job_id", jobId).Err(err).Msg("failed to remove job from user index")
	}

	now := time.Now()
	s.updateJobRecord(ctx, jobId, func(job *types.Job) {
		job.Status = status
		job.FinishedAt = &now
		job.ExitCode = exitCode
		job.ErrorMessage = errMsg
	})

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	log.Info().Str("job_id", jobId).Str("status", string(status)).Msg("job finished")

	args := map[string]any{}
	if exitCode != nil {
		args["exit_code"] = *exitCode
	}
	if errMsg != "" {
		args["error"] = errMsg
	}

	userEmail := ""
	if user, err := s.backendRepo.GetUserByExternalId(ctx, state.UserId); err == nil {
		userEmail = user.Email
	}

	switch status {
	case types.JobStatusCompleted:
		s.sendJobEvent(common.EventTypeJobCompleted, jobId, userEmail, args)
	case types.JobStatusFailed:
		s.sendJobEvent(common.EventTypeJobFailed, jobId, userEmail, args)
	case types.JobStatusCancelled:
		s.sendJobEvent(common.EventTypeJobCancelled, jobId, userEmail, args)
	}
}

// releaseCapacity returns a job's held resources to its machine. Releases
// are retried through version conflicts since giving capacity back must not
// be lost.
func (s *Scheduler) releaseCapacity(jobState *types.JobState) {
	release := &types.JobRequest{
		CpuCores: jobState.CpuCores,
		MemoryMb: jobState.MemoryMb,
		GpuCount: jobState.GpuCount,
	}

	for attempt := 0; attempt < capacityUpdateRetries; attempt++ {
		state, err := s.machineRepo.GetMachineState(jobState.MachineId)
		if err != nil {
			// Machine state expired or machine deregistered; nothing to
			// return capacity to
			log.Warn().Str("machine_id", jobState.MachineId).Err(err).Msg("skipping capacity release")
			return
		}

		err = s.machineRepo.UpdateMachineCapacity(state, release, types.AddCapacity)
		if err == nil {
			return
		}

		if !errors.Is(err, types.ErrInvalidResourceVersion) {
			log.Error().Str("machine_id", jobState.MachineId).Err(err).Msg("failed to release capacity")
			return
		}
	}

	log.Error().Str("machine_id", jobState.MachineId).Msg("gave up releasing capacity after repeated version conflicts")
}

func (s *Scheduler) updateJobRecord(ctx context.Context, jobId string, mutate func(*types.Job)) {
	job, err := s.backendRepo.GetJob(ctx, jobId)
	if err != nil {
		log.Error().Str("job_id", jobId).Err(err).Msg("failed to load job record")
		return
	}

	if job.Status.IsTerminal() {
		return
	}

	mutate(job)

	if _, err := s.backendRepo.UpdateJob(ctx, jobId, *job); err != nil {
		log.Error().Str("job_id", jobId).Err(err).Msg("failed to update job record")
	}
}

func (s *Scheduler) sendJobEvent(eventType common.EventType, jobId, userEmail string, extra map[string]any) {
	args := map[string]any{
		"job_id":     jobId,
		"user_email": userEmail,
	}
	for k, v := range extra {
		args[k] = v
	}

	_, err := s.eventBus.Send(&common.Event{
		Type:          eventType,
		Args:          args,
		LockAndDelete: true,
		Retries:       3,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to send job event")
	}
}

package scheduler

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/calendar"
	"github.com/lmdm/labmonitor/pkg/registry"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

type fakeRunner struct {
	mu        sync.Mutex
	nextPid   int
	launched  []string
	killed    []int
	polls     int
	exitCodes map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{nextPid: 1000, exitCodes: map[string]int{}}
}

func (r *fakeRunner) Launch(ctx context.Context, req *types.JobRequest, machine *types.Machine) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextPid++
	r.launched = append(r.launched, req.JobId)
	return r.nextPid, nil
}

func (r *fakeRunner) PollExit(ctx context.Context, jobId string, machine *types.Machine, pid int) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.polls++
	if code, ok := r.exitCodes[jobId]; ok {
		return code, true, nil
	}
	return 0, false, nil
}

func (r *fakeRunner) Kill(ctx context.Context, machine *types.Machine, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.killed = append(r.killed, pid)
	return nil
}

func (r *fakeRunner) TailLogs(ctx context.Context, jobId string, machine *types.Machine, lines int) (string, error) {
	return "", nil
}

func (r *fakeRunner) setExitCode(jobId string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitCodes[jobId] = code
}

func (r *fakeRunner) launchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.launched)
}

func (r *fakeRunner) pollCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

type schedulerTestEnv struct {
	scheduler   *Scheduler
	backendRepo *repository.BackendMemoryRepository
	machineRepo repository.MachineRepository
	jobRepo     repository.JobRepository
	calendar    *calendar.ReservationCalendar
	runner      *fakeRunner
	user        types.User
	machine     *types.Machine
}

func newSchedulerForTest(t *testing.T) *schedulerTestEnv {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)

	backendRepo := repository.NewBackendMemoryRepositoryForTest()
	machineRepo := repository.NewMachineRedisRepositoryForTest(rdb)
	jobRepo := repository.NewJobRedisRepositoryForTest(rdb)

	cal := calendar.NewReservationCalendar(backendRepo, rdb, types.NotifierConfig{})
	reg := registry.NewMachineRegistry(backendRepo, machineRepo, cal)

	machine, err := reg.Register(context.Background(), &types.MachineSpec{
		Name:          "lab-01",
		Address:       "10.0.0.10",
		Username:      "lab",
		TotalCpu:      4,
		TotalMemoryMb: 16000,
	})
	assert.Nil(t, err)

	user, err := backendRepo.CreateUser(context.Background(), "Ada", "ada@lab.example.edu", 5)
	assert.Nil(t, err)

	runner := newFakeRunner()
	scheduler := NewScheduler(backendRepo, jobRepo, machineRepo, reg, rdb, runner, types.SchedulerConfig{
		TickInterval:     10 * time.Millisecond,
		ExitPollInterval: 10 * time.Millisecond,
		RemoteStateDir:   ".labmonitor",
		MaxJobsPerPass:   10,
	})

	return &schedulerTestEnv{
		scheduler:   scheduler,
		backendRepo: backendRepo,
		machineRepo: machineRepo,
		jobRepo:     jobRepo,
		calendar:    cal,
		runner:      runner,
		user:        user,
		machine:     machine,
	}
}

func (e *schedulerTestEnv) submit(t *testing.T, jobId string, cpu, memory int64, offset time.Duration) {
	_, err := e.scheduler.Submit(context.Background(), &types.JobRequest{
		JobId:       jobId,
		UserId:      e.user.ExternalId,
		Command:     "python3 train.py",
		CpuCores:    cpu,
		MemoryMb:    memory,
		SubmittedAt: time.Now().Add(offset),
	})
	assert.Nil(t, err)
}

func waitForJobStatus(t *testing.T, backendRepo repository.BackendRepository, jobId string, status types.JobStatus) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := backendRepo.GetJob(context.Background(), jobId)
		if err == nil && job.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobId, status)
}

func TestJobsDispatchInSubmissionOrder(t *testing.T) {
	e := newSchedulerForTest(t)

	// job-a takes the whole machine; job-b must wait even though it's tiny
	e.submit(t, "job-a", 4, 8000, 0)
	e.submit(t, "job-b", 1, 1000, time.Millisecond)

	e.scheduler.schedulePass(context.Background())

	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusRunning)

	jobB, err := e.backendRepo.GetJob(context.Background(), "job-b")
	assert.Nil(t, err)
	assert.Equal(t, types.JobStatusQueued, jobB.Status)
	assert.Equal(t, int64(1), e.scheduler.backlog.Len())

	state, err := e.machineRepo.GetMachineState(e.machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, int64(0), state.FreeCpu)
	assert.Equal(t, int64(8000), state.FreeMemoryMb)

	// Another pass changes nothing while job-a holds the machine
	e.scheduler.schedulePass(context.Background())
	assert.Equal(t, int64(1), e.scheduler.backlog.Len())

	// job-a finishes; its capacity comes back and job-b dispatches
	e.runner.setExitCode("job-a", 0)
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusCompleted)

	e.scheduler.schedulePass(context.Background())
	waitForJobStatus(t, e.backendRepo, "job-b", types.JobStatusRunning)

	jobA, err := e.backendRepo.GetJob(context.Background(), "job-a")
	assert.Nil(t, err)
	assert.NotNil(t, jobA.ExitCode)
	assert.Equal(t, 0, *jobA.ExitCode)
}

func TestOversizedJobStaysQueued(t *testing.T) {
	e := newSchedulerForTest(t)

	e.submit(t, "job-big", 8, 64000, 0)

	e.scheduler.schedulePass(context.Background())
	e.scheduler.schedulePass(context.Background())

	job, err := e.backendRepo.GetJob(context.Background(), "job-big")
	assert.Nil(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, int64(1), e.scheduler.backlog.Len())
	assert.Equal(t, 0, e.runner.launchCount())
}

func TestFailedJobRecordsExitCode(t *testing.T) {
	e := newSchedulerForTest(t)

	e.submit(t, "job-a", 1, 1000, 0)
	e.scheduler.schedulePass(context.Background())
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusRunning)

	e.runner.setExitCode("job-a", 2)
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusFailed)

	job, err := e.backendRepo.GetJob(context.Background(), "job-a")
	assert.Nil(t, err)
	assert.NotNil(t, job.ExitCode)
	assert.Equal(t, 2, *job.ExitCode)

	state, err := e.machineRepo.GetMachineState(e.machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, int64(4), state.FreeCpu)
}

func TestExclusiveReservationBlocksDispatch(t *testing.T) {
	e := newSchedulerForTest(t)

	_, err := e.calendar.Reserve(context.Background(), &types.ReservationRequest{
		MachineId: e.machine.ExternalId,
		UserId:    e.user.ExternalId,
		StartsAt:  time.Now().Add(-time.Hour),
		EndsAt:    time.Now().Add(time.Hour),
		Exclusive: true,
	})
	assert.Nil(t, err)

	e.submit(t, "job-a", 1, 1000, 0)
	e.scheduler.schedulePass(context.Background())

	job, err := e.backendRepo.GetJob(context.Background(), "job-a")
	assert.Nil(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.Equal(t, 0, e.runner.launchCount())
}

func TestUnreachableMachineExcluded(t *testing.T) {
	e := newSchedulerForTest(t)

	err := e.machineRepo.UpdateMachineStatus(e.machine.ExternalId, types.MachineStatusUnreachable)
	assert.Nil(t, err)

	e.submit(t, "job-a", 1, 1000, 0)
	e.scheduler.schedulePass(context.Background())

	job, err := e.backendRepo.GetJob(context.Background(), "job-a")
	assert.Nil(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
}

func TestCancelQueuedJob(t *testing.T) {
	e := newSchedulerForTest(t)

	e.submit(t, "job-a", 1, 1000, 0)

	err := e.scheduler.Cancel(context.Background(), "job-a")
	assert.Nil(t, err)

	e.scheduler.schedulePass(context.Background())
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusCancelled)

	// Never dispatched, so capacity was never touched
	state, err := e.machineRepo.GetMachineState(e.machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, int64(4), state.FreeCpu)
	assert.Equal(t, 0, e.runner.launchCount())
}

func TestCancelRunningJobReleasesCapacityOnce(t *testing.T) {
	e := newSchedulerForTest(t)

	e.submit(t, "job-a", 2, 4000, 0)
	e.scheduler.schedulePass(context.Background())
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusRunning)

	err := e.scheduler.Cancel(context.Background(), "job-a")
	assert.Nil(t, err)
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusCancelled)

	state, err := e.machineRepo.GetMachineState(e.machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, int64(4), state.FreeCpu)
	assert.Equal(t, int64(16000), state.FreeMemoryMb)

	// Cancelling a finished job is a no-op
	err = e.scheduler.Cancel(context.Background(), "job-a")
	assert.Nil(t, err)

	// A straggling finalize can't release capacity or flip the status again
	e.scheduler.finalize(context.Background(), "job-a", types.JobStatusFailed, nil, "stale")

	job, err := e.backendRepo.GetJob(context.Background(), "job-a")
	assert.Nil(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)

	state, err = e.machineRepo.GetMachineState(e.machine.ExternalId)
	assert.Nil(t, err)
	assert.Equal(t, int64(4), state.FreeCpu)
}

func TestSubmitEnforcesUserQuota(t *testing.T) {
	e := newSchedulerForTest(t)

	err := e.backendRepo.UpdateUserQuota(context.Background(), e.user.ExternalId, 1)
	assert.Nil(t, err)

	e.submit(t, "job-a", 1, 1000, 0)

	_, err = e.scheduler.Submit(context.Background(), &types.JobRequest{
		JobId:    "job-b",
		UserId:   e.user.ExternalId,
		Command:  "python3 train.py",
		CpuCores: 1,
		MemoryMb: 1000,
	})
	assert.Error(t, err)
	_, ok := err.(*types.ErrQuotaExceeded)
	assert.True(t, ok)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	e := newSchedulerForTest(t)

	_, err := e.scheduler.Submit(context.Background(), &types.JobRequest{
		UserId:   e.user.ExternalId,
		Command:  "",
		CpuCores: 1,
		MemoryMb: 1000,
	})
	assert.Error(t, err)

	_, err = e.scheduler.Submit(context.Background(), &types.JobRequest{
		UserId:   e.user.ExternalId,
		Command:  "echo 'unterminated",
		CpuCores: 1,
		MemoryMb: 1000,
	})
	assert.Error(t, err)

	_, err = e.scheduler.Submit(context.Background(), &types.JobRequest{
		UserId:   e.user.ExternalId,
		Command:  "echo ok",
		CpuCores: 0,
		MemoryMb: 1000,
	})
	assert.Error(t, err)
}

func TestSubmitGeneratesJobId(t *testing.T) {
	e := newSchedulerForTest(t)

	job, err := e.scheduler.Submit(context.Background(), &types.JobRequest{
		UserId:   e.user.ExternalId,
		Command:  "python3 train.py",
		CpuCores: 1,
		MemoryMb: 1000,
	})
	assert.Nil(t, err)

	// Generated ids are 12-byte hex object ids
	assert.Len(t, job.ExternalId, 24)
	_, err = hex.DecodeString(job.ExternalId)
	assert.Nil(t, err)
}

func TestDispatchUsesFirstFitOrder(t *testing.T) {
	e := newSchedulerForTest(t)

	// A second, much larger machine; placement follows the stable id order,
	// not the machine with the most free capacity
	second, err := e.scheduler.registry.Register(context.Background(), &types.MachineSpec{
		Name:          "lab-02",
		Address:       "10.0.0.11",
		Username:      "lab",
		TotalCpu:      16,
		TotalMemoryMb: 64000,
	})
	assert.Nil(t, err)

	expected := e.machine.ExternalId
	if second.ExternalId < expected {
		expected = second.ExternalId
	}

	e.submit(t, "job-a", 1, 1000, 0)
	e.scheduler.schedulePass(context.Background())
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusRunning)

	state, err := e.jobRepo.GetJobState("job-a")
	assert.Nil(t, err)
	assert.Equal(t, expected, state.MachineId)
}

func TestShutdownStopsJobWatchers(t *testing.T) {
	e := newSchedulerForTest(t)

	ctx, cancel := context.WithCancel(context.Background())

	e.submit(t, "job-a", 1, 1000, 0)
	e.scheduler.schedulePass(ctx)
	waitForJobStatus(t, e.backendRepo, "job-a", types.JobStatusRunning)

	// Cancelling the dispatch context stops the watcher even though the job
	// never finished
	cancel()
	time.Sleep(50 * time.Millisecond)

	polled := e.runner.pollCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, polled, e.runner.pollCount())
}

func TestSubmitRejectsDuplicateJobId(t *testing.T) {
	e := newSchedulerForTest(t)

	e.submit(t, "job-a", 1, 1000, 0)

	_, err := e.scheduler.Submit(context.Background(), &types.JobRequest{
		JobId:    "job-a",
		UserId:   e.user.ExternalId,
		Command:  "python3 train.py",
		CpuCores: 1,
		MemoryMb: 1000,
	})
	assert.Error(t, err)
	_, ok := err.(*types.ErrJobAlreadyQueued)
	assert.True(t, ok)
}

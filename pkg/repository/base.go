package repository

import (
	"context"
	"time"

	"github.com/lmdm/labmonitor/pkg/types"
)

type MachineRepository interface {
	AddMachineState(state *types.MachineState) error
	RemoveMachineState(machineId string) error
	GetMachineState(machineId string) (*types.MachineState, error)
	GetAllMachineStates() ([]*types.MachineState, error)
	UpdateMachineStatus(machineId string, status types.MachineStatus) error
	UpdateMachineCapacity(state *types.MachineState, request *types.JobRequest, ut types.CapacityUpdateType) error
	UpdateMachineTelemetry(machineId string, sample *types.TelemetrySample) error
	GetMachineTelemetry(machineId string) (*types.TelemetrySample, error)
	SetMachineKeepAlive(machineId string) error
	IncrementFailureCount(machineId string) (int, error)
	ResetFailureCount(machineId string) error
}

type JobRepository interface {
	SetJobState(state *types.JobState) error
	GetJobState(jobId string) (*types.JobState, error)
	DeleteJobState(jobId string) error
	UpdateJobStatus(jobId string, status types.JobStatus) error
	SetJobRemotePid(jobId string, pid int) error
	ClaimCapacityRelease(jobId string) (*types.JobState, bool, error)
	SetCancelRequested(jobId string) error
	IsCancelRequested(jobId string) (bool, error)
	SetJobExitCode(jobId string, exitCode int) error
	GetJobExitCode(jobId string) (int, error)
	AddJobToUserIndex(userId, jobId string) error
	RemoveJobFromUserIndex(userId, jobId string) error
	GetUserActiveJobCount(userId string) (int, error)
	AddJobToMachineIndex(machineId, jobId string) error
	RemoveJobFromMachineIndex(machineId, jobId string) error
	GetJobsOnMachine(machineId string) ([]string, error)
}

type BackendRepository interface {
	Ping() error

	CreateUser(ctx context.Context, name, email string, maxConcurrentJobs int) (types.User, error)
	GetUserByExternalId(ctx context.Context, externalId string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	ListUsers(ctx context.Context) ([]types.User, error)
	UpdateUserQuota(ctx context.Context, externalId string, maxConcurrentJobs int) error

	CreateMachine(ctx context.Context, spec *types.MachineSpec, specHash string) (types.Machine, error)
	GetMachineByExternalId(ctx context.Context, externalId string) (*types.Machine, error)
	GetMachineBySpecHash(ctx context.Context, specHash string) (*types.Machine, error)
	ListMachines(ctx context.Context) ([]types.Machine, error)
	DeleteMachine(ctx context.Context, externalId string) error

	CreateReservation(ctx context.Context, req *types.ReservationRequest, machineId, userId uint) (types.Reservation, error)
	GetReservation(ctx context.Context, externalId string) (*types.Reservation, error)
	ListReservationsForMachine(ctx context.Context, machineId uint, from, to time.Time) ([]types.Reservation, error)
	ListUpcomingReservations(ctx context.Context, within time.Duration) ([]types.ReservationWithRelated, error)
	CancelReservation(ctx context.Context, externalId string) error
	MarkReservationNotified(ctx context.Context, externalId string) error

	CreateJob(ctx context.Context, req *types.JobRequest, userId uint) (types.Job, error)
	GetJob(ctx context.Context, externalId string) (*types.Job, error)
	UpdateJob(ctx context.Context, externalId string, updated types.Job) (*types.Job, error)
	ListJobs(ctx context.Context, filters types.JobFilter) ([]types.JobWithRelated, error)

	InsertTelemetrySnapshot(ctx context.Context, machineId uint, sample *types.TelemetrySample) error
	ListTelemetrySnapshots(ctx context.Context, machineId uint, from, to time.Time) ([]types.TelemetrySnapshot, error)
}

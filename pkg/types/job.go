package types

import (
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

const (
	JobStateTtlS    int = 600
	JobExitCodeTtlS int = 300
)

// Job is the durable record of a submission.
type Job struct {
	Id           uint       `db:"id" json:"id"`
	ExternalId   string     `db:"external_id" json:"external_id"`
	UserId       uint       `db:"user_id" json:"user_id"`
	MachineId    *uint      `db:"machine_id" json:"machine_id,omitempty"`
	Command      string     `db:"command" json:"command"`
	WorkDir      string     `db:"work_dir" json:"work_dir"`
	CpuCores     int64      `db:"cpu_cores" json:"cpu_cores"`
	MemoryMb     int64      `db:"memory_mb" json:"memory_mb"`
	GpuCount     uint32     `db:"gpu_count" json:"gpu_count"`
	GpuType      string     `db:"gpu_type" json:"gpu_type"`
	Status       JobStatus  `db:"status" json:"status"`
	ExitCode     *int       `db:"exit_code" json:"exit_code,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message"`
	SubmittedAt  time.Time  `db:"submitted_at" json:"submitted_at"`
	ScheduledAt  *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// JobRequest is a submission as it travels through the backlog.
type JobRequest struct {
	JobId           string    `json:"job_id"`
	UserId          string    `json:"user_id"`
	UserEmail       string    `json:"user_email"`
	Command         string    `json:"command"`
	WorkDir         string    `json:"work_dir"`
	SourceAddress   string    `json:"source_address"`
	SourcePath      string    `json:"source_path"`
	CpuCores        int64     `json:"cpu_cores"`
	MemoryMb        int64     `json:"memory_mb"`
	GpuCount        uint32    `json:"gpu_count"`
	GpuType         string    `json:"gpu_type"`
	TargetMachineId string    `json:"target_machine_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

func (r *JobRequest) RequiresGPU() bool {
	return r.GpuCount > 0 || r.GpuType != ""
}

// JobState is the live dispatch view of a job, kept in redis.
type JobState struct {
	JobId        string    `redis:"job_id" json:"job_id"`
	UserId       string    `redis:"user_id" json:"user_id"`
	Status       JobStatus `redis:"status" json:"status"`
	MachineId    string    `redis:"machine_id" json:"machine_id"`
	CpuCores     int64     `redis:"cpu_cores" json:"cpu_cores"`
	MemoryMb     int64     `redis:"memory_mb" json:"memory_mb"`
	GpuCount     uint32    `redis:"gpu_count" json:"gpu_count"`
	RemotePid    int       `redis:"remote_pid" json:"remote_pid"`
	CapacityHeld bool      `redis:"capacity_held" json:"capacity_held"`
	ScheduledAt  int64     `redis:"scheduled_at" json:"scheduled_at"`
}

// JobWithRelated joins a job with its submitter and assigned machine for
// dashboard listings.
type JobWithRelated struct {
	Job
	UserName    string  `db:"user_name" json:"user_name"`
	UserEmail   string  `db:"user_email" json:"user_email"`
	MachineName *string `db:"machine_name" json:"machine_name,omitempty"`
}

type JobFilter struct {
	UserId    string      `query:"user_id"`
	MachineId string      `query:"machine_id"`
	Status    []JobStatus `query:"status"`
	Limit     uint32      `query:"limit"`
}

const jobNotFoundPrefix = "job not found: "

type ErrJobNotFound struct {
	JobId string
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("%s%s", jobNotFoundPrefix, e.JobId)
}

func (e *ErrJobNotFound) From(err error) bool {
	if err == nil {
		return false
	}

	if strings.HasPrefix(err.Error(), jobNotFoundPrefix) {
		e.JobId = strings.TrimPrefix(err.Error(), jobNotFoundPrefix)
		return true
	}

	return false
}

type ErrJobAlreadyQueued struct {
	JobId string
}

func (e *ErrJobAlreadyQueued) Error() string {
	return fmt.Sprintf("a job with this id is already queued or running: %s", e.JobId)
}

type ErrInvalidJobStatus struct {
	JobId  string
	Status JobStatus
}

func (e *ErrInvalidJobStatus) Error() string {
	return fmt.Sprintf("invalid status transition for job %s (current: %s)", e.JobId, e.Status)
}

type ErrQuotaExceeded struct {
	UserId string
	Limit  int
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("concurrent job quota reached for user %s (limit: %d)", e.UserId, e.Limit)
}

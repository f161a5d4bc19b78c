package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type MachineStatus string

const (
	MachineStatusAvailable   MachineStatus = "available"
	MachineStatusUnreachable MachineStatus = "unreachable"
	MachineStatusDisabled    MachineStatus = "disabled"
)

const MachineStateTtlS int = 300

// Machine is the durable registration record for a lab host.
type Machine struct {
	Id            uint       `db:"id" json:"id"`
	ExternalId    string     `db:"external_id" json:"external_id"`
	Name          string     `db:"name" json:"name"`
	Address       string     `db:"address" json:"address"`
	Username      string     `db:"username" json:"username"`
	TotalCpu      int64      `db:"total_cpu" json:"total_cpu"`
	TotalMemoryMb int64      `db:"total_memory_mb" json:"total_memory_mb"`
	GpuCount      uint32     `db:"gpu_count" json:"gpu_count"`
	GpuType       string     `db:"gpu_type" json:"gpu_type"`
	DiskGb        int64      `db:"disk_gb" json:"disk_gb"`
	Local         bool       `db:"local" json:"local"`
	SpecHash      string     `db:"spec_hash" json:"spec_hash"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	DeletedAt     *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// MachineState is the live scheduling view of a machine, kept in redis and
// rewritten as a whole on every telemetry update or capacity change.
type MachineState struct {
	MachineId           string        `redis:"machine_id" json:"machine_id"`
	Status              MachineStatus `redis:"status" json:"status"`
	TotalCpu            int64         `redis:"total_cpu" json:"total_cpu"`
	TotalMemoryMb       int64         `redis:"total_memory_mb" json:"total_memory_mb"`
	TotalGpuCount       uint32        `redis:"total_gpu_count" json:"total_gpu_count"`
	FreeCpu             int64         `redis:"free_cpu" json:"free_cpu"`
	FreeMemoryMb        int64         `redis:"free_memory_mb" json:"free_memory_mb"`
	FreeGpuCount        uint32        `redis:"free_gpu_count" json:"free_gpu_count"`
	GpuType             string        `redis:"gpu_type" json:"gpu_type"`
	CpuPercent          float64       `redis:"cpu_percent" json:"cpu_percent"`
	MemoryUsedMb        int64         `redis:"memory_used_mb" json:"memory_used_mb"`
	ConsecutiveFailures int           `redis:"consecutive_failures" json:"consecutive_failures"`
	LastSeenAt          int64         `redis:"last_seen_at" json:"last_seen_at"`
	ResourceVersion     int64         `redis:"resource_version" json:"resource_version"`
}

func (s *MachineState) Schedulable() bool {
	return s.Status == MachineStatusAvailable
}

// MachineSpec is what callers hand to the registry. SpecHash is derived from
// it so re-registering an identical machine is detectable.
type MachineSpec struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	Username      string `json:"username"`
	TotalCpu      int64  `json:"total_cpu"`
	TotalMemoryMb int64  `json:"total_memory_mb"`
	GpuCount      uint32 `json:"gpu_count"`
	GpuType       string `json:"gpu_type"`
	DiskGb        int64  `json:"disk_gb"`
	Local         bool   `json:"local"`
}

type GpuSample struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	MemoryUsedMb float64 `json:"memory_used_mb"`
	MemoryTotal  float64 `json:"memory_total_mb"`
	Utilization  float64 `json:"utilization"`
	Process      string  `json:"process"`
	User         string  `json:"user"`
}

type DiskSample struct {
	MountPoint      string `json:"mount_point"`
	TotalSize       string `json:"total_size"`
	Used            string `json:"used"`
	Available       string `json:"available"`
	UsagePercentage string `json:"usage_percentage"`
}

type SessionSample struct {
	User      string `json:"user"`
	TTY       string `json:"tty"`
	From      string `json:"from"`
	LoginTime string `json:"login_time"`
}

// TelemetrySample is one complete probe result for a machine. Sections that
// could not be collected are left zero-valued; a partially failed probe still
// produces a sample.
type TelemetrySample struct {
	MachineId     string          `json:"machine_id"`
	CpuPercent    float64         `json:"cpu_percent"`
	MemoryUsedMb  int64           `json:"memory_used_mb"`
	MemoryFreeMb  int64           `json:"memory_free_mb"`
	MemoryTotalMb int64           `json:"memory_total_mb"`
	Gpus          []GpuSample     `json:"gpus"`
	Disks         []DiskSample    `json:"disks"`
	Sessions      []SessionSample `json:"sessions"`
	SampledAt     time.Time       `json:"sampled_at"`
}

// Capacity is a claimable amount of machine resources.
type Capacity struct {
	CpuCores int64  `json:"cpu_cores"`
	MemoryMb int64  `json:"memory_mb"`
	GpuCount uint32 `json:"gpu_count"`
}

func FormatSpecHash(hash uint64) string {
	return fmt.Sprintf("%016x", hash)
}

// TelemetrySnapshot is a persisted hourly sample, kept for dashboards and
// trend queries long after the live state has expired.
type TelemetrySnapshot struct {
	Id           uint      `db:"id" json:"id"`
	MachineId    uint      `db:"machine_id" json:"machine_id"`
	CpuPercent   float64   `db:"cpu_percent" json:"cpu_percent"`
	MemoryUsedMb int64     `db:"memory_used_mb" json:"memory_used_mb"`
	MemoryFreeMb int64     `db:"memory_free_mb" json:"memory_free_mb"`
	GpuDetail    string    `db:"gpu_detail" json:"gpu_detail"`
	DiskDetail   string    `db:"disk_detail" json:"disk_detail"`
	SessionCount int       `db:"session_count" json:"session_count"`
	SampledAt    time.Time `db:"sampled_at" json:"sampled_at"`
}

const machineNotFoundPrefix = "machine not found: "

type ErrMachineNotFound struct {
	MachineId string
}

func (e *ErrMachineNotFound) Error() string {
	return fmt.Sprintf("%s%s", machineNotFoundPrefix, e.MachineId)
}

func (e *ErrMachineNotFound) From(err error) bool {
	if err == nil {
		return false
	}

	if strings.HasPrefix(err.Error(), machineNotFoundPrefix) {
		e.MachineId = strings.TrimPrefix(err.Error(), machineNotFoundPrefix)
		return true
	}

	return false
}

type ErrDuplicateMachine struct {
	Address string
}

func (e *ErrDuplicateMachine) Error() string {
	return fmt.Sprintf("machine already registered: %s", e.Address)
}

// ErrInvalidResourceVersion means another writer changed the machine state
// between read and update; the caller should re-read and retry.
var ErrInvalidResourceVersion = errors.New("invalid machine resource version")

// ErrInsufficientCapacity is transient: the job stays queued and is retried
// on the next scheduling pass.
type ErrInsufficientCapacity struct{}

func (e *ErrInsufficientCapacity) Error() string {
	return "no machine with sufficient capacity"
}

type ErrMachineUnreachable struct {
	MachineId string
}

func (e *ErrMachineUnreachable) Error() string {
	return fmt.Sprintf("machine unreachable: %s", e.MachineId)
}

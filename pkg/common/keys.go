package common

import (
	"fmt"
)

var (
	schedulerJobBacklog string = "scheduler:job_backlog"
	schedulerJobState   string = "scheduler:job:state:%s"
	schedulerJobLock    string = "scheduler:job:lock:%s"
	schedulerJobCancel  string = "scheduler:job:cancel:%s"
	schedulerJobExit    string = "scheduler:job:exit_code:%s"
	schedulerUserJobs   string = "scheduler:user:%s:job_index"
	schedulerLeaderLock string = "scheduler:leader:lock"
)

var (
	machineIndex          string = "machine:machine_index"
	machineState          string = "machine:state:%s"
	machineLock           string = "machine:lock:%s"
	machineTelemetry      string = "machine:telemetry:%s"
	machineJobIndex       string = "machine:%s:job_index"
	machineFailureCounter string = "machine:failures:%s"
)

var (
	reservationReminderSent string = "reservation:reminder_sent:%s"
	reservationLock         string = "reservation:lock:%s"
)

var (
	gatewayInitLock string = "gateway:init:%s:lock"
)

var RedisKeys = &redisKeys{}

type redisKeys struct{}

// Scheduler keys
func (rk *redisKeys) SchedulerJobBacklog() string {
	return schedulerJobBacklog
}

func (rk *redisKeys) SchedulerJobState(jobId string) string {
	return fmt.Sprintf(schedulerJobState, jobId)
}

func (rk *redisKeys) SchedulerJobLock(jobId string) string {
	return fmt.Sprintf(schedulerJobLock, jobId)
}

func (rk *redisKeys) SchedulerJobCancel(jobId string) string {
	return fmt.Sprintf(schedulerJobCancel, jobId)
}

func (rk *redisKeys) SchedulerJobExitCode(jobId string) string {
	return fmt.Sprintf(schedulerJobExit, jobId)
}

func (rk *redisKeys) SchedulerUserJobIndex(userId string) string {
	return fmt.Sprintf(schedulerUserJobs, userId)
}

func (rk *redisKeys) SchedulerLeaderLock() string {
	return schedulerLeaderLock
}

// Machine keys
func (rk *redisKeys) MachineIndex() string {
	return machineIndex
}

func (rk *redisKeys) MachineState(machineId string) string {
	return fmt.Sprintf(machineState, machineId)
}

func (rk *redisKeys) MachineLock(machineId string) string {
	return fmt.Sprintf(machineLock, machineId)
}

func (rk *redisKeys) MachineTelemetry(machineId string) string {
	return fmt.Sprintf(machineTelemetry, machineId)
}

func (rk *redisKeys) MachineJobIndex(machineId string) string {
	return fmt.Sprintf(machineJobIndex, machineId)
}

func (rk *redisKeys) MachineFailureCounter(machineId string) string {
	return fmt.Sprintf(machineFailureCounter, machineId)
}

// Reservation keys
func (rk *redisKeys) ReservationReminderSent(reservationId string) string {
	return fmt.Sprintf(reservationReminderSent, reservationId)
}

// ReservationLock serializes reservation writes per machine.
func (rk *redisKeys) ReservationLock(machineId string) string {
	return fmt.Sprintf(reservationLock, machineId)
}

// Gateway keys
func (rk *redisKeys) GatewayInitLock(name string) string {
	return fmt.Sprintf(gatewayInitLock, name)
}

package common

import (
	"testing"

	"github.com/tj/assert"
)

func TestRedisKeyFormats(t *testing.T) {
	assert.Equal(t, "scheduler:job:state:job-1", RedisKeys.SchedulerJobState("job-1"))
	assert.Equal(t, "scheduler:user:user-1:job_index", RedisKeys.SchedulerUserJobIndex("user-1"))
	assert.Equal(t, "machine:state:m-1", RedisKeys.MachineState("m-1"))
	assert.Equal(t, "machine:failures:m-1", RedisKeys.MachineFailureCounter("m-1"))
	assert.Equal(t, "reservation:lock:m-1", RedisKeys.ReservationLock("m-1"))
	assert.Equal(t, "gateway:init:postgres:lock", RedisKeys.GatewayInitLock("postgres"))
}

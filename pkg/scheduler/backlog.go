package scheduler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/types"
)

// JobBacklog is the FIFO queue of pending submissions, backed by a redis
// sorted set scored on submission time.
type JobBacklog struct {
	rdb *common.RedisClient
}

func NewJobBacklog(rdb *common.RedisClient) *JobBacklog {
	return &JobBacklog{rdb: rdb}
}

// Redis sorted set, no mutex needed
func (b *JobBacklog) Push(request *types.JobRequest) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return err
	}

	timestamp := float64(request.SubmittedAt.UnixNano())
	return b.rdb.ZAdd(context.TODO(), common.RedisKeys.SchedulerJobBacklog(), redis.Z{Score: timestamp, Member: jsonData}).Err()
}

// Requeue puts a request back with its original submission score, so a job
// that didn't fit this pass keeps its place in line.
func (b *JobBacklog) Requeue(request *types.JobRequest) error {
	return b.Push(request)
}

func (b *JobBacklog) Pop() (*types.JobRequest, error) {
	result, err := b.rdb.ZPopMin(context.TODO(), common.RedisKeys.SchedulerJobBacklog(), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, errors.New("backlog empty")
	}

	var req types.JobRequest
	if err := json.Unmarshal([]byte(result[0].Member.(string)), &req); err != nil {
		return nil, err
	}

	return &req, nil
}

// PopBatch pops up to count requests from the backlog atomically, oldest
// first.
func (b *JobBacklog) PopBatch(count int64) ([]*types.JobRequest, error) {
	result, err := b.rdb.ZPopMin(context.TODO(), common.RedisKeys.SchedulerJobBacklog(), count).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	requests := make([]*types.JobRequest, 0, len(result))
	for _, z := range result {
		var req types.JobRequest
		if err := json.Unmarshal([]byte(z.Member.(string)), &req); err != nil {
			return nil, err
		}
		requests = append(requests, &req)
	}
	return requests, nil
}

func (b *JobBacklog) Len() int64 {
	return b.rdb.ZCard(context.TODO(), common.RedisKeys.SchedulerJobBacklog()).Val()
}

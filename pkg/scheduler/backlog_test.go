package scheduler

import (
	"testing"
	"time"

	"github.com/tj/assert"

	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

func newBacklogForTest(t *testing.T) *JobBacklog {
	rdb, err := repository.NewRedisClientForTest()
	assert.Nil(t, err)
	return NewJobBacklog(rdb)
}

func TestBacklogPopsOldestFirst(t *testing.T) {
	backlog := newBacklogForTest(t)

	base := time.Now()

	// Pushed out of order on purpose
	assert.Nil(t, backlog.Push(&types.JobRequest{JobId: "job-2", SubmittedAt: base.Add(time.Second)}))
	assert.Nil(t, backlog.Push(&types.JobRequest{JobId: "job-1", SubmittedAt: base}))
	assert.Nil(t, backlog.Push(&types.JobRequest{JobId: "job-3", SubmittedAt: base.Add(2 * time.Second)}))

	assert.Equal(t, int64(3), backlog.Len())

	for _, expected := range []string{"job-1", "job-2", "job-3"} {
		req, err := backlog.Pop()
		assert.Nil(t, err)
		assert.Equal(t, expected, req.JobId)
	}

	_, err := backlog.Pop()
	assert.Error(t, err)
}

func TestBacklogRequeueKeepsPosition(t *testing.T) {
	backlog := newBacklogForTest(t)

	base := time.Now()
	assert.Nil(t, backlog.Push(&types.JobRequest{JobId: "job-1", SubmittedAt: base}))
	assert.Nil(t, backlog.Push(&types.JobRequest{JobId: "job-2", SubmittedAt: base.Add(time.Second)}))

	// Pop the head, then put it back; it must still come out first
	head, err := backlog.Pop()
	assert.Nil(t, err)
	assert.Equal(t, "job-1", head.JobId)

	assert.Nil(t, backlog.Requeue(head))

	req, err := backlog.Pop()
	assert.Nil(t, err)
	assert.Equal(t, "job-1", req.JobId)
}

func TestBacklogPopBatch(t *testing.T) {
	backlog := newBacklogForTest(t)

	base := time.Now()
	for i, jobId := range []string{"job-1", "job-2", "job-3"} {
		assert.Nil(t, backlog.Push(&types.JobRequest{JobId: jobId, SubmittedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	requests, err := backlog.PopBatch(2)
	assert.Nil(t, err)
	assert.Len(t, requests, 2)
	assert.Equal(t, "job-1", requests[0].JobId)
	assert.Equal(t, "job-2", requests[1].JobId)
	assert.Equal(t, int64(1), backlog.Len())

	requests, err = backlog.PopBatch(5)
	assert.Nil(t, err)
	assert.Len(t, requests, 1)

	requests, err = backlog.PopBatch(5)
	assert.Nil(t, err)
	assert.Nil(t, requests)
}

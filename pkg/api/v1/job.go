package apiv1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/scheduler"
	"github.com/lmdm/labmonitor/pkg/types"
)

type JobGroup struct {
	scheduler   *scheduler.Scheduler
	backendRepo repository.BackendRepository
	jobRepo     repository.JobRepository
	routerGroup *echo.Group
}

func NewJobGroup(g *echo.Group, s *scheduler.Scheduler, backendRepo repository.BackendRepository, jobRepo repository.JobRepository) *JobGroup {
	group := &JobGroup{
		routerGroup: g,
		scheduler:   s,
		backendRepo: backendRepo,
		jobRepo:     jobRepo,
	}

	g.POST("", group.SubmitJob)
	g.GET("", group.ListJobs)
	g.GET("/:jobId", group.GetJob)
	g.POST("/:jobId/cancel", group.CancelJob)
	g.GET("/:jobId/logs", group.GetJobLogs)

	return group
}

func (g *JobGroup) SubmitJob(ctx echo.Context) error {
	var request types.JobRequest
	if err := ctx.Bind(&request); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	if request.UserId == "" {
		return HTTPBadRequest("A user id is required")
	}

	job, err := g.scheduler.Submit(ctx.Request().Context(), &request)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusCreated, job)
}

func (g *JobGroup) ListJobs(ctx echo.Context) error {
	var filters types.JobFilter
	if err := ctx.Bind(&filters); err != nil {
		return HTTPBadRequest("Invalid filters")
	}

	jobs, err := g.backendRepo.ListJobs(ctx.Request().Context(), filters)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, jobs)
}

// GetJob returns the durable record plus the live dispatch state while the
// job is in flight.
func (g *JobGroup) GetJob(ctx echo.Context) error {
	jobId := ctx.Param("jobId")

	job, err := g.backendRepo.GetJob(ctx.Request().Context(), jobId)
	if err != nil {
		return HTTPFromError(err)
	}

	response := map[string]any{"job": job}
	if state, err := g.jobRepo.GetJobState(jobId); err == nil {
		response["state"] = state
	}

	return ctx.JSON(http.StatusOK, response)
}

// GetJobLogs tails the job's stdout and stderr from the machine it ran on.
func (g *JobGroup) GetJobLogs(ctx echo.Context) error {
	lines := 100
	if raw := ctx.QueryParam("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return HTTPBadRequest("Invalid lines parameter")
		}
		lines = parsed
	}

	logs, err := g.scheduler.JobLogs(ctx.Request().Context(), ctx.Param("jobId"), lines)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.String(http.StatusOK, logs)
}

func (g *JobGroup) CancelJob(ctx echo.Context) error {
	if err := g.scheduler.Cancel(ctx.Request().Context(), ctx.Param("jobId")); err != nil {
		return HTTPFromError(err)
	}

	return ctx.NoContent(http.StatusAccepted)
}

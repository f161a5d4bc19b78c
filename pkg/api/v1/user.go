package apiv1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lmdm/labmonitor/pkg/repository"
)

type CreateUserRequest struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
}

type UpdateUserQuotaRequest struct {
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
}

type UserGroup struct {
	backendRepo repository.BackendRepository
	routerGroup *echo.Group
}

func NewUserGroup(g *echo.Group, backendRepo repository.BackendRepository) *UserGroup {
	group := &UserGroup{routerGroup: g, backendRepo: backendRepo}

	g.POST("", group.CreateUser)
	g.GET("", group.ListUsers)
	g.GET("/:userId", group.GetUser)
	g.PATCH("/:userId/quota", group.UpdateUserQuota)

	return group
}

func (g *UserGroup) CreateUser(ctx echo.Context) error {
	var request CreateUserRequest
	if err := ctx.Bind(&request); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	if request.Name == "" || !strings.Contains(request.Email, "@") {
		return HTTPBadRequest("A name and valid email are required")
	}

	if request.MaxConcurrentJobs < 0 {
		return HTTPBadRequest("Job quota cannot be negative")
	}

	if _, err := g.backendRepo.GetUserByEmail(ctx.Request().Context(), request.Email); err == nil {
		return HTTPConflict("A user with this email already exists")
	}

	user, err := g.backendRepo.CreateUser(ctx.Request().Context(), request.Name, request.Email, request.MaxConcurrentJobs)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusCreated, user)
}

func (g *UserGroup) ListUsers(ctx echo.Context) error {
	users, err := g.backendRepo.ListUsers(ctx.Request().Context())
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, users)
}

func (g *UserGroup) GetUser(ctx echo.Context) error {
	user, err := g.backendRepo.GetUserByExternalId(ctx.Request().Context(), ctx.Param("userId"))
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, user)
}

func (g *UserGroup) UpdateUserQuota(ctx echo.Context) error {
	var request UpdateUserQuotaRequest
	if err := ctx.Bind(&request); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	if request.MaxConcurrentJobs < 0 {
		return HTTPBadRequest("Job quota cannot be negative")
	}

	if err := g.backendRepo.UpdateUserQuota(ctx.Request().Context(), ctx.Param("userId"), request.MaxConcurrentJobs); err != nil {
		return HTTPFromError(err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

package apiv1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lmdm/labmonitor/pkg/registry"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

// MachineWithState is the dashboard view of a machine: the durable record
// merged with whatever live state exists. State is nil when the machine
// hasn't been probed recently.
type MachineWithState struct {
	types.Machine
	State *types.MachineState `json:"state,omitempty"`
}

type UpdateMachineStatusRequest struct {
	Status types.MachineStatus `json:"status"`
}

type MachineGroup struct {
	registry    *registry.MachineRegistry
	machineRepo repository.MachineRepository
	routerGroup *echo.Group
}

func NewMachineGroup(g *echo.Group, reg *registry.MachineRegistry, machineRepo repository.MachineRepository) *MachineGroup {
	group := &MachineGroup{
		routerGroup: g,
		registry:    reg,
		machineRepo: machineRepo,
	}

	g.POST("", group.RegisterMachine)
	g.GET("", group.ListMachines)
	g.GET("/:machineId", group.GetMachine)
	g.DELETE("/:machineId", group.DeregisterMachine)
	g.PATCH("/:machineId/status", group.UpdateMachineStatus)
	g.GET("/:machineId/telemetry", group.GetMachineTelemetry)
	g.GET("/:machineId/capacity", group.GetAvailableCapacity)

	return group
}

func (g *MachineGroup) RegisterMachine(ctx echo.Context) error {
	var spec types.MachineSpec
	if err := ctx.Bind(&spec); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	if spec.Name == "" || (!spec.Local && spec.Address == "") {
		return HTTPBadRequest("Machine name and address are required")
	}

	if spec.TotalCpu <= 0 || spec.TotalMemoryMb <= 0 {
		return HTTPBadRequest("Machine must declare cpu and memory totals")
	}

	machine, err := g.registry.Register(ctx.Request().Context(), &spec)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, machine)
}

func (g *MachineGroup) ListMachines(ctx echo.Context) error {
	machines, err := g.registry.List(ctx.Request().Context())
	if err != nil {
		return HTTPFromError(err)
	}

	result := make([]MachineWithState, 0, len(machines))
	for _, machine := range machines {
		entry := MachineWithState{Machine: machine}
		if state, err := g.machineRepo.GetMachineState(machine.ExternalId); err == nil {
			entry.State = state
		}
		result = append(result, entry)
	}

	return ctx.JSON(http.StatusOK, result)
}

func (g *MachineGroup) GetMachine(ctx echo.Context) error {
	machine, err := g.registry.Get(ctx.Request().Context(), ctx.Param("machineId"))
	if err != nil {
		return HTTPFromError(err)
	}

	entry := MachineWithState{Machine: *machine}
	if state, err := g.machineRepo.GetMachineState(machine.ExternalId); err == nil {
		entry.State = state
	}

	return ctx.JSON(http.StatusOK, entry)
}

func (g *MachineGroup) DeregisterMachine(ctx echo.Context) error {
	if err := g.registry.Deregister(ctx.Request().Context(), ctx.Param("machineId")); err != nil {
		return HTTPFromError(err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

// UpdateMachineStatus lets an operator take a machine out of rotation or
// bring it back without deregistering it.
func (g *MachineGroup) UpdateMachineStatus(ctx echo.Context) error {
	var request UpdateMachineStatusRequest
	if err := ctx.Bind(&request); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	switch request.Status {
	case types.MachineStatusAvailable, types.MachineStatusDisabled:
	default:
		return HTTPBadRequest("Status must be available or disabled")
	}

	if err := g.machineRepo.UpdateMachineStatus(ctx.Param("machineId"), request.Status); err != nil {
		return HTTPFromError(err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

func (g *MachineGroup) GetMachineTelemetry(ctx echo.Context) error {
	sample, err := g.machineRepo.GetMachineTelemetry(ctx.Param("machineId"))
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, sample)
}

// GetAvailableCapacity reports what a job could claim on the machine at a
// point in time, reservations included. Defaults to now.
func (g *MachineGroup) GetAvailableCapacity(ctx echo.Context) error {
	at := time.Now()
	if raw := ctx.QueryParam("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return HTTPBadRequest("Invalid at timestamp, expected RFC3339")
		}
		at = parsed
	}

	capacity, err := g.registry.AvailableCapacity(ctx.Request().Context(), ctx.Param("machineId"), at)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, capacity)
}

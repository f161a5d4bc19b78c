package apiv1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/repository"
)

const telemetryStreamInterval = 2 * time.Second

type TelemetryGroup struct {
	backendRepo repository.BackendRepository
	machineRepo repository.MachineRepository
	upgrader    websocket.Upgrader
	routerGroup *echo.Group
}

func NewTelemetryGroup(g *echo.Group, backendRepo repository.BackendRepository, machineRepo repository.MachineRepository) *TelemetryGroup {
	group := &TelemetryGroup{
		routerGroup: g,
		backendRepo: backendRepo,
		machineRepo: machineRepo,
		upgrader: websocket.Upgrader{
			// The dashboard is served from a different origin than the API
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	g.GET("/history/:machineId", group.GetTelemetryHistory)
	g.GET("/stream", group.StreamMachineStates)

	return group
}

// GetTelemetryHistory returns the persisted snapshots for a machine in a
// window, defaulting to the last 24 hours.
func (g *TelemetryGroup) GetTelemetryHistory(ctx echo.Context) error {
	machine, err := g.backendRepo.GetMachineByExternalId(ctx.Request().Context(), ctx.Param("machineId"))
	if err != nil {
		return HTTPFromError(err)
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if raw := ctx.QueryParam("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return HTTPBadRequest("Invalid from timestamp, expected RFC3339")
		}
		from = parsed
	}

	if raw := ctx.QueryParam("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return HTTPBadRequest("Invalid to timestamp, expected RFC3339")
		}
		to = parsed
	}

	snapshots, err := g.backendRepo.ListTelemetrySnapshots(ctx.Request().Context(), machine.Id, from, to)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, snapshots)
}

// StreamMachineStates pushes the live state of every machine over a
// websocket until the client disconnects.
func (g *TelemetryGroup) StreamMachineStates(ctx echo.Context) error {
	ws, err := g.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ticker := time.NewTicker(telemetryStreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Request().Context().Done():
			return nil
		case <-ticker.C:
			states, err := g.machineRepo.GetAllMachineStates()
			if err != nil {
				log.Error().Err(err).Msg("failed to read machine states for stream")
				continue
			}

			if err := ws.WriteJSON(states); err != nil {
				// Client went away
				return nil
			}
		}
	}
}

package apiv1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lmdm/labmonitor/pkg/calendar"
	"github.com/lmdm/labmonitor/pkg/types"
)

type ReservationGroup struct {
	calendar    *calendar.ReservationCalendar
	routerGroup *echo.Group
}

func NewReservationGroup(g *echo.Group, cal *calendar.ReservationCalendar) *ReservationGroup {
	group := &ReservationGroup{routerGroup: g, calendar: cal}

	g.POST("", group.CreateReservation)
	g.GET("", group.ListReservations)
	g.GET("/:reservationId", group.GetReservation)
	g.DELETE("/:reservationId", group.CancelReservation)

	return group
}

func (g *ReservationGroup) CreateReservation(ctx echo.Context) error {
	var request types.ReservationRequest
	if err := ctx.Bind(&request); err != nil {
		return HTTPBadRequest("Invalid payload")
	}

	if request.MachineId == "" || request.UserId == "" {
		return HTTPBadRequest("A machine id and user id are required")
	}

	reservation, err := g.calendar.Reserve(ctx.Request().Context(), &request)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusCreated, reservation)
}

// ListReservations returns a machine's reservations intersecting a window.
// The window defaults to the next 7 days.
func (g *ReservationGroup) ListReservations(ctx echo.Context) error {
	machineId := ctx.QueryParam("machine_id")
	if machineId == "" {
		return HTTPBadRequest("A machine_id query parameter is required")
	}

	from := time.Now()
	to := from.Add(7 * 24 * time.Hour)

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

	reservations, err := g.calendar.ListForMachine(ctx.Request().Context(), machineId, from, to)
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, reservations)
}

func (g *ReservationGroup) GetReservation(ctx echo.Context) error {
	reservation, err := g.calendar.Get(ctx.Request().Context(), ctx.Param("reservationId"))
	if err != nil {
		return HTTPFromError(err)
	}

	return ctx.JSON(http.StatusOK, reservation)
}

func (g *ReservationGroup) CancelReservation(ctx echo.Context) error {
	if err := g.calendar.Cancel(ctx.Request().Context(), ctx.Param("reservationId")); err != nil {
		return HTTPFromError(err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

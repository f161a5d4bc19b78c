package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lmdm/labmonitor/pkg/types"
)

const (
	HttpServerBaseRoute string = "/api/v1"
)

func HTTPBadRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func HTTPUnauthorized(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusUnauthorized, msg)
}

func HTTPNotFound(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, msg)
}

func HTTPConflict(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusConflict, msg)
}

func HTTPInternalServerError(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}

// HTTPFromError maps domain errors onto status codes so handlers don't
// repeat the same type switches.
func HTTPFromError(err error) *echo.HTTPError {
	switch err.(type) {
	case *types.ErrMachineNotFound, *types.ErrJobNotFound, *types.ErrUserNotFound, *types.ErrReservationNotFound:
		return HTTPNotFound(err.Error())
	case *types.ErrDuplicateMachine, *types.ErrReservationConflict, *types.ErrJobAlreadyQueued:
		return HTTPConflict(err.Error())
	case *types.ErrQuotaExceeded:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case *types.ErrInvalidReservationWindow, *types.ErrInvalidJobStatus:
		return HTTPBadRequest(err.Error())
	}

	notFound := &types.ErrMachineNotFound{}
	if notFound.From(err) {
		return HTTPNotFound(err.Error())
	}

	jobNotFound := &types.ErrJobNotFound{}
	if jobNotFound.From(err) {
		return HTTPNotFound(err.Error())
	}

	return HTTPInternalServerError(err.Error())
}

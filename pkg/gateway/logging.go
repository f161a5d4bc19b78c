package gateway

import (
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Health probes would dominate the request log, so both logger variants
// skip them.
func skipHealthRoute(c echo.Context) bool {
	return c.Request().URL.Path == "/api/v1/health"
}

func configureEchoLogger(e *echo.Echo, prettyLogs bool) {
	if prettyLogs {
		logger := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02T15:04:05",
		}).With().Timestamp().Logger()

		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:  true,
			LogURIPath: true,
			LogError:   true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				if v.Error != nil {
					logger.Err(v.Error).
						Str("method", c.Request().Method).
						Str("URI", v.URIPath).
						Int("status", v.Status).
						Msg("")
				} else {
					logger.Info().
						Str("method", c.Request().Method).
						Str("URI", v.URIPath).
						Int("status", v.Status).
						Msg("")
				}
				return nil
			},
			Skipper: skipHealthRoute,
		}))
	} else {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Skipper: skipHealthRoute,
		}))
	}
}

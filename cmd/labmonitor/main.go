package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/gateway"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	gw, err := gateway.NewGateway()
	if err != nil {
		log.Error().Err(err).Msg("error creating gateway service")
		os.Exit(1)
	}

	if gw.Config.DebugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	gw.Start()
	log.Info().Msg("gateway stopped")
}

package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	apiv1 "github.com/lmdm/labmonitor/pkg/api/v1"
	"github.com/lmdm/labmonitor/pkg/calendar"
	"github.com/lmdm/labmonitor/pkg/clients"
	"github.com/lmdm/labmonitor/pkg/collector"
	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/metrics"
	"github.com/lmdm/labmonitor/pkg/notifier"
	"github.com/lmdm/labmonitor/pkg/registry"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/scheduler"
	"github.com/lmdm/labmonitor/pkg/types"
)

const machineGaugeInterval = 15 * time.Second

type Gateway struct {
	Config         types.AppConfig
	httpServer     *http.Server
	RedisClient    *common.RedisClient
	BackendRepo    repository.BackendRepository
	MachineRepo    repository.MachineRepository
	JobRepo        repository.JobRepository
	Registry       *registry.MachineRegistry
	Calendar       *calendar.ReservationCalendar
	Collector      *collector.Collector
	Scheduler      *scheduler.Scheduler
	Notifier       *notifier.Notifier
	ctx            context.Context
	cancelFunc     context.CancelFunc
	baseRouteGroup *echo.Group
}

func NewGateway() (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		return nil, err
	}
	config := configManager.GetConfig()

	redisClient, err := common.NewRedisClient(config.Database.Redis, common.WithClientName("LabMonitorGateway"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	gateway := &Gateway{
		Config:      config,
		RedisClient: redisClient,
		ctx:         ctx,
		cancelFunc:  cancel,
	}

	// Migrations run inside the repository constructor, so replicas take a
	// lock before connecting to avoid racing them.
	release, err := gateway.initLock("postgres")
	if err != nil {
		return nil, err
	}
	backendRepo, err := repository.NewBackendPostgresRepository(config.Database.Postgres)
	release()
	if err != nil {
		return nil, err
	}

	machineRepo := repository.NewMachineRedisRepository(redisClient)
	jobRepo := repository.NewJobRedisRepository(redisClient)

	reservationCalendar := calendar.NewReservationCalendar(backendRepo, redisClient, config.Notifier)
	machineRegistry := registry.NewMachineRegistry(backendRepo, machineRepo, reservationCalendar)

	runnerFactory := clients.NewSSHRunnerFactory(config.Collector.SSH)
	resourceCollector := collector.NewCollector(backendRepo, machineRepo, redisClient, collector.NewSSHProber(runnerFactory), config.Collector)
	jobScheduler := scheduler.NewScheduler(backendRepo, jobRepo, machineRepo, machineRegistry, redisClient, scheduler.NewSSHJobRunner(runnerFactory, config.Scheduler), config.Scheduler)

	if config.Notifier.Enabled {
		mailer, err := notifier.NewSMTPMailer(config.Notifier.SMTP)
		if err != nil {
			return nil, err
		}
		gateway.Notifier = notifier.NewNotifier(redisClient, mailer, config.Notifier)
	}

	gateway.BackendRepo = backendRepo
	gateway.MachineRepo = machineRepo
	gateway.JobRepo = jobRepo
	gateway.Registry = machineRegistry
	gateway.Calendar = reservationCalendar
	gateway.Collector = resourceCollector
	gateway.Scheduler = jobScheduler

	return gateway, nil
}

func (g *Gateway) initLock(name string) (func(), error) {
	lockKey := common.RedisKeys.GatewayInitLock(name)
	lock := common.NewRedisLock(g.RedisClient)

	if err := lock.Acquire(g.ctx, lockKey, common.RedisLockOptions{TtlS: 10, Retries: 1}); err != nil {
		return nil, err
	}

	return func() {
		if err := lock.Release(lockKey); err != nil {
			log.Error().Str("lock_key", lockKey).Err(err).Msg("failed to release init lock")
		}
	}, nil
}

// authMiddleware enforces the static API token when one is configured. The
// health and metrics routes stay open for probes and scrapers.
func (g *Gateway) authMiddleware() echo.MiddlewareFunc {
	token := g.Config.Api.AuthToken
	if token == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
	})
}

func (g *Gateway) initHttp() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if g.Config.DebugMode {
		pprof.Register(e)
	}

	e.Pre(middleware.RemoveTrailingSlash())

	configureEchoLogger(e, g.Config.Api.EnablePrettyLogs)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: g.Config.Api.CORS.AllowedOrigins,
		AllowHeaders: g.Config.Api.CORS.AllowedHeaders,
		AllowMethods: g.Config.Api.CORS.AllowedMethods,
	}))
	e.Use(middleware.Recover())

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem: "http",
		Namespace: "labmonitor",
		Skipper:   skipHealthRoute,
	}))
	e.GET("/metrics", echoprometheus.NewHandler())

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%v", g.Config.Api.Port),
		Handler: e,
	}

	authMiddleware := g.authMiddleware()
	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute)

	apiv1.NewHealthGroup(g.baseRouteGroup.Group("/health"), g.RedisClient, g.BackendRepo)
	apiv1.NewMachineGroup(g.baseRouteGroup.Group("/machine", authMiddleware), g.Registry, g.MachineRepo)
	apiv1.NewJobGroup(g.baseRouteGroup.Group("/job", authMiddleware), g.Scheduler, g.BackendRepo, g.JobRepo)
	apiv1.NewReservationGroup(g.baseRouteGroup.Group("/reservation", authMiddleware), g.Calendar)
	apiv1.NewUserGroup(g.baseRouteGroup.Group("/user", authMiddleware), g.BackendRepo)
	apiv1.NewTelemetryGroup(g.baseRouteGroup.Group("/telemetry", authMiddleware), g.BackendRepo, g.MachineRepo)

	return nil
}

// Gateway entry point
func (g *Gateway) Start() error {
	err := g.initHttp()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize http server")
	}

	go func() {
		if err := g.Collector.Start(g.ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("collector stopped")
		}
	}()

	go g.Scheduler.StartProcessingRequests(g.ctx)
	go g.Calendar.StartReminderScan(g.ctx)
	go metrics.StartMachineGauges(g.ctx, g.MachineRepo, machineGaugeInterval)

	if g.Notifier != nil {
		go g.Notifier.Start(g.ctx)
	}

	go func() {
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	log.Info().Int("port", g.Config.Api.Port).Msg("gateway http server running")

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)
	<-terminationSignal
	log.Info().Msg("termination signal received. shutting down...")
	g.shutdown()

	return nil
}

// shutdown stops the background loops and drains in-flight requests. It
// blocks until the http server is down or the timeout passes.
func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.Config.Api.ShutdownTimeout)
	defer cancel()

	g.cancelFunc()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to shutdown gateway")
	}
}

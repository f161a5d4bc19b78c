package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/metrics"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

// Collector polls every registered machine on a fixed interval and keeps
// the live state current. A machine that fails the configured number of
// consecutive probes is marked unreachable; the first successful probe
// afterwards restores it.
type Collector struct {
	backendRepo repository.BackendRepository
	machineRepo repository.MachineRepository
	eventBus    *common.EventBus
	remote      Sampler
	local       Sampler
	config      types.CollectorConfig
}

func NewCollector(
	backendRepo repository.BackendRepository,
	machineRepo repository.MachineRepository,
	rdb *common.RedisClient,
	remote Sampler,
	config types.CollectorConfig,
) *Collector {
	return &Collector{
		backendRepo: backendRepo,
		machineRepo: machineRepo,
		eventBus:    common.NewEventBus(rdb),
		remote:      remote,
		local:       NewLocalSampler(),
		config:      config,
	}
}

// Start runs the poll and history loops until the context is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	pollTicker := time.NewTicker(c.config.PollInterval)
	defer pollTicker.Stop()

	historyTicker := time.NewTicker(c.config.HistoryInterval)
	defer historyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			c.pollAll(ctx)
		case <-historyTicker.C:
			c.persistHistory(ctx)
		}
	}
}

// pollAll probes every registered machine concurrently and waits for the
// pass to finish before the next tick is handled.
func (c *Collector) pollAll(ctx context.Context) {
	machines, err := c.backendRepo.ListMachines(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list machines for polling")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, machine := range machines {
		m := machine
		g.Go(func() error {
			c.poll(ctx, &m)
			return nil
		})
	}

	g.Wait()
}

func (c *Collector) poll(ctx context.Context, machine *types.Machine) {
	sampler := c.remote
	if machine.Local {
		sampler = c.local
	}

	sample, err := sampler.Sample(ctx, machine)
	if err != nil {
		c.handleFailure(machine, err)
		return
	}

	c.handleSuccess(machine, sample)
}

func (c *Collector) handleSuccess(machine *types.Machine, sample *types.TelemetrySample) {
	wasUnreachable := false
	if state, err := c.machineRepo.GetMachineState(machine.ExternalId); err == nil {
		wasUnreachable = state.Status == types.MachineStatusUnreachable
	}

	if err := c.machineRepo.ResetFailureCount(machine.ExternalId); err != nil {
		log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to reset failure count")
	}

	if err := c.machineRepo.UpdateMachineTelemetry(machine.ExternalId, sample); err != nil {
		log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to update machine telemetry")
		return
	}

	if wasUnreachable {
		if err := c.machineRepo.UpdateMachineStatus(machine.ExternalId, types.MachineStatusAvailable); err != nil {
			log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to restore machine status")
			return
		}

		log.Info().Str("machine_id", machine.ExternalId).Str("name", machine.Name).Msg("machine restored")
		c.sendEvent(common.EventTypeMachineRestored, machine)
	}
}

func (c *Collector) handleFailure(machine *types.Machine, probeErr error) {
	metrics.ProbeFailures.WithLabelValues(machine.ExternalId).Inc()

	failures, err := c.machineRepo.IncrementFailureCount(machine.ExternalId)
	if err != nil {
		log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to increment failure count")
		return
	}

	log.Warn().
		Str("machine_id", machine.ExternalId).
		Str("name", machine.Name).
		Int("consecutive_failures", failures).
		Err(probeErr).
		Msg("machine probe failed")

	if failures < c.config.FailureThreshold {
		return
	}

	state, err := c.machineRepo.GetMachineState(machine.ExternalId)
	if err != nil {
		log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to get machine state")
		return
	}

	// Disabled machines are an operator decision; don't override it. An
	// already unreachable machine was announced when it flipped, so skip it
	// to keep the event single-fire.
	if state.Status == types.MachineStatusDisabled || state.Status == types.MachineStatusUnreachable {
		return
	}

	if err := c.machineRepo.UpdateMachineStatus(machine.ExternalId, types.MachineStatusUnreachable); err != nil {
		log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to mark machine unreachable")
		return
	}

	log.Warn().Str("machine_id", machine.ExternalId).Str("name", machine.Name).Msg("machine marked unreachable")
	c.sendEvent(common.EventTypeMachineUnreachable, machine)
}

// persistHistory writes the latest live sample of every machine to the
// durable telemetry history.
func (c *Collector) persistHistory(ctx context.Context) {
	machines, err := c.backendRepo.ListMachines(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list machines for history")
		return
	}

	for _, machine := range machines {
		sample, err := c.machineRepo.GetMachineTelemetry(machine.ExternalId)
		if err != nil {
			continue
		}

		if err := c.backendRepo.InsertTelemetrySnapshot(ctx, machine.Id, sample); err != nil {
			log.Error().Str("machine_id", machine.ExternalId).Err(err).Msg("failed to persist telemetry snapshot")
		}
	}
}

func (c *Collector) sendEvent(eventType common.EventType, machine *types.Machine) {
	_, err := c.eventBus.Send(&common.Event{
		Type: eventType,
		Args: map[string]any{
			"machine_id":   machine.ExternalId,
			"machine_name": machine.Name,
			"address":      machine.Address,
		},
		LockAndDelete: true,
		Retries:       3,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to send machine event")
	}
}

package calendar

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/repository"
	"github.com/lmdm/labmonitor/pkg/types"
)

const reminderSentTtlS int = 86400

// ReservationCalendar owns the reservation lifecycle: conflict checking on
// insert, idempotent cancellation, reservation-adjusted capacity queries and
// the reminder scan.
type ReservationCalendar struct {
	backendRepo repository.BackendRepository
	rdb         *common.RedisClient
	lock        *common.RedisLock
	eventBus    *common.EventBus
	config      types.NotifierConfig
}

func NewReservationCalendar(
	backendRepo repository.BackendRepository,
	rdb *common.RedisClient,
	config types.NotifierConfig,
) *ReservationCalendar {
	return &ReservationCalendar{
		backendRepo: backendRepo,
		rdb:         rdb,
		lock:        common.NewRedisLock(rdb),
		eventBus:    common.NewEventBus(rdb),
		config:      config,
	}
}

// Reserve inserts a reservation after checking the overlap rules under the
// machine's reservation lock. An exclusive reservation conflicts with any
// overlapping active reservation; a non-exclusive one conflicts only with
// overlapping exclusive reservations.
func (c *ReservationCalendar) Reserve(ctx context.Context, req *types.ReservationRequest) (*types.Reservation, error) {
	if !req.EndsAt.After(req.StartsAt) {
		return nil, &types.ErrInvalidReservationWindow{}
	}

	machine, err := c.backendRepo.GetMachineByExternalId(ctx, req.MachineId)
	if err != nil {
		return nil, err
	}

	user, err := c.backendRepo.GetUserByExternalId(ctx, req.UserId)
	if err != nil {
		return nil, err
	}

	lockKey := common.RedisKeys.ReservationLock(req.MachineId)
	if err := c.lock.Acquire(ctx, lockKey, common.RedisLockOptions{TtlS: 10, Retries: 3}); err != nil {
		return nil, err
	}
	defer c.lock.Release(lockKey)

	overlapping, err := c.backendRepo.ListReservationsForMachine(ctx, machine.Id, req.StartsAt, req.EndsAt)
	if err != nil {
		return nil, err
	}

	for _, existing := range overlapping {
		if existing.Exclusive || req.Exclusive {
			return nil, &types.ErrReservationConflict{MachineId: req.MachineId}
		}
	}

	reservation, err := c.backendRepo.CreateReservation(ctx, req, machine.Id, user.Id)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("reservation_id", reservation.ExternalId).
		Str("machine_id", req.MachineId).
		Str("user_id", req.UserId).
		Bool("exclusive", req.Exclusive).
		Msg("reservation created")

	c.sendEvent(common.EventTypeReservationCreated, map[string]any{
		"reservation_id": reservation.ExternalId,
		"machine_name":   machine.Name,
		"user_email":     user.Email,
		"starts_at":      reservation.StartsAt.Format(time.RFC3339),
		"ends_at":        reservation.EndsAt.Format(time.RFC3339),
		"exclusive":      reservation.Exclusive,
	})

	return &reservation, nil
}

// Cancel is idempotent: cancelling an already cancelled reservation succeeds
// without side effects.
func (c *ReservationCalendar) Cancel(ctx context.Context, reservationId string) error {
	return c.backendRepo.CancelReservation(ctx, reservationId)
}

func (c *ReservationCalendar) Get(ctx context.Context, reservationId string) (*types.Reservation, error) {
	return c.backendRepo.GetReservation(ctx, reservationId)
}

func (c *ReservationCalendar) ListForMachine(ctx context.Context, machineId string, from, to time.Time) ([]types.Reservation, error) {
	machine, err := c.backendRepo.GetMachineByExternalId(ctx, machineId)
	if err != nil {
		return nil, err
	}

	return c.backendRepo.ListReservationsForMachine(ctx, machine.Id, from, to)
}

// CapacityAt returns the machine capacity left for jobs at the given
// instant, once active reservations covering it are subtracted. An exclusive
// reservation zeroes the machine out; non-exclusive claims subtract their
// declared resources. Never negative.
func (c *ReservationCalendar) CapacityAt(ctx context.Context, machineId string, at time.Time) (*types.Capacity, error) {
	machine, err := c.backendRepo.GetMachineByExternalId(ctx, machineId)
	if err != nil {
		return nil, err
	}

	capacity := &types.Capacity{
		CpuCores: machine.TotalCpu,
		MemoryMb: machine.TotalMemoryMb,
		GpuCount: machine.GpuCount,
	}

	// A half-open instant query: reservations covering [at, at+1ns)
	reservations, err := c.backendRepo.ListReservationsForMachine(ctx, machine.Id, at, at.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}

	for _, reservation := range reservations {
		if reservation.Exclusive {
			return &types.Capacity{}, nil
		}

		capacity.CpuCores -= reservation.CpuCores
		capacity.MemoryMb -= reservation.MemoryMb
		if reservation.GpuCount > capacity.GpuCount {
			capacity.GpuCount = 0
		} else {
			capacity.GpuCount -= reservation.GpuCount
		}
	}

	if capacity.CpuCores < 0 {
		capacity.CpuCores = 0
	}
	if capacity.MemoryMb < 0 {
		capacity.MemoryMb = 0
	}

	return capacity, nil
}

// StartReminderScan periodically emits reminder events for reservations
// whose window opens within the configured lead time. Blocking.
func (c *ReservationCalendar) StartReminderScan(ctx context.Context) {
	ticker := time.NewTicker(c.config.ReminderScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.scanUpcoming(ctx); err != nil {
				log.Error().Err(err).Msg("reservation reminder scan failed")
			}
		}
	}
}

func (c *ReservationCalendar) scanUpcoming(ctx context.Context) error {
	upcoming, err := c.backendRepo.ListUpcomingReservations(ctx, c.config.ReservationReminderLead)
	if err != nil {
		return err
	}

	for _, reservation := range upcoming {
		// Guard against a scan that crashed between sending and marking
		sentKey := common.RedisKeys.ReservationReminderSent(reservation.ExternalId)
		set, err := c.rdb.SetNX(ctx, sentKey, 1, time.Duration(reminderSentTtlS)*time.Second).Result()
		if err != nil {
			return err
		}

		if !set {
			continue
		}

		c.sendEvent(common.EventTypeReservationReminder, map[string]any{
			"reservation_id": reservation.ExternalId,
			"machine_name":   reservation.MachineName,
			"user_email":     reservation.UserEmail,
			"starts_at":      reservation.StartsAt.Format(time.RFC3339),
			"ends_at":        reservation.EndsAt.Format(time.RFC3339),
		})

		if err := c.backendRepo.MarkReservationNotified(ctx, reservation.ExternalId); err != nil {
			log.Error().Err(err).Str("reservation_id", reservation.ExternalId).Msg("failed to mark reservation notified")
		}
	}

	return nil
}

func (c *ReservationCalendar) sendEvent(eventType common.EventType, args map[string]any) {
	_, err := c.eventBus.Send(&common.Event{
		Type:          eventType,
		Args:          args,
		LockAndDelete: true,
		Retries:       3,
	})
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to send reservation event")
	}
}

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/lmdm/labmonitor/pkg/common"
	"github.com/lmdm/labmonitor/pkg/types"
)

func NewRedisClientForTest() (*common.RedisClient, error) {
	s, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	rdb, err := common.NewRedisClient(types.RedisConfig{Addrs: []string{s.Addr()}, Mode: types.RedisModeSingle})
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

func NewMachineRedisRepositoryForTest(rdb *common.RedisClient) MachineRepository {
	lock := common.NewRedisLock(rdb)
	return &MachineRedisRepository{rdb: rdb, lock: lock}
}

func NewJobRedisRepositoryForTest(rdb *common.RedisClient) JobRepository {
	lock := common.NewRedisLock(rdb)
	return &JobRedisRepository{rdb: rdb, lock: lock}
}

func NewBackendPostgresRepositoryForTest() (BackendRepository, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		log.Fatal().Err(err).Msg("error creating mock db")
	}
	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")

	return &PostgresBackendRepository{
		client: sqlxDB,
	}, mock
}

// BackendMemoryRepository is an in-memory BackendRepository used by packages
// whose tests need durable records without standing up postgres.
type BackendMemoryRepository struct {
	mu           sync.Mutex
	nextId       uint
	users        map[string]*types.User
	machines     map[string]*types.Machine
	reservations map[string]*types.Reservation
	jobs         map[string]*types.Job
	snapshots    []types.TelemetrySnapshot
}

func NewBackendMemoryRepositoryForTest() *BackendMemoryRepository {
	return &BackendMemoryRepository{
		nextId:       1,
		users:        map[string]*types.User{},
		machines:     map[string]*types.Machine{},
		reservations: map[string]*types.Reservation{},
		jobs:         map[string]*types.Job{},
	}
}

func (b *BackendMemoryRepository) Ping() error {
	return nil
}

func (b *BackendMemoryRepository) allocId() uint {
	id := b.nextId
	b.nextId++
	return id
}

func (b *BackendMemoryRepository) CreateUser(ctx context.Context, name, email string, maxConcurrentJobs int) (types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocId()
	user := &types.User{
		Id:                id,
		ExternalId:        fmt.Sprintf("user-%d", id),
		Name:              name,
		Email:             email,
		MaxConcurrentJobs: maxConcurrentJobs,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	b.users[user.ExternalId] = user
	return *user, nil
}

func (b *BackendMemoryRepository) GetUserByExternalId(ctx context.Context, externalId string) (*types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if user, ok := b.users[externalId]; ok {
		u := *user
		return &u, nil
	}
	return nil, &types.ErrUserNotFound{UserId: externalId}
}

func (b *BackendMemoryRepository) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, user := range b.users {
		if user.Email == email {
			u := *user
			return &u, nil
		}
	}
	return nil, &types.ErrUserNotFound{UserId: email}
}

func (b *BackendMemoryRepository) ListUsers(ctx context.Context) ([]types.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	users := []types.User{}
	for _, user := range b.users {
		users = append(users, *user)
	}
	return users, nil
}

func (b *BackendMemoryRepository) UpdateUserQuota(ctx context.Context, externalId string, maxConcurrentJobs int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	user, ok := b.users[externalId]
	if !ok {
		return &types.ErrUserNotFound{UserId: externalId}
	}
	user.MaxConcurrentJobs = maxConcurrentJobs
	return nil
}

func (b *BackendMemoryRepository) CreateMachine(ctx context.Context, spec *types.MachineSpec, specHash string) (types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocId()
	machine := &types.Machine{
		Id:            id,
		ExternalId:    fmt.Sprintf("machine-%d", id),
		Name:          spec.Name,
		Address:       spec.Address,
		Username:      spec.Username,
		TotalCpu:      spec.TotalCpu,
		TotalMemoryMb: spec.TotalMemoryMb,
		GpuCount:      spec.GpuCount,
		GpuType:       spec.GpuType,
		DiskGb:        spec.DiskGb,
		Local:         spec.Local,
		SpecHash:      specHash,
		CreatedAt:     time.Now(),
	}
	b.machines[machine.ExternalId] = machine
	return *machine, nil
}

func (b *BackendMemoryRepository) GetMachineByExternalId(ctx context.Context, externalId string) (*types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if machine, ok := b.machines[externalId]; ok && machine.DeletedAt == nil {
		m := *machine
		return &m, nil
	}
	return nil, &types.ErrMachineNotFound{MachineId: externalId}
}

func (b *BackendMemoryRepository) GetMachineBySpecHash(ctx context.Context, specHash string) (*types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, machine := range b.machines {
		if machine.SpecHash == specHash && machine.DeletedAt == nil {
			m := *machine
			return &m, nil
		}
	}
	return nil, &types.ErrMachineNotFound{MachineId: specHash}
}

func (b *BackendMemoryRepository) ListMachines(ctx context.Context) ([]types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	machines := []types.Machine{}
	for _, machine := range b.machines {
		if machine.DeletedAt == nil {
			machines = append(machines, *machine)
		}
	}
	return machines, nil
}

func (b *BackendMemoryRepository) DeleteMachine(ctx context.Context, externalId string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	machine, ok := b.machines[externalId]
	if !ok || machine.DeletedAt != nil {
		return &types.ErrMachineNotFound{MachineId: externalId}
	}
	now := time.Now()
	machine.DeletedAt = &now
	return nil
}

func (b *BackendMemoryRepository) CreateReservation(ctx context.Context, req *types.ReservationRequest, machineId, userId uint) (types.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocId()
	reservation := &types.Reservation{
		Id:         id,
		ExternalId: fmt.Sprintf("reservation-%d", id),
		MachineId:  machineId,
		UserId:     userId,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Exclusive:  req.Exclusive,
		CpuCores:   req.CpuCores,
		MemoryMb:   req.MemoryMb,
		GpuCount:   req.GpuCount,
		CreatedAt:  time.Now(),
	}
	b.reservations[reservation.ExternalId] = reservation
	return *reservation, nil
}

func (b *BackendMemoryRepository) GetReservation(ctx context.Context, externalId string) (*types.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reservation, ok := b.reservations[externalId]; ok {
		r := *reservation
		return &r, nil
	}
	return nil, &types.ErrReservationNotFound{ReservationId: externalId}
}

func (b *BackendMemoryRepository) ListReservationsForMachine(ctx context.Context, machineId uint, from, to time.Time) ([]types.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reservations := []types.Reservation{}
	for _, reservation := range b.reservations {
		if reservation.MachineId == machineId && reservation.Active() && reservation.Overlaps(from, to) {
			reservations = append(reservations, *reservation)
		}
	}
	return reservations, nil
}

func (b *BackendMemoryRepository) ListUpcomingReservations(ctx context.Context, within time.Duration) ([]types.ReservationWithRelated, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	reservations := []types.ReservationWithRelated{}
	for _, reservation := range b.reservations {
		if reservation.Active() && !reservation.Notified &&
			reservation.StartsAt.After(now) && reservation.StartsAt.Before(now.Add(within)) {
			related := types.ReservationWithRelated{Reservation: *reservation}
			for _, user := range b.users {
				if user.Id == reservation.UserId {
					related.UserName = user.Name
					related.UserEmail = user.Email
				}
			}
			for _, machine := range b.machines {
				if machine.Id == reservation.MachineId {
					related.MachineName = machine.Name
				}
			}
			reservations = append(reservations, related)
		}
	}
	return reservations, nil
}

func (b *BackendMemoryRepository) CancelReservation(ctx context.Context, externalId string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reservation, ok := b.reservations[externalId]
	if !ok {
		return &types.ErrReservationNotFound{ReservationId: externalId}
	}
	if reservation.CancelledAt == nil {
		now := time.Now()
		reservation.CancelledAt = &now
	}
	return nil
}

func (b *BackendMemoryRepository) MarkReservationNotified(ctx context.Context, externalId string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reservation, ok := b.reservations[externalId]
	if !ok {
		return &types.ErrReservationNotFound{ReservationId: externalId}
	}
	reservation.Notified = true
	return nil
}

func (b *BackendMemoryRepository) CreateJob(ctx context.Context, req *types.JobRequest, userId uint) (types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.allocId()
	job := &types.Job{
		Id:          id,
		ExternalId:  req.JobId,
		UserId:      userId,
		Command:     req.Command,
		WorkDir:     req.WorkDir,
		CpuCores:    req.CpuCores,
		MemoryMb:    req.MemoryMb,
		GpuCount:    req.GpuCount,
		GpuType:     req.GpuType,
		Status:      types.JobStatusQueued,
		SubmittedAt: req.SubmittedAt,
	}
	b.jobs[job.ExternalId] = job
	return *job, nil
}

func (b *BackendMemoryRepository) GetJob(ctx context.Context, externalId string) (*types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if job, ok := b.jobs[externalId]; ok {
		j := *job
		return &j, nil
	}
	return nil, &types.ErrJobNotFound{JobId: externalId}
}

func (b *BackendMemoryRepository) UpdateJob(ctx context.Context, externalId string, updated types.Job) (*types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[externalId]
	if !ok {
		return nil, &types.ErrJobNotFound{JobId: externalId}
	}

	job.Status = updated.Status
	job.MachineId = updated.MachineId
	job.ExitCode = updated.ExitCode
	job.ErrorMessage = updated.ErrorMessage
	job.ScheduledAt = updated.ScheduledAt
	job.StartedAt = updated.StartedAt
	job.FinishedAt = updated.FinishedAt

	j := *job
	return &j, nil
}

func (b *BackendMemoryRepository) ListJobs(ctx context.Context, filters types.JobFilter) ([]types.JobWithRelated, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := []types.JobWithRelated{}
	for _, job := range b.jobs {
		if len(filters.Status) > 0 {
			matched := false
			for _, status := range filters.Status {
				if job.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		jobs = append(jobs, types.JobWithRelated{Job: *job})
	}
	return jobs, nil
}

func (b *BackendMemoryRepository) InsertTelemetrySnapshot(ctx context.Context, machineId uint, sample *types.TelemetrySample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snapshots = append(b.snapshots, types.TelemetrySnapshot{
		Id:           uint(len(b.snapshots) + 1),
		MachineId:    machineId,
		CpuPercent:   sample.CpuPercent,
		MemoryUsedMb: sample.MemoryUsedMb,
		MemoryFreeMb: sample.MemoryFreeMb,
		SessionCount: len(sample.Sessions),
		SampledAt:    sample.SampledAt,
	})
	return nil
}

func (b *BackendMemoryRepository) ListTelemetrySnapshots(ctx context.Context, machineId uint, from, to time.Time) ([]types.TelemetrySnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshots := []types.TelemetrySnapshot{}
	for _, snapshot := range b.snapshots {
		if snapshot.MachineId == machineId && !snapshot.SampledAt.Before(from) && snapshot.SampledAt.Before(to) {
			snapshots = append(snapshots, snapshot)
		}
	}
	return snapshots, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	_ "github.com/lmdm/labmonitor/pkg/repository/backend_postgres_migrations"
	"github.com/lmdm/labmonitor/pkg/types"
)

type PostgresBackendRepository struct {
	client *sqlx.DB
}

func NewBackendPostgresRepository(config types.PostgresConfig) (*PostgresBackendRepository, error) {
	sslMode := "disable"
	if config.EnableTLS {
		sslMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		config.Host,
		config.Username,
		config.Password,
		config.Name,
		config.Port,
		sslMode,
		config.TimeZone,
	)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}

	repo := &PostgresBackendRepository{
		client: db,
	}

	if err := repo.migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run backend migrations")
	}

	return repo, nil
}

func (r *PostgresBackendRepository) Ping() error {
	return r.client.Ping()
}

func (r *PostgresBackendRepository) migrate() error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(r.client.DB, "./"); err != nil {
		return err
	}

	return nil
}

func (r *PostgresBackendRepository) generateExternalId() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// User

func (r *PostgresBackendRepository) CreateUser(ctx context.Context, name, email string, maxConcurrentJobs int) (types.User, error) {
	externalId, err := r.generateExternalId()
	if err != nil {
		return types.User{}, err
	}

	query := `
	INSERT INTO user_account (external_id, name, email, max_concurrent_jobs)
	VALUES ($1, $2, $3, $4)
	RETURNING id, external_id, name, email, max_concurrent_jobs, created_at, updated_at;
	`

	var user types.User
	if err := r.client.GetContext(ctx, &user, query, externalId, name, email, maxConcurrentJobs); err != nil {
		return types.User{}, err
	}

	return user, nil
}

func (r *PostgresBackendRepository) GetUserByExternalId(ctx context.Context, externalId string) (*types.User, error) {
	var user types.User

	query := `SELECT id, external_id, name, email, max_concurrent_jobs, created_at, updated_at FROM user_account WHERE external_id = $1;`
	err := r.client.GetContext(ctx, &user, query, externalId)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrUserNotFound{UserId: externalId}
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresBackendRepository) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User

	query := `SELECT id, external_id, name, email, max_concurrent_jobs, created_at, updated_at FROM user_account WHERE email = $1;`
	err := r.client.GetContext(ctx, &user, query, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrUserNotFound{UserId: email}
		}
		return nil, err
	}

	return &user, nil
}

func (r *PostgresBackendRepository) ListUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User

	query := `SELECT id, external_id, name, email, max_concurrent_jobs, created_at, updated_at FROM user_account ORDER BY id;`
	err := r.client.SelectContext(ctx, &users, query)
	if err != nil {
		return nil, err
	}

	return users, nil
}

func (r *PostgresBackendRepository) UpdateUserQuota(ctx context.Context, externalId string, maxConcurrentJobs int) error {
	query := `UPDATE user_account SET max_concurrent_jobs = $2, updated_at = CURRENT_TIMESTAMP WHERE external_id = $1;`

	res, err := r.client.ExecContext(ctx, query, externalId, maxConcurrentJobs)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return &types.ErrUserNotFound{UserId: externalId}
	}

	return nil
}

// Machine

func (r *PostgresBackendRepository) CreateMachine(ctx context.Context, spec *types.MachineSpec, specHash string) (types.Machine, error) {
	externalId, err := r.generateExternalId()
	if err != nil {
		return types.Machine{}, err
	}

	query := `
	INSERT INTO machine (external_id, name, address, username, total_cpu, total_memory_mb, gpu_count, gpu_type, disk_gb, local, spec_hash)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id, external_id, name, address, username, total_cpu, total_memory_mb, gpu_count, gpu_type, disk_gb, local, spec_hash, created_at, deleted_at;
	`

	var machine types.Machine
	if err := r.client.GetContext(ctx, &machine, query,
		externalId, spec.Name, spec.Address, spec.Username, spec.TotalCpu, spec.TotalMemoryMb,
		spec.GpuCount, spec.GpuType, spec.DiskGb, spec.Local, specHash); err != nil {
		return types.Machine{}, err
	}

	return machine, nil
}

func (r *PostgresBackendRepository) GetMachineByExternalId(ctx context.Context, externalId string) (*types.Machine, error) {
	var machine types.Machine

	query := `
	SELECT id, external_id, name, address, username, total_cpu, total_memory_mb, gpu_count, gpu_type, disk_gb, local, spec_hash, created_at, deleted_at
	FROM machine WHERE external_id = $1 AND deleted_at IS NULL;
	`
	err := r.client.GetContext(ctx, &machine, query, externalId)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrMachineNotFound{MachineId: externalId}
		}
		return nil, err
	}

	return &machine, nil
}

func (r *PostgresBackendRepository) GetMachineBySpecHash(ctx context.Context, specHash string) (*types.Machine, error) {
	var machine types.Machine

	query := `
	SELECT id, external_id, name, address, username, total_cpu, total_memory_mb, gpu_count, gpu_type, disk_gb, local, spec_hash, created_at, deleted_at
	FROM machine WHERE spec_hash = $1 AND deleted_at IS NULL;
	`
	err := r.client.GetContext(ctx, &machine, query, specHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrMachineNotFound{MachineId: specHash}
		}
		return nil, err
	}

	return &machine, nil
}

func (r *PostgresBackendRepository) ListMachines(ctx context.Context) ([]types.Machine, error) {
	var machines []types.Machine

	query := `
	SELECT id, external_id, name, address, username, total_cpu, total_memory_mb, gpu_count, gpu_type, disk_gb, local, spec_hash, created_at, deleted_at
	FROM machine WHERE deleted_at IS NULL ORDER BY id;
	`
	err := r.client.SelectContext(ctx, &machines, query)
	if err != nil {
		return nil, err
	}

	return machines, nil
}

// DeleteMachine soft deletes so historical jobs and snapshots keep a valid
// foreign key.
func (r *PostgresBackendRepository) DeleteMachine(ctx context.Context, externalId string) error {
	query := `UPDATE machine SET deleted_at = CURRENT_TIMESTAMP WHERE external_id = $1 AND deleted_at IS NULL;`

	res, err := r.client.ExecContext(ctx, query, externalId)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return &types.ErrMachineNotFound{MachineId: externalId}
	}

	return nil
}

// Reservation

func (r *PostgresBackendRepository) CreateReservation(ctx context.Context, req *types.ReservationRequest, machineId, userId uint) (types.Reservation, error) {
	externalId, err := r.generateExternalId()
	if err != nil {
		return types.Reservation{}, err
	}

	query := `
	INSERT INTO reservation (external_id, machine_id, user_id, starts_at, ends_at, exclusive, cpu_cores, memory_mb, gpu_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id, external_id, machine_id, user_id, starts_at, ends_at, exclusive, cpu_cores, memory_mb, gpu_count, notified, cancelled_at, created_at;
	`

	var reservation types.Reservation
	if err := r.client.GetContext(ctx, &reservation, query,
		externalId, machineId, userId, req.StartsAt, req.EndsAt, req.Exclusive,
		req.CpuCores, req.MemoryMb, req.GpuCount); err != nil {
		return types.Reservation{}, err
	}

	return reservation, nil
}

func (r *PostgresBackendRepository) GetReservation(ctx context.Context, externalId string) (*types.Reservation, error) {
	var reservation types.Reservation

	query := `
	SELECT id, external_id, machine_id, user_id, starts_at, ends_at, exclusive, cpu_cores, memory_mb, gpu_count, notified, cancelled_at, created_at
	FROM reservation WHERE external_id = $1;
	`
	err := r.client.GetContext(ctx, &reservation, query, externalId)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrReservationNotFound{ReservationId: externalId}
		}
		return nil, err
	}

	return &reservation, nil
}

// ListReservationsForMachine returns active reservations whose window
// intersects [from, to).
func (r *PostgresBackendRepository) ListReservationsForMachine(ctx context.Context, machineId uint, from, to time.Time) ([]types.Reservation, error) {
	var reservations []types.Reservation

	query := `
	SELECT id, external_id, machine_id, user_id, starts_at, ends_at, exclusive, cpu_cores, memory_mb, gpu_count, notified, cancelled_at, created_at
	FROM reservation
	WHERE machine_id = $1 AND cancelled_at IS NULL AND starts_at < $3 AND ends_at > $2
	ORDER BY starts_at;
	`
	err := r.client.SelectContext(ctx, &reservations, query, machineId, from, to)
	if err != nil {
		return nil, err
	}

	return reservations, nil
}

func (r *PostgresBackendRepository) ListUpcomingReservations(ctx context.Context, within time.Duration) ([]types.ReservationWithRelated, error) {
	var reservations []types.ReservationWithRelated

	query := `
	SELECT r.id, r.external_id, r.machine_id, r.user_id, r.starts_at, r.ends_at, r.exclusive, r.cpu_cores, r.memory_mb, r.gpu_count, r.notified, r.cancelled_at, r.created_at,
	       u.name AS user_name, u.email AS user_email, m.name AS machine_name
	FROM reservation r
	JOIN user_account u ON r.user_id = u.id
	JOIN machine m ON r.machine_id = m.id
	WHERE r.cancelled_at IS NULL AND r.notified = false AND r.starts_at > CURRENT_TIMESTAMP AND r.starts_at <= CURRENT_TIMESTAMP + $1::interval
	ORDER BY r.starts_at;
	`
	err := r.client.SelectContext(ctx, &reservations, query, fmt.Sprintf("%d seconds", int(within.Seconds())))
	if err != nil {
		return nil, err
	}

	return reservations, nil
}

/// CancelReservation is idempotent: cancelling an already cancelled
// reservation is a no-op.
func (r *PostgresBackendRepository) CancelReservation(ctx context.Context, externalId string) error {
	query := `UPDATE reservation SET cancelled_at = CURRENT_TIMESTAMP WHERE external_id = $1 AND cancelled_at IS NULL;`

	res, err := r.client.ExecContext(ctx, query, externalId)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		// Distinguish "already cancelled" from "does not exist"
		if _, err := r.GetReservation(ctx, externalId); err != nil {
			return err
		}
	}

	return nil
}

func (r *PostgresBackendRepository) MarkReservationNotified(ctx context.Context, externalId string) error {
	query := `UPDATE reservation SET notified = true WHERE external_id = $1;`

	_, err := r.client.ExecContext(ctx, query, externalId)
	return err
}

// Job

func (r *PostgresBackendRepository) CreateJob(ctx context.Context, req *types.JobRequest, userId uint) (types.Job, error) {
	query := `
	INSERT INTO job (external_id, user_id, command, work_dir, cpu_cores, memory_mb, gpu_count, gpu_type, status, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id, external_id, user_id, machine_id, command, work_dir, cpu_cores, memory_mb, gpu_count, gpu_type, status, exit_code, error_message, submitted_at, scheduled_at, started_at, finished_at;
	`

	var job types.Job
	if err := r.client.GetContext(ctx, &job, query,
		req.JobId, userId, req.Command, req.WorkDir, req.CpuCores, req.MemoryMb,
		req.GpuCount, req.GpuType, types.JobStatusQueued, req.SubmittedAt); err != nil {
		return types.Job{}, err
	}

	return job, nil
}

func (r *PostgresBackendRepository) GetJob(ctx context.Context, externalId string) (*types.Job, error) {
	var job types.Job

	query := `
	SELECT id, external_id, user_id, machine_id, command, work_dir, cpu_cores, memory_mb, gpu_count, gpu_type, status, exit_code, error_message, submitted_at, scheduled_at, started_at, finished_at
	FROM job WHERE external_id = $1;
	`
	err := r.client.GetContext(ctx, &job, query, externalId)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrJobNotFound{JobId: externalId}
		}
		return nil, err
	}

	return &job, nil
}

func (r *PostgresBackendRepository) UpdateJob(ctx context.Context, externalId string, updated types.Job) (*types.Job, error) {
	query := `
	UPDATE job
	SET status = $2, machine_id = $3, exit_code = $4, error_message = $5, scheduled_at = $6, started_at = $7, finished_at = $8
	WHERE external_id = $1
	RETURNING id, external_id, user_id, machine_id, command, work_dir, cpu_cores, memory_mb, gpu_count, gpu_type, status, exit_code, error_message, submitted_at, scheduled_at, started_at, finished_at;
	`

	var job types.Job
	err := r.client.GetContext(ctx, &job, query, externalId,
		updated.Status, updated.MachineId, updated.ExitCode, updated.ErrorMessage,
		updated.ScheduledAt, updated.StartedAt, updated.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &types.ErrJobNotFound{JobId: externalId}
		}
		return nil, err
	}

	return &job, nil
}

func (r *PostgresBackendRepository) listJobWithRelatedQueryBuilder(filters types.JobFilter) squirrel.SelectBuilder {
	qb := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar).Select(
		"j.*, u.name AS user_name, u.email AS user_email, m.name AS machine_name",
	).From("job j").
		Join("user_account u ON j.user_id = u.id").
		LeftJoin("machine m ON j.machine_id = m.id").OrderBy("j.id DESC")

	if filters.UserId != "" {
		qb = qb.Where(squirrel.Eq{"u.external_id": filters.UserId})
	}

	if filters.MachineId != "" {
		qb = qb.Where(squirrel.Eq{"m.external_id": filters.MachineId})
	}

	if len(filters.Status) > 0 {
		qb = qb.Where(squirrel.Eq{"j.status": filters.Status})
	}

	if filters.Limit > 0 {
		qb = qb.Limit(uint64(filters.Limit))
	}

	return qb
}

func (r *PostgresBackendRepository) ListJobs(ctx context.Context, filters types.JobFilter) ([]types.JobWithRelated, error) {
	query, args, err := r.listJobWithRelatedQueryBuilder(filters).ToSql()
	if err != nil {
		return nil, err
	}

	var jobs []types.JobWithRelated
	err = r.client.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// Telemetry

func (r *PostgresBackendRepository) InsertTelemetrySnapshot(ctx context.Context, machineId uint, sample *types.TelemetrySample) error {
	gpuDetail, err := json.Marshal(sample.Gpus)
	if err != nil {
		return err
	}

	diskDetail, err := json.Marshal(sample.Disks)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO telemetry_snapshot (machine_id, cpu_percent, memory_used_mb, memory_free_mb, gpu_detail, disk_detail, session_count, sampled_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`

	_, err = r.client.ExecContext(ctx, query, machineId,
		sample.CpuPercent, sample.MemoryUsedMb, sample.MemoryFreeMb,
		gpuDetail, diskDetail, len(sample.Sessions), sample.SampledAt)
	return err
}

func (r *PostgresBackendRepository) ListTelemetrySnapshots(ctx context.Context, machineId uint, from, to time.Time) ([]types.TelemetrySnapshot, error) {
	var snapshots []types.TelemetrySnapshot

	query := `
	SELECT id, machine_id, cpu_percent, memory_used_mb, memory_free_mb, gpu_detail, disk_detail, session_count, sampled_at
	FROM telemetry_snapshot
	WHERE machine_id = $1 AND sampled_at >= $2 AND sampled_at < $3
	ORDER BY sampled_at;
	`
	err := r.client.SelectContext(ctx, &snapshots, query, machineId, from, to)
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

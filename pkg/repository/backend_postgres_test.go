package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lmdm/labmonitor/pkg/types"
)

func TestGetUserByExternalId(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM user_account").
		WithArgs("user-ext-1").
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "external_id", "name", "email", "max_concurrent_jobs", "created_at", "updated_at"}).
				AddRow(1, "user-ext-1", "ada", "ada@lab.example", 3, now, now),
		)

	user, err := repo.GetUserByExternalId(context.Background(), "user-ext-1")
	require.NoError(t, err)
	require.Equal(t, "ada", user.Name)
	require.Equal(t, 3, user.MaxConcurrentJobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByExternalIdNotFound(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	mock.ExpectQuery("SELECT (.+) FROM user_account").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "name", "email", "max_concurrent_jobs", "created_at", "updated_at"}))

	_, err := repo.GetUserByExternalId(context.Background(), "missing")
	require.Error(t, err)

	_, ok := err.(*types.ErrUserNotFound)
	require.True(t, ok)
}

func TestDeleteMachineNotFound(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	mock.ExpectExec("UPDATE machine SET deleted_at").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteMachine(context.Background(), "missing")
	require.Error(t, err)

	_, ok := err.(*types.ErrMachineNotFound)
	require.True(t, ok)
}

func TestCancelReservationAlreadyCancelled(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	now := time.Now()
	cancelledAt := now.Add(-time.Hour)

	// Update touches no rows because the reservation is already cancelled,
	// so the repo falls back to a lookup to distinguish from "not found"
	mock.ExpectExec("UPDATE reservation SET cancelled_at").
		WithArgs("res-ext-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery("SELECT (.+) FROM reservation").
		WithArgs("res-ext-1").
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "external_id", "machine_id", "user_id", "starts_at", "ends_at", "exclusive", "cpu_cores", "memory_mb", "gpu_count", "notified", "cancelled_at", "created_at"}).
				AddRow(1, "res-ext-1", 1, 1, now, now.Add(time.Hour), false, 0, 0, 0, false, cancelledAt, now),
		)

	err := repo.CancelReservation(context.Background(), "res-ext-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsExternalIdAsString(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	// Object ids are 24 hex chars, not UUIDs; the job.external_id column has
	// to accept them as-is
	jobId := "64f1c2d3a4b5c6d7e8f90a1b"
	now := time.Now()

	mock.ExpectQuery("INSERT INTO job").
		WithArgs(jobId, uint(1), "python3 train.py", "", int64(2), int64(4000), uint32(0), "", types.JobStatusQueued, now).
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "external_id", "user_id", "machine_id", "command", "work_dir", "cpu_cores", "memory_mb", "gpu_count", "gpu_type", "status", "exit_code", "error_message", "submitted_at", "scheduled_at", "started_at", "finished_at"}).
				AddRow(1, jobId, 1, nil, "python3 train.py", "", 2, 4000, 0, "", types.JobStatusQueued, nil, "", now, nil, nil, nil),
		)

	job, err := repo.CreateJob(context.Background(), &types.JobRequest{
		JobId:       jobId,
		Command:     "python3 train.py",
		CpuCores:    2,
		MemoryMb:    4000,
		SubmittedAt: now,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, jobId, job.ExternalId)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobWithRelatedQueryBuilder(t *testing.T) {
	repo, _ := NewBackendPostgresRepositoryForTest()
	pgRepo := repo.(*PostgresBackendRepository)

	query, args, err := pgRepo.listJobWithRelatedQueryBuilder(types.JobFilter{
		UserId: "user-ext-1",
		Status: []types.JobStatus{types.JobStatusQueued, types.JobStatusRunning},
		Limit:  50,
	}).ToSql()
	require.NoError(t, err)
	require.Contains(t, query, "u.external_id = $1")
	require.Contains(t, query, "j.status IN ($2,$3)")
	require.Contains(t, query, "LIMIT 50")
	require.Len(t, args, 3)
}

func TestListReservationsForMachineWindow(t *testing.T) {
	repo, mock := NewBackendPostgresRepositoryForTest()

	now := time.Now()
	from := now
	to := now.Add(2 * time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM reservation").
		WithArgs(uint(1), from, to).
		WillReturnRows(
			sqlmock.NewRows([]string{"id", "external_id", "machine_id", "user_id", "starts_at", "ends_at", "exclusive", "cpu_cores", "memory_mb", "gpu_count", "notified", "cancelled_at", "created_at"}).
				AddRow(1, "res-ext-1", 1, 1, now.Add(30*time.Minute), now.Add(90*time.Minute), true, 0, 0, 0, false, nil, now),
		)

	reservations, err := repo.ListReservationsForMachine(context.Background(), 1, from, to)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	require.True(t, reservations[0].Exclusive)
	require.True(t, reservations[0].Overlaps(from, to))
}

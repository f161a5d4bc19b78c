package types

import (
	"fmt"
	"time"
)

// Reservation is a time-bounded claim on a machine's capacity. Exclusive
// reservations zero out schedulable capacity for their window; non-exclusive
// reservations subtract their declared resources.
type Reservation struct {
	Id          uint       `db:"id" json:"id"`
	ExternalId  string     `db:"external_id" json:"external_id"`
	MachineId   uint       `db:"machine_id" json:"machine_id"`
	UserId      uint       `db:"user_id" json:"user_id"`
	StartsAt    time.Time  `db:"starts_at" json:"starts_at"`
	EndsAt      time.Time  `db:"ends_at" json:"ends_at"`
	Exclusive   bool       `db:"exclusive" json:"exclusive"`
	CpuCores    int64      `db:"cpu_cores" json:"cpu_cores"`
	MemoryMb    int64      `db:"memory_mb" json:"memory_mb"`
	GpuCount    uint32     `db:"gpu_count" json:"gpu_count"`
	Notified    bool       `db:"notified" json:"notified"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

func (r *Reservation) Active() bool {
	return r.CancelledAt == nil
}

// Overlaps reports whether the reservation window intersects [start, end).
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.StartsAt.Before(end) && start.Before(r.EndsAt)
}

// ReservationWithRelated joins a reservation with its holder and machine,
// used where a display name or notification recipient is needed.
type ReservationWithRelated struct {
	Reservation
	UserName    string `db:"user_name" json:"user_name"`
	UserEmail   string `db:"user_email" json:"user_email"`
	MachineName string `db:"machine_name" json:"machine_name"`
}

type ReservationRequest struct {
	MachineId string    `json:"machine_id"`
	UserId    string    `json:"user_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Exclusive bool      `json:"exclusive"`
	CpuCores  int64     `json:"cpu_cores"`
	MemoryMb  int64     `json:"memory_mb"`
	GpuCount  uint32    `json:"gpu_count"`
}

type ErrReservationConflict struct {
	MachineId string
}

func (e *ErrReservationConflict) Error() string {
	return fmt.Sprintf("an exclusive reservation overlaps the requested window on machine %s", e.MachineId)
}

type ErrReservationNotFound struct {
	ReservationId string
}

func (e *ErrReservationNotFound) Error() string {
	return fmt.Sprintf("reservation not found: %s", e.ReservationId)
}

type ErrInvalidReservationWindow struct{}

func (e *ErrInvalidReservationWindow) Error() string {
	return "reservation end must be after start"
}

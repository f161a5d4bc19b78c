package types

import (
	"fmt"
	"time"
)

// User is referenced by jobs and reservations; the scheduler never mutates
// it. MaxConcurrentJobs of zero means unlimited.
type User struct {
	Id                uint      `db:"id" json:"id"`
	ExternalId        string    `db:"external_id" json:"external_id"`
	Name              string    `db:"name" json:"name"`
	Email             string    `db:"email" json:"email"`
	MaxConcurrentJobs int       `db:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

type ErrUserNotFound struct {
	UserId string
}

func (e *ErrUserNotFound) Error() string {
	return fmt.Sprintf("user not found: %s", e.UserId)
}

package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/formsign/constants"
)

// QueueJob represents a durable unit of deferred work for data transfer between layers.
type QueueJob struct {
	ID             uuid.UUID           `json:"id"`
	SubmissionID   *uuid.UUID          `json:"submission_id,omitempty"`
	Type           constants.JobType   `json:"job_type"`
	Payload        json.RawMessage     `json:"payload"`
	Priority       int                 `json:"priority"`
	Status         constants.JobStatus `json:"status"`
	Attempts       int                 `json:"attempts"`
	ClaimedBy      *string             `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time          `json:"lease_expires_at,omitempty"`
	LastError      *string             `json:"last_error,omitempty"`
	ScheduledAt    time.Time           `json:"scheduled_at"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/formsign/constants"
)

// Submission is one persisted instance of form data.
type Submission struct {
	ID               uuid.UUID                  `json:"id"`
	FormID           int64                      `json:"form_id"`
	Status           constants.SubmissionStatus `json:"status"`
	Payload          []byte                     `json:"payload"`
	IsCompressed     bool                       `json:"is_compressed"`
	IPAddress        string                     `json:"ip_address"`
	UserAgent        string                     `json:"user_agent"`
	Referrer         *string                    `json:"referrer,omitempty"`
	ProcessingTimeMS float64                    `json:"processing_time_ms"`
	Version          int64                      `json:"version"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// SubmissionMeta is one key/value row attached to a submission.
type SubmissionMeta struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/joseph-ayodele/formsign/constants"
)

// WebhookLog is the audit row of one inbound provider callback.
type WebhookLog struct {
	ID               uuid.UUID                  `json:"id"`
	Provider         string                     `json:"provider"`
	EventType        string                     `json:"event_type"`
	DocumentID       string                     `json:"document_id,omitempty"`
	Status           constants.WebhookLogStatus `json:"status"`
	Payload          []byte                     `json:"payload"`
	ErrorMessage     *string                    `json:"error_message,omitempty"`
	ProcessingTimeMS float64                    `json:"processing_time_ms"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// ActivityLog is a row of the general activity log.
type ActivityLog struct {
	ID        uuid.UUID       `json:"id"`
	Level     string          `json:"level"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// Logical keys shared across components. Invalidation patterns rely on these prefixes.

func FormKey(id int64) string { return fmt.Sprintf("form_%d", id) }

func SubmissionKey(id uuid.UUID) string { return "submission_" + id.String() }

func DocumentStatusKey(documentID string) string { return "autentique_status_" + documentID }

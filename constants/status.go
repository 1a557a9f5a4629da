package constants

// SubmissionStatus is the canonical status for rows in submissions.
type SubmissionStatus string

// Stable values (store these exact strings in DB).
const (
	SubmissionPending          SubmissionStatus = "pending"
	SubmissionPendingSignature SubmissionStatus = "pending_signature"
	SubmissionFullySigned      SubmissionStatus = "fully_signed"
	SubmissionSignatureRefused SubmissionStatus = "signature_refused"
	SubmissionCompleted        SubmissionStatus = "completed" // terminal
	SubmissionFailed           SubmissionStatus = "failed"    // terminal
)

// submissionTransitions lists the forward edges of the submission state machine.
var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionPending:          {SubmissionPendingSignature, SubmissionCompleted, SubmissionFailed},
	SubmissionPendingSignature: {SubmissionFullySigned, SubmissionSignatureRefused, SubmissionCompleted, SubmissionFailed},
	SubmissionFullySigned:      {SubmissionCompleted, SubmissionFailed},
	SubmissionSignatureRefused: {SubmissionCompleted, SubmissionFailed},
}

// CanTransition reports whether from -> to is a legal forward move.
// Moving to the current status is not a transition and returns false.
func (from SubmissionStatus) CanTransition(to SubmissionStatus) bool {
	for _, next := range submissionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionCompleted || s == SubmissionFailed
}

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionPending, SubmissionPendingSignature, SubmissionFullySigned,
		SubmissionSignatureRefused, SubmissionCompleted, SubmissionFailed:
		return true
	}
	return false
}

// FormStatus is the lifecycle flag of a form.
type FormStatus string

const (
	FormActive   FormStatus = "active"
	FormInactive FormStatus = "inactive"
)

// JobStatus is the canonical status for rows in queue_jobs.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing" // claimed by a worker under a lease
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed" // terminal, attempts exhausted
)

// WebhookLogStatus is the audit status of one inbound webhook delivery.
type WebhookLogStatus string

const (
	WebhookReceived  WebhookLogStatus = "received"
	WebhookProcessed WebhookLogStatus = "processed"
	WebhookRejected  WebhookLogStatus = "rejected"
	WebhookError     WebhookLogStatus = "error"
)

// Retryable reports whether a stored delivery may be replayed.
func (s WebhookLogStatus) Retryable() bool {
	return s == WebhookError || s == WebhookRejected
}

package async

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// Job is one deferred unit of work as the producer describes it.
type Job struct {
	SubmissionID *uuid.UUID
	Type         constants.JobType
	Payload      any
	Priority     int
	ScheduledAt  time.Time // zero means now
}

// Queue is the producer side of the durable job queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (uuid.UUID, error)
}

// Job payloads, as stored in queue_jobs.payload.
type (
	SubmissionPayload struct {
		SubmissionID string `json:"submission_id"`
		TemplateID   string `json:"template_id,omitempty"`
	}
	DocumentPayload struct {
		DocumentID string `json:"document_id"`
	}
)

func GeneratePDF(submissionID uuid.UUID, templateID string) Job {
	return Job{
		SubmissionID: &submissionID,
		Type:         constants.JobGeneratePDF,
		Payload:      SubmissionPayload{SubmissionID: submissionID.String(), TemplateID: templateID},
		Priority:     constants.PriorityHigh,
	}
}

func SendAutentique(submissionID uuid.UUID) Job {
	return Job{
		SubmissionID: &submissionID,
		Type:         constants.JobSendAutentique,
		Payload:      SubmissionPayload{SubmissionID: submissionID.String()},
		Priority:     constants.PriorityHigh,
	}
}

func SendEmail(submissionID uuid.UUID, templateID string) Job {
	return Job{
		SubmissionID: &submissionID,
		Type:         constants.JobSendEmail,
		Payload:      SubmissionPayload{SubmissionID: submissionID.String(), TemplateID: templateID},
		Priority:     constants.PriorityMedium,
	}
}

// StatusCheck polls the provider for documentID at the given time.
func StatusCheck(submissionID uuid.UUID, documentID string, at time.Time) Job {
	return Job{
		SubmissionID: &submissionID,
		Type:         constants.JobAutentiqueStatusCheck,
		Payload:      DocumentPayload{DocumentID: documentID},
		Priority:     constants.PriorityMedium,
		ScheduledAt:  at,
	}
}

func Download(submissionID uuid.UUID, documentID string) Job {
	return Job{
		SubmissionID: &submissionID,
		Type:         constants.JobAutentiqueDownload,
		Payload:      DocumentPayload{DocumentID: documentID},
		Priority:     constants.PriorityHigh,
	}
}

// DBQueue writes jobs to the queue_jobs table.
type DBQueue struct {
	repo   repository.QueueJobRepository
	logger *slog.Logger
}

func NewDBQueue(repo repository.QueueJobRepository, logger *slog.Logger) *DBQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBQueue{repo: repo, logger: logger}
}

func (q *DBQueue) Enqueue(ctx context.Context, job Job) (uuid.UUID, error) {
	if job.Type == "" {
		return uuid.Nil, common.ValidationErrorf("job type is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return uuid.Nil, common.ValidationErrorf("job %s payload: %v", job.Type, err)
	}
	priority := job.Priority
	if priority == 0 {
		priority = constants.PriorityMedium
	}
	row := &entity.QueueJob{
		SubmissionID: job.SubmissionID,
		Type:         job.Type,
		Payload:      payload,
		Priority:     priority,
		ScheduledAt:  job.ScheduledAt,
	}
	if err := q.repo.Enqueue(ctx, row); err != nil {
		return uuid.Nil, err
	}
	q.logger.Info("async.job.enqueued", "job_id", row.ID, "job_type", job.Type, "priority", priority,
		"scheduled_at", row.ScheduledAt)
	return row.ID, nil
}

package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

// JobHandlers maps the signature job types to orchestrator operations for an async.Worker.
// Validation and not-found failures are permanent; everything else is retried.
func (o *Orchestrator) JobHandlers() map[constants.JobType]async.Handler {
	return map[constants.JobType]async.Handler{
		constants.JobSendAutentique: func(ctx context.Context, job *entity.QueueJob) error {
			var p async.SubmissionPayload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return fmt.Errorf("%w: decode payload: %v", async.ErrPermanent, err)
			}
			id, err := uuid.Parse(p.SubmissionID)
			if err != nil {
				return fmt.Errorf("%w: submission id: %v", async.ErrPermanent, err)
			}
			return jobError(o.CreateDocumentFromSubmission(ctx, id).Err)
		},
		constants.JobAutentiqueStatusCheck: func(ctx context.Context, job *entity.QueueJob) error {
			docID, err := documentID(job)
			if err != nil {
				return err
			}
			return jobError(o.CheckDocumentStatus(ctx, docID).Err)
		},
		constants.JobAutentiqueDownload: func(ctx context.Context, job *entity.QueueJob) error {
			docID, err := documentID(job)
			if err != nil {
				return err
			}
			return jobError(o.DownloadSignedDocument(ctx, docID).Err)
		},
	}
}

func documentID(job *entity.QueueJob) (string, error) {
	var p async.DocumentPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.DocumentID == "" {
		return "", fmt.Errorf("%w: job %s has no document_id", async.ErrPermanent, job.ID)
	}
	return p.DocumentID, nil
}

func jobError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrValidation) || errors.Is(err, common.ErrNotFound) {
		return errors.Join(async.ErrPermanent, err)
	}
	return err
}

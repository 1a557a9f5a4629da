package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

// maxTransitionAttempts bounds the compare-and-set retries of TransitionStatus.
const maxTransitionAttempts = 3

var submissionColumns = []string{
	"id", "form_id", "status", "payload", "is_compressed", "ip_address", "user_agent",
	"referrer", "processing_time_ms", "version", "created_at", "updated_at",
}

// ErrInvalidTransition is returned when a status change would move a submission backwards.
var ErrInvalidTransition = common.NewAppError("INVALID_TRANSITION", "submission status cannot move backwards", common.ErrValidation)

type SubmissionRepository interface {
	Create(ctx context.Context, sub *entity.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Submission, error)
	// TransitionStatus moves the submission forward and reports the status it left.
	// changed is false when the submission already had the target status.
	TransitionStatus(ctx context.Context, id uuid.UUID, to constants.SubmissionStatus) (from constants.SubmissionStatus, changed bool, err error)
	ListByForm(ctx context.Context, formID int64, since, until *time.Time) ([]*entity.Submission, error)
}

type submissionRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewSubmissionRepository(db *DB, logger *slog.Logger) SubmissionRepository {
	return &submissionRepo{
		db:     db,
		logger: logger,
	}
}

func (r *submissionRepo) Create(ctx context.Context, sub *entity.Submission) error {
	now := r.db.utcNow()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Status == "" {
		sub.Status = constants.SubmissionPending
	}
	sub.Version = 1
	sub.CreatedAt, sub.UpdatedAt = now, now

	var referrer any
	if sub.Referrer != nil {
		referrer = *sub.Referrer
	}
	q, args := r.db.sql().Insert(tableSubmissions).
		Columns(submissionColumns...).
		Values(sub.ID, sub.FormID, string(sub.Status), sub.Payload, sub.IsCompressed, sub.IPAddress,
			sub.UserAgent, referrer, sub.ProcessingTimeMS, sub.Version, now, now).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to create submission", "submission_id", sub.ID, "form_id", sub.FormID, "error", err)
		return common.PersistenceError(fmt.Sprintf("create submission %s", sub.ID), err)
	}
	return nil
}

func (r *submissionRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Submission, error) {
	q, args := r.db.sql().Select(submissionColumns...).
		From(entsql.Table(tableSubmissions)).
		Where(entsql.EQ("id", id)).
		Query()

	var sub *entity.Submission
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
		var err error
		sub, err = scanSubmission(rows)
		return err
	})
	if err != nil {
		return nil, notFoundOr(err, "submission", id)
	}
	return sub, nil
}

func (r *submissionRepo) TransitionStatus(ctx context.Context, id uuid.UUID, to constants.SubmissionStatus) (constants.SubmissionStatus, bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := r.GetByID(ctx, id)
		if err != nil {
			return "", false, err
		}
		if cur.Status == to {
			return cur.Status, false, nil
		}
		if !cur.Status.CanTransition(to) {
			r.logger.Warn("rejected submission transition", "submission_id", id, "from", cur.Status, "to", to)
			return cur.Status, false, common.NewAppError("INVALID_TRANSITION",
				fmt.Sprintf("submission %s: %s -> %s", id, cur.Status, to), ErrInvalidTransition)
		}

		q, args := r.db.sql().Update(tableSubmissions).
			Set("status", string(to)).
			Add("version", 1).
			Set("updated_at", r.db.utcNow()).
			Where(entsql.And(
				entsql.EQ("id", id),
				entsql.EQ("status", string(cur.Status)),
				entsql.EQ("version", cur.Version),
			)).
			Query()
		n, err := r.db.exec(ctx, q, args)
		if err != nil {
			r.logger.Error("failed to transition submission", "submission_id", id, "to", to, "error", err)
			return cur.Status, false, common.PersistenceError(fmt.Sprintf("update submission %s", id), err)
		}
		if n == 1 {
			r.logger.Info("submission status changed", "submission_id", id, "from", cur.Status, "to", to, "version", cur.Version+1)
			return cur.Status, true, nil
		}
		r.logger.Debug("submission changed concurrently, retrying", "submission_id", id, "attempt", attempt+1)
	}
	return "", false, common.NewAppError("CONFLICT", fmt.Sprintf("submission %s kept changing", id), common.ErrConflict)
}

func (r *submissionRepo) ListByForm(ctx context.Context, formID int64, since, until *time.Time) ([]*entity.Submission, error) {
	preds := []*entsql.Predicate{entsql.EQ("form_id", formID)}
	if since != nil {
		preds = append(preds, entsql.GTE("created_at", since.UTC()))
	}
	if until != nil {
		preds = append(preds, entsql.LT("created_at", until.UTC()))
	}
	q, args := r.db.sql().Select(submissionColumns...).
		From(entsql.Table(tableSubmissions)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Asc("created_at")).
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to list submissions", "form_id", formID, "error", err)
		return nil, common.PersistenceError(fmt.Sprintf("list submissions of form %d", formID), err)
	}
	defer rows.Close()

	var out []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, common.PersistenceError("scan submission", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate submissions", err)
	}
	return out, nil
}

func scanSubmission(rows *entsql.Rows) (*entity.Submission, error) {
	var (
		s      entity.Submission
		status string
	)
	if err := rows.Scan(&s.ID, &s.FormID, &status, &s.Payload, &s.IsCompressed, &s.IPAddress,
		&s.UserAgent, &s.Referrer, &s.ProcessingTimeMS, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = constants.SubmissionStatus(status)
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

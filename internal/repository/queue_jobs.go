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

const maxClaimAttempts = 5

var queueJobColumns = []string{
	"id", "submission_id", "job_type", "payload", "priority", "status", "attempts",
	"claimed_by", "lease_expires_at", "last_error", "scheduled_at", "created_at", "updated_at",
}

type QueueJobRepository interface {
	Enqueue(ctx context.Context, job *entity.QueueJob) error
	// Claim leases the most urgent due job to workerID. It returns nil when nothing is claimable.
	Claim(ctx context.Context, workerID string, lease time.Duration, types ...constants.JobType) (*entity.QueueJob, error)
	Complete(ctx context.Context, id uuid.UUID, workerID string) error
	// Fail records a failed attempt. The job returns to pending after retryAfter until
	// maxAttempts is reached, then it is marked failed.
	Fail(ctx context.Context, id uuid.UUID, workerID, message string, retryAfter time.Duration, maxAttempts int) error
	ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*entity.QueueJob, error)
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int64, error)
}

type queueJobRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewQueueJobRepository(db *DB, logger *slog.Logger) QueueJobRepository {
	return &queueJobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *queueJobRepo) Enqueue(ctx context.Context, job *entity.QueueJob) error {
	now := r.db.utcNow()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = constants.JobPending
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	var submissionID any
	if job.SubmissionID != nil {
		submissionID = *job.SubmissionID
	}
	q, args := r.db.sql().Insert(tableQueueJobs).
		Columns("id", "submission_id", "job_type", "payload", "priority", "status", "attempts", "scheduled_at", "created_at", "updated_at").
		Values(job.ID, submissionID, string(job.Type), payload, job.Priority, string(job.Status), 0, job.ScheduledAt, now, now).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to enqueue job", "job_type", job.Type, "submission_id", job.SubmissionID, "error", err)
		return common.PersistenceError(fmt.Sprintf("enqueue %s", job.Type), err)
	}
	r.logger.Debug("job enqueued", "job_id", job.ID, "job_type", job.Type, "priority", job.Priority, "scheduled_at", job.ScheduledAt)
	return nil
}

func (r *queueJobRepo) Claim(ctx context.Context, workerID string, lease time.Duration, types ...constants.JobType) (*entity.QueueJob, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		now := r.db.utcNow()
		due := entsql.Or(
			entsql.And(entsql.EQ("status", string(constants.JobPending)), entsql.LTE("scheduled_at", now)),
			entsql.And(entsql.EQ("status", string(constants.JobProcessing)), entsql.LT("lease_expires_at", now)),
		)
		if len(types) > 0 {
			names := make([]any, len(types))
			for i, t := range types {
				names[i] = string(t)
			}
			due = entsql.And(due, entsql.In("job_type", names...))
		}
		q, args := r.db.sql().Select(queueJobColumns...).
			From(entsql.Table(tableQueueJobs)).
			Where(due).
			OrderBy(entsql.Desc("priority"), entsql.Asc("scheduled_at")).
			Limit(1).
			Query()

		var job *entity.QueueJob
		err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
			var err error
			job, err = scanQueueJob(rows)
			return err
		})
		if err != nil {
			if isNoRows(err) {
				return nil, nil
			}
			return nil, common.PersistenceError("select claimable job", err)
		}

		// The attempts counter doubles as the claim token: only one worker can move it.
		leaseUntil := now.Add(lease)
		uq, uargs := r.db.sql().Update(tableQueueJobs).
			Set("status", string(constants.JobProcessing)).
			Set("claimed_by", workerID).
			Set("lease_expires_at", leaseUntil).
			Add("attempts", 1).
			Set("updated_at", now).
			Where(entsql.And(
				entsql.EQ("id", job.ID),
				entsql.EQ("status", string(job.Status)),
				entsql.EQ("attempts", job.Attempts),
			)).
			Query()
		n, err := r.db.exec(ctx, uq, uargs)
		if err != nil {
			return nil, common.PersistenceError(fmt.Sprintf("claim job %s", job.ID), err)
		}
		if n == 1 {
			job.Status = constants.JobProcessing
			job.ClaimedBy = &workerID
			job.LeaseExpiresAt = &leaseUntil
			job.Attempts++
			job.UpdatedAt = now
			r.logger.Info("job claimed", "job_id", job.ID, "job_type", job.Type, "worker", workerID, "attempt", job.Attempts)
			return job, nil
		}
	}
	r.logger.Debug("job claim contended", "worker", workerID)
	return nil, nil
}

func (r *queueJobRepo) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	q, args := r.db.sql().Update(tableQueueJobs).
		Set("status", string(constants.JobCompleted)).
		SetNull("lease_expires_at").
		Set("updated_at", r.db.utcNow()).
		Where(r.ownedBy(id, workerID)).
		Query()
	return r.finish(ctx, q, args, id, workerID, "complete")
}

func (r *queueJobRepo) Fail(ctx context.Context, id uuid.UUID, workerID, message string, retryAfter time.Duration, maxAttempts int) error {
	cur, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	now := r.db.utcNow()
	upd := r.db.sql().Update(tableQueueJobs).
		Set("last_error", message).
		SetNull("lease_expires_at").
		Set("updated_at", now)
	if maxAttempts > 0 && cur.Attempts >= maxAttempts {
		upd = upd.Set("status", string(constants.JobFailed))
	} else {
		upd = upd.Set("status", string(constants.JobPending)).
			SetNull("claimed_by").
			Set("scheduled_at", now.Add(retryAfter))
	}
	q, args := upd.Where(r.ownedBy(id, workerID)).Query()
	return r.finish(ctx, q, args, id, workerID, "fail")
}

func (r *queueJobRepo) ownedBy(id uuid.UUID, workerID string) *entsql.Predicate {
	return entsql.And(
		entsql.EQ("id", id),
		entsql.EQ("status", string(constants.JobProcessing)),
		entsql.EQ("claimed_by", workerID),
	)
}

func (r *queueJobRepo) finish(ctx context.Context, q string, args []any, id uuid.UUID, workerID, op string) error {
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to "+op+" job", "job_id", id, "worker", workerID, "error", err)
		return common.PersistenceError(fmt.Sprintf("%s job %s", op, id), err)
	}
	if n == 0 {
		// The lease expired and someone else holds the job now.
		return common.NewAppError("LEASE_LOST", fmt.Sprintf("job %s is not held by %s", id, workerID), common.ErrConflict)
	}
	r.logger.Info("job finished", "op", op, "job_id", id, "worker", workerID)
	return nil
}

func (r *queueJobRepo) get(ctx context.Context, id uuid.UUID) (*entity.QueueJob, error) {
	q, args := r.db.sql().Select(queueJobColumns...).
		From(entsql.Table(tableQueueJobs)).
		Where(entsql.EQ("id", id)).
		Query()
	var job *entity.QueueJob
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
		var err error
		job, err = scanQueueJob(rows)
		return err
	})
	if err != nil {
		return nil, notFoundOr(err, "job", id)
	}
	return job, nil
}

func (r *queueJobRepo) ListBySubmission(ctx context.Context, submissionID uuid.UUID) ([]*entity.QueueJob, error) {
	q, args := r.db.sql().Select(queueJobColumns...).
		From(entsql.Table(tableQueueJobs)).
		Where(entsql.EQ("submission_id", submissionID)).
		OrderBy(entsql.Asc("created_at"), entsql.Desc("priority")).
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return nil, common.PersistenceError(fmt.Sprintf("list jobs of %s", submissionID), err)
	}
	defer rows.Close()

	var out []*entity.QueueJob
	for rows.Next() {
		job, err := scanQueueJob(rows)
		if err != nil {
			return nil, common.PersistenceError("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate jobs", err)
	}
	return out, nil
}

func (r *queueJobRepo) CountByStatus(ctx context.Context) (map[constants.JobStatus]int64, error) {
	q, args := r.db.sql().Select("status", entsql.Count("*")).
		From(entsql.Table(tableQueueJobs)).
		GroupBy("status").
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return nil, common.PersistenceError("count jobs", err)
	}
	defer rows.Close()

	out := make(map[constants.JobStatus]int64, 4)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, common.PersistenceError("scan job count", err)
		}
		out[constants.JobStatus(status)] = n
	}
	return out, rows.Err()
}

func scanQueueJob(rows *entsql.Rows) (*entity.QueueJob, error) {
	var (
		j               entity.QueueJob
		jobType, status string
		payload         string
	)
	if err := rows.Scan(&j.ID, &j.SubmissionID, &jobType, &payload, &j.Priority, &status, &j.Attempts,
		&j.ClaimedBy, &j.LeaseExpiresAt, &j.LastError, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Type = constants.JobType(jobType)
	j.Status = constants.JobStatus(status)
	j.Payload = []byte(payload)
	if j.LeaseExpiresAt != nil {
		t := j.LeaseExpiresAt.UTC()
		j.LeaseExpiresAt = &t
	}
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.CreatedAt, j.UpdatedAt = j.CreatedAt.UTC(), j.UpdatedAt.UTC()
	return &j, nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

var webhookLogColumns = []string{
	"id", "provider", "event_type", "document_id", "status", "payload",
	"error_message", "processing_time_ms", "created_at", "updated_at",
}

// WebhookCount is one status/event bucket of the delivery stats.
type WebhookCount struct {
	Status    constants.WebhookLogStatus
	EventType string
	Count     int64
}

type WebhookLogRepository interface {
	Insert(ctx context.Context, log *entity.WebhookLog) error
	// Finish records the outcome of a delivery.
	Finish(ctx context.Context, id uuid.UUID, status constants.WebhookLogStatus, errMsg string, processingMS float64) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.WebhookLog, error)
	CountSince(ctx context.Context, since time.Time) ([]WebhookCount, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type webhookLogRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewWebhookLogRepository(db *DB, logger *slog.Logger) WebhookLogRepository {
	return &webhookLogRepo{
		db:     db,
		logger: logger,
	}
}

func (r *webhookLogRepo) Insert(ctx context.Context, l *entity.WebhookLog) error {
	now := r.db.utcNow()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = constants.WebhookReceived
	}
	l.CreatedAt, l.UpdatedAt = now, now
	var errMsg any
	if l.ErrorMessage != nil {
		errMsg = *l.ErrorMessage
	}
	payload := l.Payload
	if payload == nil {
		payload = []byte{}
	}
	q, args := r.db.sql().Insert(tableWebhookLogs).
		Columns(webhookLogColumns...).
		Values(l.ID, l.Provider, l.EventType, l.DocumentID, string(l.Status), payload,
			errMsg, l.ProcessingTimeMS, now, now).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to insert webhook log", "event_type", l.EventType, "error", err)
		return common.PersistenceError("insert webhook log", err)
	}
	return nil
}

func (r *webhookLogRepo) Finish(ctx context.Context, id uuid.UUID, status constants.WebhookLogStatus, errMsg string, processingMS float64) error {
	upd := r.db.sql().Update(tableWebhookLogs).
		Set("status", string(status)).
		Set("processing_time_ms", processingMS).
		Set("updated_at", r.db.utcNow())
	if errMsg != "" {
		upd = upd.Set("error_message", errMsg)
	} else {
		upd = upd.SetNull("error_message")
	}
	q, args := upd.Where(entsql.EQ("id", id)).Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to update webhook log", "webhook_id", id, "status", status, "error", err)
		return common.PersistenceError(fmt.Sprintf("update webhook log %s", id), err)
	}
	if n == 0 {
		return common.NotFoundErrorf("webhook log %s not found", id)
	}
	return nil
}

func (r *webhookLogRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.WebhookLog, error) {
	q, args := r.db.sql().Select(webhookLogColumns...).
		From(entsql.Table(tableWebhookLogs)).
		Where(entsql.EQ("id", id)).
		Query()

	var (
		l      entity.WebhookLog
		status string
	)
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
		return rows.Scan(&l.ID, &l.Provider, &l.EventType, &l.DocumentID, &status, &l.Payload,
			&l.ErrorMessage, &l.ProcessingTimeMS, &l.CreatedAt, &l.UpdatedAt)
	})
	if err != nil {
		return nil, notFoundOr(err, "webhook log", id)
	}
	l.Status = constants.WebhookLogStatus(status)
	l.CreatedAt, l.UpdatedAt = l.CreatedAt.UTC(), l.UpdatedAt.UTC()
	return &l, nil
}

func (r *webhookLogRepo) CountSince(ctx context.Context, since time.Time) ([]WebhookCount, error) {
	q, args := r.db.sql().Select("status", "event_type", entsql.Count("*")).
		From(entsql.Table(tableWebhookLogs)).
		Where(entsql.GTE("created_at", since.UTC())).
		GroupBy("status", "event_type").
		OrderBy("status", "event_type").
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return nil, common.PersistenceError("count webhook logs", err)
	}
	defer rows.Close()

	var out []WebhookCount
	for rows.Next() {
		var (
			c      WebhookCount
			status string
		)
		if err := rows.Scan(&status, &c.EventType, &c.Count); err != nil {
			return nil, common.PersistenceError("scan webhook count", err)
		}
		c.Status = constants.WebhookLogStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate webhook counts", err)
	}
	return out, nil
}

func (r *webhookLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	q, args := r.db.sql().Delete(tableWebhookLogs).
		Where(entsql.LT("created_at", cutoff.UTC())).
		Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to prune webhook logs", "cutoff", cutoff, "error", err)
		return 0, common.PersistenceError("prune webhook logs", err)
	}
	return n, nil
}

type ActivityLogRepository interface {
	Record(ctx context.Context, level, source, message string, fields map[string]any) error
	Recent(ctx context.Context, source string, limit int) ([]entity.ActivityLog, error)
}

type activityLogRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewActivityLogRepository(db *DB, logger *slog.Logger) ActivityLogRepository {
	return &activityLogRepo{
		db:     db,
		logger: logger,
	}
}

func (r *activityLogRepo) Record(ctx context.Context, level, source, message string, fields map[string]any) error {
	ctxJSON := []byte("{}")
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return common.ValidationErrorf("activity context: %v", err)
		}
		ctxJSON = b
	}
	q, args := r.db.sql().Insert(tableActivityLogs).
		Columns("id", "level", "source", "message", "context", "created_at").
		Values(uuid.New(), level, source, message, string(ctxJSON), r.db.utcNow()).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to record activity", "source", source, "error", err)
		return common.PersistenceError("record activity", err)
	}
	return nil
}

func (r *activityLogRepo) Recent(ctx context.Context, source string, limit int) ([]entity.ActivityLog, error) {
	sel := r.db.sql().Select("id", "level", "source", "message", "context", "created_at").
		From(entsql.Table(tableActivityLogs))
	if source != "" {
		sel = sel.Where(entsql.EQ("source", source))
	}
	q, args := sel.OrderBy(entsql.Desc("created_at")).Limit(limit).Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return nil, common.PersistenceError("list activity", err)
	}
	defer rows.Close()

	var out []entity.ActivityLog
	for rows.Next() {
		var (
			a   entity.ActivityLog
			raw string
		)
		if err := rows.Scan(&a.ID, &a.Level, &a.Source, &a.Message, &raw, &a.CreatedAt); err != nil {
			return nil, common.PersistenceError("scan activity", err)
		}
		a.Context = json.RawMessage(raw)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

type SubmissionMetaRepository interface {
	// Upsert writes key for the submission, replacing any previous value.
	Upsert(ctx context.Context, submissionID uuid.UUID, key, value string) error
	Get(ctx context.Context, submissionID uuid.UUID, key string) (string, error)
	List(ctx context.Context, submissionID uuid.UUID) ([]entity.SubmissionMeta, error)
	// FindSubmissionID returns the only submission owning the given key/value pair.
	// A pair held by several submissions is a conflict.
	FindSubmissionID(ctx context.Context, key, value string) (uuid.UUID, error)
}

type submissionMetaRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewSubmissionMetaRepository(db *DB, logger *slog.Logger) SubmissionMetaRepository {
	return &submissionMetaRepo{
		db:     db,
		logger: logger,
	}
}

// MetaValue renders a meta value for storage: strings verbatim, everything else as JSON.
func MetaValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *submissionMetaRepo) Upsert(ctx context.Context, submissionID uuid.UUID, key, value string) error {
	now := r.db.utcNow()
	q, args := r.db.sql().Insert(tableSubmissionMeta).
		Columns("submission_id", "meta_key", "meta_value", "created_at", "updated_at").
		Values(submissionID, key, value, now, now).
		OnConflict(
			entsql.ConflictColumns("submission_id", "meta_key"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("meta_value")
				u.SetExcluded("updated_at")
			}),
		).
		Query()
	if _, err := r.db.exec(ctx, q, args); err != nil {
		r.logger.Error("failed to upsert submission meta", "submission_id", submissionID, "key", key, "error", err)
		return common.PersistenceError(fmt.Sprintf("upsert meta %s of %s", key, submissionID), err)
	}
	return nil
}

func (r *submissionMetaRepo) Get(ctx context.Context, submissionID uuid.UUID, key string) (string, error) {
	q, args := r.db.sql().Select("meta_value").
		From(entsql.Table(tableSubmissionMeta)).
		Where(entsql.And(entsql.EQ("submission_id", submissionID), entsql.EQ("meta_key", key))).
		Query()

	var value string
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error { return rows.Scan(&value) })
	if err != nil {
		return "", notFoundOr(err, "meta "+key+" of submission", submissionID)
	}
	return value, nil
}

func (r *submissionMetaRepo) List(ctx context.Context, submissionID uuid.UUID) ([]entity.SubmissionMeta, error) {
	q, args := r.db.sql().Select("submission_id", "meta_key", "meta_value", "created_at", "updated_at").
		From(entsql.Table(tableSubmissionMeta)).
		Where(entsql.EQ("submission_id", submissionID)).
		OrderBy(entsql.Asc("meta_key")).
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return nil, common.PersistenceError(fmt.Sprintf("list meta of %s", submissionID), err)
	}
	defer rows.Close()

	var out []entity.SubmissionMeta
	for rows.Next() {
		var m entity.SubmissionMeta
		if err := rows.Scan(&m.SubmissionID, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, common.PersistenceError("scan meta", err)
		}
		m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate meta", err)
	}
	return out, nil
}

func (r *submissionMetaRepo) FindSubmissionID(ctx context.Context, key, value string) (uuid.UUID, error) {
	q, args := r.db.sql().Select("submission_id").
		From(entsql.Table(tableSubmissionMeta)).
		Where(entsql.And(entsql.EQ("meta_key", key), entsql.EQ("meta_value", value))).
		Limit(2).
		Query()

	rows, err := r.db.query(ctx, q, args)
	if err != nil {
		return uuid.Nil, common.PersistenceError(fmt.Sprintf("find submission with %s %s", key, value), err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return uuid.Nil, common.PersistenceError("scan meta owner", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, common.PersistenceError("iterate meta owners", err)
	}
	switch len(ids) {
	case 0:
		return uuid.Nil, common.NotFoundErrorf("submission with %s %v not found", key, value)
	case 1:
		return ids[0], nil
	}
	r.logger.Warn("meta value owned by several submissions", "key", key, "value", value, "submissions", ids)
	return uuid.Nil, common.NewAppError("AMBIGUOUS_OWNER", fmt.Sprintf("%s %s belongs to more than one submission", key, value), common.ErrConflict)
}

package repository

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

var formColumns = []string{
	"id", "name", "status", "signature_enabled", "settings",
	"pdf_template_id", "email_template_id", "created_at", "updated_at",
}

type FormRepository interface {
	Create(ctx context.Context, form *entity.Form) (*entity.Form, error)
	GetByID(ctx context.Context, id int64) (*entity.Form, error)
	SetStatus(ctx context.Context, id int64, status constants.FormStatus) error
}

type formRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewFormRepository(db *DB, logger *slog.Logger) FormRepository {
	return &formRepo{
		db:     db,
		logger: logger,
	}
}

func (r *formRepo) Create(ctx context.Context, form *entity.Form) (*entity.Form, error) {
	settings, err := json.Marshal(form.Settings)
	if err != nil {
		return nil, common.ValidationErrorf("form settings: %v", err)
	}
	if form.Status == "" {
		form.Status = constants.FormActive
	}
	now := r.db.utcNow()
	ins := r.db.sql().Insert(tableForms).
		Columns("name", "status", "signature_enabled", "settings", "pdf_template_id", "email_template_id", "created_at", "updated_at").
		Values(form.Name, string(form.Status), form.SignatureEnabled, string(settings),
			nullString(form.PDFTemplateID), nullString(form.EmailTemplateID), now, now)

	var id int64
	if r.db.dialect == dialect.Postgres {
		q, args := ins.Returning("id").Query()
		err = r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error { return rows.Scan(&id) })
	} else {
		id, err = r.insertID(ctx, ins)
	}
	if err != nil {
		r.logger.Error("failed to create form", "name", form.Name, "error", err)
		return nil, common.PersistenceError("create form", err)
	}

	out := *form
	out.ID = id
	out.CreatedAt, out.UpdatedAt = now, now
	r.logger.Info("form created", "form_id", id, "name", form.Name)
	return &out, nil
}

func (r *formRepo) insertID(ctx context.Context, ins *entsql.InsertBuilder) (int64, error) {
	q, args := ins.Query()
	var res stdsql.Result
	if err := r.db.drv.Exec(ctx, q, args, &res); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *formRepo) GetByID(ctx context.Context, id int64) (*entity.Form, error) {
	q, args := r.db.sql().Select(formColumns...).
		From(entsql.Table(tableForms)).
		Where(entsql.EQ("id", id)).
		Query()

	var f *entity.Form
	err := r.db.queryOne(ctx, q, args, func(rows *entsql.Rows) error {
		var err error
		f, err = scanForm(rows)
		return err
	})
	if err != nil {
		return nil, notFoundOr(err, "form", id)
	}
	return f, nil
}

func (r *formRepo) SetStatus(ctx context.Context, id int64, status constants.FormStatus) error {
	q, args := r.db.sql().Update(tableForms).
		Set("status", string(status)).
		Set("updated_at", r.db.utcNow()).
		Where(entsql.EQ("id", id)).
		Query()
	n, err := r.db.exec(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to update form status", "form_id", id, "error", err)
		return common.PersistenceError(fmt.Sprintf("update form %d", id), err)
	}
	if n == 0 {
		return common.NotFoundErrorf("form %d not found", id)
	}
	return nil
}

func scanForm(rows *entsql.Rows) (*entity.Form, error) {
	var (
		f                entity.Form
		status, settings string
		pdfTpl, emailTpl *string
	)
	if err := rows.Scan(&f.ID, &f.Name, &status, &f.SignatureEnabled, &settings,
		&pdfTpl, &emailTpl, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = constants.FormStatus(status)
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &f.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of form %d: %w", f.ID, err)
		}
	}
	if pdfTpl != nil {
		f.PDFTemplateID = *pdfTpl
	}
	if emailTpl != nil {
		f.EmailTemplateID = *emailTpl
	}
	f.CreatedAt, f.UpdatedAt = f.CreatedAt.UTC(), f.UpdatedAt.UTC()
	return &f, nil
}

// nullString stores empty optional strings as NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package forms

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
	"github.com/joseph-ayodele/formsign/internal/repository"
)

// Service handles form administration.
type Service struct {
	formRepo repository.FormRepository
	cache    *cache.Manager
	logger   *slog.Logger
}

// NewService creates a new form service. cm may be nil.
func NewService(formRepo repository.FormRepository, cm *cache.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		formRepo: formRepo,
		cache:    cm,
		logger:   logger,
	}
}

// CreateFormRequest represents form creation parameters. Settings is the raw settings document.
type CreateFormRequest struct {
	Name             string          `json:"name"`
	SignatureEnabled bool            `json:"signature_enabled"`
	PDFTemplateID    string          `json:"pdf_template_id"`
	EmailTemplateID  string          `json:"email_template_id"`
	Settings         json.RawMessage `json:"settings"`
}

// CreateForm validates the request and its settings document, then stores the form as active.
func (s *Service) CreateForm(ctx context.Context, req CreateFormRequest) (*entity.Form, error) {
	name := strings.TrimSpace(req.Name)
	if err := common.NewValidator().
		Field("name", name, common.Required, common.MaxLength(255)).
		Field("pdf_template_id", req.PDFTemplateID, common.MaxLength(100)).
		Field("email_template_id", req.EmailTemplateID, common.MaxLength(100)).
		Err(); err != nil {
		return nil, err
	}

	var settings entity.FormSettings
	if len(req.Settings) > 0 && string(req.Settings) != "null" {
		if err := validateSettings(req.Settings); err != nil {
			return nil, common.ValidationErrorf("settings: %v", err)
		}
		if err := json.Unmarshal(req.Settings, &settings); err != nil {
			return nil, common.ValidationErrorf("settings: %v", err)
		}
	}
	if settings.Signature.Enabled && len(settings.Signature.Signers) == 0 {
		return nil, common.ValidationErrorf("settings: signature enabled without signers")
	}

	form, err := s.formRepo.Create(ctx, &entity.Form{
		Name:             name,
		Status:           constants.FormActive,
		SignatureEnabled: req.SignatureEnabled,
		Settings:         settings,
		PDFTemplateID:    strings.TrimSpace(req.PDFTemplateID),
		EmailTemplateID:  strings.TrimSpace(req.EmailTemplateID),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("form created successfully", "form_id", form.ID, "name", form.Name,
		"signature", form.WantsSignature())
	return form, nil
}

// GetForm returns a form by id.
func (s *Service) GetForm(ctx context.Context, id int64) (*entity.Form, error) {
	return s.formRepo.GetByID(ctx, id)
}

// SetStatus activates or deactivates a form and drops its cached copy.
func (s *Service) SetStatus(ctx context.Context, id int64, status constants.FormStatus) error {
	if err := common.NewValidator().
		Field("status", string(status), common.OneOf(string(constants.FormActive), string(constants.FormInactive))).
		Err(); err != nil {
		return err
	}
	if err := s.formRepo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Delete(ctx, cache.FormKey(id))
	}
	s.logger.Info("form status changed", "form_id", id, "status", status)
	return nil
}

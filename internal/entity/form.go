package entity

import (
	"time"

	"github.com/joseph-ayodele/formsign/constants"
)

// Form is the configuration a submission is validated and routed against.
type Form struct {
	ID               int64                `json:"id"`
	Name             string               `json:"name"`
	Status           constants.FormStatus `json:"status"`
	SignatureEnabled bool                 `json:"signature_enabled"`
	Settings         FormSettings         `json:"settings"`
	PDFTemplateID    string               `json:"pdf_template_id,omitempty"`
	EmailTemplateID  string               `json:"email_template_id,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// FormSettings is the typed view over the form's settings JSON.
type FormSettings struct {
	Signature SignatureSettings `json:"signature"`
	// Extra keeps keys this service does not interpret.
	Extra map[string]any `json:"extra,omitempty"`
}

// SignatureSettings configures how a submission becomes a signature document.
type SignatureSettings struct {
	Enabled            bool            `json:"enabled"`
	Sandbox            bool            `json:"sandbox"`
	TemplateID         string          `json:"template_id,omitempty"`
	DocumentName       string          `json:"document_name,omitempty"`
	AutoClose          *bool           `json:"auto_close,omitempty"`
	SendAutomaticEmail *bool           `json:"send_automatic_email,omitempty"`
	Signers            []SignerMapping `json:"signers,omitempty"`
}

// SignerMapping maps submission field names to the provider's signer attributes.
type SignerMapping struct {
	EmailField string `json:"email_field"`
	NameField  string `json:"name_field"`
	PhoneField string `json:"phone_field,omitempty"`
	CPFField   string `json:"cpf_field,omitempty"`
	Action     string `json:"action,omitempty"`
}

// IsActive reports whether the form accepts submissions.
func (f *Form) IsActive() bool {
	return f != nil && f.Status == constants.FormActive
}

// WantsSignature reports whether signature is enabled at both the form and settings level.
func (f *Form) WantsSignature() bool {
	return f != nil && f.SignatureEnabled && f.Settings.Signature.Enabled
}

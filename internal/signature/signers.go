package signature

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/entity"
)

// ExtractSigners resolves the form's signer mappings against submission fields.
// Mappings whose email field is empty are skipped; at least one signer must remain.
func ExtractSigners(mappings []entity.SignerMapping, fields map[string]any) ([]Signer, error) {
	var signers []Signer
	for i, m := range mappings {
		email := fieldString(fields, m.EmailField)
		if email == "" {
			continue
		}
		action := constants.SignerAction(strings.ToLower(strings.TrimSpace(m.Action)))
		if action == "" {
			action = constants.ActionSign
		}
		if !action.Valid() {
			return nil, common.ValidationErrorf("signer %d: unsupported action %q", i, m.Action)
		}
		if err := common.NewValidator().Field(m.EmailField, email, common.Email).Err(); err != nil {
			return nil, err
		}
		signers = append(signers, Signer{
			Email:  email,
			Name:   fieldString(fields, m.NameField),
			Phone:  fieldString(fields, m.PhoneField),
			CPF:    fieldString(fields, m.CPFField),
			Action: action,
		})
	}
	if len(signers) == 0 {
		return nil, common.ValidationErrorf("no signer with an email address")
	}
	return signers, nil
}

func fieldString(fields map[string]any, name string) string {
	if name == "" {
		return ""
	}
	switch v := fields[name].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/joseph-ayodele/formsign/internal/common"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC of the exact body bytes. The header may carry a
// "sha256=" prefix. A missing header, or a missing secret, passes only when required is false.
func Verify(secret string, required bool, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		if required {
			return common.NewAppError("SIGNATURE_INVALID", "missing webhook signature", common.ErrSignatureVerification)
		}
		return nil
	}
	header = strings.TrimPrefix(header, "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil {
		return common.NewAppError("SIGNATURE_INVALID", "malformed webhook signature", common.ErrSignatureVerification)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return common.NewAppError("SIGNATURE_INVALID", "webhook signature mismatch", common.ErrSignatureVerification)
	}
	return nil
}

package constants

// Signature provider webhook events.
const (
	EventDocumentSigned    = "document.signed"
	EventDocumentCompleted = "document.completed"
	EventDocumentRefused   = "document.refused"
	EventDocumentViewed    = "document.viewed"
)

// SignerAction is what a signer is asked to do with a document.
type SignerAction string

const (
	ActionSign        SignerAction = "sign"
	ActionApprove     SignerAction = "approve"
	ActionAcknowledge SignerAction = "acknowledge"
)

// Valid reports whether a is a provider-supported action.
func (a SignerAction) Valid() bool {
	return a == ActionSign || a == ActionApprove || a == ActionAcknowledge
}

// Submission meta keys written by the signature workflow. Every key starts with
// ReservedMetaPrefix, which callers may not submit.
const (
	ReservedMetaPrefix = "autentique_"

	MetaDocumentID       = "autentique_document_id"
	MetaProviderResponse = "autentique_response"
	MetaSignatureStatus  = "autentique_status"
	MetaSignedURL        = "autentique_signed_url"
	MetaSignedPath       = "autentique_signed_path"
)

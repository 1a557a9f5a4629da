package constants

import (
	"fmt"
	"strings"
)

// ContentTypePDF is the MIME type of every signed artifact.
const ContentTypePDF = "application/pdf"

// SignedDocumentsDir is the storage prefix for downloaded signed documents.
const SignedDocumentsDir = "autentique"

// SignedDocumentPath returns the deterministic storage path of a signed document.
func SignedDocumentPath(submissionID, documentID string) string {
	return fmt.Sprintf("%s/signed-%s-%s.pdf", SignedDocumentsDir, submissionID, sanitizePathPart(documentID))
}

// sanitizePathPart keeps provider ids from escaping the storage prefix.
func sanitizePathPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

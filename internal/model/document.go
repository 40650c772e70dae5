package model

// Document identifies the artifact under analysis. It is immutable once a
// job starts; re-analysis creates a new AnalysisRecord version instead of
// mutating the document.
type Document struct {
	ID         string `json:"id"`
	ContentRef string `json:"content_ref"`        // opaque location of the bytes (path, object key)
	MimeType   string `json:"mime_type"`
	OwnerRef   string `json:"owner_ref,omitempty"` // owning tender or vendor id
	Size       int64  `json:"size"`
	Name       string `json:"name,omitempty"`
}

// Supported document media types.
const (
	MimePDF       = "application/pdf"
	MimePlainText = "text/plain"
	MimeMarkdown  = "text/markdown"
)

// SupportedMimeType reports whether the pipeline can extract text from the
// given media type.
func SupportedMimeType(mime string) bool {
	switch mime {
	case MimePDF, MimePlainText, MimeMarkdown:
		return true
	default:
		return false
	}
}

package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// ContentSource resolves a document's content reference to its raw bytes.
type ContentSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileSource reads document bytes from the local filesystem.
type FileSource struct{}

func (FileSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &resilience.InvalidDocumentError{Reason: "content not found: " + ref}
		}
		return nil, eris.Wrapf(err, "stage: read content %s", ref)
	}
	return data, nil
}

// ExtractAdapter turns a document's bytes into plain text. PDF text comes
// out of ledongthuc/pdf; text and markdown pass through as-is. Output is
// capped at maxBytes with the truncation offset recorded in the payload.
type ExtractAdapter struct {
	source   ContentSource
	maxBytes int
}

// NewExtractAdapter creates the extraction adapter.
func NewExtractAdapter(source ContentSource, maxBytes int) *ExtractAdapter {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &ExtractAdapter{source: source, maxBytes: maxBytes}
}

func (a *ExtractAdapter) Stage() model.StageID { return model.StageExtract }

func (a *ExtractAdapter) Execute(ctx context.Context, doc model.Document, _ []model.StageResult) (model.StagePayload, error) {
	if !model.SupportedMimeType(doc.MimeType) {
		return nil, &resilience.InvalidDocumentError{Reason: "unsupported media type " + doc.MimeType}
	}

	data, err := a.source.Fetch(ctx, doc.ContentRef)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &resilience.InvalidDocumentError{Reason: "document is empty"}
	}

	var (
		text  string
		pages int
	)
	switch doc.MimeType {
	case model.MimePDF:
		text, pages, err = extractPDF(data)
		if err != nil {
			return nil, err
		}
	default:
		if !utf8.Valid(data) {
			return nil, &resilience.InvalidDocumentError{Reason: "text content is not valid UTF-8"}
		}
		text = string(data)
		pages = 1
	}

	if strings.TrimSpace(text) == "" {
		return nil, &resilience.InvalidDocumentError{Reason: "no extractable text"}
	}

	payload := model.ExtractPayload{Text: text, PageCount: pages}
	if len(text) > a.maxBytes {
		cut := a.maxBytes
		// Back up to a rune boundary so the truncated text stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		payload.Text = text[:cut]
		payload.TruncatedAt = cut
		zap.L().Warn("extract: text truncated",
			zap.String("document_id", doc.ID),
			zap.Int("original_bytes", len(text)),
			zap.Int("truncated_at", cut),
		)
	}

	return payload, nil
}

// extractPDF pulls plain text out of a PDF. Corrupt files surface as
// InvalidDocumentError rather than transient failures: re-reading the same
// bytes will never succeed.
func extractPDF(data []byte) (text string, pages int, err error) {
	defer func() {
		// The pdf library panics on some malformed xref tables.
		if r := recover(); r != nil {
			err = &resilience.InvalidDocumentError{Reason: fmt.Sprintf("corrupt pdf: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, &resilience.InvalidDocumentError{Reason: "corrupt pdf: " + err.Error()}
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", 0, &resilience.InvalidDocumentError{Reason: "pdf text extraction failed: " + err.Error()}
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", 0, &resilience.InvalidDocumentError{Reason: "pdf text read failed: " + err.Error()}
	}

	return buf.String(), reader.NumPage(), nil
}

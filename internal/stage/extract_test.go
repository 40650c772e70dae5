package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// stubSource serves document bytes from memory.
type stubSource struct {
	data map[string][]byte
	err  error
}

func (s *stubSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.data[ref]
	if !ok {
		return nil, &resilience.InvalidDocumentError{Reason: "content not found: " + ref}
	}
	return data, nil
}

func textDoc(ref string) model.Document {
	return model.Document{ID: "doc-1", ContentRef: ref, MimeType: model.MimePlainText, Size: 100}
}

func TestExtractAdapter_PlainText(t *testing.T) {
	src := &stubSource{data: map[string][]byte{"a.txt": []byte("The supplier shall deliver.")}}
	a := NewExtractAdapter(src, 0)

	payload, err := a.Execute(context.Background(), textDoc("a.txt"), nil)
	require.NoError(t, err)

	ep, ok := payload.(model.ExtractPayload)
	require.True(t, ok)
	assert.Equal(t, "The supplier shall deliver.", ep.Text)
	assert.Equal(t, 1, ep.PageCount)
	assert.Zero(t, ep.TruncatedAt)
}

func TestExtractAdapter_UnsupportedMime(t *testing.T) {
	a := NewExtractAdapter(&stubSource{}, 0)

	doc := textDoc("a.docx")
	doc.MimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	_, err := a.Execute(context.Background(), doc, nil)
	var ide *resilience.InvalidDocumentError
	require.ErrorAs(t, err, &ide)
	assert.Contains(t, ide.Reason, "unsupported media type")
}

func TestExtractAdapter_EmptyAndMissing(t *testing.T) {
	src := &stubSource{data: map[string][]byte{"empty.txt": {}, "blank.txt": []byte("   \n\t ")}}
	a := NewExtractAdapter(src, 0)

	var ide *resilience.InvalidDocumentError

	_, err := a.Execute(context.Background(), textDoc("empty.txt"), nil)
	assert.ErrorAs(t, err, &ide)

	_, err = a.Execute(context.Background(), textDoc("blank.txt"), nil)
	assert.ErrorAs(t, err, &ide)

	_, err = a.Execute(context.Background(), textDoc("gone.txt"), nil)
	assert.ErrorAs(t, err, &ide)
}

func TestExtractAdapter_TruncatesAtRuneBoundary(t *testing.T) {
	// 9 bytes of ASCII then a 3-byte rune straddling the 10-byte cap.
	text := strings.Repeat("a", 9) + "€€"
	src := &stubSource{data: map[string][]byte{"t.txt": []byte(text)}}
	a := NewExtractAdapter(src, 10)

	payload, err := a.Execute(context.Background(), textDoc("t.txt"), nil)
	require.NoError(t, err)

	ep := payload.(model.ExtractPayload)
	assert.Equal(t, strings.Repeat("a", 9), ep.Text)
	assert.Equal(t, 9, ep.TruncatedAt)
}

func TestExtractAdapter_CorruptPDF(t *testing.T) {
	src := &stubSource{data: map[string][]byte{"bad.pdf": []byte("%PDF-1.7 not really a pdf")}}
	a := NewExtractAdapter(src, 0)

	doc := model.Document{ID: "doc-1", ContentRef: "bad.pdf", MimeType: model.MimePDF, Size: 25}
	_, err := a.Execute(context.Background(), doc, nil)
	var ide *resilience.InvalidDocumentError
	assert.ErrorAs(t, err, &ide)
}

func TestExtractAdapter_InvalidUTF8(t *testing.T) {
	src := &stubSource{data: map[string][]byte{"bin.txt": {0xff, 0xfe, 0x00, 0x01}}}
	a := NewExtractAdapter(src, 0)

	_, err := a.Execute(context.Background(), textDoc("bin.txt"), nil)
	var ide *resilience.InvalidDocumentError
	require.ErrorAs(t, err, &ide)
	assert.Contains(t, ide.Reason, "UTF-8")
}

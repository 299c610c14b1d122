package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfMediaType = "application/pdf"

var disableConfigDir sync.Once

// ErrUnreadableDocument indicates that a document declared as PDF could not be parsed.
var ErrUnreadableDocument = errors.New("storage: unreadable document")

// IsPDF reports whether the content type names a PDF document.
func IsPDF(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	return err == nil && mediaType == pdfMediaType
}

// InspectPDF counts the pages of a PDF document and rewinds content afterwards.
// Non-PDF content types are skipped and yield a nil page count.
func InspectPDF(content io.ReadSeeker, contentType string) (*int, error) {
	if !IsPDF(contentType) {
		return nil, nil
	}
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(content, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: rewind pdf: %w", err)
	}
	return &pages, nil
}

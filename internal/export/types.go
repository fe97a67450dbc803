// Package export renders notes as standalone HTML, PDF, DOCX, or ENEX
// documents.
package export

import "errors"

// Format is the export output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatENEX Format = "enex"
)

// Result is a finished export ready to stream to the client.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates headless Chrome is not installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates pandoc is not installed.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatHTML, FormatPDF, FormatDOCX, FormatENEX:
		return Format(s), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"inkwell/api/internal/enex"
	"inkwell/api/internal/store"
)

// noteReader is the storage surface the exporter needs.
type noteReader interface {
	GetNote(ctx context.Context, noteID, userID string) (store.Note, error)
}

// Service turns stored notes into downloadable documents.
type Service struct {
	notes noteReader
}

func NewService(notes noteReader) *Service {
	return &Service{notes: notes}
}

// ExportNote renders one note in the requested format, scoped to its
// owner.
func (s *Service) ExportNote(ctx context.Context, noteID, userID string, format Format) (*Result, error) {
	note, err := s.notes.GetNote(ctx, noteID, userID)
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}

	switch format {
	case FormatENEX:
		return renderENEX([]store.Note{note}, sanitizeFilename(note.Title))
	case FormatHTML, FormatPDF, FormatDOCX:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	html, err := RenderNoteHTML(note)
	if err != nil {
		return nil, fmt.Errorf("render note: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(note.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return renderPDF(html, note.Title)
	default:
		return renderDOCX(html, note.Title)
	}
}

// ExportAll renders every note of a user as one .enex archive.
func (s *Service) ExportAll(ctx context.Context, notes []store.Note) (*Result, error) {
	return renderENEX(notes, "notes")
}

func renderENEX(notes []store.Note, filename string) (*Result, error) {
	converted := make([]enex.Note, 0, len(notes))
	for _, note := range notes {
		converted = append(converted, enex.Note{
			Title:   note.Title,
			Content: note.Description,
			Created: note.CreatedAt,
			Updated: note.UpdatedAt,
			Tags:    note.Tags,
		})
	}

	var buf bytes.Buffer
	if err := enex.Build(&buf, converted, time.Now()); err != nil {
		return nil, fmt.Errorf("build enex: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: filename + ".enex",
		MimeType: "application/xml",
	}, nil
}

package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/store"
)

type fakeNoteReader struct {
	note store.Note
	err  error
}

func (f *fakeNoteReader) GetNote(ctx context.Context, noteID, userID string) (store.Note, error) {
	if f.err != nil {
		return store.Note{}, f.err
	}
	return f.note, nil
}

func testNote() store.Note {
	return store.Note{
		ID:          "n1",
		Title:       "Trip notes <2024>",
		Description: "<p>Pack <b>light</b></p>",
		Tags:        []string{"travel"},
		CreatedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 5, 2, 11, 0, 0, 0, time.UTC),
		UserID:      "u1",
	}
}

func TestRenderNoteHTML(t *testing.T) {
	html, err := RenderNoteHTML(testNote())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<title>Trip notes &lt;2024&gt;</title>") {
		t.Error("title must be escaped in the head")
	}
	if !strings.Contains(html, "<p>Pack <b>light</b></p>") {
		t.Error("sanitized description must pass through unescaped")
	}
	if !strings.Contains(html, `<span class="tag">travel</span>`) {
		t.Error("tags must render")
	}
}

func TestExportNoteHTML(t *testing.T) {
	svc := NewService(&fakeNoteReader{note: testNote()})

	result, err := svc.ExportNote(context.Background(), "n1", "u1", FormatHTML)
	if err != nil {
		t.Fatal(err)
	}
	if result.Filename != "Trip-notes-2024.html" {
		t.Errorf("filename = %q", result.Filename)
	}
	if result.MimeType != "text/html; charset=utf-8" {
		t.Errorf("mime = %q", result.MimeType)
	}
	if !strings.Contains(string(result.Data), "Pack <b>light</b>") {
		t.Error("body missing from export")
	}
}

func TestExportNoteENEX(t *testing.T) {
	svc := NewService(&fakeNoteReader{note: testNote()})

	result, err := svc.ExportNote(context.Background(), "n1", "u1", FormatENEX)
	if err != nil {
		t.Fatal(err)
	}
	out := string(result.Data)
	if !strings.Contains(out, "<en-note><p>Pack <b>light</b></p></en-note>") {
		t.Error("enex content missing")
	}
	if !strings.Contains(out, "<created>20240501T100000Z</created>") {
		t.Error("enex created stamp missing")
	}
	if result.Filename != "Trip-notes-2024.enex" {
		t.Errorf("filename = %q", result.Filename)
	}
}

func TestExportNoteUnknownFormat(t *testing.T) {
	svc := NewService(&fakeNoteReader{note: testNote()})
	if _, err := svc.ExportNote(context.Background(), "n1", "u1", Format("rtf")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExportNoteStoreError(t *testing.T) {
	svc := NewService(&fakeNoteReader{err: store.ErrNotFound})
	if _, err := svc.ExportNote(context.Background(), "n1", "u1", FormatHTML); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want wrapped ErrNotFound", err)
	}
}

func TestParseFormat(t *testing.T) {
	for _, ok := range []string{"html", "pdf", "docx", "enex"} {
		if _, err := ParseFormat(ok); err != nil {
			t.Errorf("ParseFormat(%q) = %v", ok, err)
		}
	}
	if _, err := ParseFormat("md"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Trip notes <2024>", "Trip-notes-2024"},
		{"///", "note"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, c := range cases {
		if got := sanitizeFilename(c.in); got != c.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPercentEncode(t *testing.T) {
	if got := percentEncode("a b"); got != "a%20b" {
		t.Errorf("space = %q, want %%20 not +", got)
	}
	if got := percentEncode("тест"); !strings.HasPrefix(got, "%D1%82") {
		t.Errorf("multibyte = %q", got)
	}
}

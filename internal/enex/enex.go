// Package enex reads and writes Evernote's .enex export format.
package enex

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DateStamp is Evernote's timestamp layout (UTC, no separators).
const DateStamp = "20060102T150405Z"

// Resource is an embedded attachment. Hash is the md5 of the decoded
// data, which is what en-media tags reference.
type Resource struct {
	Data     []byte
	Mime     string
	Width    int
	Height   int
	FileName string
	Hash     string
}

// Note is one note from an .enex document. Content is the inner ENML
// markup, without the en-note wrapper.
type Note struct {
	Title     string
	Content   string
	Created   time.Time
	Updated   time.Time
	Tags      []string
	Resources []Resource
}

type xmlExport struct {
	XMLName xml.Name  `xml:"en-export"`
	Notes   []xmlNote `xml:"note"`
}

type xmlNote struct {
	Title     string        `xml:"title"`
	Content   string        `xml:"content"`
	Created   string        `xml:"created"`
	Updated   string        `xml:"updated"`
	Tags      []string      `xml:"tag"`
	Resources []xmlResource `xml:"resource"`
}

type xmlResource struct {
	Data     string `xml:"data"`
	Mime     string `xml:"mime"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	FileName string `xml:"resource-attributes>file-name"`
}

var enNoteRe = regexp.MustCompile(`(?s)<en-note[^>]*>(.*)</en-note>`)

// Parse reads an .enex document. Malformed XML fails the whole parse;
// malformed dates on a single note fall back to the current time, and
// undecodable resources are skipped, matching how lenient importers
// treat real-world exports.
func Parse(r io.Reader) ([]Note, error) {
	decoder := xml.NewDecoder(r)
	var doc xmlExport
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse enex: %w", err)
	}

	notes := make([]Note, 0, len(doc.Notes))
	for _, raw := range doc.Notes {
		note := Note{
			Title:   strings.TrimSpace(raw.Title),
			Content: extractContent(raw.Content),
			Created: parseDate(raw.Created),
			Updated: parseDate(raw.Updated),
		}
		if note.Title == "" {
			note.Title = "Untitled"
		}
		for _, tag := range raw.Tags {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				note.Tags = append(note.Tags, trimmed)
			}
		}
		for _, res := range raw.Resources {
			decoded, err := decodeResourceData(res.Data)
			if err != nil {
				continue
			}
			mime := res.Mime
			if mime == "" {
				mime = "image/png"
			}
			sum := md5.Sum(decoded)
			note.Resources = append(note.Resources, Resource{
				Data:     decoded,
				Mime:     mime,
				Width:    res.Width,
				Height:   res.Height,
				FileName: res.FileName,
				Hash:     hex.EncodeToString(sum[:]),
			})
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// extractContent pulls the markup inside the en-note wrapper the
// content CDATA carries. Content without a wrapper passes through.
func extractContent(cdata string) string {
	if m := enNoteRe.FindStringSubmatch(cdata); m != nil {
		return m[1]
	}
	return cdata
}

func parseDate(stamp string) time.Time {
	t, err := time.Parse(DateStamp, strings.TrimSpace(stamp))
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// decodeResourceData tolerates the line-wrapped base64 Evernote emits.
func decodeResourceData(data string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, data)
	if cleaned == "" {
		return nil, fmt.Errorf("empty resource data")
	}
	return base64.StdEncoding.DecodeString(cleaned)
}

// Build writes notes as an .enex document.
func Build(w io.Writer, notes []Note, exportDate time.Time) error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE en-export SYSTEM "http://xml.evernote.com/pub/evernote-export3.dtd">` + "\n")
	fmt.Fprintf(&b, `<en-export export-date="%s" application="Inkwell" version="1.0">`+"\n",
		exportDate.UTC().Format(DateStamp))

	for _, note := range notes {
		buildNote(&b, note)
	}

	b.WriteString("</en-export>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func buildNote(b *strings.Builder, note Note) {
	b.WriteString("<note>\n")
	fmt.Fprintf(b, "<title>%s</title>\n", escape(note.Title))

	b.WriteString("<content><![CDATA[")
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE en-note SYSTEM "http://xml.evernote.com/pub/enml2.dtd">` + "\n")
	fmt.Fprintf(b, "<en-note>%s</en-note>", note.Content)
	b.WriteString("]]></content>\n")

	fmt.Fprintf(b, "<created>%s</created>\n", note.Created.UTC().Format(DateStamp))
	fmt.Fprintf(b, "<updated>%s</updated>\n", note.Updated.UTC().Format(DateStamp))

	tags := make([]string, len(note.Tags))
	copy(tags, note.Tags)
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Fprintf(b, "<tag>%s</tag>\n", escape(tag))
	}

	for _, res := range note.Resources {
		buildResource(b, res)
	}
	b.WriteString("</note>\n")
}

func buildResource(b *strings.Builder, res Resource) {
	b.WriteString("<resource>\n")
	fmt.Fprintf(b, "<data encoding=\"base64\">%s</data>\n", base64.StdEncoding.EncodeToString(res.Data))
	fmt.Fprintf(b, "<mime>%s</mime>\n", escape(res.Mime))
	if res.Width > 0 {
		fmt.Fprintf(b, "<width>%d</width>\n", res.Width)
	}
	if res.Height > 0 {
		fmt.Fprintf(b, "<height>%d</height>\n", res.Height)
	}
	if res.FileName != "" {
		fmt.Fprintf(b, "<resource-attributes><file-name>%s</file-name></resource-attributes>\n", escape(res.FileName))
	}
	b.WriteString("</resource>\n")
}

func escape(text string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(text))
	return b.String()
}

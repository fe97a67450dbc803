package export

import (
	"bytes"
	"html/template"
	"time"

	"inkwell/api/internal/store"
)

var noteTemplate = template.Must(template.New("note").Funcs(template.FuncMap{
	"safeHTML": func(s string) template.HTML { return template.HTML(s) },
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04")
	},
}).Parse(noteTemplateText))

type templateData struct {
	Note       store.Note
	ExportedAt time.Time
}

// RenderNoteHTML renders a note as a standalone HTML document. The
// description is stored sanitized, so it is embedded as-is.
func RenderNoteHTML(note store.Note) (string, error) {
	var buf bytes.Buffer
	err := noteTemplate.Execute(&buf, templateData{Note: note, ExportedAt: time.Now()})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

const noteTemplateText = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Note.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #1a1a1a; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .tag { display: inline-block; background: #eef; border-radius: 3px; padding: 0 0.4em; margin-right: 0.3em; font-size: 0.85em; }
    img { max-width: 100%; }
  </style>
</head>
<body>
  <h1>{{.Note.Title}}</h1>
  <div class="meta">
    Updated {{formatDate .Note.UpdatedAt}}
    {{range .Note.Tags}}<span class="tag">{{.}}</span>{{end}}
  </div>
  <div>{{safeHTML .Note.Description}}</div>
</body>
</html>`

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"inkwell/api/internal/store"
)

const notesIndex = "inkwell_notes"

// Meili is the optional ranking engine in front of Postgres. It keeps a
// background health check so an outage downgrades searches instead of
// failing them.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the notes index. An
// unreachable instance still returns a client; the health loop will pick
// it up when it recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        notesIndex,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", notesIndex, err)
	}

	index := m.client.Index(notesIndex)

	filterable := []interface{}{"user_id", "tags"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// noteDocument is the indexed shape of a note.
type noteDocument struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	UserID      string   `json:"user_id"`
}

// Search queries the notes index scoped to one user.
func (m *Meili) Search(ctx context.Context, userID, query string, opts Options) (Page, error) {
	if !m.healthy.Load() {
		return Page{}, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(opts.Limit)
	if limit <= 0 {
		limit = defaultLimit
	}

	filters := []string{fmt.Sprintf("user_id = %q", userID)}
	if opts.Tag != "" {
		filters = append(filters, fmt.Sprintf("tags = %q", opts.Tag))
	}

	resp, err := m.client.Index(notesIndex).SearchWithContext(ctx, query, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(opts.Offset),
		Filter:                filters,
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		ShowRankingScore:      true,
	})
	if err != nil {
		m.healthy.Store(false)
		return Page{}, fmt.Errorf("meilisearch search: %w", err)
	}

	page := Page{
		Results:    make([]Result, 0, len(resp.Hits)),
		Total:      int(resp.EstimatedTotalHits),
		TotalKnown: true,
		Method:     MethodMeili,
	}
	for _, hit := range resp.Hits {
		page.Results = append(page.Results, hitToResult(hit))
	}
	return page, nil
}

// IndexNote pushes one note into the index, fire-and-forget.
func (m *Meili) IndexNote(note store.Note) {
	if !m.healthy.Load() {
		return
	}
	doc := noteDocument{
		ID:          note.ID,
		Title:       note.Title,
		Description: note.Description,
		Tags:        note.Tags,
		CreatedAt:   note.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   note.UpdatedAt.Format(time.RFC3339),
		UserID:      note.UserID,
	}
	go func() {
		if _, err := m.client.Index(notesIndex).AddDocuments([]noteDocument{doc}, nil); err != nil {
			log.Printf("search: index note %s: %v", note.ID, err)
		}
	}()
}

// DeleteNote removes a note from the index, fire-and-forget.
func (m *Meili) DeleteNote(noteID string) {
	if !m.healthy.Load() {
		return
	}
	go func() {
		if _, err := m.client.Index(notesIndex).DeleteDocument(noteID, nil); err != nil {
			log.Printf("search: delete note %s: %v", noteID, err)
		}
	}()
}

// ReindexAll pushes a full set of notes, used at bootstrap when the
// index is behind Postgres.
func (m *Meili) ReindexAll(notes []store.Note) {
	if !m.healthy.Load() || len(notes) == 0 {
		return
	}
	docs := make([]noteDocument, 0, len(notes))
	for _, note := range notes {
		docs = append(docs, noteDocument{
			ID:          note.ID,
			Title:       note.Title,
			Description: note.Description,
			Tags:        note.Tags,
			CreatedAt:   note.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   note.UpdatedAt.Format(time.RFC3339),
			UserID:      note.UserID,
		})
	}
	if _, err := m.client.Index(notesIndex).AddDocuments(docs, nil); err != nil {
		log.Printf("search: reindex notes: %v", err)
	}
}

func hitToResult(hit meili.Hit) Result {
	var r Result
	r.ID = decodeString(hit, "id")
	r.Title = decodeString(hit, "title")
	r.Description = decodeString(hit, "description")
	r.UserID = decodeString(hit, "user_id")

	var tags []string
	if raw, ok := hit["tags"]; ok {
		_ = json.Unmarshal(raw, &tags)
	}
	r.Tags = tags

	if created, err := time.Parse(time.RFC3339, decodeString(hit, "created_at")); err == nil {
		r.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339, decodeString(hit, "updated_at")); err == nil {
		r.UpdatedAt = updated
	}

	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &r.Rank)
	}
	r.Headline = decodeFormattedString(hit, "description")
	if strings.TrimSpace(r.Headline) == "" {
		r.Headline = headlinePrefix(r.Description)
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

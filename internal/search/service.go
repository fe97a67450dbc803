package search

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"inkwell/api/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100

	// fallbackHeadlineRunes bounds the plain description prefix used as a
	// headline when the ranking engine did not produce one.
	fallbackHeadlineRunes = 200
)

// noteSearcher is the Postgres surface the pipeline needs: the ranked
// FTS function and the substring fallback scan.
type noteSearcher interface {
	SearchFTS(ctx context.Context, tsQuery, language string, minRank float64, limit, offset int, userID string) ([]store.FtsRow, error)
	SearchILIKE(ctx context.Context, userID, pattern, tag string, limit, offset int) ([]store.Note, error)
}

// engine is an optional index in front of Postgres (Meilisearch).
type engine interface {
	Healthy() bool
	Search(ctx context.Context, userID, query string, opts Options) (Page, error)
}

// Service orchestrates the engine -> FTS -> ILIKE degradation chain.
type Service struct {
	db      noteSearcher
	engine  engine
	minRank float64
	slow    time.Duration
}

// NewService creates the search pipeline. eng may be nil when no engine
// is configured. minRank is the rank floor applied when a call does not
// supply its own.
func NewService(db noteSearcher, eng *Meili, minRank float64, slowWarn time.Duration) *Service {
	s := &Service{db: db, minRank: minRank, slow: slowWarn}
	if eng != nil {
		s.engine = eng
	}
	return s
}

// SearchNotes runs the degradation chain for one user's query.
//
// FTS is attempted exactly once; any FTS failure (or an empty FTS page,
// which usually means the query is a mid-word substring) falls through
// to the ILIKE scan. Only both Postgres strategies failing produces an
// error, and never partial results.
func (s *Service) SearchNotes(ctx context.Context, userID, query string, opts Options) (Page, error) {
	started := time.Now()

	if strings.TrimSpace(userID) == "" {
		return Page{}, ErrUnauthorized
	}

	// Validation happens before any I/O; callers render these inline.
	tsQuery, err := BuildTsQuery(query)
	if err != nil {
		return Page{}, err
	}

	language := opts.Language
	if language == "" {
		language = DetectLanguage(query)
	}
	minRank := opts.MinRank
	if minRank == 0 {
		minRank = s.minRank
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	if s.engine != nil && s.engine.Healthy() {
		page, err := s.engine.Search(ctx, userID, query, Options{
			Language: language,
			Limit:    limit,
			Offset:   offset,
			Tag:      opts.Tag,
		})
		if err == nil {
			return s.observed(started, query, page), nil
		}
		log.Printf("search: engine error, falling back to postgres: %v", err)
	}

	ftsPage, ftsErr := s.searchFTS(ctx, userID, tsQuery, FtsLanguage(language), minRank, limit, offset, opts.Tag)
	if ftsErr == nil && len(ftsPage.Results) > 0 {
		return s.observed(started, query, ftsPage), nil
	}
	if ftsErr != nil {
		log.Printf("search: fts failed, falling back to ilike: %v", ftsErr)
	}

	ilikePage, ilikeErr := s.searchILIKE(ctx, userID, query, opts.Tag, limit, offset)
	if ilikeErr == nil {
		return s.observed(started, query, ilikePage), nil
	}

	if ftsErr != nil {
		return Page{}, fmt.Errorf("%w: fts: %v; ilike: %v", ErrUnavailable, ftsErr, ilikeErr)
	}
	// FTS ran fine but matched nothing, and the substring scan broke:
	// the empty ranked page is still a truthful answer.
	log.Printf("search: ilike failed after empty fts page: %v", ilikeErr)
	return s.observed(started, query, ftsPage), nil
}

func (s *Service) searchFTS(ctx context.Context, userID, tsQuery, language string, minRank float64, limit, offset int, tag string) (Page, error) {
	rows, err := s.db.SearchFTS(ctx, tsQuery, language, minRank, limit, offset, userID)
	if err != nil {
		return Page{}, err
	}

	page := Page{Results: make([]Result, 0, len(rows)), Method: MethodFTS}
	for _, row := range rows {
		if tag != "" && !containsTag(row.Tags, tag) {
			continue
		}
		page.Results = append(page.Results, Result{Note: row.Note, Rank: row.Rank, Headline: row.Headline})
	}
	if len(rows) > 0 {
		page.Total = rows[0].TotalCount
		page.TotalKnown = true
	}
	return page, nil
}

func (s *Service) searchILIKE(ctx context.Context, userID, query, tag string, limit, offset int) (Page, error) {
	// Commas separate branches in the OR-filter syntax some callers
	// still speak; strip them so they cannot restructure the filter.
	cleaned := strings.ReplaceAll(strings.ToLower(query), ",", " ")
	pattern := "%" + cleaned + "%"

	rows, err := s.db.SearchILIKE(ctx, userID, pattern, tag, limit, offset)
	if err != nil {
		return Page{}, err
	}

	page := Page{Results: make([]Result, 0, len(rows)), Method: MethodILIKE}
	for _, note := range rows {
		page.Results = append(page.Results, Result{
			Note:     note,
			Rank:     0,
			Headline: headlinePrefix(note.Description),
		})
	}
	// The scan reports no exact total; Total is just what this page and
	// earlier ones could have accumulated.
	page.Total = offset + len(page.Results)
	page.TotalKnown = false
	return page, nil
}

func (s *Service) observed(started time.Time, query string, page Page) Page {
	page.Duration = time.Since(started)
	if s.slow > 0 && page.Duration > s.slow {
		log.Printf("search: slow query (%s, method=%s, len=%d)", page.Duration, page.Method, len(query))
	}
	return page
}

func headlinePrefix(description string) string {
	runes := []rune(description)
	if len(runes) <= fallbackHeadlineRunes {
		return description
	}
	return string(runes[:fallbackHeadlineRunes])
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

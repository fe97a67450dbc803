// Package search answers "find this user's notes matching a query" with
// the best available ranking, degrading from an optional Meilisearch
// engine through Postgres full-text search down to an ILIKE substring
// scan. Only the last resort failing surfaces to the caller.
package search

import (
	"errors"
	"time"

	"inkwell/api/internal/store"
)

// Method records which strategy produced a page of results.
type Method string

const (
	MethodFTS   Method = "fts"
	MethodILIKE Method = "ilike"
	MethodMeili Method = "meili"
)

// Language is a client-facing language code.
type Language string

const (
	LangRussian   Language = "ru"
	LangEnglish   Language = "en"
	LangUkrainian Language = "uk"
)

var ErrUnauthorized = errors.New("search: user required")
var ErrUnavailable = errors.New("search: unavailable")

// Options tune a single search call. Zero values fall back to service
// configuration (MinRank) or are derived from the query (Language).
type Options struct {
	Language Language
	MinRank  float64
	Limit    int
	Offset   int
	Tag      string
}

// Result is a note with relevance metadata. Rank is 0 and Headline a
// plain description prefix on the fallback path.
type Result struct {
	store.Note
	Rank     float64 `json:"rank"`
	Headline string  `json:"headline"`
}

// Page is one page of search results.
type Page struct {
	Results []Result `json:"results"`
	// Total is exact when TotalKnown, otherwise a lower bound.
	Total      int           `json:"total"`
	TotalKnown bool          `json:"totalKnown"`
	Method     Method        `json:"method"`
	Duration   time.Duration `json:"-"`
}

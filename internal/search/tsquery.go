package search

import (
	"errors"
	"regexp"
	"strings"
)

const (
	minQueryLength = 3
	maxQueryLength = 1000
)

var (
	ErrQueryTooShort     = errors.New("search: query must be at least 3 characters")
	ErrQueryTooLong      = errors.New("search: query exceeds 1000 characters")
	ErrQueryUnsearchable = errors.New("search: query is empty after sanitization")
)

// tsquery operators and grouping characters; stripped so user input can
// never change the query structure.
var tsSpecialRe = regexp.MustCompile(`[&|!():<>]`)

var cyrillicRe = regexp.MustCompile(`[\x{0400}-\x{04FF}]`)

// BuildTsQuery turns free text into the prefix-match AND form the
/// ranking function consumes: "hello world" -> "hello:* & world:*".
// Validation happens here, before any I/O.
func BuildTsQuery(query string) (string, error) {
	if len(query) > maxQueryLength {
		return "", ErrQueryTooLong
	}

	trimmed := strings.TrimSpace(query)
	if len([]rune(trimmed)) < minQueryLength {
		return "", ErrQueryTooShort
	}

	sanitized := tsSpecialRe.ReplaceAllString(strings.ToLower(trimmed), " ")
	words := strings.Fields(sanitized)
	if len(words) == 0 {
		return "", ErrQueryUnsearchable
	}

	for i, word := range words {
		words[i] = word + ":*"
	}
	return strings.Join(words, " & "), nil
}

// DetectLanguage guesses the query language: any Cyrillic character
// means Russian, otherwise English. The empty query defaults to Russian.
func DetectLanguage(query string) Language {
	if query == "" {
		return LangRussian
	}
	if cyrillicRe.MatchString(query) {
		return LangRussian
	}
	return LangEnglish
}

// FtsLanguage maps a client language code to a Postgres text search
// configuration. Ukrainian deliberately routes to the Russian analyzer:
// the backend has no Ukrainian configuration, and Russian stems it
// better than 'simple' would.
func FtsLanguage(language Language) string {
	switch language {
	case LangEnglish:
		return "english"
	case LangRussian, LangUkrainian:
		return "russian"
	default:
		return "russian"
	}
}

package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Note is a user-owned document. Description is sanitized HTML.
// UpdatedAt is server-authoritative and increases on every mutation;
// ID never changes after creation.
type Note struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UserID      string    `json:"user_id"`
}

// NotePage is one page of a note listing with an exact total.
type NotePage struct {
	Notes   []Note
	Total   int
	HasMore bool
}

/// FtsRow is what the search_notes_fts SQL function returns: a note
// plus its rank, a highlighted headline, and the window total.
type FtsRow struct {
	Note
	Rank       float64
	Headline   string
	TotalCount int
}

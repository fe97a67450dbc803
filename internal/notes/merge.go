// Package notes holds the note domain helpers shared by the HTTP service
// and the offline sync machinery: the last-write-wins conflict policy and
// HTML sanitization.
package notes

import (
	"time"

	"inkwell/api/internal/store"
)

// Patch is a partial note. Nil fields were not provided by the caller and
// must never overwrite existing values.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Tags        *[]string  `json:"tags,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UserID      *string    `json:"user_id,omitempty"`
}

// PickLatest returns the candidate with the greatest updated_at.
// Nil candidates are skipped; all-nil input returns nil.
func PickLatest(candidates ...*store.Note) *store.Note {
	var best *store.Note
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if best == nil || candidate.UpdatedAt.After(best.UpdatedAt) {
			best = candidate
		}
	}
	return best
}

// UpdatedAtMs reports a note's update time in epoch milliseconds, the
// wire form sync clients exchange.
func UpdatedAtMs(note store.Note) int64 {
	return note.UpdatedAt.UnixMilli()
}

// MergeFields applies only the fields a patch explicitly carries.
func MergeFields(base store.Note, patch Patch) store.Note {
	merged := base
	if patch.Title != nil {
		merged.Title = *patch.Title
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.Tags != nil {
		merged.Tags = *patch.Tags
	}
	if patch.CreatedAt != nil {
		merged.CreatedAt = *patch.CreatedAt
	}
	if patch.UpdatedAt != nil {
		merged.UpdatedAt = *patch.UpdatedAt
	}
	if patch.UserID != nil {
		merged.UserID = *patch.UserID
	}
	return merged
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"inkwell/api/internal/attachments"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/enex"
	"inkwell/api/internal/export"
	"inkwell/api/internal/notes"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/syncqueue"
	"inkwell/api/internal/util"
)

// dataStore is the Postgres surface the service consumes.
type dataStore interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)

	ListNotes(ctx context.Context, userID string, opts store.ListNotesOptions) (store.NotePage, error)
	GetNote(ctx context.Context, noteID, userID string) (store.Note, error)
	GetNotesByIDs(ctx context.Context, userID string, noteIDs []string) ([]store.Note, error)
	InsertNote(ctx context.Context, note store.Note) (store.Note, error)
	UpdateNote(ctx context.Context, note store.Note) (store.Note, error)
	DeleteNote(ctx context.Context, noteID, userID string) error
}

// noteIndexer receives note changes for the optional ranking engine.
type noteIndexer interface {
	IndexNote(note store.Note)
	DeleteNote(noteID string)
}

// Session is an authenticated client session.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	ExpiresAt    time.Time
}

type Service struct {
	store    dataStore
	sessions session.Store
	pw       *authpw.Service
	issuer   *auth.Issuer
	search   *search.Service
	exporter *export.Service
	indexer  noteIndexer
	offline  *syncqueue.Manager
	files    *attachments.Store

	refreshTTL time.Duration
}

type ServiceConfig struct {
	Store      dataStore
	Sessions   session.Store
	Passwords  *authpw.Service
	Issuer     *auth.Issuer
	Search     *search.Service
	Exporter   *export.Service
	Indexer    noteIndexer
	Offline    *syncqueue.Manager
	Files      *attachments.Store
	RefreshTTL time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		pw:         cfg.Passwords,
		issuer:     cfg.Issuer,
		search:     cfg.Search,
		exporter:   cfg.Exporter,
		indexer:    cfg.Indexer,
		offline:    cfg.Offline,
		files:      cfg.Files,
		refreshTTL: cfg.RefreshTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.pw.SignUp(ctx, email, password, displayName)
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.pw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, user)
}

func (s *Service) openSession(ctx context.Context, user store.User) (Session, error) {
	token, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID("rt")
	expiresAt := time.Now().Add(s.refreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old session is revoked and a new
// one opened, so a leaked token works at most once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		log.Printf("app: revoke rotated refresh token: %v", err)
	}
	return s.openSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// SessionFromToken resolves a bearer token into a session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		Email:     claims.Email,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---- notes ----

type NoteInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (s *Service) ListNotes(ctx context.Context, userID string, opts store.ListNotesOptions) (store.NotePage, error) {
	return s.store.ListNotes(ctx, userID, opts)
}

func (s *Service) GetNote(ctx context.Context, noteID, userID string) (store.Note, error) {
	return s.store.GetNote(ctx, noteID, userID)
}

// CreateNote sanitizes and stores a new note. Descriptions pass the
// HTML sanitizer; titles are plain text.
func (s *Service) CreateNote(ctx context.Context, userID string, input NoteInput) (store.Note, error) {
	title := strings.TrimSpace(notes.StripHTML(input.Title))
	if title == "" {
		return store.Note{}, domainError(http.StatusBadRequest, "INVALID_NOTE", "Title is required", nil)
	}

	created, err := s.store.InsertNote(ctx, store.Note{
		ID:          util.NewID("note"),
		Title:       title,
		Description: notes.SanitizeHTML(input.Description),
		Tags:        normalizeTags(input.Tags),
		UserID:      userID,
	})
	if err != nil {
		return store.Note{}, fmt.Errorf("insert note: %w", err)
	}
	s.index(created)
	return created, nil
}

// UpdateNote merges a patch over the stored note. Only fields the patch
// carries are touched.
func (s *Service) UpdateNote(ctx context.Context, noteID, userID string, patch notes.Patch) (store.Note, error) {
	existing, err := s.store.GetNote(ctx, noteID, userID)
	if err != nil {
		return store.Note{}, err
	}

	sanitizePatch(&patch)
	merged := notes.MergeFields(existing, patch)
	merged.UserID = userID

	updated, err := s.store.UpdateNote(ctx, merged)
	if err != nil {
		return store.Note{}, fmt.Errorf("update note: %w", err)
	}
	s.index(updated)
	return updated, nil
}

func (s *Service) DeleteNote(ctx context.Context, noteID, userID string) error {
	if err := s.store.DeleteNote(ctx, noteID, userID); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.DeleteNote(noteID)
	}
	return nil
}

func (s *Service) index(note store.Note) {
	if s.indexer != nil {
		s.indexer.IndexNote(note)
	}
}

func sanitizePatch(patch *notes.Patch) {
	if patch.Title != nil {
		title := strings.TrimSpace(notes.StripHTML(*patch.Title))
		patch.Title = &title
	}
	if patch.Description != nil {
		description := notes.SanitizeHTML(*patch.Description)
		patch.Description = &description
	}
	if patch.Tags != nil {
		tags := normalizeTags(*patch.Tags)
		patch.Tags = &tags
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

// ---- search ----

func (s *Service) SearchNotes(ctx context.Context, userID, query string, opts search.Options) (search.Page, error) {
	return s.search.SearchNotes(ctx, userID, query, opts)
}

// ---- sync ----

// SyncResult is the per-mutation outcome of a replay batch.
type SyncResult struct {
	ID     string      `json:"id"`
	NoteID string      `json:"noteId"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Note   *store.Note `json:"note,omitempty"`
}

const (
	SyncApplied = "applied"
	SyncStale   = "stale"
	SyncFailed  = "failed"
)

// SyncApply ingests a replayed mutation batch. Items are compacted
// per note, then applied in order; one item's failure never aborts the
// rest. Conflicts resolve last-write-wins: a mutation older than the
// stored note is reported stale and the server copy returned.
func (s *Service) SyncApply(ctx context.Context, userID string, items []syncqueue.Item) []SyncResult {
	compacted := syncqueue.Compact(items)
	results := make([]SyncResult, 0, len(compacted))

	for _, item := range compacted {
		result := SyncResult{ID: item.ID, NoteID: item.NoteID}

		note, err := s.applyMutation(ctx, userID, item)
		switch {
		case err == nil:
			result.Status = SyncApplied
			if note != nil {
				result.Note = note
			}
		case errors.Is(err, errStaleMutation):
			result.Status = SyncStale
			if note != nil {
				result.Note = note
			}
		default:
			result.Status = SyncFailed
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

var errStaleMutation = errors.New("mutation older than stored note")

func (s *Service) applyMutation(ctx context.Context, userID string, item syncqueue.Item) (*store.Note, error) {
	switch item.Operation {
	case syncqueue.OpCreate:
		input := NoteInput{Tags: []string{}}
		if item.Payload.Title != nil {
			input.Title = *item.Payload.Title
		}
		if item.Payload.Description != nil {
			input.Description = *item.Payload.Description
		}
		if item.Payload.Tags != nil {
			input.Tags = *item.Payload.Tags
		}
		created, err := s.CreateNote(ctx, userID, input)
		if err != nil {
			return nil, err
		}
		return &created, nil

	case syncqueue.OpUpdate:
		existing, err := s.store.GetNote(ctx, item.NoteID, userID)
		if err != nil {
			return nil, err
		}
		if existing.UpdatedAt.After(item.ClientUpdatedAt) {
			return &existing, errStaleMutation
		}
		updated, err := s.UpdateNote(ctx, item.NoteID, userID, item.Payload)
		if err != nil {
			return nil, err
		}
		return &updated, nil

	case syncqueue.OpDelete:
		if err := s.DeleteNote(ctx, item.NoteID, userID); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", item.Operation)
	}
}

// ApplyMutation replays one buffered mutation through the normal write
// path. Stale mutations were already superseded, so they count as done.
func (s *Service) ApplyMutation(ctx context.Context, item syncqueue.Item) error {
	var userID string
	if item.Payload.UserID != nil {
		userID = *item.Payload.UserID
	}
	if userID == "" {
		return fmt.Errorf("buffered mutation %s has no user", item.ID)
	}
	_, err := s.applyMutation(ctx, userID, item)
	if errors.Is(err, errStaleMutation) {
		return nil
	}
	return err
}

// CanBuffer reports whether a write-behind buffer is configured.
func (s *Service) CanBuffer() bool {
	return s.offline != nil
}

// BufferMutations parks a mutation batch in the write-behind queue
// while the database is unreachable. The owning user is stamped into
// each payload so replay can restore the scope.
func (s *Service) BufferMutations(ctx context.Context, userID string, items []syncqueue.Item) error {
	inputs := make([]syncqueue.ItemInput, 0, len(items))
	for _, item := range items {
		item.Payload.UserID = &userID
		inputs = append(inputs, syncqueue.ItemInput{
			ID:              item.ID,
			NoteID:          item.NoteID,
			Operation:       item.Operation,
			Payload:         item.Payload,
			ClientUpdatedAt: item.ClientUpdatedAt,
		})
	}
	if _, err := s.offline.Queue().EnqueueMany(ctx, inputs); err != nil {
		return fmt.Errorf("buffer mutations: %w", err)
	}
	return nil
}

func (s *Service) SyncState(ctx context.Context) (syncqueue.State, error) {
	return s.offline.State(ctx)
}

func (s *Service) RetryBufferedMutations(ctx context.Context) error {
	return s.offline.RetryFailed(ctx)
}

// ---- import/export ----

// ImportResult summarizes an .enex import.
type ImportResult struct {
	Success     int                `json:"success"`
	Errors      int                `json:"errors"`
	Attachments int                `json:"attachments"`
	FailedNotes []FailedImportNote `json:"failedNotes,omitempty"`
}

type FailedImportNote struct {
	Title string `json:"title"`
	Error string `json:"error"`
}

// ImportENEX parses an Evernote export and creates one note per entry.
// A note that fails to store is recorded and the rest continue.
func (s *Service) ImportENEX(ctx context.Context, userID string, r io.Reader) (ImportResult, error) {
	parsed, err := enex.Parse(r)
	if err != nil {
		return ImportResult{}, domainError(http.StatusBadRequest, "INVALID_ENEX", "Could not parse .enex file", nil)
	}

	var result ImportResult
	for _, note := range parsed {
		_, err := s.CreateNote(ctx, userID, NoteInput{
			Title:       note.Title,
			Description: note.Content,
			Tags:        note.Tags,
		})
		if err != nil {
			result.Errors++
			result.FailedNotes = append(result.FailedNotes, FailedImportNote{
				Title: note.Title,
				Error: err.Error(),
			})
			continue
		}
		result.Success++

		// Embedded resources land in object storage when it is
		// configured; a failed upload never fails the note.
		if s.files != nil {
			for _, resource := range note.Resources {
				if _, err := s.files.Put(ctx, userID, resource.Data, resource.Mime); err != nil {
					log.Printf("app: store imported resource %s: %v", resource.Hash, err)
					continue
				}
				result.Attachments++
			}
		}
	}
	return result, nil
}

func (s *Service) ExportNote(ctx context.Context, noteID, userID string, format export.Format) (*export.Result, error) {
	return s.exporter.ExportNote(ctx, noteID, userID, format)
}

// ExportNotes bundles the selected notes, or all of the user's notes
// when noteIDs is empty, into one .enex archive.
func (s *Service) ExportNotes(ctx context.Context, userID string, noteIDs []string) (*export.Result, error) {
	var selected []store.Note
	if len(noteIDs) == 0 {
		page, err := s.store.ListNotes(ctx, userID, store.ListNotesOptions{Limit: 10000})
		if err != nil {
			return nil, fmt.Errorf("list notes: %w", err)
		}
		selected = page.Notes
	} else {
		var err error
		selected, err = s.store.GetNotesByIDs(ctx, userID, noteIDs)
		if err != nil {
			return nil, fmt.Errorf("get notes: %w", err)
		}
	}
	return s.exporter.ExportAll(ctx, selected)
}

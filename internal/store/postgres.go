package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE lower(email) = lower($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// ---- refresh sessions (used when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---- notes ----

const noteColumns = `id, title, description, tags, created_at, updated_at, user_id`

type ListNotesOptions struct {
	Tag    string
	Limit  int
	Offset int
}

func (s *PostgresStore) ListNotes(ctx context.Context, userID string, opts ListNotesOptions) (NotePage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	where := `user_id = $1`
	args := []any{userID}
	if opts.Tag != "" {
		tagJSON, err := json.Marshal([]string{opts.Tag})
		if err != nil {
			return NotePage{}, fmt.Errorf("marshal tag filter: %w", err)
		}
		where += ` AND tags @> $2`
		args = append(args, string(tagJSON))
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total
		FROM notes
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT %d OFFSET %d
	`, noteColumns, where, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return NotePage{}, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	page := NotePage{Notes: make([]Note, 0)}
	for rows.Next() {
		var note Note
		var tags []byte
		if err := rows.Scan(&note.ID, &note.Title, &note.Description, &tags, &note.CreatedAt, &note.UpdatedAt, &note.UserID, &page.Total); err != nil {
			return NotePage{}, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal(tags, &note.Tags); err != nil {
			return NotePage{}, fmt.Errorf("decode tags: %w", err)
		}
		page.Notes = append(page.Notes, note)
	}
	if err := rows.Err(); err != nil {
		return NotePage{}, fmt.Errorf("iterate notes: %w", err)
	}
	page.HasMore = offset+len(page.Notes) < page.Total
	return page, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID, userID string) (Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1 AND user_id = $2`, noteID, userID)
	return scanNote(row)
}

func (s *PostgresStore) GetNotesByIDs(ctx context.Context, userID string, noteIDs []string) ([]Note, error) {
	if len(noteIDs) == 0 {
		return []Note{}, nil
	}

	placeholders := make([]string, len(noteIDs))
	args := []any{userID}
	for i, id := range noteIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM notes
		WHERE user_id = $1 AND id IN (%s)
		ORDER BY updated_at DESC
	`, noteColumns, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes by ids: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0, len(noteIDs))
	for rows.Next() {
		var note Note
		var tags []byte
		if err := rows.Scan(&note.ID, &note.Title, &note.Description, &tags, &note.CreatedAt, &note.UpdatedAt, &note.UserID); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal(tags, &note.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) (Note, error) {
	tags, err := json.Marshal(nonNilTags(note.Tags))
	if err != nil {
		return Note{}, fmt.Errorf("marshal tags: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (id, title, description, tags, user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+noteColumns+`
	`, note.ID, note.Title, note.Description, string(tags), note.UserID)
	return scanNote(row)
}

// UpdateNote overwrites title/description/tags. updated_at is bumped with a
// GREATEST guard so it never moves backwards, even under clock skew.
func (s *PostgresStore) UpdateNote(ctx context.Context, note Note) (Note, error) {
	tags, err := json.Marshal(nonNilTags(note.Tags))
	if err != nil {
		return Note{}, fmt.Errorf("marshal tags: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE notes
		SET title = $2,
			description = $3,
			tags = $4,
			updated_at = GREATEST(NOW(), updated_at + interval '1 microsecond')
		WHERE id = $1 AND user_id = $5
		RETURNING `+noteColumns+`
	`, note.ID, note.Title, note.Description, string(tags), note.UserID)
	return scanNote(row)
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1 AND user_id = $2`, noteID, userID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchFTS invokes the ranked search function with a pre-built tsquery.
func (s *PostgresStore) SearchFTS(ctx context.Context, tsQuery, language string, minRank float64, limit, offset int, userID string) ([]FtsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, tags, created_at, updated_at, user_id, rank, headline, total_count
		FROM search_notes_fts($1, $2, $3, $4, $5, $6)
	`, tsQuery, language, minRank, limit, offset, userID)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	results := make([]FtsRow, 0)
	for rows.Next() {
		var r FtsRow
		var tags []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &tags, &r.CreatedAt, &r.UpdatedAt, &r.UserID, &r.Rank, &r.Headline, &r.TotalCount); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fts rows: %w", err)
	}
	return results, nil
}

// SearchILIKE is the substring fallback: case-insensitive OR match over
// title and description, newest first.
func (s *PostgresStore) SearchILIKE(ctx context.Context, userID, pattern, tag string, limit, offset int) ([]Note, error) {
	where := `user_id = $1 AND (title ILIKE $2 OR description ILIKE $2)`
	args := []any{userID, pattern}
	if tag != "" {
		tagJSON, err := json.Marshal([]string{tag})
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		where += ` AND tags @> $3`
		args = append(args, string(tagJSON))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM notes
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT %d OFFSET %d
	`, noteColumns, where, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ilike query: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		var note Note
		var tags []byte
		if err := rows.Scan(&note.ID, &note.Title, &note.Description, &tags, &note.CreatedAt, &note.UpdatedAt, &note.UserID); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if err := json.Unmarshal(tags, &note.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func scanNote(row *sql.Row) (Note, error) {
	var note Note
	var tags []byte
	err := row.Scan(&note.ID, &note.Title, &note.Description, &tags, &note.CreatedAt, &note.UpdatedAt, &note.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("scan note: %w", err)
	}
	if err := json.Unmarshal(tags, &note.Tags); err != nil {
		return Note{}, fmt.Errorf("decode tags: %w", err)
	}
	return note, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

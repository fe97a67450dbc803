package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inkwell/api/internal/attachments"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/export"
	"inkwell/api/internal/notes"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/syncqueue"
)

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	attachments *attachments.Store

	bridgeChunkSize int
	autosaveDelay   time.Duration
}

func NewHTTPServer(service *Service, corsOrigin string, bridgeChunkSize int, files *attachments.Store) *HTTPServer {
	return &HTTPServer{
		service:         service,
		corsOrigin:      corsOrigin,
		attachments:     files,
		bridgeChunkSize: bridgeChunkSize,
		autosaveDelay:   2 * time.Second,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if body.RefreshToken != "" {
			_ = s.service.Logout(r.Context(), body.RefreshToken)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notes" {
		opts := store.ListNotesOptions{
			Tag: strings.TrimSpace(r.URL.Query().Get("tag")),
		}
		var ok bool
		if opts.Limit, ok = queryInt(w, r, "limit", 50); !ok {
			return
		}
		if opts.Offset, ok = queryInt(w, r, "offset", 0); !ok {
			return
		}
		page, err := s.service.ListNotes(r.Context(), session.UserID, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list notes", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"notes":   page.Notes,
			"total":   page.Total,
			"hasMore": page.HasMore,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/notes" {
		var body NoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		note, err := s.service.CreateNote(r.Context(), session.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"note": note})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/notes/import" {
		s.handleImport(w, r, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/notes/export" {
		var body struct {
			IDs []string `json:"ids"`
		}
		_ = decodeBody(r, &body)
		result, err := s.service.ExportNotes(r.Context(), session.UserID, body.IDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.Write(result.Data)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/attachments") {
		s.handleAttachments(w, r, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync/mutations" {
		var body struct {
			Mutations []syncqueue.Item `json:"mutations"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		// With the database down the batch is parked in the write-behind
		// queue instead of being rejected; replay happens on recovery.
		if s.service.CanBuffer() && s.service.Ping(r.Context()) != nil {
			if err := s.service.BufferMutations(r.Context(), session.UserID, body.Mutations); err != nil {
				writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Could not buffer mutations", nil)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"buffered": true})
			return
		}
		results := s.service.SyncApply(r.Context(), session.UserID, body.Mutations)
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/state" {
		if !s.service.CanBuffer() {
			writeJSON(w, http.StatusOK, map[string]any{"isOnline": true, "queueSize": 0})
			return
		}
		state, err := s.service.SyncState(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load sync state", nil)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sync/retry" {
		if s.service.CanBuffer() {
			if err := s.service.RetryBufferedMutations(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Retry failed", nil)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/bridge/ws" {
		s.handleBridge(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "notes" {
		s.handleNote(w, r, session, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "notes" && parts[3] == "export" {
		s.handleExport(w, r, session, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		if errors.Is(err, authpw.ErrWeakPassword) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Sign in failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query().Get("q")

	opts := search.Options{
		Language: search.Language(strings.TrimSpace(r.URL.Query().Get("language"))),
		Tag:      strings.TrimSpace(r.URL.Query().Get("tag")),
	}
	var ok bool
	if opts.Limit, ok = queryInt(w, r, "limit", 0); !ok {
		return
	}
	if opts.Offset, ok = queryInt(w, r, "offset", 0); !ok {
		return
	}

	page, err := s.service.SearchNotes(r.Context(), session.UserID, query, opts)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrQueryTooShort),
			errors.Is(err, search.ErrQueryTooLong),
			errors.Is(err, search.ErrQueryUnsearchable):
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		case errors.Is(err, search.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		case errors.Is(err, search.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is temporarily unavailable", nil)
		default:
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Search failed", nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleNote(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	if r.Method == http.MethodGet {
		note, err := s.service.GetNote(r.Context(), noteID, session.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"note": note})
		return
	}

	if r.Method == http.MethodPut || r.Method == http.MethodPatch {
		var patch notesPatchBody
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		note, err := s.service.UpdateNote(r.Context(), noteID, session.UserID, patch.toPatch())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"note": note})
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.DeleteNote(r.Context(), noteID, session.UserID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be one of html, pdf, docx, enex", nil)
		return
	}

	result, err := s.service.ExportNote(r.Context(), noteID, session.UserID, format)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not installed", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.Write(result.Data)
}

// handleAttachments uploads note resources and hands out presigned
// download URLs. Bytes only stream through the API on upload.
func (s *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, session Session) {
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/attachments" {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAttachmentBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "Attachment exceeds size limit", nil)
			return
		}
		if len(data) == 0 {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "Attachment body is empty", nil)
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		key, err := s.attachments.Put(r.Context(), session.UserID, data, contentType)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not store attachment", nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": key})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/attachments/url" {
		key := r.URL.Query().Get("key")
		if !strings.HasPrefix(key, session.UserID+"/") {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		url, err := s.attachments.PresignGet(r.Context(), key, 15*time.Minute)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not presign attachment", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/attachments" {
		key := r.URL.Query().Get("key")
		if !strings.HasPrefix(key, session.UserID+"/") {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err := s.attachments.Delete(r.Context(), key); err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not delete attachment", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

const maxAttachmentBytes = 25 << 20

// handleImport accepts a raw .enex body or a multipart upload with a
// "file" part.
func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request, session Session) {
	var body io.Reader = r.Body
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "file part is required", nil)
			return
		}
		defer file.Close()
		body = file
	}

	result, err := s.service.ImportENEX(r.Context(), session.UserID, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// notesPatchBody mirrors notes.Patch but only exposes the fields a
// client may set.
type notesPatchBody struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Tags        *[]string `json:"tags"`
}

func (b notesPatchBody) toPatch() notes.Patch {
	return notes.Patch{Title: b.Title, Description: b.Description, Tags: b.Tags}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"email":        session.Email,
		"displayName":  session.DisplayName,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

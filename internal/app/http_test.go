package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/export"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

func newTestServer(db *fakeStore) *HTTPServer {
	sessions := newFakeSessionStore(db)
	svc := NewService(ServiceConfig{
		Store:      db,
		Sessions:   sessions,
		Passwords:  authpw.NewService(db),
		Issuer:     auth.NewIssuer("test-secret", 15*time.Minute),
		Search:     search.NewService(db, nil, 0.01, time.Second),
		Exporter:   export.NewService(db),
		RefreshTTL: time.Hour,
	})
	return NewHTTPServer(svc, "*", 0, nil)
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func signUpToken(t *testing.T, server *HTTPServer) string {
	t.Helper()
	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"ada@example.com","password":"correct horse","displayName":"Ada"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rr.Code, rr.Body.String())
	}
	token, _ := decodeResponse(t, rr)["token"].(string)
	if token == "" {
		t.Fatal("signup returned no token")
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	db := newFakeStore()
	db.pingErr = errors.New("connection refused")
	server := newTestServer(db)

	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	if status := decodeResponse(t, rr)["status"]; status != "not_ready" {
		t.Errorf("status = %v, want not_ready", status)
	}
}

func TestNotesRequireAuthentication(t *testing.T) {
	server := newTestServer(newFakeStore())

	rr := doJSON(t, server, http.MethodGet, "/api/notes", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "UNAUTHORIZED" {
		t.Errorf("code = %v", code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notes", "not-a-token", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected status 401, got %d", rr.Code)
	}
}

func TestNoteCRUDOverHTTP(t *testing.T) {
	db := newFakeStore()
	server := newTestServer(db)
	token := signUpToken(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/notes", token,
		`{"title":"Groceries","description":"<p>Milk</p>","tags":["shopping"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	note := decodeResponse(t, rr)["note"].(map[string]any)
	noteID := note["id"].(string)
	if noteID == "" {
		t.Fatal("created note has no id")
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notes/"+noteID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPut, "/api/notes/"+noteID, token,
		`{"title":"Groceries v2"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rr.Code, rr.Body.String())
	}
	updated := decodeResponse(t, rr)["note"].(map[string]any)
	if updated["title"] != "Groceries v2" {
		t.Errorf("title = %v", updated["title"])
	}
	if updated["description"] != "<p>Milk</p>" {
		t.Errorf("description = %v, untouched field changed", updated["description"])
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notes", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if total := decodeResponse(t, rr)["total"]; total != float64(1) {
		t.Errorf("total = %v, want 1", total)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/notes/"+noteID, token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notes/"+noteID, token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestCreateNoteWithoutTitleIs400(t *testing.T) {
	server := newTestServer(newFakeStore())
	token := signUpToken(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/notes", token, `{"description":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "INVALID_NOTE" {
		t.Errorf("code = %v", code)
	}
}

func TestSearchEndpointValidation(t *testing.T) {
	server := newTestServer(newFakeStore())
	token := signUpToken(t, server)

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=ab", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("short query status = %d, want 422", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "VALIDATION_ERROR" {
		t.Errorf("code = %v", code)
	}
}

func TestSearchEndpointReturnsRankedPage(t *testing.T) {
	db := newFakeStore()
	db.ftsRows = []store.FtsRow{
		{
			Note:       store.Note{ID: "note_1", Title: "Milk run", UserID: "u1"},
			Rank:       0.42,
			Headline:   "<mark>Milk</mark> run",
			TotalCount: 1,
		},
	}
	server := newTestServer(db)
	token := signUpToken(t, server)

	rr := doJSON(t, server, http.MethodGet, "/api/search?q=milk", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["method"] != "fts" {
		t.Errorf("method = %v, want fts", response["method"])
	}
	results := response["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}

func TestSyncMutationsEndpoint(t *testing.T) {
	db := newFakeStore()
	server := newTestServer(db)
	token := signUpToken(t, server)

	body := `{"mutations":[{"id":"q1","noteId":"local-1","operation":"create",` +
		`"payload":{"title":"Offline"},"clientUpdatedAt":"2024-06-01T12:00:00Z"}]}`
	rr := doJSON(t, server, http.MethodPost, "/api/sync/mutations", token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	results := decodeResponse(t, rr)["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	first := results[0].(map[string]any)
	if first["status"] != "applied" {
		t.Errorf("status = %v, want applied", first["status"])
	}
	if len(db.notes) != 1 {
		t.Errorf("stored notes = %d, want 1", len(db.notes))
	}
}

func TestExportEndpointENEX(t *testing.T) {
	db := newFakeStore()
	server := newTestServer(db)
	token := signUpToken(t, server)

	rr := doJSON(t, server, http.MethodPost, "/api/notes", token,
		`{"title":"Trip","description":"<p>Pack</p>"}`)
	noteID := decodeResponse(t, rr)["note"].(map[string]any)["id"].(string)

	rr = doJSON(t, server, http.MethodGet, "/api/notes/"+noteID+"/export?format=enex", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "<en-export") {
		t.Error("response is not an enex document")
	}

	rr = doJSON(t, server, http.MethodGet, "/api/notes/"+noteID+"/export?format=txt", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad format status = %d, want 422", rr.Code)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	server := newTestServer(newFakeStore())

	rr := doJSON(t, server, http.MethodPost, "/api/auth/signup", "",
		`{"email":"ada@example.com","password":"correct horse"}`)
	refresh := decodeResponse(t, rr)["refreshToken"].(string)

	rr = doJSON(t, server, http.MethodPost, "/api/auth/refresh", "",
		`{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rr.Code)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/auth/refresh", "",
		`{"refreshToken":"`+refresh+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("reused token status = %d, want 401", rr.Code)
	}
}

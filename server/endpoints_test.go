package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/coordinator"
	"github.com/loudwire/spacetap/db"
	"github.com/loudwire/spacetap/link"
	"github.com/loudwire/spacetap/testutil"
)

// setupEndpoints brings up the full handler stack against a test database.
// Tests using it are skipped unless TEST_PG_DSN points at a Postgres instance.
func setupEndpoints(t *testing.T) (http.Handler, *sql.DB, *link.Hub) {
	t.Helper()
	tdb := testutil.SetupTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := link.NewHub()
	t.Cleanup(hub.Close)

	coord := coordinator.New(&db.Store{DB: tdb}, nil, nil, nil)
	coord.Bind(hub)

	handler := NewMux(ctx, Deps{DB: tdb, Hub: hub, Coord: coord})
	return handler, tdb, hub
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	handler, _, _ := setupEndpoints(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyzReportsHubClosure(t *testing.T) {
	handler, _, hub := setupEndpoints(t)

	rec := doJSON(t, handler, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	hub.Close()
	rec = doJSON(t, handler, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after hub close = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["failed_check"] != "hub" {
		t.Fatalf("failed_check = %q", body["failed_check"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	handler, tdb, _ := setupEndpoints(t)
	ctx := context.Background()

	if _, err := tdb.ExecContext(ctx, `DELETE FROM segments`); err != nil {
		t.Fatalf("reset segments: %v", err)
	}
	if err := db.InsertSegment(ctx, tdb, "session-1", 4096, false, ""); err != nil {
		t.Fatalf("insert segment: %v", err)
	}
	if err := db.InsertSegment(ctx, tdb, "session-1", 2048, true, "upload failed"); err != nil {
		t.Fatalf("insert segment: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Badge     string          `json:"badge"`
		Live      bool            `json:"live"`
		Recording bool            `json:"recording"`
		Queued    int             `json:"queued_notifications"`
		Segments  db.SegmentStats `json:"segments"`
		KeySet    bool            `json:"key_configured"`
		APIModel  string          `json:"api_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Live || body.Recording {
		t.Fatalf("unexpected live/recording state: %+v", body)
	}
	if body.Segments.Total != 2 || body.Segments.Failed != 1 {
		t.Fatalf("segments = %+v", body.Segments)
	}
	if body.APIModel == "" {
		t.Fatal("api_model empty")
	}
}

func TestOptionsKeyLifecycle(t *testing.T) {
	handler, _, _ := setupEndpoints(t)

	// Start clean.
	rec := doJSON(t, handler, http.MethodDelete, "/options/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/options/key", nil)
	var got struct {
		Configured bool   `json:"configured"`
		Masked     string `json:"masked"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Configured || got.Masked != "" {
		t.Fatalf("expected unconfigured key, got %+v", got)
	}

	rec = doJSON(t, handler, http.MethodPut, "/options/key", []byte(`{"apiKey":"bogus"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid key status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPut, "/options/key", []byte(`{"apiKey":"sk-live-abcdef123456"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("store key status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/options/key", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !got.Configured {
		t.Fatal("key should be configured")
	}
	if got.Masked != "****3456" {
		t.Fatalf("masked = %q", got.Masked)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/options/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/options/key", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Configured {
		t.Fatal("key should be gone after delete")
	}
}

func TestOptionsModel(t *testing.T) {
	handler, tdb, _ := setupEndpoints(t)
	ctx := context.Background()

	rec := doJSON(t, handler, http.MethodPut, "/options/model", []byte(`{"apiModel":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty model status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPut, "/options/model", []byte(`{"apiModel":"dall-e-3"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("store model status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/options/model", nil)
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["apiModel"] != "dall-e-3" {
		t.Fatalf("apiModel = %q", got["apiModel"])
	}

	// Unset model falls back to the default.
	if err := db.DeleteKV(ctx, tdb, db.KeyAPIModel); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	rec = doJSON(t, handler, http.MethodGet, "/options/model", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["apiModel"] != db.DefaultModel {
		t.Fatalf("apiModel = %q, want default %q", got["apiModel"], db.DefaultModel)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	handler, tdb, _ := setupEndpoints(t)
	ctx := context.Background()

	rec := doJSON(t, handler, http.MethodDelete, "/panel/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/panel/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var history []completion.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history should be empty, got %d entries", len(history))
	}

	stored := []completion.Message{
		{Role: "user", Content: "what is this space about?"},
		{Role: "assistant", Content: "a live discussion"},
	}
	if err := db.SaveHistory(ctx, tdb, stored); err != nil {
		t.Fatalf("save history: %v", err)
	}
	rec = doJSON(t, handler, http.MethodGet, "/panel/history", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[1].Content != "a live discussion" {
		t.Fatalf("history = %+v", history)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/panel/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/panel/history", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history should be cleared, got %d entries", len(history))
	}
}

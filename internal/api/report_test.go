package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmarkin/chatetl/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", 1)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStore(t *testing.T, s *storage.Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertExport(ctx, storage.ExportRow{
		ID:         "e1",
		UserID:     "live:alice",
		ExportDate: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		SourceFile: "/data/export.tar",
		InputHash:  "abc",
		CreatedAt:  time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatal(err)
	}

	conn, err := s.DB().Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := s.UpsertConversationsOn(ctx, conn, []storage.ConversationRow{
		{ID: "8:bob", ExportID: "e1", DisplayName: "Bob", MessageCount: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMessagesOn(ctx, conn, []storage.MessageRow{
		{
			ID: "m1", ConversationID: "8:bob", ExportID: "e1",
			Timestamp: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
			Sender:    "8:bob", Content: "hi", MessageType: "Text",
			StructuredJSON: `{"links":["https://x.test"]}`,
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := NewReportHandler(ReportDeps{Store: testStore(t)})

	rec := doRequest(t, h, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestListExports(t *testing.T) {
	s := testStore(t)
	seedStore(t, s)
	h := NewReportHandler(ReportDeps{Store: s})

	rec := doRequest(t, h, "GET", "/exports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var exports []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &exports); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(exports) != 1 || exports[0]["id"] != "e1" {
		t.Errorf("exports = %v", exports)
	}
}

func TestGetExportWithCounts(t *testing.T) {
	s := testStore(t)
	seedStore(t, s)
	h := NewReportHandler(ReportDeps{Store: s})

	rec := doRequest(t, h, "GET", "/exports/e1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var export map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &export); err != nil {
		t.Fatal(err)
	}
	if export["conversation_count"] != float64(1) || export["message_count"] != float64(1) {
		t.Errorf("counts missing or wrong: %v", export)
	}
}

func TestGetExportNotFound(t *testing.T) {
	h := NewReportHandler(ReportDeps{Store: testStore(t)})

	rec := doRequest(t, h, "GET", "/exports/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListConversations(t *testing.T) {
	s := testStore(t)
	seedStore(t, s)
	h := NewReportHandler(ReportDeps{Store: s})

	rec := doRequest(t, h, "GET", "/exports/e1/conversations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var convs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &convs); err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0]["id"] != "8:bob" {
		t.Errorf("conversations = %v", convs)
	}
}

func TestListMessagesStructuredInlined(t *testing.T) {
	s := testStore(t)
	seedStore(t, s)
	h := NewReportHandler(ReportDeps{Store: s})

	rec := doRequest(t, h, "GET", "/conversations/8:bob/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var msgs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	// structured_json is inlined as an object, not delivered as a string.
	structured, ok := msgs[0]["structured"].(map[string]any)
	if !ok {
		t.Fatalf("structured not an object: %v", msgs[0]["structured"])
	}
	if _, ok := structured["links"]; !ok {
		t.Errorf("structured payload lost: %v", structured)
	}
}

func TestBearerAuth(t *testing.T) {
	s := testStore(t)
	seedStore(t, s)
	h := NewReportHandler(ReportDeps{Store: s, Token: "hunter2"})

	// Health stays open.
	if rec := doRequest(t, h, "GET", "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health behind auth: %d", rec.Code)
	}

	if rec := doRequest(t, h, "GET", "/exports", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/exports", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, h, "GET", "/exports", "hunter2"); rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

func TestPageParams(t *testing.T) {
	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultPageLimit, 0},
		{"?limit=10&offset=5", 10, 5},
		{"?limit=0", defaultPageLimit, 0},
		{"?limit=99999", defaultPageLimit, 0},
		{"?limit=abc&offset=-1", defaultPageLimit, 0},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("GET", "/exports"+tc.query, nil)
		limit, offset := pageParams(req)
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Errorf("pageParams(%q) = %d/%d, want %d/%d",
				tc.query, limit, offset, tc.wantLimit, tc.wantOffset)
		}
	}
}

package export

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const validExport = `{
	"userId": "live:alice",
	"exportDate": "2024-03-01T10:00:00Z",
	"conversations": [
		{"id": "8:bob", "displayName": "Bob", "MessageList": [
			{"id": "m1", "originalarrivaltime": "2024-02-01T09:00:00Z", "from": "8:bob", "content": "hi", "messagetype": "Text"},
			{"id": "m2", "originalarrivaltime": "2024-02-01T09:01:00Z", "from": "live:alice", "content": "hello", "messagetype": "Text"}
		]},
		{"id": "8:carol", "displayName": "Carol", "MessageList": []}
	]
}`

func writeExport(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test export: %v", err)
	}
	return path
}

func writeTarExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating tar: %v", err)
	}
	tw := tar.NewWriter(f)
	if err := tw.WriteHeader(&tar.Header{
		Name: "messages.json",
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		t.Fatalf("writing tar header: %v", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatalf("writing tar body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	f.Close()
	return path
}

func TestReadChunkJSON(t *testing.T) {
	path := writeExport(t, "export.json", validExport)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if h := r.Header(); h.UserID != "live:alice" || h.ExportDate != "2024-03-01T10:00:00Z" {
		t.Errorf("unexpected header: %+v", h)
	}

	chunk, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(chunk.Conversations))
	}
	if chunk.NextCursor != 2 {
		t.Errorf("NextCursor = %d, want 2", chunk.NextCursor)
	}
	if got := chunk.Conversations[0].Messages[1].Seq; got != 1 {
		t.Errorf("second message Seq = %d, want 1", got)
	}

	if _, err := r.ReadChunk(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF after last chunk, got %v", err)
	}
}

func TestReadChunkTAR(t *testing.T) {
	path := writeTarExport(t, validExport)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open tar: %v", err)
	}
	defer r.Close()

	chunk, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Conversations) != 2 {
		t.Errorf("expected 2 conversations from tar, got %d", len(chunk.Conversations))
	}
}

func TestChunkSizeBoundsChunks(t *testing.T) {
	path := writeExport(t, "export.json", validExport)

	r, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	first, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("first ReadChunk: %v", err)
	}
	if len(first.Conversations) != 1 || first.Index != 0 {
		t.Errorf("first chunk: %d conversations, index %d", len(first.Conversations), first.Index)
	}

	second, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("second ReadChunk: %v", err)
	}
	if len(second.Conversations) != 1 || second.Index != 1 {
		t.Errorf("second chunk: %d conversations, index %d", len(second.Conversations), second.Index)
	}
	if second.NextCursor != 2 {
		t.Errorf("second chunk NextCursor = %d, want 2", second.NextCursor)
	}
}

func TestOpenRejectsUnknownExtension(t *testing.T) {
	path := writeExport(t, "export.zip", validExport)

	if _, err := Open(path, 10); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestOpenRejectsTarWithoutJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	tw.WriteHeader(&tar.Header{Name: "readme.txt", Mode: 0o644, Size: 2})
	tw.Write([]byte("hi"))
	tw.Close()
	f.Close()

	if _, err := Open(path, 10); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestOpenRequiresHeaderBeforeConversations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"missing userId", `{"exportDate": "2024-03-01T10:00:00Z", "conversations": []}`},
		{"missing exportDate", `{"userId": "live:alice", "conversations": []}`},
		{"header after conversations", `{"conversations": [], "userId": "live:alice", "exportDate": "2024-03-01T10:00:00Z"}`},
		{"missing conversations", `{"userId": "live:alice", "exportDate": "2024-03-01T10:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeExport(t, "export.json", tc.doc)
			if _, err := Open(path, 10); !errors.Is(err, ErrSchemaViolation) {
				t.Errorf("expected ErrSchemaViolation, got %v", err)
			}
		})
	}
}

func TestOpenRejectsNonObject(t *testing.T) {
	path := writeExport(t, "export.json", `["not", "an", "object"]`)
	if _, err := Open(path, 10); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestMalformedConversationSkipped(t *testing.T) {
	doc := `{
		"userId": "live:alice",
		"exportDate": "2024-03-01T10:00:00Z",
		"conversations": [
			{"displayName": "no id", "MessageList": []},
			{"id": "8:bob", "displayName": "no message list"},
			{"id": "8:carol", "displayName": "Carol", "MessageList": [
				{"id": "m1", "originalarrivaltime": "2024-02-01T09:00:00Z", "from": "8:carol", "content": "ok", "messagetype": "Text"}
			]}
		]
	}`
	path := writeExport(t, "export.json", doc)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	chunk, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Conversations) != 1 {
		t.Fatalf("expected 1 valid conversation, got %d", len(chunk.Conversations))
	}
	if chunk.Conversations[0].ID != "8:carol" {
		t.Errorf("kept conversation %q, want 8:carol", chunk.Conversations[0].ID)
	}
	if chunk.Skipped != 2 || r.Skipped() != 2 {
		t.Errorf("skipped counts: chunk=%d reader=%d, want 2/2", chunk.Skipped, r.Skipped())
	}
	// The cursor advances over skipped entries too.
	if chunk.NextCursor != 3 {
		t.Errorf("NextCursor = %d, want 3", chunk.NextCursor)
	}
}

func TestTruncatedDocumentIsCorrupt(t *testing.T) {
	doc := `{
		"userId": "live:alice",
		"exportDate": "2024-03-01T10:00:00Z",
		"conversations": [
			{"id": "8:bob", "displayName": "Bob", "MessageList": [`
	path := writeExport(t, "export.json", doc)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	_, err = r.ReadChunk(context.Background())
	if !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("expected ErrCorruptArchive, got %v", err)
	}
	if !IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}
}

func TestSeekTo(t *testing.T) {
	path := writeExport(t, "export.json", validExport)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := r.SeekTo(context.Background(), 1); err != nil {
		t.Fatalf("SeekTo(1): %v", err)
	}

	chunk, err := r.ReadChunk(context.Background())
	if err != nil {
		t.Fatalf("ReadChunk after seek: %v", err)
	}
	if len(chunk.Conversations) != 1 || chunk.Conversations[0].ID != "8:carol" {
		t.Errorf("after SeekTo(1) expected only 8:carol, got %+v", chunk.Conversations)
	}
}

func TestSeekToBeyondEnd(t *testing.T) {
	path := writeExport(t, "export.json", validExport)

	r, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if err := r.SeekTo(context.Background(), 99); !errors.Is(err, ErrCorruptArchive) {
		t.Errorf("expected ErrCorruptArchive for cursor past end, got %v", err)
	}
}

func TestInputHashStableAndDistinct(t *testing.T) {
	a := writeExport(t, "a.json", validExport)

	h1, err := InputHash(a)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	h2, err := InputHash(a)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not stable: %s vs %s", h1, h2)
	}

	b := writeExport(t, "b.json", validExport+" ")
	h3, err := InputHash(b)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	if h1 == h3 {
		t.Error("different files produced the same hash")
	}
}

// Package api serves the read-only report endpoints over finished runs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmarkin/chatetl/internal/storage"
)

const defaultPageLimit = 100
const maxPageLimit = 1000

// ReportDeps carries what the report handlers need.
type ReportDeps struct {
	Store *storage.Store
	// Token enables bearer auth when non-empty.
	Token string
}

// NewReportHandler builds the report router.
func NewReportHandler(deps ReportDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/exports", handleListExports(deps))
		r.Get("/exports/{id}", handleGetExport(deps))
		r.Get("/exports/{id}/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleListExports(deps ReportDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := pageParams(r)
		exports, err := deps.Store.ListExports(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "listing exports: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(exports))
		for _, e := range exports {
			out = append(out, exportJSON(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetExport(deps ReportDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := deps.Store.GetExport(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "export %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "loading export: %v", err)
			return
		}

		counts, err := deps.Store.CountRows(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "counting rows: %v", err)
			return
		}

		out := exportJSON(e)
		out["conversation_count"] = counts.Conversations
		out["message_count"] = counts.Messages
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListConversations(deps ReportDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit, offset := pageParams(r)
		convs, err := deps.Store.ListConversations(r.Context(), id, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "listing conversations: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(convs))
		for _, c := range convs {
			out = append(out, map[string]any{
				"id":            c.ID,
				"export_id":     c.ExportID,
				"display_name":  c.DisplayName,
				"message_count": c.MessageCount,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListMessages(deps ReportDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit, offset := pageParams(r)
		msgs, err := deps.Store.ListMessages(r.Context(), id, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "listing messages: %v", err)
			return
		}

		out := make([]map[string]any, 0, len(msgs))
		for _, m := range msgs {
			entry := map[string]any{
				"id":              m.ID,
				"conversation_id": m.ConversationID,
				"timestamp":       m.Timestamp,
				"sender":          m.Sender,
				"content":         m.Content,
				"message_type":    m.MessageType,
			}
			if m.StructuredJSON != "" {
				entry["structured"] = json.RawMessage(m.StructuredJSON)
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func exportJSON(e storage.ExportRow) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"user_id":     e.UserID,
		"export_date": e.ExportDate,
		"source_file": e.SourceFile,
		"created_at":  e.CreatedAt,
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageLimit {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

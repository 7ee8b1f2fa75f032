// Package transform converts raw export conversations into normalized
// conversation and message rows. Transformation is pure with respect to its
// inputs; the only shared state is the read-only content handler registry.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmarkin/chatetl/internal/content"
	"github.com/dmarkin/chatetl/internal/export"
	"github.com/dmarkin/chatetl/internal/storage"
)

// RecordError captures one non-fatal per-record failure. The offending
// record is excluded from output and the run continues.
type RecordError struct {
	ConversationID string
	MessageID      string
	Err            error
}

// Result is the normalized output of one chunk.
type Result struct {
	Conversations []storage.ConversationRow
	Messages      []storage.MessageRow
	Errors        []RecordError
}

// Transformer converts chunks of raw conversations for one export run.
type Transformer struct {
	registry *content.Registry
	exportID string
	workers  int
	logger   *slog.Logger
}

// New creates a Transformer. workers bounds how many conversations of one
// chunk are transformed concurrently.
func New(registry *content.Registry, exportID string, workers int) *Transformer {
	if workers < 1 {
		workers = 1
	}
	return &Transformer{
		registry: registry,
		exportID: exportID,
		workers:  workers,
		logger:   slog.Default(),
	}
}

// TransformChunk normalizes every conversation in the chunk. Conversations
// are independent, so they fan out across the worker pool; output order
// within each conversation is enforced by the (timestamp, seq) sort at
// assembly, never by worker scheduling.
func (t *Transformer) TransformChunk(ctx context.Context, chunk *export.Chunk) (Result, error) {
	if t.registry == nil {
		// A missing registry poisons every record the same way; treat it
		// as chunk-fatal rather than drowning the stats in record errors.
		return Result{}, fmt.Errorf("transform chunk %d: content registry not configured", chunk.Index)
	}

	type convResult struct {
		conv     storage.ConversationRow
		messages []storage.MessageRow
		errs     []RecordError
	}

	results := make([]convResult, len(chunk.Conversations))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for i, raw := range chunk.Conversations {
		i, raw := i, raw
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			messages, errs := t.transformConversation(raw)
			results[i] = convResult{
				conv: storage.ConversationRow{
					ID:           raw.ID,
					ExportID:     t.exportID,
					DisplayName:  raw.DisplayName,
					MessageCount: len(messages),
				},
				messages: messages,
				errs:     errs,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("transform chunk %d: %w", chunk.Index, err)
	}

	// Assemble in chunk order so the loader sees a deterministic sequence
	// regardless of worker count.
	var out Result
	for _, r := range results {
		out.Conversations = append(out.Conversations, r.conv)
		out.Messages = append(out.Messages, r.messages...)
		out.Errors = append(out.Errors, r.errs...)
	}
	return out, nil
}

// transformConversation normalizes one conversation's messages and sorts
// them by original timestamp, tie-broken by extraction sequence.
func (t *Transformer) transformConversation(raw export.RawConversation) ([]storage.MessageRow, []RecordError) {
	var (
		rows []storage.MessageRow
		errs []RecordError
	)
	for _, msg := range raw.Messages {
		row, err := t.transformMessage(raw.ID, msg)
		if err != nil {
			errs = append(errs, RecordError{
				ConversationID: raw.ID,
				MessageID:      msg.ID,
				Err:            err,
			})
			t.logger.Warn("skipping malformed message",
				"conversation_id", raw.ID, "message_id", msg.ID, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].Seq < rows[j].Seq
	})
	return rows, errs
}

func (t *Transformer) transformMessage(conversationID string, msg export.RawMessage) (storage.MessageRow, error) {
	if msg.ID == "" {
		return storage.MessageRow{}, fmt.Errorf("missing message id")
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.ArrivalTime)
	if err != nil {
		return storage.MessageRow{}, fmt.Errorf("parsing arrival time %q: %w", msg.ArrivalTime, err)
	}

	res := t.registry.Process(msg.MessageType, msg.Content)

	structured := res.Structured
	if res.Unhandled {
		if structured == nil {
			structured = map[string]any{}
		}
		structured["type_unhandled"] = true
	}
	var structuredJSON string
	if len(structured) > 0 {
		data, err := json.Marshal(structured)
		if err != nil {
			return storage.MessageRow{}, fmt.Errorf("encoding structured data: %w", err)
		}
		structuredJSON = string(data)
	}

	return storage.MessageRow{
		ID:             msg.ID,
		ConversationID: conversationID,
		ExportID:       t.exportID,
		Timestamp:      ts.UTC(),
		Seq:            msg.Seq,
		Sender:         msg.From,
		Content:        res.Text,
		MessageType:    msg.MessageType,
		StructuredJSON: structuredJSON,
	}, nil
}

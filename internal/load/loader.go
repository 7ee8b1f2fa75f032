// Package load commits normalized rows to the store chunk by chunk in
// adaptively sized, transactional, retried batches, checkpointing after
// every commit.
package load

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmarkin/chatetl/internal/checkpoint"
	"github.com/dmarkin/chatetl/internal/config"
	"github.com/dmarkin/chatetl/internal/storage"
)

// ErrFatalStore marks a load failure that must not be retried: either a
// non-transient store error, or transient errors that exhausted the retry
// budget. The last underlying error is wrapped and reachable via errors.Is.
var ErrFatalStore = errors.New("fatal store error")

// sizeSample is how many pending records are serialized to estimate the
// per-record byte cost for the next batch.
const sizeSample = 32

// Sink is where batches go. The SQLite implementation acquires a pooled
// connection per call; tests inject failing sinks directly.
type Sink interface {
	WriteConversations(ctx context.Context, rows []storage.ConversationRow) error
	WriteMessages(ctx context.Context, rows []storage.MessageRow) error
}

// Stats reports what the load phase did beyond row counts. Processed is a
// run total: it includes messages a previous interrupted run committed.
type Stats struct {
	Processed    int64
	Batches      int64
	Retries      int64
	BackoffTotal time.Duration
}

// Chunk locates one transformed chunk within the archive stream. Start and
// Next are conversation indexes; Skip is how many of the chunk's leading
// messages an interrupted run already committed.
type Chunk struct {
	Start int64
	Next  int64
	Skip  int64
}

// Loader commits normalized rows in dynamically sized batches, one chunk at
// a time, accumulating run totals across chunks.
type Loader struct {
	sink        Sink
	checkpoints *checkpoint.Store
	inputHash   string
	cfg         config.LoadConfig
	stats       Stats
	isTransient func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// New creates a Loader writing through sink and checkpointing into cp.
// processed seeds the run total when a previous run's commits are resumed.
func New(sink Sink, cp *checkpoint.Store, inputHash string, cfg config.LoadConfig, processed int64) *Loader {
	l := &Loader{
		sink:        sink,
		checkpoints: cp,
		inputHash:   inputHash,
		cfg:         cfg,
		isTransient: storage.IsTransient,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
	l.stats.Processed = processed
	return l
}

// Stats returns the totals accumulated across every loaded chunk.
func (l *Loader) Stats() Stats {
	return l.stats
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoadChunk commits one chunk: conversations first, then messages in
// batches, skipping the first pos.Skip messages already committed by a
// previous run. Progress is reported through onProgress after each
// committed batch; the checkpoint is written strictly after the commit it
// describes, and once the chunk is fully durable the checkpoint cursor
// advances to pos.Next so the next run can seek straight past it.
func (l *Loader) LoadChunk(
	ctx context.Context,
	pos Chunk,
	conversations []storage.ConversationRow,
	messages []storage.MessageRow,
	onProgress func(delta int64) error,
) error {
	if pos.Skip > int64(len(messages)) {
		return fmt.Errorf("%w: checkpoint claims %d committed but chunk has %d messages",
			ErrFatalStore, pos.Skip, len(messages))
	}

	// Conversation rows are few and idempotent; they go first so message
	// foreign keys always resolve, on resume included.
	if err := l.commitWithRetry(ctx, func(ctx context.Context) error {
		return l.sink.WriteConversations(ctx, conversations)
	}); err != nil {
		return err
	}

	pending := messages[pos.Skip:]
	offset := pos.Skip

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			// Cancelled between batches: the checkpoint already reflects
			// the last durable commit, so this is a clean stop.
			return err
		}

		n := l.nextBatchSize(pending)
		batch := pending[:n]

		if err := l.commitWithRetry(ctx, func(ctx context.Context) error {
			return l.sink.WriteMessages(ctx, batch)
		}); err != nil {
			return err
		}

		pending = pending[n:]
		offset += int64(n)
		l.stats.Processed += int64(n)
		l.stats.Batches++

		if err := l.saveMark(pos.Start, offset); err != nil {
			return err
		}
		if onProgress != nil {
			if err := onProgress(int64(n)); err != nil {
				return err
			}
		}
	}

	// The whole chunk is durable; move the cursor past it.
	return l.saveMark(pos.Next, 0)
}

func (l *Loader) saveMark(cursor, chunkOffset int64) error {
	if err := l.checkpoints.Save(checkpoint.Record{
		InputHash:   l.inputHash,
		Phase:       "load",
		Cursor:      cursor,
		Processed:   l.stats.Processed,
		ChunkOffset: chunkOffset,
	}); err != nil {
		return fmt.Errorf("saving load checkpoint: %w", err)
	}
	return nil
}

// nextBatchSize samples the serialized size of the next few pending records
// and fits as many as the byte budget allows, clamped to the configured
// bounds. Recomputed per batch so a run of oversized records cannot blow the
// transaction budget.
func (l *Loader) nextBatchSize(pending []storage.MessageRow) int {
	sample := pending
	if len(sample) > sizeSample {
		sample = sample[:sizeSample]
	}

	var total int
	for _, row := range sample {
		data, err := json.Marshal(row)
		if err != nil {
			// Unserializable rows never happen for plain field structs;
			// fall back to the floor rather than guessing.
			return l.clampBatch(l.cfg.MinBatch, len(pending))
		}
		total += len(data)
	}
	avg := total / len(sample)
	if avg < 1 {
		avg = 1
	}
	return l.clampBatch(l.cfg.BatchBytes/avg, len(pending))
}

func (l *Loader) clampBatch(n, pending int) int {
	if n < l.cfg.MinBatch {
		n = l.cfg.MinBatch
	}
	if n > l.cfg.MaxBatch {
		n = l.cfg.MaxBatch
	}
	if n > pending {
		n = pending
	}
	return n
}

// commitWithRetry runs one transactional commit, retrying transient store
// errors with exponential backoff while the attempt count stays below
// MaxRetries. Non-transient errors and exhausted budgets both surface as
// ErrFatalStore wrapping the last failure.
func (l *Loader) commitWithRetry(ctx context.Context, commit func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = commit(ctx)
		if lastErr == nil {
			return nil
		}
		if !l.isTransient(lastErr) {
			return fmt.Errorf("%w: %w", ErrFatalStore, lastErr)
		}
		if attempt >= l.cfg.MaxRetries {
			return fmt.Errorf("%w: retries exhausted after %d attempts: %w",
				ErrFatalStore, attempt, lastErr)
		}

		delay := l.cfg.BaseDelay * (1 << (attempt - 1))
		l.stats.Retries++
		l.stats.BackoffTotal += delay
		l.logger.Warn("transient store error, retrying",
			"attempt", attempt, "max_retries", l.cfg.MaxRetries,
			"backoff", delay, "error", lastErr)
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

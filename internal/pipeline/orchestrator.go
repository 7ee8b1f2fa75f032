package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmarkin/chatetl/internal/checkpoint"
	"github.com/dmarkin/chatetl/internal/config"
	"github.com/dmarkin/chatetl/internal/content"
	"github.com/dmarkin/chatetl/internal/export"
	"github.com/dmarkin/chatetl/internal/load"
	"github.com/dmarkin/chatetl/internal/storage"
	"github.com/dmarkin/chatetl/internal/transform"
)

// Orchestrator runs one archive through Extract, Transform, and Load. Each
// chunk flows through all three phases before the next is read, so peak
// memory is bounded by one chunk regardless of archive size. All failure
// handling funnels through the context so the summary is the sole contract:
// Run never lets an error escape uncaught.
type Orchestrator struct {
	cfg    config.Config
	store  *storage.Store
	pool   *storage.Pool
	logger *slog.Logger
}

// NewOrchestrator wires the pipeline against an open store and pool.
func NewOrchestrator(cfg config.Config, store *storage.Store, pool *storage.Pool) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		pool:   pool,
		logger: slog.Default(),
	}
}

// resumePoint is the durable position an interrupted load left behind:
// every conversation before cursor is fully committed, plus the first skip
// messages of the chunk starting there, processed messages in total.
type resumePoint struct {
	cursor    int64
	processed int64
	skip      int64
}

// Run processes the archive at path and returns the run summary. The
// summary's success flag and errors list carry all failure detail.
func (o *Orchestrator) Run(ctx context.Context, path string) RunSummary {
	inputHash, err := export.InputHash(path)
	if err != nil {
		return failedBeforeStart(err)
	}

	cp, err := checkpoint.NewStore(o.cfg.Pipeline.CheckpointDir)
	if err != nil {
		return failedBeforeStart(err)
	}

	// The export id is derived from the input identity so a resumed run
	// upserts into the same rows as the run it continues.
	exportID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(inputHash)).String()
	pctx := NewContext(o.cfg, cp, inputHash, exportID)

	resume := o.loadResumePoint(pctx)

	summary := o.run(ctx, pctx, path, resume)
	if summary.Success {
		o.clearCheckpoints(pctx)
		summary.Resumed = resume.cursor > 0 || resume.processed > 0
	}
	return summary
}

// loadResumePoint decides where the run picks up. A valid load checkpoint
// for this exact input yields the seek cursor and committed counts; a
// mismatched or unreadable checkpoint is rejected and the run starts from
// zero. Only the in-flight chunk is re-extracted and re-transformed on
// resume; everything before the cursor is skipped as raw tokens.
func (o *Orchestrator) loadResumePoint(pctx *Context) resumePoint {
	rec, err := pctx.Checkpoints.Load(pctx.InputHash, string(PhaseLoad))
	if err != nil {
		if errors.Is(err, checkpoint.ErrMismatch) {
			o.logger.Warn("rejecting checkpoint for different input", "error", err)
		} else {
			o.logger.Warn("unreadable load checkpoint, starting fresh", "error", err)
		}
		return resumePoint{}
	}
	if rec == nil {
		return resumePoint{}
	}
	o.logger.Info("resuming load from checkpoint",
		"cursor", rec.Cursor, "processed", rec.Processed, "saved_at", rec.UpdatedAt)
	return resumePoint{cursor: rec.Cursor, processed: rec.Processed, skip: rec.ChunkOffset}
}

// run drives the chunk loop. Phases cycle once per chunk: extract reads it,
// transform normalizes it, load commits it, then the loop reads the next
// chunk. Any stage failure records the error against its phase and stops.
func (o *Orchestrator) run(ctx context.Context, pctx *Context, path string, resume resumePoint) RunSummary {
	if err := pctx.StartPhase(PhaseExtract, -1); err != nil {
		pctx.RecordError(PhaseExtract, err)
		return pctx.Summary()
	}

	reader, err := export.Open(path, o.cfg.Pipeline.ChunkSize)
	if err != nil {
		pctx.RecordError(PhaseExtract, err)
		return pctx.Summary()
	}
	defer reader.Close()

	header := reader.Header()
	exportDate, err := time.Parse(time.RFC3339, header.ExportDate)
	if err != nil {
		pctx.RecordError(PhaseExtract, fmt.Errorf("%w: exportDate %q: %v",
			export.ErrSchemaViolation, header.ExportDate, err))
		return pctx.Summary()
	}

	if resume.cursor > 0 {
		if err := reader.SeekTo(ctx, resume.cursor); err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}
	}

	tr := transform.New(content.NewRegistry(), pctx.ExportID, o.cfg.Pipeline.Workers)
	sink := load.NewSQLiteSink(o.store, o.pool)
	loader := load.New(sink, pctx.Checkpoints, pctx.InputHash, o.cfg.Load, resume.processed)

	var (
		extracted        int64
		transformed      int64
		transformSkipped int64
		cursor           = resume.cursor
		pendingSkip      = resume.skip
		exportSaved      bool
	)

	for {
		chunk, err := reader.ReadChunk(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}

		start := cursor
		cursor = chunk.NextCursor
		extracted += int64(len(chunk.Conversations))

		if err := pctx.Checkpoints.Save(checkpoint.Record{
			InputHash: pctx.InputHash,
			Phase:     string(PhaseExtract),
			Cursor:    chunk.NextCursor,
			Processed: extracted,
		}); err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}
		if err := pctx.UpdateProgress(int64(len(chunk.Conversations))); err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}
		if err := pctx.EndPhase(PhaseSummary{
			Status:    StatusCompleted,
			Processed: extracted,
			Skipped:   reader.Skipped(),
		}); err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}

		if len(chunk.Conversations) == 0 {
			// Every conversation in the chunk was skipped; go straight
			// back to reading.
			if err := pctx.StartPhase(PhaseExtract, -1); err != nil {
				pctx.RecordError(PhaseExtract, err)
				return pctx.Summary()
			}
			continue
		}

		if err := pctx.StartPhase(PhaseTransform, -1); err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}
		res, err := tr.TransformChunk(ctx, chunk)
		if err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}
		transformed += int64(len(chunk.Conversations))
		transformSkipped += int64(len(res.Errors))
		if err := pctx.UpdateProgress(int64(len(chunk.Conversations))); err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}
		if err := pctx.EndPhase(PhaseSummary{
			Status:    StatusCompleted,
			Processed: transformed,
			Skipped:   transformSkipped,
		}); err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}

		if err := pctx.StartPhase(PhaseLoad, -1); err != nil {
			pctx.RecordError(PhaseLoad, err)
			return pctx.Summary()
		}
		if !exportSaved {
			if err := o.saveExportRow(ctx, pctx, path, header, exportDate); err != nil {
				pctx.RecordError(PhaseLoad, err)
				return pctx.Summary()
			}
			exportSaved = true
		}

		// The committed prefix of an interrupted chunk counts messages in
		// conversation order, so it carries across chunk boundaries even
		// if the chunk size changed between runs.
		skip := pendingSkip
		if m := int64(len(res.Messages)); skip > m {
			skip = m
		}
		pendingSkip -= skip

		if err := loader.LoadChunk(ctx, load.Chunk{Start: start, Next: chunk.NextCursor, Skip: skip},
			res.Conversations, res.Messages, pctx.UpdateProgress); err != nil {
			pctx.RecordError(PhaseLoad, err)
			return pctx.Summary()
		}
		stats := loader.Stats()
		if err := pctx.EndPhase(PhaseSummary{
			Status:    StatusCompleted,
			Processed: stats.Processed,
			Retries:   stats.Retries,
		}); err != nil {
			pctx.RecordError(PhaseLoad, err)
			return pctx.Summary()
		}

		if err := pctx.StartPhase(PhaseExtract, -1); err != nil {
			pctx.RecordError(PhaseExtract, err)
			return pctx.Summary()
		}
	}

	if err := pctx.EndPhase(PhaseSummary{
		Status:    StatusCompleted,
		Processed: extracted,
		Skipped:   reader.Skipped(),
	}); err != nil {
		pctx.RecordError(PhaseExtract, err)
		return pctx.Summary()
	}

	// An archive with no loadable conversations never cycled the later
	// phases; run them once so the export row exists and the summary
	// reports every phase.
	if pctx.Phase(PhaseTransform).Status != StatusCompleted {
		if err := pctx.StartPhase(PhaseTransform, -1); err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}
		if err := pctx.EndPhase(PhaseSummary{Status: StatusCompleted, Skipped: transformSkipped}); err != nil {
			pctx.RecordError(PhaseTransform, err)
			return pctx.Summary()
		}
	}
	if pctx.Phase(PhaseLoad).Status != StatusCompleted {
		if err := pctx.StartPhase(PhaseLoad, -1); err != nil {
			pctx.RecordError(PhaseLoad, err)
			return pctx.Summary()
		}
		if !exportSaved {
			if err := o.saveExportRow(ctx, pctx, path, header, exportDate); err != nil {
				pctx.RecordError(PhaseLoad, err)
				return pctx.Summary()
			}
		}
		if err := pctx.EndPhase(PhaseSummary{
			Status:    StatusCompleted,
			Processed: loader.Stats().Processed,
		}); err != nil {
			pctx.RecordError(PhaseLoad, err)
			return pctx.Summary()
		}
	}

	return pctx.Summary()
}

func (o *Orchestrator) saveExportRow(ctx context.Context, pctx *Context, path string, header export.Header, exportDate time.Time) error {
	return o.store.UpsertExport(ctx, storage.ExportRow{
		ID:         pctx.ExportID,
		UserID:     header.UserID,
		ExportDate: exportDate,
		SourceFile: path,
		InputHash:  pctx.InputHash,
		CreatedAt:  time.Now().UTC(),
	})
}

// clearCheckpoints removes all resume markers after a fully successful run.
func (o *Orchestrator) clearCheckpoints(pctx *Context) {
	for _, ph := range []Phase{PhaseExtract, PhaseTransform, PhaseLoad} {
		if err := pctx.Checkpoints.Clear(pctx.InputHash, string(ph)); err != nil {
			o.logger.Warn("clearing checkpoint", "phase", ph, "error", err)
		}
	}
}

// failedBeforeStart builds a summary for failures before the context exists.
func failedBeforeStart(err error) RunSummary {
	return RunSummary{
		Success: false,
		Phases:  map[string]PhaseReport{},
		Errors: []ErrorEntry{{
			Phase:     PhaseExtract,
			Type:      classifyError(err),
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		}},
	}
}

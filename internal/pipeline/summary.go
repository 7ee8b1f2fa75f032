package pipeline

import (
	"errors"
	"time"

	"github.com/dmarkin/chatetl/internal/export"
	"github.com/dmarkin/chatetl/internal/load"
	"github.com/dmarkin/chatetl/internal/storage"
)

// PhaseReport is the per-phase slice of the run summary.
type PhaseReport struct {
	Status    Status        `json:"status"`
	Processed int64         `json:"processed"`
	Skipped   int64         `json:"skipped"`
	Retries   int64         `json:"retries,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunSummary is the sole contract returned to the caller: the success flag
// and errors list say everything there is to say about the run.
type RunSummary struct {
	Success  bool                   `json:"success"`
	ExportID string                 `json:"export_id"`
	Resumed  bool                   `json:"resumed"`
	Phases   map[string]PhaseReport `json:"phases"`
	Errors   []ErrorEntry           `json:"errors"`
}

// Summary assembles the run summary from the context's phase records.
func (c *Context) Summary() RunSummary {
	phases := make(map[string]PhaseReport, len(c.phases))
	success := true
	for name, rec := range c.phases {
		phases[string(name)] = PhaseReport{
			Status:    rec.Status,
			Processed: rec.ItemsDone,
			Skipped:   rec.Skipped,
			Retries:   rec.Retries,
			Duration:  rec.Duration(),
		}
		if rec.Status != StatusCompleted {
			success = false
		}
	}
	return RunSummary{
		Success:  success,
		ExportID: c.ExportID,
		Phases:   phases,
		Errors:   c.errs,
	}
}

// classifyError maps errors from any pipeline component onto the taxonomy
// labels surfaced in the summary's errors list.
func classifyError(err error) string {
	switch {
	case errors.Is(err, export.ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, export.ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, export.ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, load.ErrFatalStore):
		return "fatal_store"
	case errors.Is(err, storage.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrResourceExceeded):
		return "resource_exceeded"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNoActivePhase):
		return "no_active_phase"
	case storage.IsTransient(err):
		return "transient_store"
	default:
		return "error"
	}
}

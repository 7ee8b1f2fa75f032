// Package pipeline owns the run-scoped ETL context: the phase state
// machine, progress counters, the run summary, and the orchestrator that
// sequences Extract, Transform, and Load.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dmarkin/chatetl/internal/checkpoint"
	"github.com/dmarkin/chatetl/internal/config"
)

// Phase identifies one pipeline stage.
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
)

// Status is the lifecycle state of one phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrInvalidTransition means a phase was started while another was
	// running, or reactivated after failing. It indicates a bug in the
	// orchestrator, not in the input.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrNoActivePhase means progress or completion was reported with no
	// phase running.
	ErrNoActivePhase = errors.New("no active phase")
	// ErrResourceExceeded means sampled heap use crossed the configured
	// ceiling. The orchestrator retries the check after a forced GC before
	// treating it as fatal.
	ErrResourceExceeded = errors.New("memory ceiling exceeded")
)

// memCheckEvery controls how often UpdateProgress samples process memory.
// ReadMemStats stops the world, so it is not taken on every call.
const memCheckEvery = 32

// PhaseRecord tracks one phase's lifecycle and counters. A phase runs in
// stints: the pipeline cycles all three phases once per chunk, so a record
// accumulates counters and active time across every stint.
type PhaseRecord struct {
	Phase      Phase
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	ItemsTotal int64
	ItemsDone  int64
	Skipped    int64
	Retries    int64

	elapsed   time.Duration
	lastStart time.Time
}

// Duration returns the wall time the phase spent running, summed over all
// of its stints.
func (r PhaseRecord) Duration() time.Duration {
	d := r.elapsed
	if r.Status == StatusRunning && !r.lastStart.IsZero() {
		d += time.Since(r.lastStart)
	}
	return d
}

// PhaseSummary is what a finished phase reports back to the context.
type PhaseSummary struct {
	Status    Status
	Processed int64
	Skipped   int64
	Retries   int64
}

// ErrorEntry is one structured error recorded against the run.
type ErrorEntry struct {
	Phase     Phase     `json:"phase"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the single source of truth for one pipeline run: configuration,
// phase records, the checkpoint store, and accumulated errors. Phase records
// are mutated only by the single active phase owner, so no lock guards them;
// concurrent phases are impossible by construction.
type Context struct {
	Config      config.Config
	Checkpoints *checkpoint.Store
	InputHash   string
	ExportID    string

	phases      map[Phase]*PhaseRecord
	active      Phase
	errs        []ErrorEntry
	memCounter  int
	memCeiling  uint64
	readMemStat func() uint64
	logger      *slog.Logger
}

// NewContext creates the context for one run.
func NewContext(cfg config.Config, cp *checkpoint.Store, inputHash, exportID string) *Context {
	phases := make(map[Phase]*PhaseRecord, 3)
	for _, ph := range []Phase{PhaseExtract, PhaseTransform, PhaseLoad} {
		phases[ph] = &PhaseRecord{Phase: ph, Status: StatusPending}
	}
	return &Context{
		Config:      cfg,
		Checkpoints: cp,
		InputHash:   inputHash,
		ExportID:    exportID,
		phases:      phases,
		memCeiling:  uint64(cfg.Pipeline.MemoryCeilingMB) << 20,
		readMemStat: heapAlloc,
		logger:      slog.Default(),
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Phase returns a copy of the record for the given phase.
func (c *Context) Phase(ph Phase) PhaseRecord {
	return *c.phases[ph]
}

// Active returns the currently running phase, or "" when none is.
func (c *Context) Active() Phase {
	return c.active
}

// StartPhase activates a phase. The first activation moves it from Pending
// and resets its counters; a Completed phase may be reactivated for another
// stint with its counters intact. Activation fails while another phase is
// running, and a Failed phase stays failed.
func (c *Context) StartPhase(ph Phase, expectedTotal int64) error {
	if c.active != "" {
		return fmt.Errorf("%w: %s is still running", ErrInvalidTransition, c.active)
	}
	rec, ok := c.phases[ph]
	if !ok {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, ph)
	}

	now := time.Now()
	switch rec.Status {
	case StatusPending:
		rec.StartedAt = now
		rec.EndedAt = time.Time{}
		rec.ItemsTotal = expectedTotal
		rec.ItemsDone = 0
		rec.Skipped = 0
		c.logger.Info("phase started", "phase", ph, "expected_total", expectedTotal)
	case StatusCompleted:
		// Another stint of the same phase; counters carry over.
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, ph, rec.Status)
	}

	rec.Status = StatusRunning
	rec.lastStart = now
	c.active = ph
	return nil
}

// UpdateProgress adds delta to the running phase's done counter and
// periodically samples process memory against the configured ceiling.
func (c *Context) UpdateProgress(delta int64) error {
	if c.active == "" {
		return ErrNoActivePhase
	}
	c.phases[c.active].ItemsDone += delta

	c.memCounter++
	if c.memCeiling == 0 || c.memCounter%memCheckEvery != 0 {
		return nil
	}
	if used := c.readMemStat(); used > c.memCeiling {
		// One forced collection gets a second opinion; transient garbage
		// from a big chunk should not abort the run.
		runtime.GC()
		if used = c.readMemStat(); used > c.memCeiling {
			return fmt.Errorf("%w: heap %d MB over ceiling %d MB",
				ErrResourceExceeded, used>>20, c.memCeiling>>20)
		}
	}
	return nil
}

// EndPhase transitions the running phase to the summary's status and merges
// its cumulative totals into the record. Ending with Completed leaves the
// phase eligible for another stint.
func (c *Context) EndPhase(summary PhaseSummary) error {
	if c.active == "" {
		return ErrNoActivePhase
	}
	rec := c.phases[c.active]
	now := time.Now()
	rec.Status = summary.Status
	rec.EndedAt = now
	rec.elapsed += now.Sub(rec.lastStart)
	rec.ItemsDone = summary.Processed
	rec.Skipped = summary.Skipped
	rec.Retries = summary.Retries
	c.logger.Debug("phase stint ended",
		"phase", c.active, "status", summary.Status,
		"processed", summary.Processed, "skipped", summary.Skipped,
		"duration", rec.Duration())
	c.active = ""
	return nil
}

// RecordError appends a structured error entry and forces the phase to
// Failed. It never fails itself; statistics must stay consistent even while
// the run is falling apart.
func (c *Context) RecordError(ph Phase, err error) {
	if err == nil {
		return
	}
	c.errs = append(c.errs, ErrorEntry{
		Phase:     ph,
		Type:      classifyError(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
	if rec, ok := c.phases[ph]; ok {
		if rec.Status == StatusRunning && !rec.lastStart.IsZero() {
			rec.elapsed += time.Since(rec.lastStart)
		}
		rec.Status = StatusFailed
		if rec.EndedAt.IsZero() {
			rec.EndedAt = time.Now()
		}
	}
	if c.active == ph {
		c.active = ""
	}
	c.logger.Error("phase error", "phase", ph, "error", err)
}

// Errors returns the recorded error entries in order.
func (c *Context) Errors() []ErrorEntry {
	return c.errs
}

package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dmarkin/chatetl/internal/export"
	"github.com/dmarkin/chatetl/internal/load"
	"github.com/dmarkin/chatetl/internal/storage"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid format", fmt.Errorf("opening: %w", export.ErrInvalidFormat), "invalid_format"},
		{"corrupt archive", export.ErrCorruptArchive, "corrupt_archive"},
		{"schema violation", export.ErrSchemaViolation, "schema_violation"},
		{"fatal store", fmt.Errorf("%w: UNIQUE constraint failed", load.ErrFatalStore), "fatal_store"},
		// An exhausted retry budget wraps a transient message; the fatal
		// sentinel must win over the transient string match.
		{"exhausted retries", fmt.Errorf("%w: retries exhausted after 3 attempts: database is locked", load.ErrFatalStore), "fatal_store"},
		{"transient store", errors.New("database is locked"), "transient_store"},
		{"pool exhausted", storage.ErrPoolExhausted, "pool_exhausted"},
		{"resource exceeded", ErrResourceExceeded, "resource_exceeded"},
		{"invalid transition", ErrInvalidTransition, "invalid_transition"},
		{"no active phase", ErrNoActivePhase, "no_active_phase"},
		{"unclassified", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// recordVersion is bumped whenever the on-disk layout changes. A record with
// a different version is treated the same as a mismatched input: rejected,
// never silently resumed.
const recordVersion = 2

// ErrMismatch is returned when a stored record exists but belongs to a
// different input file or record version.
var ErrMismatch = errors.New("checkpoint does not match input")

// Record is one durable resume marker for a (input, phase) pair. For the
// load phase, Cursor is the conversation index the in-flight chunk starts
// at, Processed the run total of committed messages, and ChunkOffset how
// many of the in-flight chunk's messages are already durable.
type Record struct {
	Version     int       `json:"version"`
	InputHash   string    `json:"input_hash"`
	Phase       string    `json:"phase"`
	Cursor      int64     `json:"cursor"`
	Processed   int64     `json:"processed"`
	ChunkOffset int64     `json:"chunk_offset"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store keeps checkpoint records as JSON files in a directory, one file per
// (input-hash, phase) pair.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(inputHash, phase string) string {
	// The first 16 hex chars are plenty to keep files for distinct inputs apart.
	short := inputHash
	if len(short) > 16 {
		short = short[:16]
	}
	return filepath.Join(s.dir, short+"-"+phase+".json")
}

// Save writes the record atomically: to a temp file first, then renamed into
// place, so a crash mid-write never leaves a torn checkpoint behind.
func (s *Store) Save(rec Record) error {
	rec.Version = recordVersion
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	target := s.path(rec.InputHash, rec.Phase)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

// Load returns the record for the given (input, phase) pair, or (nil, nil)
// when none exists. A record whose input hash or version does not match is
// rejected with ErrMismatch rather than returned.
func (s *Store) Load(inputHash, phase string) (*Record, error) {
	data, err := os.ReadFile(s.path(inputHash, phase))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMismatch, rec.Version)
	}
	if rec.InputHash != inputHash {
		return nil, fmt.Errorf("%w: stored hash %.16s", ErrMismatch, rec.InputHash)
	}
	if rec.Phase != phase {
		return nil, fmt.Errorf("%w: stored phase %s", ErrMismatch, rec.Phase)
	}
	return &rec, nil
}

// Clear removes the record for the given pair. Missing records are not an
// error.
func (s *Store) Clear(inputHash, phase string) error {
	err := os.Remove(s.path(inputHash, phase))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}

// List returns every stored record, newest first. When inputHash is
// non-empty only records for that input are returned.
func (s *Store) List(inputHash string) ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if inputHash != "" && rec.InputHash != inputHash {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

package storage

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ExportRow is the run-level record: one row per processed archive.
type ExportRow struct {
	ID         string
	UserID     string
	ExportDate time.Time
	SourceFile string
	InputHash  string
	CreatedAt  time.Time
}

// ConversationRow is one conversation, keyed by (id, export_id).
type ConversationRow struct {
	ID           string
	ExportID     string
	DisplayName  string
	MessageCount int
}

// MessageRow is one normalized message, keyed by
// (id, conversation_id, export_id) so replaying a committed batch upserts
// instead of duplicating.
type MessageRow struct {
	ID             string
	ConversationID string
	ExportID       string
	Timestamp      time.Time
	Seq            int64
	Sender         string
	Content        string
	MessageType    string
	StructuredJSON string
}

// IsTransient reports whether a store error is expected to succeed on retry:
// lock contention, busy handles, or interrupted connections. Constraint and
// schema errors are not transient and must abort the load.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"connection reset",
		"bad connection",
		"interrupted",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

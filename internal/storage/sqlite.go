package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database holding exports, conversations, and
// messages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
// Pass ":memory:" for an in-memory database (used by tests). maxConns bounds
// the number of open handles; the connection pool hands them out.
func Open(path string, maxConns int) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	// An in-memory database exists per connection; more than one handle
	// would each see an empty schema.
	if path == ":memory:" {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	// Wait briefly on contended handles instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers (the report API) unblocked during load commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Writes ---

// UpsertExport records the run-level row. Re-running the same input updates
// the existing row instead of failing.
func (s *Store) UpsertExport(ctx context.Context, row ExportRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exports (id, user_id, export_date, source_file, input_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			export_date = excluded.export_date,
			source_file = excluded.source_file,
			input_hash = excluded.input_hash`,
		row.ID, row.UserID, row.ExportDate.UTC().Format(time.RFC3339),
		row.SourceFile, row.InputHash, row.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpsertConversationsOn writes conversation rows in one transaction on the
// given pooled connection.
func (s *Store) UpsertConversationsOn(ctx context.Context, conn *sql.Conn, rows []ConversationRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning conversation transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversations (id, export_id, display_name, message_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, export_id) DO UPDATE SET
			display_name = excluded.display_name,
			message_count = excluded.message_count`)
	if err != nil {
		return fmt.Errorf("preparing conversation upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ID, row.ExportID, row.DisplayName, row.MessageCount); err != nil {
			return fmt.Errorf("upserting conversation %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertMessagesOn writes one batch of message rows in one transaction on
// the given pooled connection. The natural key makes a replayed batch a
// no-op rather than a duplicate-row error.
func (s *Store) UpsertMessagesOn(ctx context.Context, conn *sql.Conn, rows []MessageRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, export_id, ts, seq, sender, content, message_type, structured_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, conversation_id, export_id) DO UPDATE SET
			ts = excluded.ts,
			seq = excluded.seq,
			sender = excluded.sender,
			content = excluded.content,
			message_type = excluded.message_type,
			structured_json = excluded.structured_json`)
	if err != nil {
		return fmt.Errorf("preparing message upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.ID, row.ConversationID, row.ExportID,
			row.Timestamp.UTC().Format(time.RFC3339Nano), row.Seq,
			row.Sender, row.Content, row.MessageType, row.StructuredJSON,
		); err != nil {
			return fmt.Errorf("upserting message %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

// --- Reads (report API and CLI) ---

func (s *Store) ListExports(ctx context.Context, limit int) ([]ExportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, export_date, source_file, input_hash, created_at
		FROM exports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ExportRow
	for rows.Next() {
		row, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *Store) GetExport(ctx context.Context, id string) (ExportRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, export_date, source_file, input_hash, created_at
		FROM exports WHERE id = ?`, id)
	result, err := scanExport(row)
	if err == sql.ErrNoRows {
		return ExportRow{}, ErrNotFound
	}
	return result, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(sc scanner) (ExportRow, error) {
	var row ExportRow
	var exportDate, createdAt string
	if err := sc.Scan(&row.ID, &row.UserID, &exportDate, &row.SourceFile, &row.InputHash, &createdAt); err != nil {
		return ExportRow{}, err
	}
	var err error
	if row.ExportDate, err = time.Parse(time.RFC3339, exportDate); err != nil {
		return ExportRow{}, fmt.Errorf("parsing export_date: %w", err)
	}
	if row.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ExportRow{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return row, nil
}

func (s *Store) ListConversations(ctx context.Context, exportID string, limit, offset int) ([]ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, export_id, display_name, message_count
		FROM conversations WHERE export_id = ?
		ORDER BY id LIMIT ? OFFSET ?`, exportID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationRow
	for rows.Next() {
		var row ConversationRow
		if err := rows.Scan(&row.ID, &row.ExportID, &row.DisplayName, &row.MessageCount); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ListMessages returns messages for a conversation ordered by timestamp then
// extraction sequence, which is the stored conversation order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, export_id, ts, seq, sender, content, message_type, structured_json
		FROM messages WHERE conversation_id = ?
		ORDER BY ts, seq LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MessageRow
	for rows.Next() {
		var row MessageRow
		var ts string
		if err := rows.Scan(&row.ID, &row.ConversationID, &row.ExportID, &ts, &row.Seq,
			&row.Sender, &row.Content, &row.MessageType, &row.StructuredJSON); err != nil {
			return nil, err
		}
		if row.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Counts summarizes stored row counts for one export.
type Counts struct {
	Conversations int64
	Messages      int64
}

func (s *Store) CountRows(ctx context.Context, exportID string) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations WHERE export_id = ?", exportID).Scan(&c.Conversations); err != nil {
		return Counts{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE export_id = ?", exportID).Scan(&c.Messages); err != nil {
		return Counts{}, err
	}
	return c, nil
}

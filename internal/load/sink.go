package load

import (
	"context"
	"fmt"

	"github.com/dmarkin/chatetl/internal/storage"
)

// SQLiteSink writes batches through the connection pool: one pooled
// connection per batch, one transaction per call, connection discarded on
// failure so the pool replaces it.
type SQLiteSink struct {
	store *storage.Store
	pool  *storage.Pool
}

// NewSQLiteSink wires the sink to the store and pool.
func NewSQLiteSink(store *storage.Store, pool *storage.Pool) *SQLiteSink {
	return &SQLiteSink{store: store, pool: pool}
}

func (s *SQLiteSink) WriteConversations(ctx context.Context, rows []storage.ConversationRow) error {
	if len(rows) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	err = s.store.UpsertConversationsOn(ctx, conn.Conn, rows)
	s.pool.Release(conn, err == nil)
	return err
}

func (s *SQLiteSink) WriteMessages(ctx context.Context, rows []storage.MessageRow) error {
	if len(rows) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	err = s.store.UpsertMessagesOn(ctx, conn.Conn, rows)
	s.pool.Release(conn, err == nil)
	return err
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists checkpoints in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	owned bool

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects to dsn and ensures the checkpoint table exists.
// The store owns the pool and closes it on Close.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close does not close it.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, table: "convoflow_checkpoints"}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			data BYTEA NOT NULL,
			PRIMARY KEY (thread_id, sequence)
		)
	`, s.table)); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, threadID string, sequence int, nodeID string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (thread_id, sequence, node_id, created_at, data)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (thread_id, sequence) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			created_at = EXCLUDED.created_at,
			data = EXCLUDED.data
	`, s.table), threadID, sequence, nodeID, data)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, threadID string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT data FROM %s
		WHERE thread_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, s.table), threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return data, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, threadID string, sequence int) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT data FROM %s WHERE thread_id = $1 AND sequence = $2
	`, s.table), threadID, sequence).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, threadID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT node_id, sequence, created_at, octet_length(data)
		FROM %s
		WHERE thread_id = $1
		ORDER BY sequence
	`, s.table), threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		info := Info{ThreadID: threadID}
		var size int32
		if err := rows.Scan(&info.NodeID, &info.Sequence, &info.Timestamp, &size); err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.Size = int64(size)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Threads implements Store.
func (s *PostgresStore) Threads(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT thread_id FROM %s ORDER BY thread_id
	`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect threads: %w", err)
	}
	return ids, nil
}

// Prune implements Store.
func (s *PostgresStore) Prune(ctx context.Context, threadID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE thread_id = $1 AND sequence NOT IN (
			SELECT sequence FROM %[1]s
			WHERE thread_id = $1
			ORDER BY sequence DESC
			LIMIT $2
		)
	`, s.table), threadID, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}

// DeleteThread implements Store.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, s.table), threadID); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		s.pool.Close()
	}
	return nil
}

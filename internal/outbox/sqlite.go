package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sosmesh/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_records (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id     TEXT NOT NULL UNIQUE,
	message_id    TEXT NOT NULL UNIQUE,
	state         TEXT NOT NULL,
	message       TEXT NOT NULL,
	first_seen_at INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	synced_at     INTEGER
);

CREATE INDEX IF NOT EXISTS outbox_records_state
	ON outbox_records (state, first_seen_at, seq);
`

// SQLiteStore keeps outbox records in a SQLite database. Every write runs
// in an IMMEDIATE transaction with synchronous=FULL, so a record is on disk
// before Insert returns and compaction is serialized against inserts by
// SQLite's writer lock.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the outbox database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox: sqlite path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: opening %s: %w", path, err)
	}

	s := &SQLiteStore{
		pool:   pool,
		path:   path,
		logger: logger.With("component", "outbox-sqlite"),
	}
	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("outbox database opened", "path", path)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("outbox: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("outbox: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("outbox: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: %s: %w", op, err)
	}
	return conn, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec models.OutboxRecord) (recordID string, inserted bool, err error) {
	body, err := json.Marshal(rec.Message)
	if err != nil {
		return "", false, fmt.Errorf("outbox: encoding message %s: %w", rec.Message.ID, err)
	}

	conn, err := s.take(ctx, "insert")
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", false, fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO outbox_records (record_id, message_id, state, message, first_seen_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{
			rec.RecordID,
			rec.Message.ID,
			string(models.StatePending),
			string(body),
			rec.FirstSeenAt.UnixNano(),
			int64(rec.RetryCount),
		}})
	if err != nil {
		return "", false, fmt.Errorf("outbox: inserting %s: %w", rec.Message.ID, err)
	}
	if conn.Changes() > 0 {
		return rec.RecordID, true, nil
	}

	err = sqlitex.Execute(conn,
		`SELECT record_id FROM outbox_records WHERE message_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{rec.Message.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				recordID = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("outbox: looking up %s: %w", rec.Message.ID, err)
	}
	return recordID, false, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.OutboxRecord, error) {
	conn, err := s.take(ctx, "list pending")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var records []models.OutboxRecord
	err = sqlitex.Execute(conn, `
		SELECT record_id, state, message, first_seen_at, retry_count
		FROM outbox_records
		WHERE state = ?
		ORDER BY first_seen_at, seq`,
		&sqlitex.ExecOptions{
			Args: []any{string(models.StatePending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec := models.OutboxRecord{
					RecordID:    stmt.ColumnText(0),
					State:       models.RecordState(stmt.ColumnText(1)),
					FirstSeenAt: time.Unix(0, stmt.ColumnInt64(3)).UTC(),
					RetryCount:  uint(stmt.ColumnInt64(4)),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &rec.Message); err != nil {
					return fmt.Errorf("decoding record %s: %w", rec.RecordID, err)
				}
				records = append(records, rec)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("outbox: listing pending: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (changes int, err error) {
	conn, err := s.take(ctx, op)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("outbox: %s: %w", op, err)
	}
	return conn.Changes(), nil
}

// MarkSynced touches the row even when it is already synced, so that zero
// changes means the record is unknown.
func (s *SQLiteStore) MarkSynced(ctx context.Context, recordID string, at time.Time) error {
	changes, err := s.exec(ctx, "mark synced", `
		UPDATE outbox_records
		SET synced_at = CASE WHEN state = ? THEN ? ELSE synced_at END,
		    state = ?
		WHERE record_id = ?`,
		string(models.StatePending), at.UnixNano(), string(models.StateSynced), recordID)
	if err == nil && changes == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, recordID string) error {
	changes, err := s.exec(ctx, "increment retry", `
		UPDATE outbox_records
		SET retry_count = retry_count + CASE WHEN state = ? THEN 1 ELSE 0 END
		WHERE record_id = ?`,
		string(models.StatePending), recordID)
	if err == nil && changes == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) DeleteSynced(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, "delete synced", `
		DELETE FROM outbox_records WHERE state = ? AND synced_at <= ?`,
		string(models.StateSynced), before.UnixNano())
}

func (s *SQLiteStore) Remove(ctx context.Context, recordID string) error {
	_, err := s.exec(ctx, "remove", `DELETE FROM outbox_records WHERE record_id = ?`, recordID)
	return err
}

func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	conn, err := s.take(ctx, "stats")
	if err != nil {
		return StoreStats{}, err
	}
	defer s.pool.Put(conn)

	var stats StoreStats
	err = sqlitex.Execute(conn, `
		SELECT
			COUNT(*) FILTER (WHERE state = ?),
			COUNT(*) FILTER (WHERE state = ?),
			MIN(first_seen_at) FILTER (WHERE state = ?)
		FROM outbox_records`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(models.StatePending),
				string(models.StateSynced),
				string(models.StatePending),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Pending = stmt.ColumnInt(0)
				stats.Synced = stmt.ColumnInt(1)
				if !stmt.ColumnIsNull(2) {
					stats.OldestPendingAt = time.Unix(0, stmt.ColumnInt64(2)).UTC()
				}
				return nil
			},
		})
	if err != nil {
		return StoreStats{}, fmt.Errorf("outbox: stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("outbox: closing %s: %w", s.path, err)
	}
	s.logger.Info("outbox database closed", "path", s.path)
	return nil
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sosmesh/internal/models"
)

var baseTime = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func testRecord(messageID string, offset time.Duration) models.OutboxRecord {
	return models.OutboxRecord{
		RecordID: uuid.NewString(),
		Message: models.Message{
			ID:        messageID,
			SenderID:  "node-a",
			Kind:      models.KindSOS,
			Payload:   json.RawMessage(`{"text":"trapped"}`),
			CreatedAt: baseTime.Add(offset),
			TTL:       models.DefaultTTL,
		},
		State:       models.StatePending,
		FirstSeenAt: baseTime.Add(offset),
	}
}

type storeFactory struct {
	name string
	open func(t *testing.T, dir string) Store
}

var storeFactories = []storeFactory{
	{
		name: "sqlite",
		open: func(t *testing.T, dir string) Store {
			s, err := OpenSQLite(filepath.Join(dir, "outbox.db"), nil)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	},
	{
		name: "file",
		open: func(t *testing.T, dir string) Store {
			s, err := OpenFile(filepath.Join(dir, "outbox.log"), nil)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			return s
		},
	},
}

func pendingIDs(t *testing.T, s Store) []string {
	t.Helper()
	records, err := s.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.Message.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStoreInsertDeduplicatesByMessageID(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			first := testRecord("msg-1", 0)
			id, inserted, err := s.Insert(ctx, first)
			if err != nil || !inserted || id != first.RecordID {
				t.Fatalf("Insert = %q, %v, %v", id, inserted, err)
			}

			again := testRecord("msg-1", time.Second)
			id, inserted, err = s.Insert(ctx, again)
			if err != nil {
				t.Fatalf("second Insert: %v", err)
			}
			if inserted || id != first.RecordID {
				t.Errorf("second Insert = %q, %v; want original record", id, inserted)
			}
			if got := pendingIDs(t, s); len(got) != 1 {
				t.Errorf("pending = %v, want one record", got)
			}
		})
	}
}

func TestStoreListPendingOldestFirst(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			s.Insert(ctx, testRecord("late", 2*time.Second))
			s.Insert(ctx, testRecord("early", 0))
			s.Insert(ctx, testRecord("middle", time.Second))

			want := []string{"early", "middle", "late"}
			if got := pendingIDs(t, s); !equalIDs(got, want) {
				t.Errorf("pending = %v, want %v", got, want)
			}
		})
	}
}

func TestStoreMarkSyncedIdempotent(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			rec := testRecord("msg-1", 0)
			s.Insert(ctx, rec)

			syncedAt := baseTime.Add(time.Minute)
			for i := range 2 {
				if err := s.MarkSynced(ctx, rec.RecordID, syncedAt.Add(time.Duration(i)*time.Hour)); err != nil {
					t.Fatalf("MarkSynced #%d: %v", i+1, err)
				}
			}
			if err := s.MarkSynced(ctx, "no-such-record", syncedAt); !errors.Is(err, ErrNotFound) {
				t.Errorf("MarkSynced unknown record = %v, want ErrNotFound", err)
			}

			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.Pending != 0 || stats.Synced != 1 {
				t.Errorf("stats = %+v", stats)
			}

			// The first transition's timestamp sticks.
			if n, _ := s.DeleteSynced(ctx, syncedAt); n != 1 {
				t.Errorf("DeleteSynced at first sync time removed %d, want 1", n)
			}
		})
	}
}

func TestStoreIncrementRetryOnlyPending(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			rec := testRecord("msg-1", 0)
			s.Insert(ctx, rec)
			s.IncrementRetry(ctx, rec.RecordID)
			s.IncrementRetry(ctx, rec.RecordID)

			records, _ := s.ListPending(ctx)
			if len(records) != 1 || records[0].RetryCount != 2 {
				t.Fatalf("records = %+v, want retry count 2", records)
			}
			if err := s.IncrementRetry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("IncrementRetry unknown record = %v, want ErrNotFound", err)
			}
			s.MarkSynced(ctx, rec.RecordID, baseTime)
			if err := s.IncrementRetry(ctx, rec.RecordID); err != nil {
				t.Errorf("IncrementRetry synced record: %v", err)
			}
		})
	}
}

func TestStoreDeleteSyncedKeepsPending(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			s := f.open(t, t.TempDir())
			defer s.Close()

			recs := []models.OutboxRecord{
				testRecord("msg-1", 0),
				testRecord("msg-2", time.Second),
				testRecord("msg-3", 2*time.Second),
			}
			for _, rec := range recs {
				s.Insert(ctx, rec)
			}
			s.MarkSynced(ctx, recs[0].RecordID, baseTime)
			s.MarkSynced(ctx, recs[2].RecordID, baseTime)

			n, err := s.DeleteSynced(ctx, baseTime)
			if err != nil || n != 2 {
				t.Fatalf("DeleteSynced = %d, %v; want 2", n, err)
			}
			if got := pendingIDs(t, s); !equalIDs(got, []string{"msg-2"}) {
				t.Errorf("pending = %v, want [msg-2]", got)
			}

			stats, _ := s.Stats(ctx)
			if stats.Pending != 1 || stats.Synced != 0 || !stats.OldestPendingAt.Equal(recs[1].FirstSeenAt) {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := f.open(t, dir)

			for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
				rec := testRecord(id, time.Duration(i)*time.Second)
				if _, _, err := s.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert: %v", err)
				}
				if id == "msg-2" {
					s.IncrementRetry(ctx, rec.RecordID)
				}
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			reopened := f.open(t, dir)
			defer reopened.Close()

			records, err := reopened.ListPending(ctx)
			if err != nil {
				t.Fatalf("ListPending: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("records after reopen = %d, want 3", len(records))
			}
			for i, want := range []string{"msg-1", "msg-2", "msg-3"} {
				if records[i].Message.ID != want {
					t.Errorf("record %d = %s, want %s", i, records[i].Message.ID, want)
				}
			}
			if records[1].RetryCount != 1 {
				t.Errorf("retry count lost: %d", records[1].RetryCount)
			}
			if string(records[0].Message.Payload) != `{"text":"trapped"}` {
				t.Errorf("payload = %s", records[0].Message.Payload)
			}
			if !records[0].Message.CreatedAt.Equal(baseTime) {
				t.Errorf("created at = %v", records[0].Message.CreatedAt)
			}
		})
	}
}

func TestSQLiteExecReportsCommitFailure(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	// A deferred foreign key is only checked at COMMIT. Hold every pooled
	// connection so each one gets the pragma.
	var conns []*sqlite.Conn
	for range 4 {
		conn, err := s.pool.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys=ON", nil); err != nil {
			t.Fatalf("enabling foreign keys: %v", err)
		}
		conns = append(conns, conn)
	}
	err = sqlitex.ExecuteScript(conns[0], `
		CREATE TABLE parents (id INTEGER PRIMARY KEY);
		CREATE TABLE children (
			parent_id INTEGER REFERENCES parents(id) DEFERRABLE INITIALLY DEFERRED
		);`, nil)
	if err != nil {
		t.Fatalf("creating tables: %v", err)
	}
	for _, conn := range conns {
		s.pool.Put(conn)
	}

	if _, err := s.exec(ctx, "insert orphan", "INSERT INTO children (parent_id) VALUES (?)", 42); err == nil {
		t.Fatal("exec = nil, want the COMMIT failure")
	}
}

func TestFileStoreDiscardsTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.log")
	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	s.Insert(ctx, testRecord("msg-1", 0))
	s.Close()

	// Simulate a crash in the middle of writing a frame.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Write([]byte{200, 0, 0, 0, 0xa1, 0x61})
	f.Close()

	s, err = OpenFile(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, _, err := s.Insert(ctx, testRecord("msg-2", time.Second)); err != nil {
		t.Fatalf("Insert after recovery: %v", err)
	}
	s.Close()

	s, err = OpenFile(path, nil)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer s.Close()
	if got := pendingIDs(t, s); !equalIDs(got, []string{"msg-1", "msg-2"}) {
		t.Errorf("pending = %v", got)
	}
}

func TestFileStoreRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.log")
	if err := os.WriteFile(path, make([]byte, HeaderSize), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path, nil); err == nil {
		t.Error("expected error for file without magic number")
	}
}

func TestFileStoreCompactionRewritesLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.log")
	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := range 20 {
		rec := testRecord(uuid.NewString(), time.Duration(i)*time.Second)
		s.Insert(ctx, rec)
		s.MarkSynced(ctx, rec.RecordID, baseTime)
	}
	keep := testRecord("keep", time.Hour)
	s.Insert(ctx, keep)

	before, _ := os.Stat(path)
	if n, err := s.DeleteSynced(ctx, baseTime); err != nil || n != 20 {
		t.Fatalf("DeleteSynced = %d, %v", n, err)
	}
	after, _ := os.Stat(path)
	if after.Size() >= before.Size() {
		t.Errorf("log did not shrink: %d -> %d", before.Size(), after.Size())
	}

	s.IncrementRetry(ctx, keep.RecordID)
	s.Close()

	s, err = OpenFile(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	records, _ := s.ListPending(ctx)
	if len(records) != 1 || records[0].Message.ID != "keep" || records[0].RetryCount != 1 {
		t.Errorf("records = %+v", records)
	}
}

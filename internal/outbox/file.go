package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sosmesh/internal/models"
)

// File layout: a fixed header followed by length-prefixed CBOR operations.
//
//	header: magic u32 | format version u32 | created unix nanos u64 | "SOSO" | reserved
//	frame:  length u32 | cbor(fileOp)
//
// All integers are little endian. The log is replayed on open; a frame cut
// short by a crash is discarded and the file truncated to the last complete
// frame.
const (
	MagicNumber   = 0x534f5331
	FormatVersion = 1
	HeaderSize    = 32
	maxFrameSize  = 1 << 20
)

type opKind uint8

const (
	opInsert opKind = iota + 1
	opSynced
	opRetry
	opRemove
)

type fileOp struct {
	Kind     opKind               `cbor:"k"`
	Record   *models.OutboxRecord `cbor:"r,omitempty"`
	RecordID string               `cbor:"id,omitempty"`
	At       time.Time            `cbor:"at"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

// FileStore is the fallback outbox: an append-only log on a plain file,
// fsynced after every write. It needs nothing beyond a writable directory,
// so it keeps working when the database cannot be opened.
type FileStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	logger  *slog.Logger
	records map[string]*models.OutboxRecord
	byMsg   map[string]string
	order   []string
	closed  bool
}

// OpenFile opens or creates the log at path and replays it.
func OpenFile(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox: fallback path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox: creating %s: %w", filepath.Dir(path), err)
	}

	fs := &FileStore{
		path:    path,
		logger:  logger.With("component", "outbox-file"),
		records: make(map[string]*models.OutboxRecord),
		byMsg:   make(map[string]string),
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening %s: %w", path, err)
	}
	if err := fs.load(file); err != nil {
		file.Close()
		return nil, err
	}
	fs.file = file
	fs.logger.Info("fallback outbox opened", "path", path, "records", len(fs.records))
	return fs, nil
}

func buildHeader(created time.Time) []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(created.UnixNano()))
	copy(header[16:], []byte("SOSO"))
	return header
}

func (fs *FileStore) load(file *os.File) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("outbox: reading %s: %w", fs.path, err)
	}

	if len(data) == 0 {
		if _, err := file.Write(buildHeader(time.Now())); err != nil {
			return fmt.Errorf("outbox: writing header: %w", err)
		}
		return file.Sync()
	}
	if len(data) < HeaderSize {
		return fmt.Errorf("outbox: %s: file too small", fs.path)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != MagicNumber {
		return fmt.Errorf("outbox: %s: invalid magic number", fs.path)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != FormatVersion {
		return fmt.Errorf("outbox: %s: unsupported format version %d", fs.path, version)
	}

	pos := HeaderSize
	for pos < len(data) {
		if len(data)-pos < 4 {
			break
		}
		size := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		if size > maxFrameSize || len(data)-pos-4 < size {
			break
		}
		var op fileOp
		if err := decMode.Unmarshal(data[pos+4:pos+4+size], &op); err != nil {
			break
		}
		fs.apply(op)
		pos += 4 + size
	}

	if pos < len(data) {
		fs.logger.Warn("discarding torn tail of fallback outbox",
			"path", fs.path, "offset", pos, "bytes", len(data)-pos)
		if err := file.Truncate(int64(pos)); err != nil {
			return fmt.Errorf("outbox: truncating %s: %w", fs.path, err)
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("outbox: syncing %s: %w", fs.path, err)
		}
	}
	if _, err := file.Seek(int64(pos), io.SeekStart); err != nil {
		return fmt.Errorf("outbox: seeking %s: %w", fs.path, err)
	}
	return nil
}

// apply mutates the in-memory index. It is used both for replay and after a
// successful append.
func (fs *FileStore) apply(op fileOp) {
	switch op.Kind {
	case opInsert:
		if op.Record == nil {
			return
		}
		rec := *op.Record
		if _, ok := fs.byMsg[rec.Message.ID]; ok {
			return
		}
		fs.records[rec.RecordID] = &rec
		fs.byMsg[rec.Message.ID] = rec.RecordID
		fs.order = append(fs.order, rec.RecordID)
	case opSynced:
		if rec, ok := fs.records[op.RecordID]; ok && rec.Pending() {
			rec.State = models.StateSynced
			rec.SyncedAt = op.At
		}
	case opRetry:
		if rec, ok := fs.records[op.RecordID]; ok && rec.Pending() {
			rec.RetryCount++
		}
	case opRemove:
		fs.removeLocked(op.RecordID)
	}
}

func (fs *FileStore) removeLocked(recordID string) {
	rec, ok := fs.records[recordID]
	if !ok {
		return
	}
	delete(fs.records, recordID)
	delete(fs.byMsg, rec.Message.ID)
	for i, id := range fs.order {
		if id == recordID {
			fs.order = append(fs.order[:i], fs.order[i+1:]...)
			break
		}
	}
}

func encodeFrame(op fileOp) ([]byte, error) {
	body, err := encMode.Marshal(op)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// appendLocked durably writes op and then applies it.
func (fs *FileStore) appendLocked(op fileOp) error {
	if fs.closed {
		return ErrClosed
	}
	frame, err := encodeFrame(op)
	if err != nil {
		return fmt.Errorf("outbox: encoding op: %w", err)
	}
	if _, err := fs.file.Write(frame); err != nil {
		return fmt.Errorf("outbox: appending to %s: %w", fs.path, err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("outbox: syncing %s: %w", fs.path, err)
	}
	fs.apply(op)
	return nil
}

func (fs *FileStore) Insert(ctx context.Context, rec models.OutboxRecord) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if existing, ok := fs.byMsg[rec.Message.ID]; ok {
		return existing, false, nil
	}
	rec.State = models.StatePending
	if err := fs.appendLocked(fileOp{Kind: opInsert, Record: &rec}); err != nil {
		return "", false, err
	}
	return rec.RecordID, true, nil
}

func (fs *FileStore) ListPending(ctx context.Context) ([]models.OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrClosed
	}

	out := make([]models.OutboxRecord, 0, len(fs.order))
	for _, id := range fs.order {
		if rec := fs.records[id]; rec.Pending() {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out, nil
}

func (fs *FileStore) update(ctx context.Context, op fileOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrClosed
	}
	rec, ok := fs.records[op.RecordID]
	switch {
	case !ok && op.Kind == opRemove:
		return nil
	case !ok:
		return ErrNotFound
	case op.Kind != opRemove && !rec.Pending():
		return nil
	}
	return fs.appendLocked(op)
}

func (fs *FileStore) MarkSynced(ctx context.Context, recordID string, at time.Time) error {
	return fs.update(ctx, fileOp{Kind: opSynced, RecordID: recordID, At: at.UTC()})
}

func (fs *FileStore) IncrementRetry(ctx context.Context, recordID string) error {
	return fs.update(ctx, fileOp{Kind: opRetry, RecordID: recordID})
}

func (fs *FileStore) Remove(ctx context.Context, recordID string) error {
	return fs.update(ctx, fileOp{Kind: opRemove, RecordID: recordID})
}

// DeleteSynced drops synced records and rewrites the log so it only holds
// the survivors.
func (fs *FileStore) DeleteSynced(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return 0, ErrClosed
	}

	var victims []string
	for _, id := range fs.order {
		rec := fs.records[id]
		if rec.State == models.StateSynced && !rec.SyncedAt.After(before) {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	keep := make([]models.OutboxRecord, 0, len(fs.order)-len(victims))
	drop := make(map[string]bool, len(victims))
	for _, id := range victims {
		drop[id] = true
	}
	for _, id := range fs.order {
		if !drop[id] {
			keep = append(keep, *fs.records[id])
		}
	}
	if err := fs.rewriteLocked(keep); err != nil {
		return 0, err
	}
	for _, id := range victims {
		fs.removeLocked(id)
	}
	return len(victims), nil
}

// rewriteLocked writes a fresh log holding records and atomically swaps it
// in place of the current file.
func (fs *FileStore) rewriteLocked(records []models.OutboxRecord) error {
	var buf bytes.Buffer
	buf.Write(buildHeader(time.Now()))
	for i := range records {
		frame, err := encodeFrame(fileOp{Kind: opInsert, Record: &records[i]})
		if err != nil {
			return fmt.Errorf("outbox: encoding record: %w", err)
		}
		buf.Write(frame)
	}

	tmpPath := fs.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("outbox: creating %s: %w", tmpPath, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("outbox: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("outbox: syncing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("outbox: replacing %s: %w", fs.path, err)
	}
	syncDir(filepath.Dir(fs.path))

	fs.file.Close()
	fs.file = tmp
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func (fs *FileStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return StoreStats{}, ErrClosed
	}

	var stats StoreStats
	for _, rec := range fs.records {
		if rec.Pending() {
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || rec.FirstSeenAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.FirstSeenAt
			}
		} else {
			stats.Synced++
		}
	}
	return stats, nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	if err := fs.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("outbox: closing %s: %w", fs.path, err)
	}
	return nil
}

package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/sosmesh/internal/models"
)

// ErrStorageFailure is returned by Enqueue when neither the primary nor the
// fallback store accepted the record. It is the only outbox error surfaced to
// user-facing callers.
var ErrStorageFailure = errors.New("outbox: storage failure")

// ErrNotFound is returned by a store's MarkSynced and IncrementRetry when it
// holds no record with the given id.
var ErrNotFound = errors.New("outbox: record not found")

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("outbox: store closed")

// Store is a durable table of outbox records keyed by record id, with a
// unique secondary key on message id.
type Store interface {
	// Insert writes rec durably. If a record with the same message id is
	// already present the store is unchanged and the existing record id is
	// returned with inserted=false.
	Insert(ctx context.Context, rec models.OutboxRecord) (recordID string, inserted bool, err error)
	// ListPending returns pending records, oldest first.
	ListPending(ctx context.Context) ([]models.OutboxRecord, error)
	// MarkSynced moves a pending record to synced. An already synced record
	// is left alone; an unknown one yields ErrNotFound.
	MarkSynced(ctx context.Context, recordID string, at time.Time) error
	// IncrementRetry bumps the retry count of a pending record. Synced
	// records are left alone; an unknown one yields ErrNotFound.
	IncrementRetry(ctx context.Context, recordID string) error
	// DeleteSynced removes synced records whose SyncedAt is not after before.
	DeleteSynced(ctx context.Context, before time.Time) (int, error)
	// Remove deletes a record regardless of state. It is used when a record
	// has been copied into another store.
	Remove(ctx context.Context, recordID string) error
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// StoreStats summarises one store.
type StoreStats struct {
	Pending         int       `json:"pending"`
	Synced          int       `json:"synced"`
	OldestPendingAt time.Time `json:"oldest_pending_at,omitzero"`
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/models"
)

// Config describes where the outbox keeps its data.
type Config struct {
	// SQLitePath is the primary database. Empty disables the primary store.
	SQLitePath string
	// FallbackPath is the flat log used when the primary store fails.
	FallbackPath string
	// CompactGrace keeps synced records around for this long before Compact
	// removes them.
	CompactGrace time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// DefaultConfig places both stores under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		SQLitePath:   filepath.Join(dataDir, "outbox.db"),
		FallbackPath: filepath.Join(dataDir, "outbox.log"),
	}
}

// Stats is the combined view over both stores.
type Stats struct {
	PendingCount    int       `json:"pending_count"`
	SyncedCount     int       `json:"synced_count"`
	OldestPendingAt time.Time `json:"oldest_pending_at,omitzero"`
	FallbackPending int       `json:"fallback_pending"`
}

// Outbox is the durable queue of messages awaiting confirmed upload. Writes
// go to the primary store and fall back to the secondary store when the
// primary fails; reads merge both.
type Outbox struct {
	primary  Store
	fallback Store
	grace    time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// Open opens the stores named in cfg. A primary store that cannot be opened
// is logged and skipped so the node keeps running on the fallback; Open
// fails only if neither store is usable.
func Open(cfg Config) (*Outbox, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var primary, fallback Store
	var errs []error
	if cfg.SQLitePath != "" {
		store, err := OpenSQLite(cfg.SQLitePath, logger)
		if err != nil {
			logError(logger, "primary outbox unavailable", err, "path", cfg.SQLitePath)
			errs = append(errs, err)
		} else {
			primary = store
		}
	}
	if cfg.FallbackPath != "" {
		store, err := OpenFile(cfg.FallbackPath, logger)
		if err != nil {
			logError(logger, "fallback outbox unavailable", err, "path", cfg.FallbackPath)
			errs = append(errs, err)
		} else {
			fallback = store
		}
	}
	if primary == nil && fallback == nil {
		if len(errs) == 0 {
			return nil, fmt.Errorf("%w: no outbox store configured", ErrStorageFailure)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, errors.Join(errs...))
	}
	return New(primary, fallback, cfg), nil
}

// New builds an Outbox over already opened stores. Either store may be nil.
func New(primary, fallback Store, cfg Config) *Outbox {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Outbox{
		primary:  primary,
		fallback: fallback,
		grace:    cfg.CompactGrace,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "outbox"),
	}
}

func logError(logger *slog.Logger, event string, err error, attrs ...any) {
	args := append([]any{"error", err}, attrs...)
	logger.Error(event, args...)
}

func (o *Outbox) stores() []Store {
	out := make([]Store, 0, 2)
	if o.primary != nil {
		out = append(out, o.primary)
	}
	if o.fallback != nil {
		out = append(out, o.fallback)
	}
	return out
}

// Enqueue durably records msg as pending and returns its record id. A
// message already in the outbox keeps its original record. Only when both
// stores reject the write does Enqueue fail, with ErrStorageFailure.
func (o *Outbox) Enqueue(ctx context.Context, msg models.Message) (string, error) {
	rec := models.OutboxRecord{
		RecordID:    uuid.NewString(),
		Message:     msg,
		State:       models.StatePending,
		FirstSeenAt: o.clock.Now().UTC(),
	}

	var errs []error
	if o.primary != nil {
		id, inserted, err := o.primary.Insert(ctx, rec)
		if err == nil {
			if !inserted {
				o.logger.Debug("message already queued", "message_id", msg.ID, "record_id", id)
			}
			return id, nil
		}
		logError(o.logger, "primary outbox write failed", err, "message_id", msg.ID)
		errs = append(errs, err)
	}
	if o.fallback != nil {
		id, _, err := o.fallback.Insert(ctx, rec)
		if err == nil {
			o.logger.Warn("message queued in fallback outbox", "message_id", msg.ID, "record_id", id)
			return id, nil
		}
		logError(o.logger, "fallback outbox write failed", err, "message_id", msg.ID)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no outbox store configured"))
	}
	return "", fmt.Errorf("%w: %w", ErrStorageFailure, errors.Join(errs...))
}

// ListPending returns pending records from both stores, oldest first. A
// message present in both is listed once.
func (o *Outbox) ListPending(ctx context.Context) ([]models.OutboxRecord, error) {
	var merged []models.OutboxRecord
	var errs []error
	for _, store := range o.stores() {
		records, err := store.ListPending(ctx)
		if err != nil {
			logError(o.logger, "listing pending records failed", err)
			errs = append(errs, err)
			continue
		}
		merged = append(merged, records...)
	}
	if len(errs) > 0 && len(errs) == len(o.stores()) {
		return nil, fmt.Errorf("outbox: list pending: %w", errors.Join(errs...))
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].FirstSeenAt.Before(merged[j].FirstSeenAt)
	})
	seen := make(map[string]bool, len(merged))
	out := merged[:0]
	for _, rec := range merged {
		if seen[rec.Message.ID] {
			continue
		}
		seen[rec.Message.ID] = true
		out = append(out, rec)
	}
	return out, nil
}

// eachStore applies fn to every store and fails only when all of them do.
func (o *Outbox) eachStore(op string, fn func(Store) error) error {
	var errs []error
	stores := o.stores()
	for _, store := range stores {
		if err := fn(store); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(stores) {
		return fmt.Errorf("outbox: %s: %w", op, errors.Join(errs...))
	}
	return nil
}

// onRecord applies fn to the store holding a record. A record lives in one
// store, so the first success settles it. An id no store knows is a no-op;
// otherwise the errors of the stores that failed are returned.
func (o *Outbox) onRecord(op, recordID string, fn func(Store) error) error {
	var errs []error
	for _, store := range o.stores() {
		err := fn(store)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("outbox: %s %s: %w", op, recordID, errors.Join(errs...))
	}
	return nil
}

// MarkSynced records that recordID reached the remote store. It is a no-op
// for unknown or already synced records.
func (o *Outbox) MarkSynced(ctx context.Context, recordID string) error {
	at := o.clock.Now().UTC()
	return o.onRecord("mark synced", recordID, func(s Store) error {
		return s.MarkSynced(ctx, recordID, at)
	})
}

// IncrementRetry bumps the retry count of a pending record.
func (o *Outbox) IncrementRetry(ctx context.Context, recordID string) error {
	return o.onRecord("increment retry", recordID, func(s Store) error {
		return s.IncrementRetry(ctx, recordID)
	})
}

// Compact deletes synced records older than the grace period and moves any
// records stranded in the fallback store back into the primary store. It
// never removes a pending record.
func (o *Outbox) Compact(ctx context.Context) (int, error) {
	before := o.clock.Now().UTC().Add(-o.grace)
	removed := 0
	err := o.eachStore("compact", func(s Store) error {
		n, err := s.DeleteSynced(ctx, before)
		removed += n
		return err
	})
	if err != nil {
		return removed, err
	}
	o.drainFallback(ctx)
	if removed > 0 {
		o.logger.Debug("outbox compacted", "removed", removed)
	}
	return removed, nil
}

func (o *Outbox) drainFallback(ctx context.Context) {
	if o.primary == nil || o.fallback == nil {
		return
	}
	records, err := o.fallback.ListPending(ctx)
	if err != nil || len(records) == 0 {
		return
	}
	moved := 0
	for _, rec := range records {
		if _, _, err := o.primary.Insert(ctx, rec); err != nil {
			// Primary still unhealthy; try again on the next compaction.
			return
		}
		if err := o.fallback.Remove(ctx, rec.RecordID); err != nil {
			logError(o.logger, "removing migrated fallback record failed", err, "record_id", rec.RecordID)
			return
		}
		moved++
	}
	o.logger.Info("fallback outbox drained into primary", "records", moved)
}

// Stats reports pending and synced counts across both stores.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	var errs []error
	stores := o.stores()
	for _, store := range stores {
		st, err := store.Stats(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.PendingCount += st.Pending
		out.SyncedCount += st.Synced
		if store == o.fallback {
			out.FallbackPending = st.Pending
		}
		if !st.OldestPendingAt.IsZero() &&
			(out.OldestPendingAt.IsZero() || st.OldestPendingAt.Before(out.OldestPendingAt)) {
			out.OldestPendingAt = st.OldestPendingAt
		}
	}
	if len(errs) > 0 && len(errs) == len(stores) {
		return Stats{}, fmt.Errorf("outbox: stats: %w", errors.Join(errs...))
	}
	return out, nil
}

// Close closes both stores.
func (o *Outbox) Close() error {
	var errs []error
	for _, store := range o.stores() {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

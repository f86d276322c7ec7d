// Package syncer drains the outbox into the remote store whenever the node
// is online.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/remote"
)

var _ Outbox = (*outbox.Outbox)(nil)

// Outbox is the part of the outbox the coordinator drives.
type Outbox interface {
	ListPending(ctx context.Context) ([]models.OutboxRecord, error)
	MarkSynced(ctx context.Context, recordID string) error
	IncrementRetry(ctx context.Context, recordID string) error
	Compact(ctx context.Context) (int, error)
	Stats(ctx context.Context) (outbox.Stats, error)
}

type EventType string

const (
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
	EventSyncStart    EventType = "sync_start"
	EventSyncProgress EventType = "sync_progress"
	EventSyncComplete EventType = "sync_complete"
	EventSyncError    EventType = "sync_error"
)

// Event is published to subscribers as the coordinator works.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Trigger   string    `json:"trigger,omitempty"`
	Total     int       `json:"total,omitempty"`
	Synced    int       `json:"synced,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Result summarises one sync pass.
type Result struct {
	Total   int
	Synced  int
	Failed  int
	Skipped int
}

// Config holds coordinator settings. Zero values select the defaults.
type Config struct {
	Interval      time.Duration // periodic check, default 30s
	UploadTimeout time.Duration // per record, default 15s
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Coordinator reconciles the outbox with the remote store. At most one pass
// runs at a time; a trigger that arrives during a pass is dropped, since the
// running pass already picks up everything pending.
type Coordinator struct {
	outbox Outbox
	store  remote.Store
	conn   Connectivity
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	syncing atomic.Bool

	mu          sync.Mutex
	started     bool
	closed      bool
	subs        map[uint64]func(Event)
	nextSub     uint64
	unwatch     func()
	lastResult  Result
	lastSyncAt  time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	stopChan    chan struct{}
	wg          sync.WaitGroup
	passes      atomic.Uint64
	coalesced   atomic.Uint64
	lastErrText string
}

func New(box Outbox, store remote.Store, conn Connectivity, cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		outbox:   box,
		store:    store,
		conn:     conn,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "syncer"),
		subs:     make(map[uint64]func(Event)),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
}

// Start watches connectivity and runs the periodic check. If the node is
// already online a first pass starts immediately.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unwatch = c.conn.Watch(c.onConnectivity)
	ticker := c.clock.NewTicker(c.cfg.Interval)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.periodicLoop(ticker)

	if c.conn.Online() {
		c.trigger("startup")
	}
	c.logger.Info("sync coordinator started", "interval", c.cfg.Interval, "online", c.conn.Online())
}

func (c *Coordinator) onConnectivity(online bool) {
	if online {
		c.emit(Event{Type: EventOnline})
		c.trigger("online")
		return
	}
	c.emit(Event{Type: EventOffline})
}

func (c *Coordinator) periodicLoop(ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.periodicCheck()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Coordinator) periodicCheck() {
	if !c.conn.Online() || c.syncing.Load() {
		return
	}
	stats, err := c.outbox.Stats(c.ctx)
	if err != nil {
		c.logger.Warn("outbox stats unavailable", "error", err)
		return
	}
	if stats.PendingCount > 0 {
		c.Sync(c.ctx, "periodic")
	}
}

// ForceSync starts a pass in the background and returns immediately.
func (c *Coordinator) ForceSync() {
	c.trigger("explicit")
}

func (c *Coordinator) trigger(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.Sync(c.ctx, reason)
	}()
}

// Sync runs one pass and waits for it. ran is false when the pass was
// skipped because the node is offline, a pass is already running, or the
// coordinator is shut down.
func (c *Coordinator) Sync(ctx context.Context, reason string) (res Result, ran bool) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || !c.conn.Online() {
		return Result{}, false
	}
	if !c.syncing.CompareAndSwap(false, true) {
		c.coalesced.Add(1)
		c.logger.Debug("sync already running", "trigger", reason)
		return Result{}, false
	}
	defer c.syncing.Store(false)
	c.passes.Add(1)

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("sync pass panicked: %v", p)
			c.logger.Error("sync pass failed", "error", err, "trigger", reason)
			c.setLastError(err)
			c.emit(Event{Type: EventSyncError, Trigger: reason, Error: err.Error()})
		}
	}()

	ran = true
	res = c.pass(ctx, reason)
	return res, ran
}

func (c *Coordinator) pass(ctx context.Context, reason string) Result {
	c.emit(Event{Type: EventSyncStart, Trigger: reason})

	records, err := c.outbox.ListPending(ctx)
	if err != nil {
		c.logger.Error("listing pending records failed", "error", err, "trigger", reason)
		c.setLastError(err)
		c.emit(Event{Type: EventSyncError, Trigger: reason, Error: err.Error()})
		return Result{}
	}

	res := Result{Total: len(records)}
	for i, rec := range records {
		if ctx.Err() != nil || !c.conn.Online() {
			res.Skipped = len(records) - i
			c.logger.Info("sync pass interrupted", "remaining", res.Skipped)
			break
		}

		if err := c.upload(ctx, rec); err != nil {
			res.Failed++
			c.logger.Warn("record upload failed",
				"record_id", rec.RecordID, "message_id", rec.Message.ID,
				"retry_count", rec.RetryCount+1, "error", err)
			if err := c.outbox.IncrementRetry(ctx, rec.RecordID); err != nil {
				c.logger.Error("incrementing retry count failed", "record_id", rec.RecordID, "error", err)
			}
		} else if err := c.outbox.MarkSynced(ctx, rec.RecordID); err != nil {
			// The record stays pending; the next pass re-uploads it, which the
			// remote store absorbs by id.
			res.Failed++
			c.logger.Error("marking record synced failed", "record_id", rec.RecordID, "error", err)
		} else {
			res.Synced++
		}

		c.emit(Event{
			Type:      EventSyncProgress,
			Trigger:   reason,
			Total:     res.Total,
			Synced:    res.Synced,
			Failed:    res.Failed,
			RecordID:  rec.RecordID,
			MessageID: rec.Message.ID,
		})
	}

	if _, err := c.outbox.Compact(ctx); err != nil {
		c.logger.Warn("outbox compaction failed", "error", err)
	}

	c.mu.Lock()
	c.lastResult = res
	c.lastSyncAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("sync pass complete", "trigger", reason,
		"total", res.Total, "synced", res.Synced, "failed", res.Failed)
	c.emit(Event{Type: EventSyncComplete, Trigger: reason, Total: res.Total, Synced: res.Synced, Failed: res.Failed})
	return res
}

func (c *Coordinator) upload(ctx context.Context, rec models.OutboxRecord) error {
	uctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()
	return c.store.Upload(uctx, rec.Message)
}

func (c *Coordinator) setLastError(err error) {
	c.mu.Lock()
	c.lastErrText = err.Error()
	c.mu.Unlock()
}

// Subscribe registers fn for coordinator events. Events are delivered on
// the goroutine that produced them.
func (c *Coordinator) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) emit(ev Event) {
	ev.At = c.clock.Now()
	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		c.deliver(fn, ev)
	}
}

func (c *Coordinator) deliver(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("sync subscriber panicked", "event", ev.Type, "panic", p)
		}
	}()
	fn(ev)
}

// Status describes the coordinator for the API.
type Status struct {
	Online     bool      `json:"online"`
	Syncing    bool      `json:"syncing"`
	Passes     uint64    `json:"passes"`
	Coalesced  uint64    `json:"coalesced"`
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`
	LastSynced int       `json:"last_synced"`
	LastFailed int       `json:"last_failed"`
	LastError  string    `json:"last_error,omitempty"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Online:     c.conn.Online(),
		Syncing:    c.syncing.Load(),
		Passes:     c.passes.Load(),
		Coalesced:  c.coalesced.Load(),
		LastSyncAt: c.lastSyncAt,
		LastSynced: c.lastResult.Synced,
		LastFailed: c.lastResult.Failed,
		LastError:  c.lastErrText,
	}
}

// Shutdown stops the timers and connectivity watch, cancels in-flight
// uploads and waits for running passes to return. No pass starts
// afterwards. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unwatch := c.unwatch
	started := c.started
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if started {
		close(c.stopChan)
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("sync coordinator stopped")
}

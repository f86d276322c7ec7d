package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/remote"
)

var epoch = time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

type fixture struct {
	clk    *clock.Fake
	box    *outbox.Outbox
	store  *remote.MemoryStore
	signal *Signal
	coord  *Coordinator
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.ch <- ev:
	default:
	}
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

// waitFor blocks until an event of type typ arrives.
func (l *eventLog) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %v", typ, l.types())
			return Event{}
		}
	}
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	cfg := outbox.DefaultConfig(t.TempDir())
	cfg.Clock = clk
	box, err := outbox.Open(cfg)
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}
	t.Cleanup(func() { box.Close() })

	f := &fixture{
		clk:    clk,
		box:    box,
		store:  remote.NewMemoryStore(),
		signal: NewSignal(online),
		events: &eventLog{ch: make(chan Event, 256)},
	}
	f.coord = New(box, f.store, f.signal, Config{Clock: clk})
	f.coord.Subscribe(f.events.add)
	t.Cleanup(f.coord.Shutdown)
	return f
}

func (f *fixture) enqueue(t *testing.T, ids ...string) []string {
	t.Helper()
	var recordIDs []string
	for _, id := range ids {
		rid, err := f.box.Enqueue(context.Background(), models.Message{
			ID:        id,
			SenderID:  "node-a",
			Kind:      models.KindSOS,
			CreatedAt: f.clk.Now(),
		})
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
		recordIDs = append(recordIDs, rid)
		f.clk.Advance(time.Second)
	}
	return recordIDs
}

func TestSyncPartialFailureKeepsFailedRecordPending(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, "msg-1", "msg-2", "msg-3")
	f.store.FailWith(func(m models.Message) error {
		if m.ID == "msg-2" {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	res, ran := f.coord.Sync(context.Background(), "explicit")
	if !ran {
		t.Fatal("sync did not run")
	}
	if res.Total != 3 || res.Synced != 2 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}

	pending, err := f.box.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Message.ID != "msg-2" || pending[0].RetryCount != 1 {
		t.Fatalf("pending = %+v, want only msg-2 with one retry", pending)
	}
	stats, _ := f.box.Stats(context.Background())
	if stats.SyncedCount != 0 {
		t.Errorf("synced records left after compaction: %d", stats.SyncedCount)
	}
	if _, ok := f.store.Get("msg-1"); !ok {
		t.Error("msg-1 not uploaded")
	}
	if _, ok := f.store.Get("msg-3"); !ok {
		t.Error("msg-3 not uploaded")
	}

	got := f.events.types()
	want := []EventType{EventSyncStart, EventSyncProgress, EventSyncProgress, EventSyncProgress, EventSyncComplete}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	// The next pass picks up the failed record.
	f.store.FailWith(nil)
	res, _ = f.coord.Sync(context.Background(), "explicit")
	if res.Synced != 1 || f.store.Len() != 3 {
		t.Errorf("second pass = %+v, remote has %d", res, f.store.Len())
	}
}

// blockingStore holds every upload until release is closed.
type blockingStore struct {
	*remote.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Upload(ctx context.Context, msg models.Message) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemoryStore.Upload(ctx, msg)
}

// disconnectingStore drops connectivity after uploading dropAfter.
type disconnectingStore struct {
	*remote.MemoryStore
	signal    *Signal
	dropAfter string
}

func (d *disconnectingStore) Upload(ctx context.Context, msg models.Message) error {
	err := d.MemoryStore.Upload(ctx, msg)
	if msg.ID == d.dropAfter {
		d.signal.Set(false)
	}
	return err
}

func TestOfflineMidPassSkipsRemainingRecords(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, "msg-1", "msg-2", "msg-3")
	f.coord.store = &disconnectingStore{MemoryStore: f.store, signal: f.signal, dropAfter: "msg-1"}

	res, ran := f.coord.Sync(context.Background(), "explicit")
	if !ran {
		t.Fatal("sync did not run")
	}
	if res.Total != 3 || res.Synced != 1 || res.Skipped != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if f.store.Uploads() != 1 {
		t.Errorf("uploads = %d, want only msg-1", f.store.Uploads())
	}

	pending, err := f.box.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %+v, want msg-2 and msg-3", pending)
	}
	for _, rec := range pending {
		if rec.RetryCount != 0 {
			t.Errorf("%s retry count = %d, want 0 for a skipped record", rec.Message.ID, rec.RetryCount)
		}
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, "msg-1")
	store := &blockingStore{
		MemoryStore: f.store,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	f.coord.store = store

	done := make(chan Result)
	go func() {
		res, _ := f.coord.Sync(context.Background(), "explicit")
		done <- res
	}()
	<-store.entered

	for range 3 {
		if _, ran := f.coord.Sync(context.Background(), "explicit"); ran {
			t.Error("second pass ran while the first was in flight")
		}
	}
	if st := f.coord.Status(); !st.Syncing || st.Coalesced != 3 {
		t.Errorf("status = %+v", st)
	}

	close(store.release)
	if res := <-done; res.Synced != 1 {
		t.Errorf("result = %+v", res)
	}
	if st := f.coord.Status(); st.Syncing || st.Passes != 1 {
		t.Errorf("status after pass = %+v", st)
	}
}

// failingOutbox fails ListPending and panics on Compact when asked to.
type failingOutbox struct {
	Outbox
	listErr error
	panicky bool
}

func (o *failingOutbox) ListPending(ctx context.Context) ([]models.OutboxRecord, error) {
	if o.listErr != nil {
		return nil, o.listErr
	}
	return o.Outbox.ListPending(ctx)
}

func (o *failingOutbox) Compact(ctx context.Context) (int, error) {
	if o.panicky {
		panic("compaction exploded")
	}
	return o.Outbox.Compact(ctx)
}

func TestSyncErrorClearsInProgressFlag(t *testing.T) {
	f := newFixture(t, true)
	f.enqueue(t, "msg-1")
	broken := &failingOutbox{Outbox: f.box, listErr: errors.New("database is locked")}
	f.coord.outbox = broken

	if _, ran := f.coord.Sync(context.Background(), "explicit"); !ran {
		t.Fatal("sync did not run")
	}
	ev := f.events.waitFor(t, EventSyncError)
	if ev.Error == "" {
		t.Error("sync_error carries no error text")
	}
	if f.coord.Status().Syncing {
		t.Fatal("in-progress flag left set after list failure")
	}

	broken.listErr = nil
	broken.panicky = true
	if _, ran := f.coord.Sync(context.Background(), "explicit"); !ran {
		t.Fatal("sync after failure did not run")
	}
	f.events.waitFor(t, EventSyncError)
	if st := f.coord.Status(); st.Syncing || st.LastError == "" {
		t.Errorf("status after panic = %+v", st)
	}
}

func TestSyncOfflineIsNoop(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, "msg-1")

	if _, ran := f.coord.Sync(context.Background(), "explicit"); ran {
		t.Error("sync ran while offline")
	}
	if f.store.Uploads() != 0 || len(f.events.types()) != 0 {
		t.Errorf("uploads=%d events=%v", f.store.Uploads(), f.events.types())
	}
}

func TestOnlineTransitionTriggersSync(t *testing.T) {
	f := newFixture(t, false)
	f.coord.Start()
	f.enqueue(t, "msg-1", "msg-2")

	f.signal.Set(true)
	f.events.waitFor(t, EventOnline)
	ev := f.events.waitFor(t, EventSyncComplete)
	if ev.Trigger != "online" || ev.Synced != 2 {
		t.Errorf("complete event = %+v", ev)
	}
	if f.store.Len() != 2 {
		t.Errorf("remote has %d documents", f.store.Len())
	}

	f.signal.Set(false)
	f.events.waitFor(t, EventOffline)
}

func TestPeriodicSyncOnlyWithPendingRecords(t *testing.T) {
	f := newFixture(t, true)
	f.coord.Start()
	// Startup pass over an empty outbox.
	f.events.waitFor(t, EventSyncComplete)

	f.clk.Advance(30 * time.Second)
	f.enqueue(t, "msg-1")
	f.clk.Advance(30 * time.Second)

	ev := f.events.waitFor(t, EventSyncComplete)
	if ev.Trigger != "periodic" || ev.Synced != 1 {
		t.Errorf("complete event = %+v", ev)
	}
	if st := f.coord.Status(); st.Passes != 2 {
		t.Errorf("passes = %d, want startup plus one periodic", st.Passes)
	}
}

func TestShutdownStopsTriggers(t *testing.T) {
	f := newFixture(t, true)
	f.coord.Start()
	f.events.waitFor(t, EventSyncComplete)

	f.coord.Shutdown()
	f.coord.Shutdown()
	f.enqueue(t, "msg-1")
	f.coord.ForceSync()
	if _, ran := f.coord.Sync(context.Background(), "explicit"); ran {
		t.Error("sync ran after shutdown")
	}
	if f.store.Uploads() != 0 {
		t.Errorf("uploads after shutdown = %d", f.store.Uploads())
	}
}

func TestPanickingSubscriberDoesNotStarveOthers(t *testing.T) {
	f := newFixture(t, true)
	f.coord.Subscribe(func(Event) { panic("subscriber bug") })
	f.enqueue(t, "msg-1")

	res, ran := f.coord.Sync(context.Background(), "explicit")
	if !ran || res.Synced != 1 {
		t.Fatalf("sync = %+v ran=%v", res, ran)
	}
	f.events.waitFor(t, EventSyncComplete)
	if st := f.coord.Status(); st.LastError != "" {
		t.Errorf("subscriber panic recorded as sync error: %q", st.LastError)
	}
}

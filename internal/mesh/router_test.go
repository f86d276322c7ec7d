package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/models"
)

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *recorder) handle(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func (r *recorder) last() Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[len(r.deliveries)-1]
}

func newTestRouter(t *testing.T, bus *MemoryBus, name string, clk clock.Clock, maxHops uint) (*Router, *MemoryMedium, *recorder) {
	t.Helper()
	medium := bus.Join(name)
	router, err := NewRouter(medium, Config{SelfID: name, MaxHops: maxHops, Clock: clk})
	if err != nil {
		t.Fatalf("NewRouter(%s): %v", name, err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	t.Cleanup(router.Shutdown)
	rec := &recorder{}
	router.RegisterHandler(rec.handle)
	return router, medium, rec
}

func frameFor(t *testing.T, msg models.Message) []byte {
	t.Helper()
	frame, err := models.EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return frame
}

func remoteMessage(clk clock.Clock, hops uint) models.Message {
	created := clk.Now().UTC().Truncate(time.Millisecond)
	return models.Message{
		ID:        models.NewMessageID("peer-x", created, 1),
		SenderID:  "peer-x",
		Kind:      models.KindSOS,
		Payload:   json.RawMessage(`{"text":"need help"}`),
		CreatedAt: created,
		HopCount:  hops,
		TTL:       models.DefaultTTL,
	}
}

type frameLog struct {
	mu     sync.Mutex
	frames []models.Message
}

func observe(t *testing.T, bus *MemoryBus, name string) *frameLog {
	t.Helper()
	log := &frameLog{}
	medium := bus.Join(name)
	if _, err := medium.Subscribe(func(frame []byte) {
		msg, err := models.DecodeFrame(frame)
		if err != nil {
			return
		}
		log.mu.Lock()
		log.frames = append(log.frames, msg)
		log.mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return log
}

func (l *frameLog) snapshot() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Message(nil), l.frames...)
}

func TestReceiveDuplicateProcessedOnce(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	router, medium, rec := newTestRouter(t, bus, "node-b", clk, 5)

	frame := frameFor(t, remoteMessage(clk, 0))
	if reason := router.receive(frame); reason != Accepted {
		t.Fatalf("first receive dropped: %s", reason)
	}
	if reason := router.receive(frame); reason != DropDuplicate {
		t.Fatalf("second receive = %q, want duplicate", reason)
	}

	if rec.count() != 1 {
		t.Errorf("handler calls = %d, want 1", rec.count())
	}
	if got := router.Stats().Scheduled; got != 1 {
		t.Errorf("scheduled forwards = %d, want 1", got)
	}

	clk.Advance(300 * time.Millisecond)
	if medium.Sent() != 1 {
		t.Errorf("frames sent = %d, want exactly one forward", medium.Sent())
	}
}

func TestDuplicateWithSmallerHopCountIsSuppressed(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)

	msg := remoteMessage(clk, 3)
	router.receive(frameFor(t, msg))
	msg.HopCount = 0
	if reason := router.receive(frameFor(t, msg)); reason != DropDuplicate {
		t.Fatalf("reason = %q, want duplicate", reason)
	}
	if rec.count() != 1 {
		t.Errorf("handler calls = %d, want 1", rec.count())
	}
	entry, ok := router.Seen(msg.ID)
	if !ok || entry.HopCountSeen != 3 {
		t.Errorf("dedup entry = %+v, %v; want hop 3", entry, ok)
	}
}

func TestForwardIncrementsHopAfterJitter(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	router, _, _ := newTestRouter(t, bus, "node-b", clk, 5)
	log := observe(t, bus, "observer")

	msg := remoteMessage(clk, 1)
	router.receive(frameFor(t, msg))

	clk.Advance(99 * time.Millisecond)
	if n := len(log.snapshot()); n != 0 {
		t.Fatalf("forward sent before minimum jitter: %d frames", n)
	}

	clk.Advance(201 * time.Millisecond)
	frames := log.snapshot()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if frames[0].HopCount != 2 {
		t.Errorf("forwarded hop count = %d, want 2", frames[0].HopCount)
	}
	if frames[0].ID != msg.ID || frames[0].SenderID != msg.SenderID {
		t.Errorf("forward changed identity: %+v", frames[0])
	}
}

func TestHopLimit(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	router, medium, rec := newTestRouter(t, bus, "node-b", clk, 5)

	// At maxHops-1 the message is processed but not forwarded, since the
	// relay would already be at the limit.
	last := remoteMessage(clk, 4)
	if reason := router.receive(frameFor(t, last)); reason != Accepted {
		t.Fatalf("hop 4 dropped: %s", reason)
	}
	if router.Stats().Scheduled != 0 {
		t.Error("no forward should be scheduled at maxHops-1")
	}

	// A copy that already reached maxHops is rejected outright.
	over := remoteMessage(clk, 5)
	over.ID = "over-limit"
	if reason := router.receive(frameFor(t, over)); reason != DropHopLimit {
		t.Fatalf("hop 5 reason = %q, want hop_limit", reason)
	}

	clk.Advance(time.Second)
	if medium.Sent() != 0 {
		t.Errorf("frames sent = %d, want 0", medium.Sent())
	}
	if rec.count() != 1 {
		t.Errorf("handler calls = %d, want 1", rec.count())
	}
}

func TestExpiredMessageDropped(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)

	msg := remoteMessage(clk, 0)
	clk.Advance(5*time.Minute + time.Millisecond)
	if reason := router.receive(frameFor(t, msg)); reason != DropExpired {
		t.Fatalf("reason = %q, want expired", reason)
	}
	if rec.count() != 0 {
		t.Errorf("handler invoked for stale message")
	}
}

func TestEchoAndUnknownTypeIgnored(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)

	own := remoteMessage(clk, 0)
	own.SenderID = "node-b"
	if reason := router.receive(frameFor(t, own)); reason != DropEcho {
		t.Errorf("reason = %q, want echo", reason)
	}

	unknown := []byte(`{"type":"BATTERY_REPORT","messageId":"m1","senderId":"peer","hops":0,"timestamp":1}`)
	if reason := router.receive(unknown); reason != DropUnknownType {
		t.Errorf("reason = %q, want unknown_type", reason)
	}
	if reason := router.receive([]byte("not json")); reason != DropMalformed {
		t.Errorf("reason = %q, want malformed", reason)
	}
	if rec.count() != 0 {
		t.Errorf("handler calls = %d, want 0", rec.count())
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)
	router.RegisterHandler(func(Delivery) { panic("boom") })
	second := &recorder{}
	router.RegisterHandler(second.handle)

	router.receive(frameFor(t, remoteMessage(clk, 0)))

	if rec.count() != 1 || second.count() != 1 {
		t.Errorf("handler calls = %d/%d, want 1/1", rec.count(), second.count())
	}
}

func TestUnregisterHandler(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, _ := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)
	extra := &recorder{}
	unregister := router.RegisterHandler(extra.handle)
	unregister()

	router.receive(frameFor(t, remoteMessage(clk, 0)))
	if extra.count() != 0 {
		t.Error("unregistered handler was called")
	}
}

func TestFloodFullyConnected(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	origin, originMedium, originRec := newTestRouter(t, bus, "node-a", clk, 5)
	routers := map[string]*recorder{}
	media := map[string]*MemoryMedium{}
	for _, name := range []string{"node-b", "node-c", "node-d"} {
		_, medium, rec := newTestRouter(t, bus, name, clk, 5)
		routers[name] = rec
		media[name] = medium
	}

	sent, err := origin.Broadcast(context.Background(), models.Message{
		Kind:    models.KindSOS,
		Payload: json.RawMessage(`{"text":"flood"}`),
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if sent.HopCount != 0 || sent.SenderID != "node-a" || sent.ID == "" {
		t.Errorf("broadcast message = %+v", sent)
	}

	for range 5 {
		clk.Advance(300 * time.Millisecond)
	}

	for name, rec := range routers {
		if rec.count() != 1 {
			t.Errorf("%s handler calls = %d, want 1", name, rec.count())
		}
		if media[name].Sent() != 1 {
			t.Errorf("%s frames sent = %d, want 1", name, media[name].Sent())
		}
	}
	if originRec.count() != 0 {
		t.Errorf("origin processed its own message %d times", originRec.count())
	}
	if originMedium.Sent() != 1 {
		t.Errorf("origin sent %d frames, want 1", originMedium.Sent())
	}
}

func TestFloodAlongChain(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	names := []string{"node-a", "node-b", "node-c", "node-d"}
	recs := map[string]*recorder{}
	var origin *Router
	for _, name := range names {
		router, _, rec := newTestRouter(t, bus, name, clk, 5)
		recs[name] = rec
		if name == "node-a" {
			origin = router
		}
	}
	// a - b - c - d
	bus.SetLink("node-a", "node-c", false)
	bus.SetLink("node-a", "node-d", false)
	bus.SetLink("node-b", "node-d", false)

	if _, err := origin.Broadcast(context.Background(), models.Message{Kind: models.KindSOS}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for range 4 {
		clk.Advance(300 * time.Millisecond)
	}

	for i, name := range names[1:] {
		rec := recs[name]
		if rec.count() != 1 {
			t.Fatalf("%s handler calls = %d, want 1", name, rec.count())
		}
		if got := rec.last().HopCount; got != uint(i) {
			t.Errorf("%s received at hop %d, want %d", name, got, i)
		}
	}
}

func TestChainStopsAtMaxHops(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	names := []string{"node-a", "node-b", "node-c", "node-d"}
	recs := map[string]*recorder{}
	var origin *Router
	for _, name := range names {
		router, _, rec := newTestRouter(t, bus, name, clk, 2)
		recs[name] = rec
		if name == "node-a" {
			origin = router
		}
	}
	bus.SetLink("node-a", "node-c", false)
	bus.SetLink("node-a", "node-d", false)
	bus.SetLink("node-b", "node-d", false)

	if _, err := origin.Broadcast(context.Background(), models.Message{Kind: models.KindSOS}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for range 4 {
		clk.Advance(300 * time.Millisecond)
	}

	if recs["node-b"].count() != 1 || recs["node-c"].count() != 1 {
		t.Fatalf("b/c calls = %d/%d, want 1/1", recs["node-b"].count(), recs["node-c"].count())
	}
	if recs["node-d"].count() != 0 {
		t.Errorf("node-d is three hops away and should not receive with maxHops=2")
	}
}

func TestShutdownIdempotentAndCancelsForwards(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	bus := NewMemoryBus()
	medium := bus.Join("node-b")
	router, err := NewRouter(medium, Config{SelfID: "node-b", Clock: clk})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	router.receive(frameFor(t, remoteMessage(clk, 0)))
	router.Shutdown()
	router.Shutdown()

	clk.Advance(time.Second)
	if medium.Sent() != 0 {
		t.Errorf("forward ran after shutdown")
	}
	if _, err := router.Broadcast(context.Background(), models.Message{}); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Broadcast after shutdown = %v, want ErrRouterClosed", err)
	}
	if router.Stats().DedupSize != 0 {
		t.Error("dedup cache not cleared")
	}
}

func TestDedupSweepAndCapacity(t *testing.T) {
	cache := newDedupCache(2)
	cache.remember("a", testEpoch, 0, testEpoch.Add(time.Minute))
	cache.remember("b", testEpoch.Add(30*time.Second), 0, testEpoch.Add(90*time.Second))
	if cache.remember("a", testEpoch, 0, testEpoch.Add(time.Minute)) {
		t.Error("remember should refuse an existing id")
	}

	cache.remember("c", testEpoch.Add(40*time.Second), 0, testEpoch.Add(100*time.Second))
	if cache.contains("a") {
		t.Error("oldest entry should be evicted at capacity")
	}

	removed := cache.sweep(testEpoch.Add(95 * time.Second))
	if removed != 1 || cache.contains("b") || !cache.contains("c") {
		t.Errorf("sweep removed %d, b=%v c=%v", removed, cache.contains("b"), cache.contains("c"))
	}
}

func TestLongTTLNotReprocessedAfterSweep(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)

	msg := remoteMessage(clk, 0)
	msg.TTL = time.Hour
	if reason := router.receive(frameFor(t, msg)); reason != Accepted {
		t.Fatalf("first receive = %q", reason)
	}

	clk.Advance(7 * time.Minute)
	router.dedup.sweep(clk.Now())
	msg.HopCount = 2
	if reason := router.receive(frameFor(t, msg)); reason == Accepted {
		t.Fatal("same id accepted again after its dedup entry was swept")
	}
	if rec.count() != 1 {
		t.Errorf("handler calls = %d, want 1", rec.count())
	}
}

func TestFutureTimestampKeepsDedupEntry(t *testing.T) {
	clk := clock.NewFake(testEpoch)
	router, _, rec := newTestRouter(t, NewMemoryBus(), "node-b", clk, 5)

	msg := remoteMessage(clk, 0)
	msg.CreatedAt = msg.CreatedAt.Add(10 * time.Minute)
	if reason := router.receive(frameFor(t, msg)); reason != Accepted {
		t.Fatalf("first receive = %q", reason)
	}

	clk.Advance(7 * time.Minute)
	router.dedup.sweep(clk.Now())
	if reason := router.receive(frameFor(t, msg)); reason != DropDuplicate {
		t.Fatalf("second receive = %q, want duplicate", reason)
	}
	if rec.count() != 1 {
		t.Errorf("handler calls = %d, want 1", rec.count())
	}
}

package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/models"
)

// DropReason explains why an incoming frame was not processed. Drops are
// expected traffic on a flooded mesh, not errors.
type DropReason string

const (
	Accepted        DropReason = ""
	DropEcho        DropReason = "echo"
	DropDuplicate   DropReason = "duplicate"
	DropHopLimit    DropReason = "hop_limit"
	DropExpired     DropReason = "expired"
	DropMalformed   DropReason = "malformed"
	DropUnknownType DropReason = "unknown_type"
	DropClosed      DropReason = "closed"
)

// ErrRouterClosed is returned by Broadcast after Shutdown.
var ErrRouterClosed = errors.New("mesh: router shut down")

// Config holds router settings. Zero values select the defaults.
type Config struct {
	SelfID        string
	MaxHops       uint          // default 5
	TTL           time.Duration // default 5m
	SweepInterval time.Duration // default 1m
	JitterMin     time.Duration // default 100ms
	JitterMax     time.Duration // default 300ms, exclusive
	DedupCapacity int           // default 10000
	Clock         clock.Clock
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxHops == 0 {
		c.MaxHops = 5
	}
	if c.TTL <= 0 {
		c.TTL = models.DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 100 * time.Millisecond
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 200*time.Millisecond
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 10000
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Delivery is what handlers receive for each accepted message.
type Delivery struct {
	Message  models.Message
	HopCount uint
	SenderID string
}

// Handler processes an accepted message. Handlers run on the medium's
// delivery goroutine and must not block for long.
type Handler func(Delivery)

// Stats counts router activity since start.
type Stats struct {
	Broadcast uint64                `json:"broadcast"`
	Received  uint64                `json:"received"`
	Accepted  uint64                `json:"accepted"`
	Forwarded uint64                `json:"forwarded"`
	Dropped   map[DropReason]uint64 `json:"dropped"`
	DedupSize int                   `json:"dedup_size"`
	Scheduled int                   `json:"scheduled_forwards"`
}

// Router floods messages across a Medium. It guarantees that a message id
// is processed and forwarded at most once per router and that relays stop
// at MaxHops; delivery to any given peer is not guaranteed.
type Router struct {
	cfg    Config
	medium Medium
	clock  clock.Clock
	logger *slog.Logger
	dedup  *dedupCache

	mu          sync.Mutex
	handlers    map[uint64]Handler
	nextHandler uint64
	forwards    map[uint64]*clock.Timer
	nextForward uint64
	started     bool
	closed      bool
	unsubscribe func()
	stopChan    chan struct{}
	wg          sync.WaitGroup

	sequence   atomic.Uint64
	broadcasts atomic.Uint64
	received   atomic.Uint64
	accepted   atomic.Uint64
	forwarded  atomic.Uint64
	dropMu     sync.Mutex
	dropped    map[DropReason]uint64
}

func NewRouter(medium Medium, cfg Config) (*Router, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("mesh: SelfID is required")
	}
	cfg.applyDefaults()
	return &Router{
		cfg:      cfg,
		medium:   medium,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "mesh", "node", cfg.SelfID),
		dedup:    newDedupCache(cfg.DedupCapacity),
		handlers: make(map[uint64]Handler),
		forwards: make(map[uint64]*clock.Timer),
		stopChan: make(chan struct{}),
		dropped:  make(map[DropReason]uint64),
	}, nil
}

// Start subscribes to the medium and begins sweeping the dedup cache.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	if r.started {
		return nil
	}
	cancel, err := r.medium.Subscribe(r.onFrame)
	if err != nil {
		return fmt.Errorf("mesh: subscribing to medium: %w", err)
	}
	r.unsubscribe = cancel
	r.started = true

	ticker := r.clock.NewTicker(r.cfg.SweepInterval)
	r.wg.Add(1)
	go r.sweepLoop(ticker)

	r.logger.Info("mesh router started", "max_hops", r.cfg.MaxHops, "ttl", r.cfg.TTL)
	return nil
}

func (r *Router) sweepLoop(ticker *clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if removed := r.dedup.sweep(now); removed > 0 {
				r.logger.Debug("dedup entries expired", "removed", removed, "remaining", r.dedup.len())
			}
		case <-r.stopChan:
			return
		}
	}
}

// Broadcast originates msg on the medium at hop 0. Missing fields are filled
// in: sender (this node), creation time, TTL and id. The returned message is
// what was sent. The id is registered before publishing so the router
// ignores its own echo.
func (r *Router) Broadcast(ctx context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return msg, ErrRouterClosed
	}

	msg = r.Prepare(msg)
	now := r.clock.Now()
	r.dedup.remember(msg.ID, now, 0, r.expiresAt(msg, now))

	frame, err := models.EncodeFrame(msg)
	if err != nil {
		return msg, fmt.Errorf("mesh: encoding frame: %w", err)
	}
	r.broadcasts.Add(1)
	if err := r.medium.Publish(ctx, frame); err != nil {
		return msg, fmt.Errorf("mesh: publishing %s: %w", msg.ID, err)
	}
	r.logger.Debug("message broadcast", "message_id", msg.ID, "kind", msg.Kind)
	return msg, nil
}

// Prepare stamps msg for origination at this node without sending it.
func (r *Router) Prepare(msg models.Message) models.Message {
	msg.HopCount = 0
	if msg.SenderID == "" {
		msg.SenderID = r.cfg.SelfID
	}
	if msg.Kind == "" {
		msg.Kind = models.KindSOS
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock.Now().UTC().Truncate(time.Millisecond)
	}
	if msg.TTL <= 0 {
		msg.TTL = r.cfg.TTL
	}
	if msg.ID == "" {
		msg.ID = models.NewMessageID(msg.SenderID, msg.CreatedAt, r.sequence.Add(1))
	}
	return msg
}

func (r *Router) onFrame(frame []byte) {
	r.receive(frame)
}

// receive runs the acceptance pipeline for one frame and returns why it was
// dropped, or Accepted.
func (r *Router) receive(frame []byte) DropReason {
	r.received.Add(1)

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return r.drop(DropClosed, "", nil)
	}

	msg, err := models.DecodeFrame(frame)
	if err != nil {
		if errors.Is(err, models.ErrUnknownType) {
			return r.drop(DropUnknownType, "", err)
		}
		return r.drop(DropMalformed, "", err)
	}

	if msg.SenderID == r.cfg.SelfID {
		return r.drop(DropEcho, msg.ID, nil)
	}
	if r.dedup.contains(msg.ID) {
		return r.drop(DropDuplicate, msg.ID, nil)
	}
	if msg.HopCount >= r.cfg.MaxHops {
		return r.drop(DropHopLimit, msg.ID, nil)
	}
	now := r.clock.Now()
	if msg.Age(now) > r.window(msg) {
		return r.drop(DropExpired, msg.ID, nil)
	}
	if !r.dedup.remember(msg.ID, now, msg.HopCount, r.expiresAt(msg, now)) {
		// Another delivery of the same id won the race.
		return r.drop(DropDuplicate, msg.ID, nil)
	}

	r.accepted.Add(1)
	r.dispatch(Delivery{Message: msg, HopCount: msg.HopCount, SenderID: msg.SenderID})

	if msg.HopCount+1 < r.cfg.MaxHops {
		r.scheduleForward(msg)
	}
	return Accepted
}

// window is how long msg stays acceptable after creation: its own TTL,
// capped at the router's.
func (r *Router) window(msg models.Message) time.Duration {
	if msg.TTL > 0 && msg.TTL < r.cfg.TTL {
		return msg.TTL
	}
	return r.cfg.TTL
}

// expiresAt is when a remembered id may be forgotten. A sender clock ahead
// of ours pushes it past now+window.
func (r *Router) expiresAt(msg models.Message, now time.Time) time.Time {
	start := msg.CreatedAt
	if start.Before(now) {
		start = now
	}
	return start.Add(r.window(msg))
}

func (r *Router) drop(reason DropReason, messageID string, err error) DropReason {
	r.dropMu.Lock()
	r.dropped[reason]++
	r.dropMu.Unlock()
	if err != nil {
		r.logger.Debug("frame dropped", "reason", reason, "error", err)
	} else {
		r.logger.Debug("frame dropped", "reason", reason, "message_id", messageID)
	}
	return reason
}

func (r *Router) dispatch(d Delivery) {
	r.mu.Lock()
	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.callHandler(h, d)
	}
}

func (r *Router) callHandler(h Handler, d Delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panicked", "message_id", d.Message.ID, "panic", p)
		}
	}()
	h(d)
}

func (r *Router) jitter() time.Duration {
	span := int64(r.cfg.JitterMax - r.cfg.JitterMin)
	return r.cfg.JitterMin + time.Duration(rand.Int64N(span))
}

func (r *Router) scheduleForward(msg models.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.nextForward++
	id := r.nextForward
	r.forwards[id] = nil
	r.mu.Unlock()

	timer := r.clock.AfterFunc(r.jitter(), func() {
		r.mu.Lock()
		_, pending := r.forwards[id]
		delete(r.forwards, id)
		closed := r.closed
		r.mu.Unlock()
		if !pending || closed {
			return
		}
		r.forward(msg)
	})

	r.mu.Lock()
	if _, ok := r.forwards[id]; ok {
		r.forwards[id] = timer
	}
	r.mu.Unlock()
}

func (r *Router) forward(msg models.Message) {
	msg.HopCount++
	frame, err := models.EncodeFrame(msg)
	if err != nil {
		r.logger.Error("failed to encode forward", "message_id", msg.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.medium.Publish(ctx, frame); err != nil {
		r.logger.Warn("forward failed", "message_id", msg.ID, "hops", msg.HopCount, "error", err)
		return
	}
	r.forwarded.Add(1)
	r.logger.Debug("message forwarded", "message_id", msg.ID, "hops", msg.HopCount)
}

// RegisterHandler adds h to the handlers called for each accepted message
// and returns a function that removes it.
func (r *Router) RegisterHandler(h Handler) (unregister func()) {
	r.mu.Lock()
	r.nextHandler++
	id := r.nextHandler
	r.handlers[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// Seen returns the dedup entry for id, if the router still remembers it.
func (r *Router) Seen(id string) (DedupEntry, bool) {
	return r.dedup.get(id)
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	scheduled := len(r.forwards)
	r.mu.Unlock()

	r.dropMu.Lock()
	dropped := make(map[DropReason]uint64, len(r.dropped))
	for reason, count := range r.dropped {
		dropped[reason] = count
	}
	r.dropMu.Unlock()

	return Stats{
		Broadcast: r.broadcasts.Load(),
		Received:  r.received.Load(),
		Accepted:  r.accepted.Load(),
		Forwarded: r.forwarded.Load(),
		Dropped:   dropped,
		DedupSize: r.dedup.len(),
		Scheduled: scheduled,
	}
}

// Shutdown releases the medium subscription, cancels scheduled forwards and
// clears in-memory state. It is safe to call more than once.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	for id, timer := range r.forwards {
		if timer != nil {
			timer.Stop()
		}
		delete(r.forwards, id)
	}
	r.handlers = make(map[uint64]Handler)
	started := r.started
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if started {
		close(r.stopChan)
		r.wg.Wait()
	}
	r.dedup.reset()
	r.logger.Info("mesh router stopped")
}

// Package node ties the mesh router, the outbox, the sync coordinator and
// triage together into the operations a device exposes to its user.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sosmesh/internal/analysis"
	"github.com/sosmesh/internal/clock"
	"github.com/sosmesh/internal/dispatch"
	"github.com/sosmesh/internal/mesh"
	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/remote"
	"github.com/sosmesh/internal/syncer"
)

// enqueueTimeout bounds the outbox write of a relayed message, which may
// outlive the node's context during shutdown.
const enqueueTimeout = 5 * time.Second

// Outbox is the part of the outbox the node writes to.
type Outbox interface {
	syncer.Outbox
	Enqueue(ctx context.Context, msg models.Message) (string, error)
}

// Deps are the components a Node drives. Triage may be nil.
type Deps struct {
	Router       *mesh.Router
	Outbox       Outbox
	Remote       remote.Store
	Connectivity syncer.Connectivity
	Coordinator  *syncer.Coordinator
	Triage       *analysis.Triage
}

type Config struct {
	NodeID        string
	UploadTimeout time.Duration // direct upload of relayed messages, default 15s
	Clock         clock.Clock
	Logger        *slog.Logger
}

// SendResult describes what happened to an originated message. Queued means
// it is durably in the outbox; Broadcast means the mesh accepted it.
type SendResult struct {
	Message   models.Message `json:"message"`
	RecordID  string         `json:"record_id,omitempty"`
	Queued    bool           `json:"queued"`
	Broadcast bool           `json:"broadcast"`
}

// Node is one device in the mesh.
type Node struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[uint64]func(Event)
	nextSub  uint64
	started  bool
	closed   bool
	cleanups []func()
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(deps Deps, cfg Config) (*Node, error) {
	if deps.Router == nil || deps.Outbox == nil || deps.Remote == nil ||
		deps.Connectivity == nil || deps.Coordinator == nil {
		return nil, errors.New("node: router, outbox, remote, connectivity and coordinator are required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node: NodeID is required")
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
	return &Node{
		cfg:    cfg,
		deps:   deps,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "node", "node", cfg.NodeID),
		subs:   make(map[uint64]func(Event)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start registers the receive handler, then starts the router and the
// coordinator.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started || n.closed {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	unregister := n.deps.Router.RegisterHandler(n.handleDelivery)
	unsubscribe := n.deps.Coordinator.Subscribe(n.handleSyncEvent)
	n.mu.Lock()
	n.cleanups = append(n.cleanups, unregister, unsubscribe)
	n.mu.Unlock()

	if err := n.deps.Router.Start(); err != nil {
		return fmt.Errorf("node: starting router: %w", err)
	}
	n.deps.Coordinator.Start()
	n.logger.Info("node started", "online", n.deps.Connectivity.Online())
	return nil
}

// SendSOS originates an emergency message. See send.
func (n *Node) SendSOS(ctx context.Context, payload json.RawMessage) (SendResult, error) {
	return n.send(ctx, models.KindSOS, payload)
}

func (n *Node) SendChat(ctx context.Context, payload json.RawMessage) (SendResult, error) {
	return n.send(ctx, models.KindChat, payload)
}

// send enqueues the message durably, broadcasts it on the mesh and, when
// online, asks the coordinator to upload it. The call succeeds once the
// message is queued; remote delivery is reported later through events. If
// the outbox cannot persist it the broadcast still goes out and the
// ErrStorageFailure is returned alongside the result.
func (n *Node) send(ctx context.Context, kind models.Kind, payload json.RawMessage) (SendResult, error) {
	msg := n.deps.Router.Prepare(models.Message{Kind: kind, Payload: payload})
	res := SendResult{Message: msg}

	recordID, storeErr := n.deps.Outbox.Enqueue(ctx, msg)
	if storeErr != nil {
		n.logger.Error("message could not be persisted", "message_id", msg.ID, "kind", kind, "error", storeErr)
	} else {
		res.RecordID = recordID
		res.Queued = true
	}

	if _, err := n.deps.Router.Broadcast(ctx, msg); err != nil {
		n.logger.Warn("mesh broadcast failed", "message_id", msg.ID, "error", err)
	} else {
		res.Broadcast = true
	}

	if storeErr != nil {
		n.publish(Event{Type: EventStorageFailure, Message: &msg, Error: storeErr.Error()})
		return res, storeErr
	}

	n.publish(Event{Type: EventMessageSent, Message: &msg})
	if n.deps.Connectivity.Online() {
		n.deps.Coordinator.ForceSync()
	}
	if kind == models.KindSOS {
		n.triage(msg)
	}
	return res, nil
}

func (n *Node) handleDelivery(d mesh.Delivery) {
	msg := d.Message
	n.publish(Event{Type: EventMessageReceived, Message: &msg, HopCount: d.HopCount})

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		n.persistReceived(msg)
	}()
	if msg.Kind == models.KindSOS {
		n.triage(msg)
	}
}

// persistReceived uploads a relayed message straight to the remote store
// when online and falls back to the outbox otherwise.
func (n *Node) persistReceived(msg models.Message) {
	if n.deps.Connectivity.Online() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.UploadTimeout)
		err := n.deps.Remote.Upload(ctx, msg)
		cancel()
		if err == nil {
			n.logger.Debug("relayed message uploaded", "message_id", msg.ID)
			n.publish(Event{Type: EventMessageUploaded, Message: &msg})
			return
		}
		n.logger.Warn("direct upload failed, queueing", "message_id", msg.ID, "error", err)
	}

	// Shutdown cancels n.ctx; an accepted message is still written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(n.ctx), enqueueTimeout)
	defer cancel()
	if _, err := n.deps.Outbox.Enqueue(ctx, msg); err != nil {
		n.logger.Error("relayed message could not be persisted", "message_id", msg.ID, "error", err)
		n.publish(Event{Type: EventStorageFailure, Message: &msg, Error: err.Error()})
		return
	}
	n.publish(Event{Type: EventMessageQueued, Message: &msg})
}

func (n *Node) triage(msg models.Message) {
	if n.deps.Triage == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	text := payloadText(msg.Payload)
	n.deps.Triage.ClassifyAsync(n.ctx, text, func(r analysis.Result) {
		defer n.wg.Done()
		n.logger.Info("message triaged", "message_id", msg.ID, "severity", r.Severity, "source", r.Source)
		n.publish(Event{Type: EventTriage, Message: &msg, Triage: &r})
	})
}

// payloadText pulls the human-readable text out of a payload. Payloads that
// are a bare JSON string or carry a text/message field are understood.
func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(payload, &s) == nil {
		return s
	}
	var fields struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &fields) == nil {
		if fields.Text != "" {
			return fields.Text
		}
		return fields.Message
	}
	return string(payload)
}

func (n *Node) handleSyncEvent(ev syncer.Event) {
	n.publish(Event{Type: EventSync, Sync: &ev})
}

// Sync runs a sync pass now and waits for it.
func (n *Node) Sync(ctx context.Context) (syncer.Result, bool) {
	return n.deps.Coordinator.Sync(ctx, "explicit")
}

// Status is a snapshot of the node for the API.
type Status struct {
	NodeID    string          `json:"node_id"`
	Online    bool            `json:"online"`
	Mesh      mesh.Stats      `json:"mesh"`
	Sync      syncer.Status   `json:"sync"`
	Outbox    *outbox.Stats   `json:"outbox,omitempty"`
	Triage    *dispatch.Stats `json:"triage,omitempty"`
	OutboxErr string          `json:"outbox_error,omitempty"`
}

func (n *Node) Status(ctx context.Context) Status {
	st := Status{
		NodeID: n.cfg.NodeID,
		Online: n.deps.Connectivity.Online(),
		Mesh:   n.deps.Router.Stats(),
		Sync:   n.deps.Coordinator.Status(),
	}
	if stats, err := n.deps.Outbox.Stats(ctx); err != nil {
		st.OutboxErr = err.Error()
	} else {
		st.Outbox = &stats
	}
	if n.deps.Triage != nil {
		ts := n.deps.Triage.Stats()
		st.Triage = &ts
	}
	return st
}

// OutboxStats reports the outbox counts.
func (n *Node) OutboxStats(ctx context.Context) (outbox.Stats, error) {
	return n.deps.Outbox.Stats(ctx)
}

// Shutdown stops the router, the coordinator and triage, then waits for
// background uploads. Safe to call more than once.
func (n *Node) Shutdown() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	cleanups := n.cleanups
	n.mu.Unlock()

	n.deps.Router.Shutdown()
	n.deps.Coordinator.Shutdown()
	if n.deps.Triage != nil {
		n.deps.Triage.Shutdown()
	}
	n.cancel()
	n.wg.Wait()
	for _, fn := range cleanups {
		fn()
	}
	n.logger.Info("node stopped")
}

package node

import (
	"time"

	"github.com/sosmesh/internal/analysis"
	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/syncer"
)

type EventType string

const (
	EventMessageSent     EventType = "message_sent"
	EventMessageReceived EventType = "message_received"
	EventMessageUploaded EventType = "message_uploaded"
	EventMessageQueued   EventType = "message_queued"
	EventStorageFailure  EventType = "storage_failure"
	EventTriage          EventType = "triage"
	EventSync            EventType = "sync"
)

// Event is what the node reports to its subscribers, such as the websocket
// feed.
type Event struct {
	Type     EventType        `json:"type"`
	At       time.Time        `json:"at"`
	NodeID   string           `json:"node_id"`
	Message  *models.Message  `json:"message,omitempty"`
	HopCount uint             `json:"hop_count,omitempty"`
	Triage   *analysis.Result `json:"triage,omitempty"`
	Sync     *syncer.Event    `json:"sync,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Subscribe registers fn for node events. fn runs on the goroutine that
// produced the event and must not block.
func (n *Node) Subscribe(fn func(Event)) (cancel func()) {
	n.mu.Lock()
	n.nextSub++
	id := n.nextSub
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *Node) publish(ev Event) {
	ev.At = n.clock.Now()
	ev.NodeID = n.cfg.NodeID

	n.mu.Lock()
	subs := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		n.deliver(fn, ev)
	}
}

func (n *Node) deliver(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			n.logger.Error("event subscriber panicked", "event", ev.Type, "panic", p)
		}
	}()
	fn(ev)
}

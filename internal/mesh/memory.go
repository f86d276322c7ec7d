package mesh

import (
	"context"
	"errors"
	"sync"
)

// ErrMediumClosed is returned when publishing on a closed medium.
var ErrMediumClosed = errors.New("mesh: medium closed")

// MemoryBus is an in-process broadcast domain. Every attached medium hears
// every frame, including its own, the way an MQTT subscriber hears its own
// publications. Links between members can be cut to model radio range.
type MemoryBus struct {
	mu      sync.RWMutex
	members map[string]*MemoryMedium
	cut     map[[2]string]bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		members: make(map[string]*MemoryMedium),
		cut:     make(map[[2]string]bool),
	}
}

// Join attaches a new member named name to the bus.
func (b *MemoryBus) Join(name string) *MemoryMedium {
	m := &MemoryMedium{bus: b, name: name}
	b.mu.Lock()
	b.members[name] = m
	b.mu.Unlock()
	return m
}

// SetLink cuts or restores the link between two members in both directions.
func (b *MemoryBus) SetLink(a, c string, up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if up {
		delete(b.cut, [2]string{a, c})
		delete(b.cut, [2]string{c, a})
		return
	}
	b.cut[[2]string{a, c}] = true
	b.cut[[2]string{c, a}] = true
}

func (b *MemoryBus) reachable(from string) []*MemoryMedium {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*MemoryMedium, 0, len(b.members))
	for name, m := range b.members {
		if name != from && b.cut[[2]string{from, name}] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (b *MemoryBus) leave(name string) {
	b.mu.Lock()
	delete(b.members, name)
	b.mu.Unlock()
}

// MemoryMedium is one member's view of a MemoryBus. Delivery is synchronous:
// Publish returns after every reachable subscriber has been called.
type MemoryMedium struct {
	bus  *MemoryBus
	name string
	subs fanout

	mu     sync.Mutex
	closed bool
	sent   int
}

func (m *MemoryMedium) Publish(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMediumClosed
	}
	m.sent++
	m.mu.Unlock()

	for _, peer := range m.bus.reachable(m.name) {
		peer.subs.deliver(frame)
	}
	return nil
}

func (m *MemoryMedium) Subscribe(fn func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMediumClosed
	}
	return m.subs.add(fn), nil
}

// Sent returns the number of frames this member has published.
func (m *MemoryMedium) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *MemoryMedium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.bus.leave(m.name)
	return nil
}

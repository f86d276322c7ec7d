package mesh

import (
	"context"
	"sync"
)

// Medium is a best-effort local broadcast domain. A published frame may
// reach any number of peers, including none; there is no addressing.
type Medium interface {
	Publish(ctx context.Context, frame []byte) error
	// Subscribe registers fn for every frame heard on the medium. The
	// returned cancel function is safe to call more than once.
	Subscribe(fn func(frame []byte)) (cancel func(), err error)
	Close() error
}

// fanout is the subscriber list shared by the medium implementations.
type fanout struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func([]byte)
}

func (f *fanout) add(fn func([]byte)) func() {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[uint64]func([]byte))
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) deliver(frame []byte) {
	f.mu.RLock()
	targets := make([]func([]byte), 0, len(f.subs))
	for _, fn := range f.subs {
		targets = append(targets, fn)
	}
	f.mu.RUnlock()

	for _, fn := range targets {
		copied := make([]byte, len(frame))
		copy(copied, frame)
		fn(copied)
	}
}

func (f *fanout) empty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs) == 0
}

package remote

import (
	"context"
	"sync"

	"github.com/sosmesh/internal/models"
)

// MemoryStore keeps documents in a map. It backs tests and the
// --remote=memory node mode.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]Document
	uploads int
	fail    func(models.Message) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// FailWith makes Upload return the error produced by fn for each message;
// a nil result lets the upload through. Pass nil to clear.
func (m *MemoryStore) FailWith(fn func(models.Message) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *MemoryStore) Upload(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return &UploadError{MessageID: msg.ID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads++
	if m.fail != nil {
		if err := m.fail(msg); err != nil {
			return &UploadError{MessageID: msg.ID, Err: err}
		}
	}
	m.docs[msg.ID] = DocumentFrom(msg)
	return nil
}

// Get returns the document stored for id.
func (m *MemoryStore) Get(id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

// Len is the number of distinct stored messages.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// Uploads counts Upload calls, including failed and repeated ones.
func (m *MemoryStore) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

func (m *MemoryStore) Dump(ctx context.Context) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, doc)
	}
	sortDocuments(docs)
	return docs, nil
}

func (m *MemoryStore) Purge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]Document)
	return nil
}

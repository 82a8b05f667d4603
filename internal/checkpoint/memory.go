package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory, for tests and runs
// that do not need cross-process resumption.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an in-memory checkpoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

// Load returns a copy of the stored checkpoint, or nil when absent
func (m *MemoryStore) Load(ctx context.Context, productID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[productID]
	if !ok {
		return nil, nil
	}
	return cp.clone(), nil
}

// Save stores a copy of the checkpoint keyed by product id
func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := cp.clone()
	saved.UpdatedAt = time.Now()
	m.checkpoints[cp.ProductID] = saved
	return nil
}

// MergeSeen folds review ids into the stored seen-set
func (m *MemoryStore) MergeSeen(ctx context.Context, productID string, reviewIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[productID]
	if !ok {
		cp = New(productID, "")
		m.checkpoints[productID] = cp
	}
	cp.MarkSeen(reviewIDs...)
	cp.UpdatedAt = time.Now()
	return nil
}

// Reset removes the checkpoint for a product
func (m *MemoryStore) Reset(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, productID)
	return nil
}

// clone copies a checkpoint so callers never alias store-owned state
func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.SeenIDs = make(map[string]bool, len(c.SeenIDs))
	for id := range c.SeenIDs {
		out.SeenIDs[id] = true
	}
	return &out
}

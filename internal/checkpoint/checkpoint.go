package checkpoint

import (
	"context"
	"time"
)

// Status is the lifecycle state of a product's harvest
type Status string

const (
	// StatusInProgress means the harvest can continue paging
	StatusInProgress Status = "in_progress"
	// StatusExhausted means every review page has been drained
	StatusExhausted Status = "exhausted"
	// StatusBlocked means the site refused access; resumable later
	StatusBlocked Status = "blocked"
	// StatusFailed means an unclassified error ended the harvest
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further paging
func (s Status) Terminal() bool {
	return s == StatusExhausted || s == StatusBlocked || s == StatusFailed
}

// CanAdvanceTo reports whether the transition to next moves forward.
// Status only advances: in_progress may become any terminal state, and
// terminal states never change.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusInProgress && next.Terminal()
}

// Checkpoint is the resumable progress marker for one product. It is
// the only mutable state in the pipeline: the seen-set only grows and
// the status only moves forward.
type Checkpoint struct {
	ProductID  string          `json:"product_id"`
	Market     string          `json:"market"`
	PageOffset int             `json:"page_offset"`
	SeenIDs    map[string]bool `json:"seen_review_ids"`
	Status     Status          `json:"status"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// New creates an in-progress checkpoint for a product
func New(productID, market string) *Checkpoint {
	return &Checkpoint{
		ProductID: productID,
		Market:    market,
		SeenIDs:   make(map[string]bool),
		Status:    StatusInProgress,
		UpdatedAt: time.Now(),
	}
}

// Seen reports whether a review id has already been emitted
func (c *Checkpoint) Seen(reviewID string) bool {
	return c.SeenIDs[reviewID]
}

// MarkSeen adds review ids to the seen-set
func (c *Checkpoint) MarkSeen(reviewIDs ...string) {
	if c.SeenIDs == nil {
		c.SeenIDs = make(map[string]bool)
	}
	for _, id := range reviewIDs {
		c.SeenIDs[id] = true
	}
}

// Advance moves the status forward, ignoring backward transitions
func (c *Checkpoint) Advance(next Status) bool {
	if !c.Status.CanAdvanceTo(next) {
		return false
	}
	c.Status = next
	return true
}

// Store persists checkpoints. Save is atomic: a reader never observes a
// partially written checkpoint. Writes for distinct products are keyed
// and never interfere, so concurrent harvesters share one store.
type Store interface {
	// Load returns the checkpoint for a product, or nil when absent
	Load(ctx context.Context, productID string) (*Checkpoint, error)

	// Save persists a checkpoint atomically
	Save(ctx context.Context, cp *Checkpoint) error

	// MergeSeen folds review ids into a stored checkpoint's seen-set
	MergeSeen(ctx context.Context, productID string, reviewIDs []string) error

	// Reset removes a checkpoint so a fresh harvest can start. Terminal
	// checkpoints are never re-entered without an explicit reset.
	Reset(ctx context.Context, productID string) error
}

package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sageworks/reviewharvester/internal/checkpoint"
	"sageworks/reviewharvester/internal/discovery"
	"sageworks/reviewharvester/internal/governor"
	"sageworks/reviewharvester/internal/selector"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

// fakeSession scripts the page stream: navigation serves the initial
// page, each click or scroll pops the next page from its queue, and an
// empty queue keeps the current page (an unchanged DOM).
type fakeSession struct {
	pages       map[string]string
	afterClick  []string
	afterScroll []string
	current     string
	navigations int
	clicks      int
	scrolls     int
	navErr      error
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	if f.navErr != nil {
		return f.navErr
	}
	f.navigations++
	html, ok := f.pages[url]
	if !ok {
		return harvesterrors.NewTransient("navigate", "page did not render", nil)
	}
	f.current = html
	return nil
}

func (f *fakeSession) Snapshot(ctx context.Context) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(f.current))
}

func (f *fakeSession) Click(ctx context.Context, sel string) error {
	f.clicks++
	if len(f.afterClick) > 0 {
		f.current = f.afterClick[0]
		f.afterClick = f.afterClick[1:]
	}
	return nil
}

func (f *fakeSession) Scroll(ctx context.Context) error {
	f.scrolls++
	if len(f.afterScroll) > 0 {
		f.current = f.afterScroll[0]
		f.afterScroll = f.afterScroll[1:]
	}
	return nil
}

func (f *fakeSession) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	return nil
}

func (f *fakeSession) Close() error { return nil }

func reviewItem(id, reviewer, rating, text string) string {
	return fmt.Sprintf(`<div class="review-item" data-review-id=%q>
		<span class="username">%s</span>
		<span class="rating">%s</span>
		<p class="review-text">%s</p>
		<span class="date">2024-01-01</span>
	</div>`, id, reviewer, rating, text)
}

func reviewPage(loadMore bool, items ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="reviews-section">`)
	for _, item := range items {
		b.WriteString(item)
	}
	b.WriteString(`</div>`)
	if loadMore {
		b.WriteString(`<button class="load-more">Load more</button>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

const challengePage = `<html><body><div id="captcha-verify">verify</div></body></html>`

func testGovernor() *governor.Governor {
	return governor.New(governor.Options{
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		MaxAttempts:     3,
		BlockedAttempts: 2,
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
	})
}

func testProduct() discovery.ProductDescriptor {
	return discovery.ProductDescriptor{
		ID:     "p1",
		URL:    "https://shop.test/vn/product/1",
		Market: "vn",
		Name:   "Lancôme Serum",
	}
}

func newTestMachine(session *fakeSession, store checkpoint.Store) *Machine {
	return NewMachine(session, selector.DefaultChain(), testGovernor(), store, Options{
		StableCycles: 2,
		WaitTimeout:  time.Millisecond,
	})
}

func TestHarvestLoadMoreCycles(t *testing.T) {
	// 3 reviews across 2 load-more cycles (2 then 1) must yield exactly
	// 3 unique records and end exhausted.
	product := testProduct()
	r1 := reviewItem("r1", "alice", "5", "Great serum")
	r2 := reviewItem("r2", "bob", "4", "Pretty good")
	r3 := reviewItem("r3", "carol", "3", "Average")

	session := &fakeSession{
		pages:      map[string]string{product.URL: reviewPage(true, r1, r2)},
		afterClick: []string{reviewPage(false, r1, r2, r3)},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	ids := make(map[string]bool)
	for _, r := range records {
		assert.False(t, ids[r.ReviewID], "duplicate review id %s", r.ReviewID)
		ids[r.ReviewID] = true
		assert.Equal(t, "p1", r.ProductID)
		assert.Equal(t, "vn", r.Market)
	}

	cp, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusExhausted, cp.Status)
	assert.Len(t, cp.SeenIDs, 3)
	assert.Equal(t, 1, session.clicks)
}

func TestHarvestZeroReviewsExhaustsAfterOneCycle(t *testing.T) {
	product := testProduct()
	session := &fakeSession{
		pages: map[string]string{product.URL: `<html><body><p>No reviews yet</p></body></html>`},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	cp, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusExhausted, cp.Status)
	assert.Equal(t, 0, session.scrolls, "empty product must not enter a scroll cycle")
	assert.Equal(t, 0, session.clicks)
}

func TestHarvestResumeIsIdempotent(t *testing.T) {
	// Re-running against an unchanged page with a populated seen-set
	// yields zero new records.
	product := testProduct()
	page := reviewPage(false,
		reviewItem("r1", "alice", "5", "Great"),
		reviewItem("r2", "bob", "4", "Good"),
	)
	store := checkpoint.NewMemoryStore()

	first := &fakeSession{pages: map[string]string{product.URL: page}}
	records, err := newTestMachine(first, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// The finished checkpoint is terminal; a resumed run needs an
	// in-progress copy with the same seen-set, as after a crash.
	cp, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	cp.Status = checkpoint.StatusInProgress

	second := &fakeSession{pages: map[string]string{product.URL: page}}
	records, err = newTestMachine(second, store).Harvest(context.Background(), product, cp)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHarvestTerminalCheckpointIsNotReentered(t *testing.T) {
	product := testProduct()
	store := checkpoint.NewMemoryStore()

	done := checkpoint.New("p1", "vn")
	done.Advance(checkpoint.StatusExhausted)
	require.NoError(t, store.Save(context.Background(), done))

	session := &fakeSession{pages: map[string]string{}}
	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, session.navigations, "terminal products must not be navigated")
}

func TestHarvestBlockedPreservesSeenSet(t *testing.T) {
	product := testProduct()
	session := &fakeSession{
		pages: map[string]string{product.URL: reviewPage(true,
			reviewItem("r1", "alice", "5", "Great"),
			reviewItem("r2", "bob", "4", "Good"),
		)},
		// Every load-more click lands on a challenge page.
		afterClick: []string{challengePage, challengePage},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	assert.True(t, harvesterrors.IsBlocked(err))
	assert.Len(t, records, 2, "records from before the block are still emitted")

	cp, loadErr := store.Load(context.Background(), "p1")
	require.NoError(t, loadErr)
	assert.Equal(t, checkpoint.StatusBlocked, cp.Status)
	assert.True(t, cp.Seen("r1"))
	assert.True(t, cp.Seen("r2"))
}

func TestHarvestMalformedRatingDropsOnlyThatRecord(t *testing.T) {
	product := testProduct()
	session := &fakeSession{
		pages: map[string]string{product.URL: reviewPage(false,
			reviewItem("r1", "alice", "N/A", "Unrated review"),
			reviewItem("r2", "bob", "4", "Rated review"),
		)},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].ReviewID)
}

func TestHarvestDuplicateIDsWithinPage(t *testing.T) {
	// A hash or id collision drops the later record, never crashes.
	product := testProduct()
	session := &fakeSession{
		pages: map[string]string{product.URL: reviewPage(false,
			reviewItem("r1", "alice", "5", "First"),
			reviewItem("r1", "mallory", "1", "Collides"),
		)},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].ReviewerName)
}

func TestHarvestExhaustedRetriesFailsProductOnly(t *testing.T) {
	// Three transient failures spend the budget on one product while a
	// concurrently harvested product is unaffected.
	store := checkpoint.NewMemoryStore()

	failing := testProduct()
	failingSession := &fakeSession{
		navErr: harvesterrors.NewTransient("navigate", "timeout", nil),
	}

	healthy := discovery.ProductDescriptor{
		ID:     "p2",
		URL:    "https://shop.test/vn/product/2",
		Market: "vn",
	}
	healthySession := &fakeSession{
		pages: map[string]string{healthy.URL: reviewPage(false, reviewItem("r9", "dave", "5", "Fine"))},
	}

	var wg sync.WaitGroup
	var failErr, healthyErr error
	var healthyRecords []ReviewRecord

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, failErr = newTestMachine(failingSession, store).Harvest(context.Background(), failing, nil)
	}()
	go func() {
		defer wg.Done()
		healthyRecords, healthyErr = newTestMachine(healthySession, store).Harvest(context.Background(), healthy, nil)
	}()
	wg.Wait()

	assert.True(t, harvesterrors.IsExhaustedRetries(failErr))
	require.NoError(t, healthyErr)
	assert.Len(t, healthyRecords, 1)

	failCP, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, failCP.Status)

	healthyCP, err := store.Load(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusExhausted, healthyCP.Status)
}

func TestHarvestObservesCancellationBetweenCycles(t *testing.T) {
	product := testProduct()
	session := &fakeSession{
		pages: map[string]string{product.URL: reviewPage(false, reviewItem("r1", "alice", "5", "Great"))},
	}
	store := checkpoint.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestMachine(session, store).Harvest(ctx, product, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHarvestScrollPagination(t *testing.T) {
	// No load-more control: new reviews appear on scroll until the page
	// goes stable for two consecutive cycles.
	product := testProduct()
	r1 := reviewItem("r1", "alice", "5", "One")
	r2 := reviewItem("r2", "bob", "4", "Two")

	session := &fakeSession{
		pages:       map[string]string{product.URL: reviewPage(false, r1)},
		afterScroll: []string{reviewPage(false, r1, r2)},
	}
	store := checkpoint.NewMemoryStore()

	records, err := newTestMachine(session, store).Harvest(context.Background(), product, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.GreaterOrEqual(t, session.scrolls, 3, "stability needs two unchanged cycles after the last new review")

	cp, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusExhausted, cp.Status)
}

package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sageworks/reviewharvester/config"
	"sageworks/reviewharvester/internal/browser"
	"sageworks/reviewharvester/internal/checkpoint"
	"sageworks/reviewharvester/internal/harvest"
	"sageworks/reviewharvester/logger"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
	"sageworks/reviewharvester/services/cache"
	"sageworks/reviewharvester/services/publisher"
	"sageworks/reviewharvester/services/worker"
)

// Storefront fixtures mimicking a rendered market, one page per URL.

const searchPageVN = `
<!DOCTYPE html>
<html>
<body>
    <div class="product-card">
        <a href="/vn/product/100">view</a>
        <h3>Lancôme Advanced Serum</h3>
    </div>
    <div class="product-card">
        <a href="/vn/product/200">view</a>
        <h3>Lancôme Hydrating Cream</h3>
    </div>
    <div class="product-card">
        <a href="/vn/product/300">view</a>
        <h3>Unrelated Brand Oil</h3>
    </div>
</body>
</html>
`

const storefrontPageVN = `
<!DOCTYPE html>
<html>
<body>
    <div class="product-card">
        <a href="/vn/product/200">view</a>
        <h3>Lancôme Hydrating Cream</h3>
    </div>
</body>
</html>
`

// Product 100 carries server rendered reviews plus an embedded router
// payload, the way hydrated storefront pages ship their first page.
const productPage100 = `
<!DOCTYPE html>
<html>
<head>
<script id="__MODERN_ROUTER_DATA__" type="application/json">
{"loaderData":{"page":{"review_info":{"product_reviews":[
  {"review_id":"emb-1","reviewer_name":"linh","review_rating":5,
   "review_text":"Tuyệt vời","review_time":1700000000000,
   "is_verified_purchase":true,"review_country":"vn"}
]}}}}
</script>
</head>
<body>
    <div class="reviews-section">
        <div class="review-item" data-review-id="dom-1">
            <span class="username">mai</span>
            <span class="rating">4</span>
            <p class="review-text">Da mềm hơn hẳn</p>
            <span class="date">2024-02-10</span>
        </div>
    </div>
</body>
</html>
`

const productPage200 = `
<!DOCTYPE html>
<html>
<body>
    <div class="reviews-section">
        <div class="review-item" data-review-id="dom-2">
            <span class="username">an</span>
            <span class="rating">3</span>
            <p class="review-text">Ổn so với giá</p>
        </div>
    </div>
</body>
</html>
`

// scriptedSession replays fixture pages and can flip to a challenge
// page after a number of navigations.
type scriptedSession struct {
	pages          map[string]string
	current        string
	navigations    int
	challengeAfter int
}

var _ browser.Session = (*scriptedSession)(nil)

func (s *scriptedSession) Navigate(ctx context.Context, url string) error {
	s.navigations++
	if s.challengeAfter > 0 && s.navigations > s.challengeAfter {
		s.current = `<html><body><div id="captcha-verify"></div></body></html>`
		return nil
	}
	html, ok := s.pages[url]
	if !ok {
		return harvesterrors.NewTransient("navigate", "page did not render", nil)
	}
	s.current = html
	return nil
}

func (s *scriptedSession) Snapshot(ctx context.Context) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(s.current))
}

func (s *scriptedSession) Click(ctx context.Context, sel string) error { return nil }

func (s *scriptedSession) Scroll(ctx context.Context) error { return nil }

func (s *scriptedSession) WaitVisible(ctx context.Context, sel string, timeout time.Duration) error {
	return nil
}

func (s *scriptedSession) Close() error { return nil }

// capturingPublisher collects every published payload per market key
type capturingPublisher struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

var _ publisher.Publisher = (*capturingPublisher)(nil)

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{payloads: make(map[string][][]byte)}
}

func (p *capturingPublisher) Publish(key string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload := make([]byte, len(message))
	copy(payload, message)
	p.payloads[key] = append(p.payloads[key], payload)
	return nil
}

func (p *capturingPublisher) TrimStreams() error { return nil }

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) decoded(t *testing.T, key string) []harvest.ReviewRecord {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var records []harvest.ReviewRecord
	for _, payload := range p.payloads[key] {
		var record harvest.ReviewRecord
		require.NoError(t, json.Unmarshal(payload, &record))
		records = append(records, record)
	}
	return records
}

func vnPages() map[string]string {
	return map[string]string{
		"https://shop.test/vn/search?q=lancome": searchPageVN,
		"https://shop.test/vn/brand/lancome":    storefrontPageVN,
		"https://shop.test/vn/product/100":      productPage100,
		"https://shop.test/vn/product/200":      productPage200,
	}
}

func integrationConfig(markets ...string) *config.Config {
	return &config.Config{
		Markets:               markets,
		Brand:                 "lancome",
		SearchURLTemplate:     "https://shop.test/%s/search?q=%s",
		StorefrontURLTemplate: "https://shop.test/%s/brand/%s",
		MinDelay:              time.Millisecond,
		MaxDelay:              2 * time.Millisecond,
		MaxAttempts:           2,
		BlockedAttempts:       2,
		BackoffBase:           time.Millisecond,
		BackoffCap:            2 * time.Millisecond,
		EscalationFactor:      2,
		MaxSearchPages:        2,
		StableCycles:          2,
		ExtractTimeout:        time.Millisecond,
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	logger.Init()

	pub := newCapturingPublisher()
	store := checkpoint.NewMemoryStore()
	factory := func(ctx context.Context, market string) (browser.Session, error) {
		return &scriptedSession{pages: vnPages()}, nil
	}

	w := worker.NewWorker(integrationConfig("vn"), factory, store, pub, cache.NewMemoryService())
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	ms := summary.Markets["vn"]
	require.NotNil(t, ms)
	assert.Equal(t, 2, ms.Discovered, "brand filter keeps 100 and 200, merges the storefront duplicate")
	assert.Equal(t, 2, ms.Exhausted)
	assert.Zero(t, ms.Blocked)
	assert.Zero(t, ms.Failed)

	records := pub.decoded(t, "vn")
	require.Len(t, records, 3)

	byID := make(map[string]harvest.ReviewRecord, len(records))
	for _, record := range records {
		byID[record.ReviewID] = record
		assert.Equal(t, "vn", record.Market)
		assert.False(t, record.HarvestedAt.IsZero())
	}

	embedded, ok := byID["emb-1"]
	require.True(t, ok, "embedded router payload review missing")
	assert.Equal(t, "linh", embedded.ReviewerName)
	assert.Equal(t, 5, embedded.Rating)
	assert.True(t, embedded.Verified)

	domReview, ok := byID["dom-1"]
	require.True(t, ok)
	assert.Equal(t, 4, domReview.Rating)
	assert.Equal(t, "100", domReview.ProductID)

	assert.Contains(t, byID, "dom-2")

	// Both products finished with a persisted terminal checkpoint.
	for _, productID := range []string{"100", "200"} {
		cp, err := store.Load(context.Background(), productID)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, checkpoint.StatusExhausted, cp.Status)
	}
}

func TestPipelineSecondPassPublishesNothing(t *testing.T) {
	logger.Init()

	pub := newCapturingPublisher()
	store := checkpoint.NewMemoryStore()
	factory := func(ctx context.Context, market string) (browser.Session, error) {
		return &scriptedSession{pages: vnPages()}, nil
	}

	w := worker.NewWorker(integrationConfig("vn"), factory, store, pub, cache.NewMemoryService())

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	firstPass := len(pub.decoded(t, "vn"))

	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, firstPass, len(pub.decoded(t, "vn")), "second pass must not republish")
	assert.Equal(t, 2, summary.Markets["vn"].Exhausted, "terminal products still counted")
	assert.Zero(t, summary.Markets["vn"].Records)
}

func TestPipelineBlockedMarketLeavesOthersRunning(t *testing.T) {
	logger.Init()

	pub := newCapturingPublisher()
	store := checkpoint.NewMemoryStore()

	saPages := map[string]string{
		"https://shop.test/sa/search?q=lancome": strings.ReplaceAll(searchPageVN, "/vn/", "/sa/"),
		"https://shop.test/sa/brand/lancome":    strings.ReplaceAll(storefrontPageVN, "/vn/", "/sa/"),
		"https://shop.test/sa/product/100":      productPage100,
		"https://shop.test/sa/product/200":      productPage200,
	}

	factory := func(ctx context.Context, market string) (browser.Session, error) {
		if market == "vn" {
			// The challenge wall appears as soon as harvesting starts.
			return &scriptedSession{pages: vnPages(), challengeAfter: 2}, nil
		}
		return &scriptedSession{pages: saPages}, nil
	}

	w := worker.NewWorker(integrationConfig("vn", "sa"), factory, store, pub, cache.NewMemoryService())
	summary, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, pub.decoded(t, "sa"), 3, "healthy market unaffected by the blocked one")

	vn := summary.Markets["vn"]
	require.NotNil(t, vn)
	assert.NotZero(t, vn.Blocked, "blocked products must be tallied")
}

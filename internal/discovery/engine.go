package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sageworks/reviewharvester/internal/browser"
	"sageworks/reviewharvester/internal/governor"
	"sageworks/reviewharvester/internal/selector"
	"sageworks/reviewharvester/logger"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

// Empty-result diagnostics for a market
const (
	ReasonNoProducts    = "no products rendered"
	ReasonBrandMismatch = "all candidates failed brand match"
)

// Options configures the discovery engine
type Options struct {
	// Brand is the target brand term
	Brand string

	// SearchURLTemplate renders the search view: market code, then query
	SearchURLTemplate string

	// StorefrontURLTemplate renders the brand storefront: market, then brand slug
	StorefrontURLTemplate string

	// MaxSearchPages bounds search result pagination
	MaxSearchPages int
}

// Report carries per-market discovery diagnostics. A market with zero
// surviving descriptors is not an error; the report says why.
type Report struct {
	Market               string
	SearchCandidates     int
	StorefrontCandidates int
	DuplicatesRemoved    int
	FilteredByBrand      int
	EmptyReason          string
}

// Engine finds candidate products for a brand in one market. Discovery
// is idempotent and comparatively cheap, so there is no resumption:
// calling Discover again re-runs it from scratch.
type Engine struct {
	session browser.Session
	chain   *selector.Chain
	gov     *governor.Governor
	opts    Options
}

// NewEngine creates a discovery engine bound to one session
func NewEngine(session browser.Session, chain *selector.Chain, gov *governor.Governor, opts Options) *Engine {
	if opts.MaxSearchPages < 1 {
		opts.MaxSearchPages = 1
	}
	return &Engine{session: session, chain: chain, gov: gov, opts: opts}
}

// Discover runs both discovery strategies for a market, merges their
// candidates by (market, id), and keeps only descriptors whose name or
// declared brand fuzzy-matches the target brand.
func (e *Engine) Discover(ctx context.Context, market string) ([]ProductDescriptor, *Report, error) {
	log := logger.ForDiscovery(market)
	report := &Report{Market: market}

	searchFound, searchErr := e.collectFromSearch(ctx, market)
	if searchErr != nil {
		log.Warn().Err(searchErr).Msg("search discovery failed")
	}
	report.SearchCandidates = len(searchFound)

	storeFound, storeErr := e.collectFromStorefront(ctx, market)
	if storeErr != nil {
		log.Warn().Err(storeErr).Msg("storefront discovery failed")
	}
	report.StorefrontCandidates = len(storeFound)

	// A single failing strategy degrades discovery; both failing ends it.
	if searchErr != nil && storeErr != nil {
		if harvesterrors.IsBlocked(searchErr) || harvesterrors.IsBlocked(storeErr) {
			if harvesterrors.IsBlocked(searchErr) {
				return nil, report, searchErr
			}
			return nil, report, storeErr
		}
		return nil, report, searchErr
	}

	merged := make([]ProductDescriptor, 0, len(searchFound)+len(storeFound))
	seen := make(map[string]bool)
	for _, d := range append(searchFound, storeFound...) {
		if seen[d.Key()] {
			report.DuplicatesRemoved++
			continue
		}
		seen[d.Key()] = true
		merged = append(merged, d)
	}

	var survivors []ProductDescriptor
	for _, d := range merged {
		if matchesBrand(e.opts.Brand, d) {
			survivors = append(survivors, d)
		} else {
			report.FilteredByBrand++
			log.Debug().
				Str("product", d.ID).
				Str("name", d.Name).
				Msg("dropped candidate, brand mismatch")
		}
	}

	if len(survivors) == 0 {
		if len(merged) == 0 {
			report.EmptyReason = ReasonNoProducts
		} else {
			report.EmptyReason = ReasonBrandMismatch
		}
	}

	log.Info().
		Int("search", report.SearchCandidates).
		Int("storefront", report.StorefrontCandidates).
		Int("duplicates", report.DuplicatesRemoved).
		Int("brand_filtered", report.FilteredByBrand).
		Int("survivors", len(survivors)).
		Msg("discovery finished")

	return survivors, report, nil
}

// collectFromSearch renders the search results view for the brand term
// and pages through it, extracting candidate product links.
func (e *Engine) collectFromSearch(ctx context.Context, market string) ([]ProductDescriptor, error) {
	searchURL := fmt.Sprintf(e.opts.SearchURLTemplate, market, url.QueryEscape(e.opts.Brand))
	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, harvesterrors.NewConfiguration("invalid search url template", err)
	}
	scope := "discover:search:" + market

	doc, err := e.renderPage(ctx, scope, searchURL)
	if err != nil {
		return nil, err
	}

	var found []ProductDescriptor
	for page := 0; page < e.opts.MaxSearchPages; page++ {
		found = append(found, e.extractCandidates(doc, market, base)...)

		nextSel, ok := e.chain.FirstActionable(doc, selector.FieldNextPage)
		if !ok {
			break
		}
		doc, err = e.clickAndSnapshot(ctx, scope, nextSel)
		if err != nil {
			if harvesterrors.IsFieldNotFound(err) {
				break
			}
			return found, err
		}
	}
	return found, nil
}

// collectFromStorefront renders the brand's dedicated storefront page
// and extracts every listed product link.
func (e *Engine) collectFromStorefront(ctx context.Context, market string) ([]ProductDescriptor, error) {
	slug := strings.ReplaceAll(normalizeBrand(e.opts.Brand), " ", "-")
	storefrontURL := fmt.Sprintf(e.opts.StorefrontURLTemplate, market, slug)
	base, err := url.Parse(storefrontURL)
	if err != nil {
		return nil, harvesterrors.NewConfiguration("invalid storefront url template", err)
	}
	scope := "discover:storefront:" + market

	doc, err := e.renderPage(ctx, scope, storefrontURL)
	if err != nil {
		return nil, err
	}
	return e.extractCandidates(doc, market, base), nil
}

// extractCandidates pulls product descriptors out of a rendered page
func (e *Engine) extractCandidates(doc *goquery.Document, market string, base *url.URL) []ProductDescriptor {
	cards, err := e.chain.Resolve(doc, selector.FieldProductCard)
	if err != nil {
		// No structured product data on this page
		return nil
	}

	var out []ProductDescriptor
	cards.Each(func(_ int, card *goquery.Selection) {
		href, ok := card.Attr("href")
		if !ok {
			link, linkErr := e.chain.ResolveIn(card, selector.FieldProductLink)
			if linkErr != nil {
				return
			}
			href, ok = link.First().Attr("href")
			if !ok {
				return
			}
		}

		productURL := absoluteURL(base, href)
		id, ok := extractProductID(productURL)
		if !ok {
			return
		}

		descriptor := ProductDescriptor{
			ID:     id,
			URL:    productURL,
			Market: market,
		}
		if name, nameErr := e.chain.ResolveIn(card, selector.FieldProductName); nameErr == nil {
			descriptor.Name = strings.TrimSpace(name.First().Text())
		}
		if brand, brandErr := e.chain.ResolveIn(card, selector.FieldProductBrand); brandErr == nil {
			descriptor.DeclaredBrand = strings.TrimSpace(brand.First().Text())
		}
		out = append(out, descriptor)
	})
	return out
}

// renderPage navigates to a URL and snapshots it, throttled and retried
// by the governor. A challenge interstitial classifies as blocked.
func (e *Engine) renderPage(ctx context.Context, scope, pageURL string) (*goquery.Document, error) {
	if err := e.gov.Throttle(ctx); err != nil {
		return nil, err
	}
	var doc *goquery.Document
	err := e.gov.Execute(ctx, scope, func(opCtx context.Context) error {
		if err := e.session.Navigate(opCtx, pageURL); err != nil {
			return err
		}
		snapshot, err := e.session.Snapshot(opCtx)
		if err != nil {
			return err
		}
		if e.chain.ChallengePresent(snapshot) {
			return harvesterrors.NewBlocked(scope, "challenge page rendered", nil)
		}
		doc = snapshot
		return nil
	})
	return doc, err
}

// clickAndSnapshot advances pagination through a control and re-reads
// the page.
func (e *Engine) clickAndSnapshot(ctx context.Context, scope, sel string) (*goquery.Document, error) {
	if err := e.gov.Throttle(ctx); err != nil {
		return nil, err
	}
	var doc *goquery.Document
	err := e.gov.Execute(ctx, scope, func(opCtx context.Context) error {
		if err := e.session.Click(opCtx, sel); err != nil {
			return err
		}
		snapshot, err := e.session.Snapshot(opCtx)
		if err != nil {
			return err
		}
		if e.chain.ChallengePresent(snapshot) {
			return harvesterrors.NewBlocked(scope, "challenge page rendered", nil)
		}
		doc = snapshot
		return nil
	})
	return doc, err
}

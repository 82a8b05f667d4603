package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"sageworks/reviewharvester/internal/browser"
	"sageworks/reviewharvester/internal/checkpoint"
	"sageworks/reviewharvester/internal/discovery"
	"sageworks/reviewharvester/internal/governor"
	"sageworks/reviewharvester/internal/selector"
	"sageworks/reviewharvester/logger"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

// Options configures the harvest state machine
type Options struct {
	// StableCycles is how many consecutive extraction cycles may yield
	// no new reviews before pagination counts as exhausted
	StableCycles int

	// WaitTimeout bounds the wait for the review section to render
	WaitTimeout time.Duration
}

// Machine pages a single product's review stream to exhaustion. States
// run Idle -> Paging -> Exhausted, with side exits to Blocked and
// Failed; the checkpoint records the terminal state and the growing
// seen-set so a later run resumes instead of re-harvesting.
type Machine struct {
	session browser.Session
	chain   *selector.Chain
	gov     *governor.Governor
	store   checkpoint.Store
	opts    Options
}

// NewMachine creates a harvest machine bound to one session
func NewMachine(session browser.Session, chain *selector.Chain, gov *governor.Governor, store checkpoint.Store, opts Options) *Machine {
	if opts.StableCycles < 1 {
		opts.StableCycles = 2
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	return &Machine{session: session, chain: chain, gov: gov, store: store, opts: opts}
}

// Resume returns the stored checkpoint for a product, or nil when the
// product has never been harvested.
func (m *Machine) Resume(ctx context.Context, productID string) (*checkpoint.Checkpoint, error) {
	return m.store.Load(ctx, productID)
}

// Harvest drains the review stream of one product, resuming from cp
// when given (a nil cp loads the stored checkpoint). It emits only
// records whose review id has not been seen before, persists the
// checkpoint after every page, and reports the terminal status through
// the checkpoint.
func (m *Machine) Harvest(ctx context.Context, product discovery.ProductDescriptor, cp *checkpoint.Checkpoint) ([]ReviewRecord, error) {
	log := logger.ForHarvester(product.ID)

	if cp == nil {
		loaded, err := m.store.Load(ctx, product.ID)
		if err != nil {
			return nil, err
		}
		cp = loaded
	}
	if cp == nil {
		cp = checkpoint.New(product.ID, product.Market)
	}
	if cp.Status.Terminal() {
		log.Info().
			Str("status", string(cp.Status)).
			Msg("checkpoint is terminal, skipping (reset for a fresh harvest)")
		return nil, nil
	}

	scope := "harvest:" + product.Market + ":" + product.ID

	// Idle -> Paging
	doc, err := m.renderPage(ctx, scope, product.URL)
	if err != nil {
		return m.finish(ctx, log, product, cp, nil, err)
	}

	var emitted []ReviewRecord
	stable := 0
	firstCycle := true

	for {
		if err := ctx.Err(); err != nil {
			// Cancellation is not failure; the checkpoint stays valid.
			m.saveCheckpoint(ctx, log, cp)
			return emitted, err
		}

		var pageRecords []ReviewRecord
		if firstCycle {
			pageRecords = append(pageRecords, extractEmbeddedReviews(doc, product)...)
		}
		pageRecords = append(pageRecords, m.extractDOMReviews(log, doc, product)...)

		if firstCycle && len(pageRecords) == 0 {
			// Zero rendered reviews: straight to Exhausted.
			cp.Advance(checkpoint.StatusExhausted)
			m.saveCheckpoint(ctx, log, cp)
			log.Info().Msg("no reviews rendered, product exhausted")
			return emitted, nil
		}
		firstCycle = false

		var fresh []ReviewRecord
		for _, record := range pageRecords {
			if cp.Seen(record.ReviewID) {
				continue
			}
			cp.MarkSeen(record.ReviewID)
			fresh = append(fresh, record)
		}
		emitted = append(emitted, fresh...)

		cp.PageOffset++
		m.saveCheckpoint(ctx, log, cp)

		if len(fresh) > 0 {
			stable = 0
			log.Debug().
				Int("new_records", len(fresh)).
				Int("page", cp.PageOffset).
				Msg("page harvested")
		} else {
			stable++
			if stable >= m.opts.StableCycles {
				cp.Advance(checkpoint.StatusExhausted)
				m.saveCheckpoint(ctx, log, cp)
				log.Info().
					Int("total_records", len(emitted)).
					Msg("pagination exhausted")
				return emitted, nil
			}
		}

		// Advance pagination: a load-more control wins, scroll otherwise.
		if sel, ok := m.chain.FirstActionable(doc, selector.FieldLoadMore); ok {
			doc, err = m.clickAndSnapshot(ctx, scope, sel)
		} else {
			doc, err = m.scrollAndSnapshot(ctx, scope)
		}
		if err != nil {
			return m.finish(ctx, log, product, cp, emitted, err)
		}
	}
}

// finish maps a paging error onto the terminal checkpoint status and
// attaches product context to whatever is surfaced.
func (m *Machine) finish(ctx context.Context, log *logger.Logger, product discovery.ProductDescriptor, cp *checkpoint.Checkpoint, emitted []ReviewRecord, err error) ([]ReviewRecord, error) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.saveCheckpoint(ctx, log, cp)
		return emitted, err

	case harvesterrors.IsBlocked(err):
		cp.Advance(checkpoint.StatusBlocked)
		m.saveCheckpoint(ctx, log, cp)
		log.Warn().
			Int("seen", len(cp.SeenIDs)).
			Msg("harvest blocked, seen-set preserved for resumption")
		return emitted, err

	default:
		cp.Advance(checkpoint.StatusFailed)
		m.saveCheckpoint(ctx, log, cp)
		log.Error().Err(err).Msg("harvest failed")
		return emitted, fmt.Errorf("harvest product %s in %s: %w", product.ID, product.Market, err)
	}
}

// extractDOMReviews normalizes every rendered review element. Malformed
// records are dropped one by one with a diagnostic; siblings survive.
func (m *Machine) extractDOMReviews(log *logger.Logger, doc *goquery.Document, product discovery.ProductDescriptor) []ReviewRecord {
	items, err := m.chain.Resolve(doc, selector.FieldReviewItem)
	if err != nil {
		// No structured review data on this page
		return nil
	}

	var out []ReviewRecord
	items.Each(func(_ int, item *goquery.Selection) {
		record, normErr := normalizeReview(item, m.chain, product)
		if normErr != nil {
			log.Debug().Err(normErr).Msg("dropped malformed review")
			return
		}
		out = append(out, *record)
	})
	return out
}

// saveCheckpoint persists progress; a failing save is logged, not
// fatal, since the in-memory seen-set still guards this run.
func (m *Machine) saveCheckpoint(ctx context.Context, log *logger.Logger, cp *checkpoint.Checkpoint) {
	if err := m.store.Save(ctx, cp); err != nil {
		log.Warn().Err(err).Msg("failed to persist checkpoint")
	}
}

// renderPage navigates to the product page and snapshots it, throttled
// and retried by the governor.
func (m *Machine) renderPage(ctx context.Context, scope, pageURL string) (*goquery.Document, error) {
	if err := m.gov.Throttle(ctx); err != nil {
		return nil, err
	}
	var doc *goquery.Document
	err := m.gov.Execute(ctx, scope, func(opCtx context.Context) error {
		if err := m.session.Navigate(opCtx, pageURL); err != nil {
			return err
		}
		if candidates := m.chain.CandidateSelectors(selector.FieldReviewContainer); len(candidates) > 0 {
			// Best effort: give the review section a chance to render.
			_ = m.session.WaitVisible(opCtx, candidates[0], m.opts.WaitTimeout)
		}
		snapshot, err := m.session.Snapshot(opCtx)
		if err != nil {
			return err
		}
		if m.chain.ChallengePresent(snapshot) {
			return harvesterrors.NewBlocked(scope, "challenge page rendered", nil)
		}
		doc = snapshot
		return nil
	})
	return doc, err
}

func (m *Machine) clickAndSnapshot(ctx context.Context, scope, sel string) (*goquery.Document, error) {
	if err := m.gov.Throttle(ctx); err != nil {
		return nil, err
	}
	var doc *goquery.Document
	err := m.gov.Execute(ctx, scope, func(opCtx context.Context) error {
		if err := m.session.Click(opCtx, sel); err != nil {
			return err
		}
		return m.snapshotInto(opCtx, scope, &doc)
	})
	return doc, err
}

func (m *Machine) scrollAndSnapshot(ctx context.Context, scope string) (*goquery.Document, error) {
	if err := m.gov.Throttle(ctx); err != nil {
		return nil, err
	}
	var doc *goquery.Document
	err := m.gov.Execute(ctx, scope, func(opCtx context.Context) error {
		if err := m.session.Scroll(opCtx); err != nil {
			return err
		}
		return m.snapshotInto(opCtx, scope, &doc)
	})
	return doc, err
}

func (m *Machine) snapshotInto(ctx context.Context, scope string, doc **goquery.Document) error {
	snapshot, err := m.session.Snapshot(ctx)
	if err != nil {
		return err
	}
	if m.chain.ChallengePresent(snapshot) {
		return harvesterrors.NewBlocked(scope, "challenge page rendered", nil)
	}
	*doc = snapshot
	return nil
}

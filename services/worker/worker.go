package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"sageworks/reviewharvester/config"
	"sageworks/reviewharvester/internal/browser"
	"sageworks/reviewharvester/internal/checkpoint"
	"sageworks/reviewharvester/internal/discovery"
	"sageworks/reviewharvester/internal/governor"
	"sageworks/reviewharvester/internal/harvest"
	"sageworks/reviewharvester/internal/selector"
	"sageworks/reviewharvester/logger"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
	"sageworks/reviewharvester/services/cache"
	"sageworks/reviewharvester/services/publisher"
)

// MarketSummary tallies one market's run outcome by terminal status.
type MarketSummary struct {
	Market     string `json:"market"`
	Discovered int    `json:"discovered"`
	Records    int    `json:"records"`
	Exhausted  int    `json:"exhausted"`
	Blocked    int    `json:"blocked"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

// Summary aggregates per-market results for one run.
type Summary struct {
	mu      sync.Mutex
	Markets map[string]*MarketSummary
}

func newSummary() *Summary {
	return &Summary{Markets: make(map[string]*MarketSummary)}
}

func (s *Summary) market(name string) *MarketSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.Markets[name]
	if !ok {
		ms = &MarketSummary{Market: name}
		s.Markets[name] = ms
	}
	return ms
}

// Worker drives the discovery and harvest pipeline across markets. Each
// market gets its own browser session and governor so one market's
// throttling or blocking never bleeds into another.
type Worker struct {
	cfg        *config.Config
	factory    browser.Factory
	store      checkpoint.Store
	pub        publisher.Publisher
	blockCache cache.CacheService
	chain      *selector.Chain
}

// NewWorker creates a new worker
func NewWorker(cfg *config.Config, factory browser.Factory, store checkpoint.Store, pub publisher.Publisher, blockCache cache.CacheService) *Worker {
	return &Worker{
		cfg:        cfg,
		factory:    factory,
		store:      store,
		pub:        pub,
		blockCache: blockCache,
		chain:      selector.DefaultChain(),
	}
}

// Run executes one full pipeline pass: every configured market in
// parallel, discovery then harvest, records published as they surface.
// Market level failures are tallied, not fatal; Run errors only on
// cancellation.
func (w *Worker) Run(ctx context.Context) (*Summary, error) {
	log := logger.ForWorker()
	summary := newSummary()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, market := range w.cfg.Markets {
		market := market
		group.Go(func() error {
			if err := w.runMarket(groupCtx, market, summary); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				logger.ForMarket(market).Error().Err(err).Msg("market run failed")
			}
			return nil
		})
	}
	err := group.Wait()

	if trimErr := w.pub.TrimStreams(); trimErr != nil {
		log.Warn().Err(trimErr).Msg("failed to trim record streams")
	}

	for _, ms := range summary.Markets {
		log.Info().
			Str("market", ms.Market).
			Int("discovered", ms.Discovered).
			Int("records", ms.Records).
			Int("exhausted", ms.Exhausted).
			Int("blocked", ms.Blocked).
			Int("failed", ms.Failed).
			Int("skipped", ms.Skipped).
			Msg("market run complete")
	}
	return summary, err
}

// runMarket runs discovery and then harvests every surviving product
// sequentially on the market's single session.
func (w *Worker) runMarket(ctx context.Context, market string, summary *Summary) error {
	log := logger.ForMarket(market)
	ms := summary.market(market)

	session, err := w.factory(ctx, market)
	if err != nil {
		return err
	}
	defer session.Close()

	gov := w.newGovernor()
	engine := discovery.NewEngine(session, w.chain, gov, discovery.Options{
		Brand:                 w.cfg.Brand,
		SearchURLTemplate:     w.cfg.SearchURLTemplate,
		StorefrontURLTemplate: w.cfg.StorefrontURLTemplate,
		MaxSearchPages:        w.cfg.MaxSearchPages,
	})

	products, report, err := engine.Discover(ctx, market)
	if err != nil {
		return err
	}
	ms.Discovered = len(products)
	if len(products) == 0 {
		log.Info().Str("reason", report.EmptyReason).Msg("no products to harvest")
		return nil
	}

	machine := harvest.NewMachine(session, w.chain, gov, w.store, harvest.Options{
		StableCycles: w.cfg.StableCycles,
		WaitTimeout:  w.cfg.ExtractTimeout,
	})

	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.harvestAndPublish(ctx, machine, product, ms)
	}
	return ctx.Err()
}

// harvestAndPublish drains one product and emits its records. A failing
// product is tallied and the loop moves on.
func (w *Worker) harvestAndPublish(ctx context.Context, machine *harvest.Machine, product discovery.ProductDescriptor, ms *MarketSummary) {
	log := logger.ForHarvester(product.ID)

	records, err := machine.Harvest(ctx, product, nil)
	for _, record := range records {
		payload, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			log.Error().Err(marshalErr).Msg("failed to encode record")
			continue
		}
		if pubErr := w.pub.Publish(product.Market, payload); pubErr != nil {
			logger.LogError("publisher", harvesterrors.NewPublish(product.Market, "failed to publish record", pubErr), "review %s dropped", record.ReviewID)
			continue
		}
		ms.Records++
	}

	switch {
	case err == nil:
		w.tallyTerminal(ctx, product.ID, ms)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Tallied as skipped; the checkpoint holds the partial progress.
		ms.Skipped++
	case harvesterrors.IsBlocked(err):
		ms.Blocked++
		log.Warn().Err(err).Msg("product blocked")
	default:
		ms.Failed++
		log.Error().Err(err).Msg("product failed")
	}
}

// tallyTerminal reads back the stored status so resumed and skipped
// products count the same as freshly harvested ones.
func (w *Worker) tallyTerminal(ctx context.Context, productID string, ms *MarketSummary) {
	cp, err := w.store.Load(ctx, productID)
	if err != nil || cp == nil {
		ms.Exhausted++
		return
	}
	switch cp.Status {
	case checkpoint.StatusBlocked:
		ms.Blocked++
	case checkpoint.StatusFailed:
		ms.Failed++
	default:
		ms.Exhausted++
	}
}

func (w *Worker) newGovernor() *governor.Governor {
	return governor.New(governor.Options{
		MinDelay:         w.cfg.MinDelay,
		MaxDelay:         w.cfg.MaxDelay,
		RequestsPerSec:   w.cfg.RequestsPerSec,
		MaxAttempts:      w.cfg.MaxAttempts,
		BlockedAttempts:  w.cfg.BlockedAttempts,
		BackoffBase:      w.cfg.BackoffBase,
		BackoffCap:       w.cfg.BackoffCap,
		EscalationFactor: w.cfg.EscalationFactor,
		BlockCache:       w.blockCache,
		BlockCooldown:    w.cfg.BlockCooldown,
	})
}

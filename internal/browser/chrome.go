package browser

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// market language flags, matching the storefront locales
var marketLanguages = map[string]string{
	"vn": "vi-VN",
	"sa": "ar-SA",
	"ph": "en-PH",
}

// ChromeOptions configures a headless Chrome session
type ChromeOptions struct {
	Headless bool
}

// ChromeSession implements Session on top of chromedp. One session maps
// to one browser context; the rendered page is its single mutable state.
type ChromeSession struct {
	browserCtx   context.Context
	cancelBrowse context.CancelFunc
	cancelAlloc  context.CancelFunc
}

// NewChromeSession starts a browser context for one market
func NewChromeSession(ctx context.Context, market string, opts ChromeOptions) (*ChromeSession, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgents[rand.Intn(len(userAgents))]),
	)
	if lang, ok := marketLanguages[market]; ok {
		allocOpts = append(allocOpts, chromedp.Flag("lang", lang))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowse := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so a missing binary fails the session
	// constructor instead of the first navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowse()
		cancelAlloc()
		return nil, harvesterrors.NewConfiguration("failed to start browser", err)
	}

	return &ChromeSession{
		browserCtx:   browserCtx,
		cancelBrowse: cancelBrowse,
		cancelAlloc:  cancelAlloc,
	}, nil
}

// NewFactory returns a session factory backed by headless Chrome
func NewFactory(opts ChromeOptions) Factory {
	return func(ctx context.Context, market string) (Session, error) {
		return NewChromeSession(ctx, market, opts)
	}
}

// Navigate loads url in the session's page
func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return classify(err, "navigate "+url)
	}
	return nil
}

// Snapshot captures the rendered DOM as a goquery document
func (s *ChromeSession) Snapshot(ctx context.Context) (*goquery.Document, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, classify(err, "snapshot")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, harvesterrors.NewTransient("snapshot", "failed to parse rendered page", err)
	}
	return doc, nil
}

// Click clicks the first node matching selector
func (s *ChromeSession) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return classify(err, "click "+selector)
	}
	return nil
}

// Scroll scrolls to the bottom of the page
func (s *ChromeSession) Scroll(ctx context.Context) error {
	err := s.run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
	if err != nil {
		return classify(err, "scroll")
	}
	return nil
}

// WaitVisible waits for selector to become visible, bounded by timeout
func (s *ChromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return classify(err, "wait "+selector)
	}
	return nil
}

// Close tears down the browser context
func (s *ChromeSession) Close() error {
	s.cancelBrowse()
	s.cancelAlloc()
	return nil
}

// run executes actions against the session's browser context. In-flight
// operations finish on their own deadline; the caller's cancellation is
// observed before starting, matching the scheduling contract that no
// new operation begins after a run is cancelled.
func (s *ChromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx := s.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// classify maps raw browser failures onto the retry taxonomy. Timeouts
// and cancellations are transient; everything else from the driver is
// treated as transient too, since a crashed tab recovers on retry.
func classify(err error, scope string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return harvesterrors.NewTransient(scope, "operation timed out", err)
	}
	return harvesterrors.NewTransient(scope, "browser operation failed", err)
}

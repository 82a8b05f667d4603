package browser

import (
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Session is the rendering capability the pipeline consumes. A session
// owns one rendered page at a time; callers must not issue concurrent
// operations against the same session.
type Session interface {
	// Navigate loads the given URL and waits for the document to settle
	Navigate(ctx context.Context, url string) error

	// Snapshot parses the currently rendered DOM into a document
	Snapshot(ctx context.Context) (*goquery.Document, error)

	// Click dispatches a click on the first element matching the selector
	Click(ctx context.Context, selector string) error

	// Scroll scrolls the page to the bottom to trigger lazy loading
	Scroll(ctx context.Context) error

	// WaitVisible blocks until the selector is visible or the timeout elapses
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// Close releases the session and its browser resources
	Close() error
}

// Factory creates an independent session for one market. Each unit of
// parallel work gets its own session; sessions are never shared.
type Factory func(ctx context.Context, market string) (Session, error)

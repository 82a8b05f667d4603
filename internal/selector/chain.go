package selector

import (
	"github.com/PuerkitoBio/goquery"

	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

// Field names a semantic target on a rendered page. Extraction logic
// asks for fields; which CSS selector happens to match on a given
// market or layout experiment is the chain's problem, not the caller's.
type Field string

const (
	FieldProductCard     Field = "product-card"
	FieldProductLink     Field = "product-link"
	FieldProductName     Field = "product-name"
	FieldProductBrand    Field = "product-brand"
	FieldNextPage        Field = "next-page-control"
	FieldReviewContainer Field = "review-container"
	FieldReviewItem      Field = "review-item"
	FieldReviewerName    Field = "reviewer-name"
	FieldRating          Field = "rating"
	FieldReviewText      Field = "review-text"
	FieldReviewDate      Field = "review-date"
	FieldVerifiedBadge   Field = "verified-badge"
	FieldHelpfulVotes    Field = "helpful-votes"
	FieldLoadMore        Field = "load-more-control"
	FieldChallenge       Field = "challenge-marker"
)

// Chain maps fields to ordered candidate selectors. Candidates are
// tried in order and the first non-empty match wins, so new site
// variants are added as data, not code.
type Chain struct {
	candidates map[Field][]string
}

// NewChain creates a chain from a candidate table
func NewChain(candidates map[Field][]string) *Chain {
	return &Chain{candidates: candidates}
}

// DefaultChain returns the candidate tables observed across the target
// storefront variants.
func DefaultChain() *Chain {
	return NewChain(map[Field][]string{
		FieldProductCard: {
			".product-card",
			"[data-testid*='product']",
			".item-card",
			".goods-card",
			"a[href*='/product/']",
		},
		FieldProductLink: {
			"a[href*='/product/']",
		},
		FieldProductName: {
			".product-name",
			".product-title",
			".item-title",
			"h1",
			"h3",
			"h4",
		},
		FieldProductBrand: {
			".brand-name",
			"[data-testid*='brand']",
			".seller-name",
		},
		FieldNextPage: {
			".pagination-next:not([disabled])",
			"a[aria-label='Next']",
			"button[data-testid*='next']",
		},
		FieldReviewContainer: {
			".reviews-section",
			".review-list",
			"[data-testid*='review']",
			"[class*='review']",
			"#reviews",
			".comment-section",
		},
		FieldReviewItem: {
			".review-item",
			".comment-item",
			".feedback-item",
			"[data-testid*='review']",
			"[data-e2e*='review']",
			"[data-e2e*='comment']",
		},
		FieldReviewerName: {
			".reviewer-name",
			".username",
			".author",
		},
		FieldRating: {
			".rating",
			".star-rating",
			".score",
		},
		FieldReviewText: {
			".review-text",
			".comment-text",
			".content",
		},
		FieldReviewDate: {
			".review-date",
			".timestamp",
			".date",
		},
		FieldVerifiedBadge: {
			".verified-badge",
			"[data-testid*='verified']",
		},
		FieldHelpfulVotes: {
			".helpful-count",
			".likes",
			".thumbs-up",
		},
		FieldLoadMore: {
			".load-more",
			".show-more",
			"button[data-testid*='load']",
		},
		FieldChallenge: {
			"#captcha-verify",
			".captcha_verify_container",
			"[class*='captcha']",
			"#challenge-form",
		},
	})
}

// WithOverrides returns a chain whose tables are replaced per field by
// the override map, leaving other fields untouched. Used for markets
// whose markup diverges from the defaults.
func (c *Chain) WithOverrides(overrides map[Field][]string) *Chain {
	merged := make(map[Field][]string, len(c.candidates))
	for field, sels := range c.candidates {
		merged[field] = sels
	}
	for field, sels := range overrides {
		merged[field] = sels
	}
	return NewChain(merged)
}

// Resolve evaluates the candidates for field against doc in order and
// returns the first non-empty match. A miss across all candidates is a
// field_not_found error; callers treat that as "no more structured
// data", never as a crash.
func (c *Chain) Resolve(doc *goquery.Document, field Field) (*goquery.Selection, error) {
	return c.resolveIn(doc.Selection, field)
}

// ResolveIn evaluates the candidates for field inside a parent
// selection, for per-record sub-fields.
func (c *Chain) ResolveIn(parent *goquery.Selection, field Field) (*goquery.Selection, error) {
	return c.resolveIn(parent, field)
}

func (c *Chain) resolveIn(parent *goquery.Selection, field Field) (*goquery.Selection, error) {
	sels, ok := c.candidates[field]
	if !ok {
		return nil, harvesterrors.NewFieldNotFound("selector", string(field))
	}
	for _, sel := range sels {
		if match := parent.Find(sel); match.Length() > 0 {
			return match, nil
		}
	}
	return nil, harvesterrors.NewFieldNotFound("selector", string(field))
}

// CandidateSelectors returns the configured candidates for a field, for
// handing raw selectors to the browser (click and wait targets).
func (c *Chain) CandidateSelectors(field Field) []string {
	return c.candidates[field]
}

// ChallengePresent reports whether the rendered page is a challenge or
// verification interstitial rather than content.
func (c *Chain) ChallengePresent(doc *goquery.Document) bool {
	_, ok := c.FirstActionable(doc, FieldChallenge)
	return ok
}

// FirstActionable returns the first candidate selector for field that
// matches in doc, for driving a click through the browser session.
func (c *Chain) FirstActionable(doc *goquery.Document, field Field) (string, bool) {
	for _, sel := range c.candidates[field] {
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

package harvest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"

	"sageworks/reviewharvester/internal/discovery"
	"sageworks/reviewharvester/internal/selector"
	harvesterrors "sageworks/reviewharvester/pkg/errors"
)

// ReviewRecord is one normalized review. Records are append-only
// outputs: never mutated after emission. Field order is stable for the
// serialization collaborator.
type ReviewRecord struct {
	ReviewID     string    `json:"review_id"`
	ProductID    string    `json:"product_id"`
	Market       string    `json:"market"`
	ReviewerName string    `json:"reviewer_name"`
	Rating       int       `json:"rating"`
	Text         string    `json:"text"`
	PostedAt     string    `json:"posted_at"`
	Verified     bool      `json:"verified"`
	HelpfulVotes int       `json:"helpful_votes"`
	HarvestedAt  time.Time `json:"harvested_at"`
}

var (
	ratingPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	digitsPattern = regexp.MustCompile(`[0-9]+`)
)

// normalizeReview turns one rendered review element into a record.
// Unusable elements produce a malformed_record error so the caller can
// drop them without touching sibling records.
func normalizeReview(item *goquery.Selection, chain *selector.Chain, product discovery.ProductDescriptor) (*ReviewRecord, error) {
	text := fieldText(item, chain, selector.FieldReviewText)
	if text == "" {
		return nil, harvesterrors.NewMalformedRecord(product.ID, "review has no text")
	}

	rating, err := parseRating(ratingValue(item, chain))
	if err != nil {
		return nil, err
	}

	reviewer := fieldText(item, chain, selector.FieldReviewerName)
	if reviewer == "" {
		reviewer = "Anonymous"
	}
	postedAt := fieldText(item, chain, selector.FieldReviewDate)

	record := &ReviewRecord{
		ProductID:    product.ID,
		Market:       product.Market,
		ReviewerName: reviewer,
		Rating:       rating,
		Text:         text,
		PostedAt:     postedAt,
		HelpfulVotes: parseVotes(fieldText(item, chain, selector.FieldHelpfulVotes)),
		HarvestedAt:  time.Now().UTC(),
	}

	if _, badgeErr := chain.ResolveIn(item, selector.FieldVerifiedBadge); badgeErr == nil {
		record.Verified = true
	}

	record.ReviewID = siteReviewID(item)
	if record.ReviewID == "" {
		record.ReviewID = derivedReviewID(product.ID, reviewer, text, postedAt)
	}
	return record, nil
}

// siteReviewID returns the site-provided identifier when one is present
func siteReviewID(item *goquery.Selection) string {
	for _, attr := range []string{"data-review-id", "data-id"} {
		if v, ok := item.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// derivedReviewID hashes the record's identifying fields so the id is
// stable across re-runs. Distinct reviews colliding under the hash drop
// the later one as a duplicate; that is the documented trade-off of a
// derived id.
func derivedReviewID(productID, reviewer, text, postedAt string) string {
	h := xxhash.New()
	for _, part := range []string{productID, reviewer, text, postedAt} {
		h.WriteString(part)
		h.Write([]byte{0})
	}
	return fmt.Sprintf("d%016x", h.Sum64())
}

// ratingValue prefers the data-rating attribute over visible text
func ratingValue(item *goquery.Selection, chain *selector.Chain) string {
	sel, err := chain.ResolveIn(item, selector.FieldRating)
	if err != nil {
		return ""
	}
	first := sel.First()
	if v, ok := first.Attr("data-rating"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(first.Text())
}

// parseRating coerces a rating into 1..5. Anything unparseable or out
// of range is a malformed record, dropped with a diagnostic, not fatal.
func parseRating(raw string) (int, error) {
	match := ratingPattern.FindString(raw)
	if match == "" {
		return 0, harvesterrors.NewMalformedRecord("rating", fmt.Sprintf("unparseable rating %q", raw))
	}
	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, harvesterrors.NewMalformedRecord("rating", fmt.Sprintf("unparseable rating %q", raw))
	}
	rating := int(value + 0.5)
	if rating < 1 || rating > 5 {
		return 0, harvesterrors.NewMalformedRecord("rating", fmt.Sprintf("rating %q out of range", raw))
	}
	return rating, nil
}

func parseVotes(raw string) int {
	match := digitsPattern.FindString(raw)
	if match == "" {
		return 0
	}
	votes, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return votes
}

func fieldText(item *goquery.Selection, chain *selector.Chain, field selector.Field) string {
	sel, err := chain.ResolveIn(item, field)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(sel.First().Text())
}

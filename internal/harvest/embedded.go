package harvest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"sageworks/reviewharvester/internal/discovery"
)

// The product page ships a router-data script tag whose JSON payload
// carries structured reviews. When present it beats DOM selectors, so
// the harvester extracts it first and lets the seen-set dedupe overlap
// with DOM extraction.
const routerDataSelector = "script#__MODERN_ROUTER_DATA__"

type embeddedReview struct {
	ReviewID     string `json:"review_id"`
	ReviewerName string `json:"reviewer_name"`
	ReviewRating any    `json:"review_rating"`
	ReviewText   string `json:"review_text"`
	ReviewTime   int64  `json:"review_time"`
	Verified     bool   `json:"is_verified_purchase"`
	Country      string `json:"review_country"`
}

type embeddedReviewInfo struct {
	ProductReviews []embeddedReview `json:"product_reviews"`
}

// extractEmbeddedReviews pulls reviews out of the router-data payload.
// Absence of the script or an unexpected shape is not an error; the DOM
// path still runs.
func extractEmbeddedReviews(doc *goquery.Document, product discovery.ProductDescriptor) []ReviewRecord {
	script := doc.Find(routerDataSelector)
	if script.Length() == 0 {
		return nil
	}

	var payload any
	if err := json.Unmarshal([]byte(script.Text()), &payload); err != nil {
		return nil
	}

	infoNode := findReviewInfoNode(payload)
	if infoNode == nil {
		return nil
	}
	raw, err := json.Marshal(infoNode)
	if err != nil {
		return nil
	}
	var info embeddedReviewInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}

	var out []ReviewRecord
	for _, item := range info.ProductReviews {
		text := strings.TrimSpace(item.ReviewText)
		if text == "" {
			continue
		}
		rating, err := parseRating(ratingString(item.ReviewRating))
		if err != nil {
			continue
		}

		reviewer := item.ReviewerName
		if reviewer == "" {
			reviewer = "Anonymous"
		}
		postedAt := ""
		if item.ReviewTime > 0 {
			postedAt = time.UnixMilli(item.ReviewTime).UTC().Format(time.RFC3339)
		}
		market := product.Market
		if item.Country != "" {
			market = item.Country
		}

		record := ReviewRecord{
			ReviewID:     item.ReviewID,
			ProductID:    product.ID,
			Market:       market,
			ReviewerName: reviewer,
			Rating:       rating,
			Text:         text,
			PostedAt:     postedAt,
			Verified:     item.Verified,
			HarvestedAt:  time.Now().UTC(),
		}
		if record.ReviewID == "" {
			record.ReviewID = derivedReviewID(product.ID, reviewer, text, postedAt)
		}
		out = append(out, record)
	}
	return out
}

// findReviewInfoNode walks the payload for the first object holding a
// review_info map.
func findReviewInfoNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		if info, ok := v["review_info"].(map[string]any); ok {
			return info
		}
		for _, child := range v {
			if found := findReviewInfoNode(child); found != nil {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := findReviewInfoNode(child); found != nil {
				return found
			}
		}
	}
	return nil
}

func ratingString(v any) string {
	switch r := v.(type) {
	case string:
		return r
	case float64:
		return strconv.FormatFloat(r, 'f', -1, 64)
	default:
		return ""
	}
}

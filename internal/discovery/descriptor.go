package discovery

import (
	"net/url"
	"regexp"
	"strings"
)

// ProductDescriptor identifies one product in one market. Identity is
// (Market, ID); descriptors are immutable once yielded and the harvest
// machine consumes them without owning them.
type ProductDescriptor struct {
	ID            string
	URL           string
	Market        string
	Name          string
	DeclaredBrand string
}

// Key returns the identity of the descriptor within a run
func (d ProductDescriptor) Key() string {
	return d.Market + ":" + d.ID
}

var productIDPattern = regexp.MustCompile(`/product/(\d+)`)

// extractProductID pulls the numeric product id out of a product URL
func extractProductID(link string) (string, bool) {
	match := productIDPattern.FindStringSubmatch(link)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// absoluteURL resolves href against base when it is relative
func absoluteURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if parsed.IsAbs() {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}

package discovery

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldDiacritics strips combining marks so "Lancôme" and "lancome"
// compare equal.
var foldDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// normalizeBrand lower-cases and diacritic-folds a brand or product name
func normalizeBrand(s string) string {
	folded, _, err := transform.String(foldDiacritics, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// matchesBrand reports whether a descriptor plausibly belongs to the
// target brand: case-insensitive, diacritic-tolerant substring match on
// the declared brand or the product name.
func matchesBrand(target string, d ProductDescriptor) bool {
	want := normalizeBrand(target)
	if want == "" {
		return false
	}
	if strings.Contains(normalizeBrand(d.DeclaredBrand), want) {
		return true
	}
	return strings.Contains(normalizeBrand(d.Name), want)
}

package matching

import (
	"regexp"
	"strings"
)

// DefaultBrandPhrases are two-word brand names that must be kept together when
// extracting a brand token from a bottle name. Operators can extend the list
// via BRAND_PHRASES (see config.ExtraBrandPhrases).
var DefaultBrandPhrases = []string{
	"old forester",
	"wild turkey",
	"buffalo trace",
	"eagle rare",
	"elijah craig",
	"four roses",
	"knob creek",
	"woodford reserve",
	"joseph magnus",
	"high west",
	"jim beam",
	"evan williams",
	"george dickel",
	"heaven hill",
	"old fitzgerald",
	"old ezra",
	"old grand-dad",
	"very old",
	"jack daniel",
	"henry mckenna",
	"russell's reserve",
	"rare breed",
	"little book",
	"smoke wagon",
	"new riff",
	"wilderness trail",
	"red hook",
	"black maple",
}

var (
	parenGroups = regexp.MustCompile(`\([^)]*\)`)
	quoteChars  = strings.NewReplacer(`"`, "", "“", "", "”", "")
	multiSpace  = regexp.MustCompile(`\s+`)
)

// Normalizer extracts brand tokens from free-text bottle names. Pure, no I/O.
type Normalizer struct {
	phrases map[string]bool
}

// NewNormalizer builds a normalizer over the default brand phrases plus any
// operator-configured extras.
func NewNormalizer(extra ...string) *Normalizer {
	phrases := make(map[string]bool, len(DefaultBrandPhrases)+len(extra))
	for _, p := range DefaultBrandPhrases {
		phrases[strings.ToLower(p)] = true
	}
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases[p] = true
		}
	}
	return &Normalizer{phrases: phrases}
}

// CleanName strips quote characters and parenthetical asides, eg.
// `Old Forester Single Barrel (Barrel Proof)` -> `Old Forester Single Barrel`.
func (n *Normalizer) CleanName(name string) string {
	s := quoteChars.Replace(name)
	s = parenGroups.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// BrandToken returns the brand extracted from a bottle name, possibly two
// words. Order matters: a possessive first token is a strong brand signal and
// wins outright (Blanton's stays Blanton's), then the two-word phrase list,
// then the first word alone.
func (n *Normalizer) BrandToken(name string) string {
	tokens := strings.Fields(n.CleanName(name))
	if len(tokens) == 0 {
		return ""
	}
	first := tokens[0]
	if strings.HasSuffix(first, "'s") || strings.HasSuffix(first, "’s") {
		return first
	}
	if len(tokens) >= 2 {
		pair := strings.ToLower(tokens[0] + " " + tokens[1])
		if n.phrases[pair] {
			return tokens[0] + " " + tokens[1]
		}
	}
	return first
}

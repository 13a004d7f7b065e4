package matching

import (
	"fmt"
	"strings"
	"unicode"
)

// Scorer computes a 0-100 match confidence between a query name and a
// candidate record. Pure, no I/O.
type Scorer struct {
	norm *Normalizer
}

func NewScorer(n *Normalizer) *Scorer {
	if n == nil {
		n = NewNormalizer()
	}
	return &Scorer{norm: n}
}

// stripNonAlnum lowercases and drops everything outside [a-z0-9] so that
// "Blanton's" and "blantons" compare equal.
func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Score returns the match confidence plus human-auditable reasons. Brand
// signals are tiered, strongest first; token overlap is added on top; the
// short-string penalty applies only when the pre-penalty score is weak.
func (s *Scorer) Score(queryName, candName, candBrand string) (int, []string) {
	score := 0
	var reasons []string

	queryBrand := stripNonAlnum(s.norm.BrandToken(queryName))
	candBrandNorm := stripNonAlnum(candBrand)
	candClean := s.norm.CleanName(candName)
	queryClean := s.norm.CleanName(queryName)

	candFirst := ""
	if fields := strings.Fields(candClean); len(fields) > 0 {
		candFirst = stripNonAlnum(fields[0])
	}
	candNameNorm := stripNonAlnum(candName)

	switch {
	case queryBrand != "" && candBrandNorm != "" && queryBrand == candBrandNorm:
		score += 100
		reasons = append(reasons, "brand exact")
	case queryBrand != "" && candBrandNorm != "" &&
		(strings.Contains(queryBrand, candBrandNorm) || strings.Contains(candBrandNorm, queryBrand)):
		score += 80
		reasons = append(reasons, "brand partial")
	case queryBrand != "" && candFirst != "" && candFirst == queryBrand:
		score += 80
		reasons = append(reasons, "brand is candidate first word")
	case queryBrand != "" && strings.Contains(candNameNorm, queryBrand):
		score += 60
		reasons = append(reasons, "brand in candidate name")
	}

	// Token overlap is cumulative with the brand tiers.
	queryTokens := significantWords(queryClean)
	if len(queryTokens) > 0 {
		candLower := strings.ToLower(candName)
		matched := 0
		for _, tok := range queryTokens {
			if strings.Contains(candLower, strings.ToLower(tok)) {
				matched++
			}
		}
		if matched > 0 {
			score += matched * 40 / len(queryTokens)
			reasons = append(reasons, fmt.Sprintf("name word overlap %d/%d", matched, len(queryTokens)))
		}
	}

	// Penalize short/partial strings that scored on overlap alone.
	if score < 60 {
		shorter, longer := len(queryClean), len(candClean)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if longer > 0 && shorter*2 < longer {
			score -= 20
			reasons = append(reasons, "length mismatch penalty")
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// significantWords returns the words of a cleaned name longer than two
// characters, the same cut the candidate finder uses for its word search.
func significantWords(cleaned string) []string {
	var out []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

package models

import (
	"context"
	"sort"
	"strings"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/matching"
	"github.com/cellarkeep/cellar_backend/utils"
	"gorm.io/gorm"
)

// Raw candidate caps per search stage. Each stage only runs when the previous
// one found nothing.
const (
	stageBrandCap     = 100
	stageWordsCap     = 50
	stageFirstWordCap = 30
)

// MatchCandidate is a scored, provisional match. It is never persisted; the
// operator confirms or rejects it.
type MatchCandidate struct {
	Bottle  *Bottle  `json:"bottle"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// brandPhrases returns the operator-configured two-word brand phrases, cached
// in redis so every finder call does not re-read the environment.
func brandPhrases() []string {
	var phrases []string
	if exists, err := config.GetRedisObject("matching:brandPhrases", &phrases); err == nil && exists {
		return phrases
	}
	phrases = config.ExtraBrandPhrases()
	_ = config.SetRedisObject("matching:brandPhrases", phrases, utils.GetCacheLifespan())
	return phrases
}

// FindCandidates proposes catalog bottles that may be the same real-world
// product as the query name. The search widens in stages (brand substring,
// then all significant words, then first word) and stops at the first stage
// that yields rows. Matching is advisory: a store error mid-stage degrades to
// whatever was already found instead of failing the call.
func FindCandidates(ctx context.Context, queryName string, resultCap int) ([]*MatchCandidate, error) {
	if resultCap <= 0 {
		resultCap = config.SearchLimit
	}

	norm := matching.NewNormalizer(brandPhrases()...)
	scorer := matching.NewScorer(norm)
	logger := config.GetLogger()

	brand := norm.BrandToken(queryName)
	cleaned := norm.CleanName(queryName)

	var raw []*Bottle

	// Stage A: brand substring against name or brand.
	if brand != "" {
		err := catalogScope(ctx).
			Where("LOWER(name) LIKE ? OR LOWER(brand) LIKE ?", likePattern(brand), likePattern(brand)).
			Limit(stageBrandCap).Find(&raw).Error
		if err != nil {
			config.LogError(logger, "models", "FindCandidates", "stage A search failed", queryName, err)
			return scoreAndRank(scorer, queryName, raw, resultCap), nil
		}
	}

	// Stage B: every significant word must appear in name or brand.
	if len(raw) == 0 {
		words := significantWords(cleaned)
		if len(words) > 0 {
			dbq := catalogScope(ctx)
			for _, w := range words {
				dbq = dbq.Where("LOWER(name) LIKE ? OR LOWER(brand) LIKE ?", likePattern(w), likePattern(w))
			}
			if err := dbq.Limit(stageWordsCap).Find(&raw).Error; err != nil {
				config.LogError(logger, "models", "FindCandidates", "stage B search failed", queryName, err)
				return scoreAndRank(scorer, queryName, raw, resultCap), nil
			}
		}
	}

	// Stage C: first word against the name only.
	if len(raw) == 0 {
		if fields := strings.Fields(cleaned); len(fields) > 0 {
			if err := catalogScope(ctx).
				Where("LOWER(name) LIKE ?", likePattern(fields[0])).
				Limit(stageFirstWordCap).Find(&raw).Error; err != nil {
				config.LogError(logger, "models", "FindCandidates", "stage C search failed", queryName, err)
				return scoreAndRank(scorer, queryName, raw, resultCap), nil
			}
		}
	}

	return scoreAndRank(scorer, queryName, raw, resultCap), nil
}

// catalogScope restricts a query to active catalog-sourced bottles, ordered by
// insertion so scoring ties stay deterministic.
func catalogScope(ctx context.Context) *gorm.DB {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Bottle{}).
		Where("source = ? AND is_active = ?", BottleSourceCatalog, true).
		Order("id ASC")
}

func likePattern(s string) string {
	return "%" + strings.ToLower(s) + "%"
}

// significantWords keeps the words of a cleaned name longer than two
// characters, matching the scorer's token-overlap cut.
func significantWords(cleaned string) []string {
	var out []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

// scoreAndRank scores every raw candidate, sorts by score descending with a
// stable sort (catalog insertion order breaks ties) and truncates. All
// non-negative scores are kept: the accept threshold belongs to the operator,
// not the finder.
func scoreAndRank(scorer *matching.Scorer, queryName string, raw []*Bottle, resultCap int) []*MatchCandidate {
	candidates := make([]*MatchCandidate, 0, len(raw))
	for _, b := range raw {
		score, reasons := scorer.Score(queryName, b.Name, b.Brand)
		candidates = append(candidates, &MatchCandidate{Bottle: b, Score: score, Reasons: reasons})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > resultCap {
		candidates = candidates[:resultCap]
	}
	return candidates
}

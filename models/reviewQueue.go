package models

import (
	"context"
	"fmt"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"gorm.io/gorm"
)

// ReviewSession tracks what an operator has already seen within one sitting.
// Skips and resolutions both exclude a bottle from re-surfacing; only
// resolutions count toward progress. The session lives in the caller (or in
// redis keyed by operator), not in the bottles table, so a fresh session
// starts with a clean slate unless durable skip persistence is on.
type ReviewSession struct {
	SkippedIds  map[int]bool `json:"skipped_ids"`
	ResolvedIds map[int]bool `json:"resolved_ids"`
}

func NewReviewSession() *ReviewSession {
	return &ReviewSession{
		SkippedIds:  map[int]bool{},
		ResolvedIds: map[int]bool{},
	}
}

func (s *ReviewSession) MarkSkipped(id int) {
	s.SkippedIds[id] = true
}

// MarkResolved moves an id to the resolved set. Resolution wins over an
// earlier skip.
func (s *ReviewSession) MarkResolved(id int) {
	delete(s.SkippedIds, id)
	s.ResolvedIds[id] = true
}

func (s *ReviewSession) ExcludedIds() []int {
	ids := make([]int, 0, len(s.SkippedIds)+len(s.ResolvedIds))
	for id := range s.SkippedIds {
		ids = append(ids, id)
	}
	for id := range s.ResolvedIds {
		ids = append(ids, id)
	}
	return ids
}

type ReviewQueueStats struct {
	Total     int64 `json:"total"`
	Resolved  int64 `json:"resolved"`
	Remaining int64 `json:"remaining"`
}

func queueTotalCacheKey(kind ReviewQueueKind) string {
	return fmt.Sprintf("reviewqueue:total:%s", kind)
}

// invalidateQueueTotals drops the cached queue sizes after anything that
// grows or shrinks the pools (bottle created, merge committed, code
// attached).
func invalidateQueueTotals() {
	_ = config.RemoveRedisKey(
		queueTotalCacheKey(ReviewQueueNeedsCode),
		queueTotalCacheKey(ReviewQueueNeedsMatch),
	)
}

// queueScope returns the base predicate for a queue kind.
//
// NeedsCode: active bottles with no identifier code at all.
// NeedsMatch: active user-submitted bottles that were never merged, the pool
// of likely catalog duplicates.
func queueScope(tx *gorm.DB, kind ReviewQueueKind) (*gorm.DB, error) {
	switch kind {
	case ReviewQueueNeedsCode:
		return tx.Model(&Bottle{}).
			Where("is_active = ?", true).
			Where("NOT EXISTS (SELECT 1 FROM bottle_codes WHERE bottle_codes.bottle_id = bottles.id)"), nil
	case ReviewQueueNeedsMatch:
		return tx.Model(&Bottle{}).
			Where("is_active = ?", true).
			Where("source = ?", BottleSourceUser).
			Where("merged_from_id IS NULL"), nil
	default:
		return nil, fmt.Errorf("unknown review queue kind %q", kind)
	}
}

// NextUnresolvedBottle returns the highest-priority bottle for the queue that
// the session has not yet seen. Priority is cellar count descending, then
// name, so the most-owned bottles get cleaned up first. A nil bottle with a
// nil error means the queue is exhausted for this session.
func NextUnresolvedBottle(ctx context.Context, kind ReviewQueueKind, session *ReviewSession) (*Bottle, error) {
	db := config.GetDB()
	scope, err := queueScope(db.WithContext(ctx), kind)
	if err != nil {
		return nil, err
	}

	if config.ReviewSkipPersistence() {
		scope = scope.Where("no_match_at IS NULL")
	}
	if session != nil {
		if excluded := session.ExcludedIds(); len(excluded) > 0 {
			scope = scope.Where("id NOT IN ?", excluded)
		}
	}

	var bottles []Bottle
	err = scope.Order("cellar_count DESC, name ASC").Limit(1).Find(&bottles).Error
	if err != nil {
		return nil, err
	}
	if len(bottles) == 0 {
		return nil, nil
	}
	return &bottles[0], nil
}

// GetReviewQueueStats reports queue progress for the session. Totals are
// cached briefly since they only drift as bottles are created or merged.
func GetReviewQueueStats(ctx context.Context, kind ReviewQueueKind, session *ReviewSession) (*ReviewQueueStats, error) {
	db := config.GetDB()

	var total int64
	cacheKey := queueTotalCacheKey(kind)
	if found, _ := config.GetRedisObject(cacheKey, &total); !found {
		scope, err := queueScope(db.WithContext(ctx), kind)
		if err != nil {
			return nil, err
		}
		if err := scope.Count(&total).Error; err != nil {
			return nil, err
		}
		_ = config.SetRedisObject(cacheKey, total, 5*time.Minute)
	}

	stats := ReviewQueueStats{Total: total}
	if session != nil {
		stats.Resolved = int64(len(session.ResolvedIds))
	}
	stats.Remaining = stats.Total - stats.Resolved
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return &stats, nil
}

// MarkNoMatch records that a bottle has no counterpart in the catalog. Always
// resolves it for the session; with REVIEW_SKIP_PERSISTENCE on it also stamps
// the bottle so later sessions skip it too.
func MarkNoMatch(ctx context.Context, bottleId int, session *ReviewSession) error {
	if _, err := GetActiveBottle(ctx, bottleId); err != nil {
		return err
	}

	if config.ReviewSkipPersistence() {
		db := config.GetDB()
		now := time.Now().UTC()
		err := db.WithContext(ctx).Model(&Bottle{}).
			Where("id = ?", bottleId).
			Update("no_match_at", &now).Error
		if err != nil {
			return err
		}
	}

	if session != nil {
		session.MarkResolved(bottleId)
	}
	return nil
}

// SkipBottle defers a bottle for the rest of the session without resolving it.
func SkipBottle(ctx context.Context, bottleId int, session *ReviewSession) error {
	if err := utils.ValidateResourceId[Bottle](ctx, bottleId); err != nil {
		return err
	}
	if session != nil {
		session.MarkSkipped(bottleId)
	}
	return nil
}

package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"gorm.io/gorm"
)

// MergeResult reports a committed merge back to the operator.
type MergeResult struct {
	SourceId          int    `json:"source_id"`
	TargetId          int    `json:"target_id"`
	SourceName        string `json:"source_name"`
	TargetName        string `json:"target_name"`
	DependentsUpdated int    `json:"dependents_updated"`
}

// mergedFieldSet is the pure output of computeMergedFields: the field updates
// for the surviving bottle plus the ids of code rows to move across.
type mergedFieldSet struct {
	TargetUpdates map[string]interface{}
	MoveCodeIds   []int
}

// beforeMergeVerify runs after the target write and before the verification
// read. Tests use it to simulate a storage layer dropping the write.
var beforeMergeVerify func(tx *gorm.DB, targetId int) error

// computeMergedFields decides what the surviving bottle gains from the retired
// one. Pure: no I/O, deterministic for a given clock value.
//
// Rules:
//   - age is copied only when the target lacks it
//   - store-pick details are copied only on a variant merge
//   - identifier codes are unioned by code string; a code already on the
//     target stays where it is
//   - the source's name/creator/provenance are snapshotted onto the target
//     for audit, together with MergedFromId and the merge timestamp
func computeMergedFields(source *Bottle, sourceCodes []BottleCode, target *Bottle, targetCodes []BottleCode, isStorePick bool, now time.Time) (*mergedFieldSet, error) {
	updates := map[string]interface{}{}

	if target.Age == "" && source.Age != "" {
		updates["age"] = source.Age
	}

	if isStorePick {
		updates["is_store_pick"] = true
		if len(source.StorePickDetails) > 0 {
			updates["store_pick_details"] = source.StorePickDetails
		}
	}

	existing := make(map[string]bool, len(targetCodes))
	for _, c := range targetCodes {
		existing[c.Code] = true
	}
	var moveIds []int
	for _, c := range sourceCodes {
		if !existing[c.Code] {
			moveIds = append(moveIds, c.ID)
			existing[c.Code] = true
		}
	}

	snapshot, err := utils.MarshalToJSON(PriorOwner{
		Name:        source.Name,
		AddedById:   source.AddedById,
		AddedByName: source.AddedByName,
		Source:      source.Source,
		CatalogId:   source.CatalogId,
		ImportedAt:  source.ImportedAt,
	})
	if err != nil {
		return nil, err
	}
	updates["prior_owner_snapshot"] = []byte(snapshot)
	updates["merged_from_id"] = source.ID
	updates["merged_at"] = now

	return &mergedFieldSet{TargetUpdates: updates, MoveCodeIds: moveIds}, nil
}

// verifyMergeMetadata asserts the read-back target actually carries the merge
// metadata. A false return means the store dropped the write; the merge must
// abort before the source is retired.
func verifyMergeMetadata(check *Bottle, sourceId int) bool {
	if check == nil || check.MergedFromId == nil || *check.MergedFromId != sourceId {
		return false
	}
	return len(check.PriorOwnerSnapshot) > 0
}

// repointNote is appended to a dependent entry when its bottle reference moves.
func repointNote(targetName string, isStorePick bool) string {
	if isStorePick {
		return fmt.Sprintf("Linked to base bottling %q as a store pick", targetName)
	}
	return fmt.Sprintf("Deduplicated with catalog bottle %q", targetName)
}

// MergeBottles consolidates the source bottle into the target inside a single
// transaction: repoint every cellar entry, copy forward missing fields and
// codes, snapshot the source onto the target, verify the write stuck, then
// retire the source. The caller observes either "nothing changed" or "fully
// merged", never an intermediate state.
func MergeBottles(ctx context.Context, sourceId, targetId int, isStorePick bool) (*MergeResult, error) {
	logger := config.GetLogger()

	if sourceId == 0 || targetId == 0 {
		return nil, errors.New("source and target ids are required")
	}
	if sourceId == targetId {
		return nil, errors.New("cannot merge a bottle into itself")
	}

	// Serialize merges of the same source across operators.
	lock, err := utils.MergeLock(ctx, sourceId, "models", "MergeBottles")
	if err != nil {
		return nil, err
	}
	if lock != nil {
		defer func() { _ = lock.Release(context.Background()) }()
	}

	// The transaction keeps running even when the caller disconnects; a
	// half-applied merge must never be observable. The timeout bounds it.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.MergeTransactionTimeout())
	defer cancel()

	db := config.GetDB()
	tx := db.WithContext(txCtx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	// Full records, not projections: the field-set computation needs every column.
	var source, target Bottle
	if err := tx.First(&source, sourceId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if err := tx.First(&target, targetId).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	if !utils.DereferencePtr(target.IsActive) {
		tx.Rollback()
		return nil, errors.New("target bottle has been retired; merge into an active bottle")
	}
	if !utils.DereferencePtr(source.IsActive) {
		// A retired source is already an inconsistency. Default policy: no
		// merge-of-a-merge.
		if config.RejectRetiredMergeSource() {
			tx.Rollback()
			return nil, errors.New("source bottle has already been merged")
		}
		config.LogError(logger, "models", "MergeBottles", "merging already-retired source", sourceId, errors.New("retired source"))
	}

	now := time.Now().UTC()

	// Repoint dependents one by one. A single bad row is logged and skipped;
	// the returned count covers successes only.
	note := repointNote(target.Name, isStorePick)
	var entries []CellarEntry
	if err := tx.Where("bottle_id = ?", source.ID).Find(&entries).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "loading dependents failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}
	repointed := 0
	for _, entry := range entries {
		newNotes := entry.Notes
		if newNotes != "" {
			newNotes += "\n"
		}
		newNotes += note
		if err := tx.Model(&CellarEntry{}).Where("id = ?", entry.ID).Updates(map[string]interface{}{
			"bottle_id": target.ID,
			"notes":     newNotes,
		}).Error; err != nil {
			config.LogError(logger, "models", "MergeBottles", "repointing cellar entry failed", entry.ID, err)
			continue
		}
		repointed++
	}

	sourceCodes, err := fetchBottleCodes(tx, source.ID)
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "loading source codes failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}
	targetCodes, err := fetchBottleCodes(tx, target.ID)
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "loading target codes failed", targetId, err)
		return nil, utils.ErrorMergeFailed
	}

	fieldSet, err := computeMergedFields(&source, sourceCodes, &target, targetCodes, isStorePick, now)
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "computing merged fields failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}

	if len(fieldSet.MoveCodeIds) > 0 {
		if err := tx.Model(&BottleCode{}).Where("id IN ?", fieldSet.MoveCodeIds).
			Update("bottle_id", target.ID).Error; err != nil {
			tx.Rollback()
			config.LogError(logger, "models", "MergeBottles", "moving codes failed", sourceId, err)
			return nil, utils.ErrorMergeFailed
		}
	}

	// Recount the popularity counters after the repoint.
	targetCount, err := countCellarEntries(tx, target.ID)
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "recounting target entries failed", targetId, err)
		return nil, utils.ErrorMergeFailed
	}
	fieldSet.TargetUpdates["cellar_count"] = targetCount

	if err := tx.Model(&Bottle{}).Where("id = ?", target.ID).
		Updates(fieldSet.TargetUpdates).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "updating target failed", targetId, err)
		return nil, utils.ErrorMergeFailed
	}

	if beforeMergeVerify != nil {
		if err := beforeMergeVerify(tx, target.ID); err != nil {
			tx.Rollback()
			return nil, utils.ErrorMergeFailed
		}
	}

	// Verify-then-commit: read the target back and assert the merge metadata
	// is actually present before anything irreversible happens to the source.
	var check Bottle
	if err := tx.First(&check, target.ID).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "verification read failed", targetId, err)
		return nil, utils.ErrorMergeFailed
	}
	if !verifyMergeMetadata(&check, source.ID) {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "merge metadata missing after write", targetId, errors.New("verification failed"))
		return nil, utils.ErrorMergeFailed
	}

	// Only now retire the source.
	sourceCount, err := countCellarEntries(tx, source.ID)
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "recounting source entries failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}
	if err := tx.Model(&Bottle{}).Where("id = ?", source.ID).Updates(map[string]interface{}{
		"is_active":      false,
		"merged_into_id": target.ID,
		"merged_at":      now,
		"cellar_count":   sourceCount,
	}).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "retiring source failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}

	// Transactional outbox: the audit event commits with the merge and is
	// published after commit by the dispatcher.
	if err := recordMergeEvent(ctx, tx, &source, &target, isStorePick, repointed, now); err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "writing merge event failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "MergeBottles", "commit failed", sourceId, err)
		return nil, utils.ErrorMergeFailed
	}

	invalidateQueueTotals()

	return &MergeResult{
		SourceId:          source.ID,
		TargetId:          target.ID,
		SourceName:        source.Name,
		TargetName:        target.Name,
		DependentsUpdated: repointed,
	}, nil
}

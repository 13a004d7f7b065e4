package models

import (
	"context"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MergeEventRecord is the transactional outbox for merge audit events. The
// row commits inside the merge transaction; DispatchPendingMergeEvents
// publishes it afterwards, so a published event always describes a committed
// merge.
type MergeEventRecord struct {
	ID                int        `gorm:"primary_key" json:"id"`
	SourceBottleId    int        `gorm:"not null;index" json:"source_bottle_id"`
	TargetBottleId    int        `gorm:"not null;index" json:"target_bottle_id"`
	IsStorePick       bool       `gorm:"not null;default:false" json:"is_store_pick"`
	DependentsUpdated int        `gorm:"not null;default:0" json:"dependents_updated"`
	MergedBy          string     `gorm:"size:100" json:"merged_by"`
	MergedAt          time.Time  `json:"merged_at"`
	Snapshot          []byte     `gorm:"type:blob" json:"snapshot"`
	CorrelationId     string     `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus     string     `gorm:"size:10;not null;default:'PENDING';index" json:"publish_status"`
	PublishedAt       *time.Time `json:"published_at"`
	PublishError      string     `gorm:"size:500" json:"publish_error"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// PriorOwner decodes the retired bottle's audit snapshot carried by the
// event.
func (r *MergeEventRecord) PriorOwner() (*PriorOwner, error) {
	var snap PriorOwner
	if err := utils.UnmarshalFromJSON(r.Snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// recordMergeEvent writes the outbox row inside the merge transaction.
func recordMergeEvent(ctx context.Context, tx *gorm.DB, source *Bottle, target *Bottle, isStorePick bool, dependentsUpdated int, mergedAt time.Time) error {
	mergedBy, _ := utils.GetUserNameFromContext(ctx)

	snapshot, err := utils.MarshalToJSON(PriorOwner{
		Name:        source.Name,
		AddedById:   source.AddedById,
		AddedByName: source.AddedByName,
		Source:      source.Source,
		CatalogId:   source.CatalogId,
		ImportedAt:  source.ImportedAt,
	})
	if err != nil {
		return err
	}

	record := MergeEventRecord{
		SourceBottleId:    source.ID,
		TargetBottleId:    target.ID,
		IsStorePick:       isStorePick,
		DependentsUpdated: dependentsUpdated,
		MergedBy:          mergedBy,
		MergedAt:          mergedAt,
		Snapshot:          []byte(snapshot),
		CorrelationId:     correlationIdFromContextOrNew(ctx),
		PublishStatus:     MergePublishStatusPending,
	}
	return tx.Create(&record).Error
}

// DispatchPendingMergeEvents publishes unpublished outbox rows. Safe to call
// from a ticker; a failed publish is marked FAILED and retried on the next
// pass.
func DispatchPendingMergeEvents(ctx context.Context) error {
	logger := config.GetLogger()
	db := config.GetDB()

	var pending []MergeEventRecord
	err := db.WithContext(ctx).
		Where("publish_status IN ?", []string{MergePublishStatusPending, MergePublishStatusFailed}).
		Order("id ASC").
		Limit(100).
		Find(&pending).Error
	if err != nil {
		return err
	}

	for i := range pending {
		record := &pending[i]
		msg := config.MergeEventMessage{
			ID:                record.ID,
			SourceBottleId:    record.SourceBottleId,
			TargetBottleId:    record.TargetBottleId,
			IsStorePick:       record.IsStorePick,
			DependentsUpdated: record.DependentsUpdated,
			MergedAt:          record.MergedAt,
			MergedBy:          record.MergedBy,
			Snapshot:          record.Snapshot,
			CorrelationId:     record.CorrelationId,
		}

		_, pubErr := config.PublishMergeEvent(ctx, msg)
		updates := map[string]interface{}{}
		if pubErr != nil {
			config.LogError(logger, "models", "DispatchPendingMergeEvents", "publishing merge event failed", record.ID, pubErr)
			updates["publish_status"] = MergePublishStatusFailed
			updates["publish_error"] = pubErr.Error()
		} else {
			now := time.Now().UTC()
			updates["publish_status"] = MergePublishStatusSent
			updates["published_at"] = &now
			updates["publish_error"] = ""
		}
		if err := db.WithContext(ctx).Model(&MergeEventRecord{}).
			Where("id = ?", record.ID).Updates(updates).Error; err != nil {
			config.LogError(logger, "models", "DispatchPendingMergeEvents", "updating outbox row failed", record.ID, err)
		}
	}
	return nil
}

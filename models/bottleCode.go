package models

import (
	"context"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"gorm.io/gorm"
)

// BottleCode attaches an external identifier (UPC/EAN barcode) to a bottle.
// Codes are unique across the whole catalog, enforced by the unique index and
// pre-checked before insert so the operator gets a named conflict instead of a
// driver error.
type BottleCode struct {
	ID              int       `gorm:"primary_key" json:"id"`
	BottleId        int       `gorm:"not null;index" json:"bottle_id"`
	Code            string    `gorm:"size:32;not null;uniqueIndex" json:"code"`
	SubmittedById   int       `json:"submitted_by_id"`
	SubmittedByName string    `gorm:"size:100" json:"submitted_by_name"`
	TrustWeight     int       `gorm:"not null;default:1" json:"trust_weight"`
	IsOperatorAdded *bool     `gorm:"not null;default:false" json:"is_operator_added"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// FindBottleByCode returns the bottle currently holding a code, or
// RecordNotFound. Retired bottles count too: a code on a retired bottle is
// still globally reserved.
func FindBottleByCode(ctx context.Context, code string) (*Bottle, error) {
	db := config.GetDB()

	var bc BottleCode
	if err := db.WithContext(ctx).Where("code = ?", code).First(&bc).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return GetBottle(ctx, bc.BottleId)
}

// fetch code rows for a bottle in insertion order
func fetchBottleCodes(tx *gorm.DB, bottleId int) ([]BottleCode, error) {
	var codes []BottleCode
	err := tx.Where("bottle_id = ?", bottleId).Order("id ASC").Find(&codes).Error
	return codes, err
}

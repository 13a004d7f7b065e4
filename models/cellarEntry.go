package models

import (
	"context"
	"errors"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CellarEntry is a user's personal collection record. It references a bottle
// by id; the merge coordinator repoints these when a bottle is retired, so an
// entry must always reference an active bottle.
type CellarEntry struct {
	ID            int             `gorm:"primary_key" json:"id"`
	UserId        int             `gorm:"not null;index" json:"user_id"`
	BottleId      int             `gorm:"not null;index" json:"bottle_id"`
	Status        string          `gorm:"size:20;default:'Owned'" json:"status"`
	Qty           int             `gorm:"not null;default:1" json:"qty"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	Notes         string          `gorm:"type:text" json:"notes"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCellarEntry struct {
	BottleId      int             `json:"bottle_id" binding:"required"`
	Status        string          `json:"status"`
	Qty           int             `json:"qty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Notes         string          `json:"notes"`
}

func CreateCellarEntry(ctx context.Context, input *NewCellarEntry) (*CellarEntry, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	// entries may only reference active bottles
	bottle, err := GetActiveBottle(ctx, input.BottleId)
	if err != nil {
		return nil, errors.New("bottle not found")
	}

	if input.Qty <= 0 {
		input.Qty = 1
	}
	if input.Status == "" {
		input.Status = "Owned"
	}

	entry := CellarEntry{
		UserId:        userId,
		BottleId:      bottle.ID,
		Status:        input.Status,
		Qty:           input.Qty,
		PurchasePrice: input.PurchasePrice,
		Notes:         input.Notes,
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	// keep the popularity counter in step
	count, err := countCellarEntries(tx, bottle.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Model(&Bottle{}).Where("id = ?", bottle.ID).
		Update("cellar_count", count).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	return &entry, nil
}

// countCellarEntries recounts entries for a bottle inside the caller's
// transaction so the cached counter cannot drift from the truth. A count
// failure must abort the transaction, never write a zero.
func countCellarEntries(tx *gorm.DB, bottleId int) (int64, error) {
	var count int64
	if err := tx.Model(&CellarEntry{}).Where("bottle_id = ?", bottleId).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

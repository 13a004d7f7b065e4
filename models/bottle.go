package models

import (
	"context"
	"errors"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/shopspring/decimal"
)

// Bottle is the canonical product entity. Bottles are never hard-deleted:
// a merge retires the source bottle (IsActive=false, MergedIntoId set) and
// keeps it for audit.
type Bottle struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:255;not null;index" json:"name" binding:"required"`
	Brand       string          `gorm:"size:100;index" json:"brand"`
	Distillery  string          `gorm:"size:100" json:"distillery"`
	Category    string          `gorm:"size:50;index" json:"category"`
	Subcategory string          `gorm:"size:50" json:"subcategory"`
	Proof       decimal.Decimal `gorm:"type:decimal(5,1);default:0" json:"proof"`
	StatedProof decimal.Decimal `gorm:"type:decimal(5,1);default:0" json:"stated_proof"`
	Age         string          `gorm:"size:20" json:"age"`
	Size        string          `gorm:"size:20" json:"size"`
	Description string          `gorm:"type:text" json:"description"`
	ImageUrl    string          `gorm:"size:500" json:"image_url"`
	Region      string          `gorm:"size:100" json:"region"`
	Country     string          `gorm:"size:100" json:"country"`

	// Provenance
	Source     BottleSource `gorm:"type:enum('U','C');default:'U';index" json:"source"`
	CatalogId  string       `gorm:"size:64;index" json:"catalog_id"`
	ImportedAt *time.Time   `json:"imported_at"`

	AddedById   int    `json:"added_by_id"`
	AddedByName string `gorm:"size:100" json:"added_by_name"`

	// Popularity drives review queue priority.
	CellarCount int `gorm:"not null;default:0;index" json:"cellar_count"`

	// Merge state. Set only by MergeBottles.
	IsActive           *bool      `gorm:"not null;default:true;index" json:"is_active"`
	MergedIntoId       *int       `gorm:"index" json:"merged_into_id"`
	MergedFromId       *int       `json:"merged_from_id"`
	MergedAt           *time.Time `json:"merged_at"`
	PriorOwnerSnapshot []byte     `gorm:"type:blob" json:"prior_owner_snapshot"`

	// Store-pick (private barrel selection) variant data, copied forward on a
	// variant merge only.
	IsStorePick      *bool  `gorm:"not null;default:false" json:"is_store_pick"`
	StorePickDetails []byte `gorm:"type:blob" json:"store_pick_details"`

	// Durable "no match" stamp, written only when REVIEW_SKIP_PERSISTENCE is on.
	NoMatchAt *time.Time `json:"no_match_at"`

	Codes []BottleCode `gorm:"foreignkey:BottleId" json:"codes"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PriorOwner is the audit snapshot of the retired side of a merge, stored as
// JSON on the surviving bottle.
type PriorOwner struct {
	Name        string       `json:"name"`
	AddedById   int          `json:"added_by_id"`
	AddedByName string       `json:"added_by_name"`
	Source      BottleSource `json:"source"`
	CatalogId   string       `json:"catalog_id,omitempty"`
	ImportedAt  *time.Time   `json:"imported_at,omitempty"`
}

type NewBottle struct {
	Name        string          `json:"name" binding:"required"`
	Brand       string          `json:"brand"`
	Distillery  string          `json:"distillery"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory"`
	Proof       decimal.Decimal `json:"proof"`
	StatedProof decimal.Decimal `json:"stated_proof"`
	Age         string          `json:"age"`
	Size        string          `json:"size"`
	Description string          `json:"description"`
	ImageUrl    string          `json:"image_url"`
	Region      string          `json:"region"`
	Country     string          `json:"country"`
	Source      BottleSource    `json:"source"`
	CatalogId   string          `json:"catalog_id"`
}

func (input *NewBottle) validate(ctx context.Context) error {
	if input.Name == "" {
		return errors.New("bottle name is required")
	}
	if input.Source == "" {
		input.Source = BottleSourceUser
	}
	if input.Source != BottleSourceUser && input.Source != BottleSourceCatalog {
		return errors.New("invalid bottle source")
	}
	if input.Source == BottleSourceCatalog {
		if input.CatalogId == "" {
			return errors.New("catalog id is required for catalog bottles")
		}
		// An importer replaying a feed must not duplicate catalog rows.
		if err := utils.ValidateUnique[Bottle](ctx, "catalog_id", input.CatalogId, 0); err != nil {
			return err
		}
	}
	return nil
}

func CreateBottle(ctx context.Context, input *NewBottle) (*Bottle, error) {
	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	var importedAt *time.Time
	if input.Source == BottleSourceCatalog {
		now := time.Now().UTC()
		importedAt = &now
	}

	bottle := Bottle{
		Name:        input.Name,
		Brand:       input.Brand,
		Distillery:  input.Distillery,
		Category:    input.Category,
		Subcategory: input.Subcategory,
		Proof:       input.Proof,
		StatedProof: input.StatedProof,
		Age:         input.Age,
		Size:        input.Size,
		Description: input.Description,
		ImageUrl:    input.ImageUrl,
		Region:      input.Region,
		Country:     input.Country,
		Source:      input.Source,
		CatalogId:   input.CatalogId,
		ImportedAt:  importedAt,
		AddedById:   userId,
		AddedByName: userName,
		IsActive:    utils.NewTrue(),
		IsStorePick: utils.NewFalse(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&bottle).Error; err != nil {
		return nil, err
	}

	invalidateQueueTotals()
	return &bottle, nil
}

// GetBottle fetches a bottle with its identifier codes.
// (may return RecordNotFound)
func GetBottle(ctx context.Context, id int) (*Bottle, error) {
	return utils.FetchSingleModel[Bottle](ctx, id, "Codes")
}

// GetActiveBottle fetches a bottle and rejects retired ones. Stale ids from a
// UI loaded before a merge land here.
func GetActiveBottle(ctx context.Context, id int) (*Bottle, error) {
	bottle, err := GetBottle(ctx, id)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(bottle.IsActive) {
		return nil, utils.ErrorRecordNotFound
	}
	return bottle, nil
}

package models

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
)

// MinCodeLength is the shortest identifier accepted as a real barcode.
// Anything shorter is a truncated scan or a typo.
const MinCodeLength = 8

// ExternalCandidate is a product record fetched from an outside catalog API
// and shown to the operator next to the bottle under review.
type ExternalCandidate struct {
	Title    string `json:"title" validate:"required"`
	Codes    string `json:"codes" validate:"required"`
	Brand    string `json:"brand"`
	ImageUrl string `json:"image_url" validate:"omitempty,url"`
	Region   string `json:"region"`
	Country  string `json:"country"`
}

type BackfillResult struct {
	BottleId    int    `json:"bottle_id"`
	Code        string `json:"code"`
	TrustWeight int    `json:"trust_weight"`
	FilledImage bool   `json:"filled_image"`
	FilledOther bool   `json:"filled_other"`
}

var validate = validator.New()

// parsePrimaryCode extracts the usable identifier from a candidate's codes
// field. Catalog APIs return space-separated lists; only the first token is
// taken, and it must be all digits of at least MinCodeLength.
func parsePrimaryCode(codes string) (string, error) {
	fields := strings.Fields(codes)
	if len(fields) == 0 {
		return "", utils.ErrorInvalidCode
	}
	code := fields[0]
	if len(code) < MinCodeLength {
		return "", utils.ErrorInvalidCode
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return "", utils.ErrorInvalidCode
		}
	}
	return code, nil
}

// ApproveIdentifier attaches the candidate's primary code to the bottle after
// the operator confirms the match. The code must be globally unused; a
// conflict returns *utils.CodeConflictError naming the holder so the operator
// can decide whether the two bottles should merge instead. Approval also
// backfills image and origin fields the bottle is missing.
func ApproveIdentifier(ctx context.Context, bottleId int, candidate *ExternalCandidate) (*BackfillResult, error) {
	logger := config.GetLogger()

	if err := validate.Struct(candidate); err != nil {
		if fieldErrors := utils.ProcessValidationErrors(err); len(fieldErrors) > 0 {
			for field, msg := range fieldErrors {
				config.LogError(logger, "models", "ApproveIdentifier", "invalid candidate field "+field, msg, err)
			}
		}
		return nil, utils.ErrorInvalidCode
	}

	code, err := parsePrimaryCode(candidate.Codes)
	if err != nil {
		return nil, err
	}

	bottle, err := GetActiveBottle(ctx, bottleId)
	if err != nil {
		return nil, err
	}

	// Global conflict check across all bottles, active or retired.
	if holder, err := FindBottleByCode(ctx, code); err != nil {
		return nil, err
	} else if holder != nil && holder.ID != bottle.ID {
		return nil, &utils.CodeConflictError{
			Code:           code,
			ExistingId:     holder.ID,
			ExistingBottle: holder.Name,
		}
	} else if holder != nil {
		// Already attached to this bottle; nothing to do.
		return &BackfillResult{BottleId: bottle.ID, Code: code, TrustWeight: operatorTrustWeight}, nil
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	codeRow := BottleCode{
		BottleId:        bottle.ID,
		Code:            code,
		SubmittedById:   userId,
		SubmittedByName: userName,
		TrustWeight:     operatorTrustWeight,
		IsOperatorAdded: utils.NewTrue(),
	}
	if err := tx.Create(&codeRow).Error; err != nil {
		tx.Rollback()
		// Another operator attached the same code between the check and the
		// insert. Surface it as the same conflict.
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			if holder, ferr := FindBottleByCode(ctx, code); ferr == nil && holder != nil {
				return nil, &utils.CodeConflictError{
					Code:           code,
					ExistingId:     holder.ID,
					ExistingBottle: holder.Name,
				}
			}
			return nil, &utils.CodeConflictError{Code: code}
		}
		return nil, err
	}

	result := BackfillResult{BottleId: bottle.ID, Code: code, TrustWeight: operatorTrustWeight}

	updates := map[string]interface{}{}
	if bottle.ImageUrl == "" && candidate.ImageUrl != "" {
		updates["image_url"] = candidate.ImageUrl
		result.FilledImage = true
	}
	if bottle.Region == "" && candidate.Region != "" {
		updates["region"] = candidate.Region
		result.FilledOther = true
	}
	if bottle.Country == "" && candidate.Country != "" {
		updates["country"] = candidate.Country
		result.FilledOther = true
	}
	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		if err := tx.Model(&Bottle{}).Where("id = ?", bottle.ID).Updates(updates).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	invalidateQueueTotals()
	return &result, nil
}

// operatorTrustWeight is assigned to codes reviewed by a human operator,
// above the default weight of scanner submissions.
const operatorTrustWeight = 10

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/xuri/excelize/v2"
)

var mergeReportHeaders = []string{
	"Event Id", "Merged At", "Merged By", "Source Bottle", "Retired Name",
	"Target Bottle", "Store Pick", "Entries Moved", "Publish Status",
	"Correlation Id",
}

// ExportMergeAuditXlsx builds a spreadsheet of merge events in the given
// window, newest first, for compliance review.
func ExportMergeAuditXlsx(ctx context.Context, from, to time.Time) (*excelize.File, error) {
	db := config.GetDB()

	var events []MergeEventRecord
	err := db.WithContext(ctx).
		Where("merged_at >= ? AND merged_at < ?", from, to).
		Order("merged_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}

	// Bottle names for display. The retired side keeps its row, so lookups
	// stay valid long after the merge.
	var ids []int
	for _, e := range events {
		ids = append(ids, e.SourceBottleId, e.TargetBottleId)
	}
	ids = utils.UniqueSlice(ids)
	names := map[int]string{}
	if len(ids) > 0 {
		var bottles []Bottle
		if err := db.WithContext(ctx).Select("id", "name").Where("id IN ?", ids).Find(&bottles).Error; err != nil {
			return nil, err
		}
		for _, b := range bottles {
			names[b.ID] = b.Name
		}
	}

	f := excelize.NewFile()
	sheet := "Merge Audit"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, header := range mergeReportHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return nil, err
		}
	}

	for row, e := range events {
		// The live row may have been renamed since the merge; the snapshot
		// holds the name as it was retired.
		retiredName := ""
		if snap, err := e.PriorOwner(); err == nil {
			retiredName = snap.Name
		}
		values := []interface{}{
			e.ID,
			e.MergedAt.Format(time.RFC3339),
			e.MergedBy,
			fmt.Sprintf("#%d %s", e.SourceBottleId, names[e.SourceBottleId]),
			retiredName,
			fmt.Sprintf("#%d %s", e.TargetBottleId, names[e.TargetBottleId]),
			e.IsStorePick,
			e.DependentsUpdated,
			e.PublishStatus,
			e.CorrelationId,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	return f, nil
}

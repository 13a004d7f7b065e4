// merge-integrity-check scans the catalog for merge invariant violations:
// cellar entries still pointing at retired bottles, retired bottles without a
// forwarding id, merge chains (a merge target that was itself retired), and
// identifier codes appearing on more than one bottle.
//
// Read-only; exits 1 when any violation is found so it can run as a cron
// canary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/models"
)

func main() {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	ctx := context.Background()
	violations := 0

	type danglingEntry struct {
		EntryId  int
		BottleId int
	}
	var dangling []danglingEntry
	err := db.WithContext(ctx).
		Table("cellar_entries").
		Select("cellar_entries.id AS entry_id, cellar_entries.bottle_id").
		Joins("JOIN bottles ON bottles.id = cellar_entries.bottle_id").
		Where("bottles.is_active = ?", false).
		Scan(&dangling).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "dangling entry scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, d := range dangling {
		fmt.Printf("VIOLATION dangling-entry: cellar entry %d references retired bottle %d\n", d.EntryId, d.BottleId)
		violations++
	}

	var orphaned []models.Bottle
	err = db.WithContext(ctx).
		Select("id", "name").
		Where("is_active = ? AND merged_into_id IS NULL", false).
		Find(&orphaned).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "orphaned retirement scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, b := range orphaned {
		fmt.Printf("VIOLATION orphaned-retirement: bottle %d (%s) is retired without a forwarding id\n", b.ID, b.Name)
		violations++
	}

	type chain struct {
		SourceId int
		TargetId int
	}
	var chains []chain
	err = db.WithContext(ctx).
		Table("bottles AS src").
		Select("src.id AS source_id, tgt.id AS target_id").
		Joins("JOIN bottles AS tgt ON tgt.id = src.merged_into_id").
		Where("src.is_active = ? AND tgt.is_active = ?", false, false).
		Scan(&chains).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge chain scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, c := range chains {
		fmt.Printf("VIOLATION merge-chain: bottle %d forwards to %d, which is itself retired\n", c.SourceId, c.TargetId)
		violations++
	}

	type dupCode struct {
		Code  string
		Count int
	}
	var dups []dupCode
	err = db.WithContext(ctx).
		Table("bottle_codes").
		Select("code, COUNT(DISTINCT bottle_id) AS count").
		Group("code").
		Having("COUNT(DISTINCT bottle_id) > 1").
		Scan(&dups).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplicate code scan failed: %v\n", err)
		os.Exit(1)
	}
	for _, d := range dups {
		fmt.Printf("VIOLATION duplicate-code: code %s appears on %d bottles\n", d.Code, d.Count)
		violations++
	}

	if violations > 0 {
		fmt.Printf("%d violation(s) found\n", violations)
		os.Exit(1)
	}
	fmt.Println("no violations found")
}

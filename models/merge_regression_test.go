package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/models"
	"github.com/cellarkeep/cellar_backend/utils"
	"gorm.io/gorm"
)

func TestMergeBottlesEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	target, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Weller Special Reserve",
		Brand:     "Weller",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-1001",
	})
	if err != nil {
		t.Fatalf("CreateBottle(target): %v", err)
	}
	source, err := models.CreateBottle(ctx, &models.NewBottle{
		Name: "Wellers Special Reserve Green Label",
		Age:  "NAS",
	})
	if err != nil {
		t.Fatalf("CreateBottle(source): %v", err)
	}

	seedCode(t, db, target.ID, "089540011203")
	seedCode(t, db, source.ID, "089540011999")

	ctxUser := utils.SetUserIdInContext(ctx, 77)
	ctxUser = utils.SetUserNameInContext(ctxUser, "collector_77")
	entry, err := models.CreateCellarEntry(ctxUser, &models.NewCellarEntry{
		BottleId: source.ID,
		Notes:    "birthday gift",
	})
	if err != nil {
		t.Fatalf("CreateCellarEntry: %v", err)
	}

	result, err := models.MergeBottles(ctx, source.ID, target.ID, false)
	if err != nil {
		t.Fatalf("MergeBottles: %v", err)
	}
	if result.DependentsUpdated != 1 {
		t.Fatalf("expected 1 dependent updated, got %d", result.DependentsUpdated)
	}

	var gotSource models.Bottle
	if err := db.First(&gotSource, source.ID).Error; err != nil {
		t.Fatalf("fetch source after merge: %v", err)
	}
	if gotSource.IsActive == nil || *gotSource.IsActive {
		t.Fatalf("source must be retired after merge")
	}
	if gotSource.MergedIntoId == nil || *gotSource.MergedIntoId != target.ID {
		t.Fatalf("source merged_into_id wrong: %v", gotSource.MergedIntoId)
	}
	if gotSource.CellarCount != 0 {
		t.Fatalf("source cellar_count not recounted after repoint: %d", gotSource.CellarCount)
	}

	var gotTarget models.Bottle
	if err := db.Preload("Codes").First(&gotTarget, target.ID).Error; err != nil {
		t.Fatalf("fetch target after merge: %v", err)
	}
	if gotTarget.MergedFromId == nil || *gotTarget.MergedFromId != source.ID {
		t.Fatalf("target merged_from_id wrong: %v", gotTarget.MergedFromId)
	}
	if len(gotTarget.PriorOwnerSnapshot) == 0 {
		t.Fatalf("target snapshot missing")
	}
	if gotTarget.Age != "NAS" {
		t.Fatalf("expected age copied from source, got %q", gotTarget.Age)
	}
	codes := map[string]bool{}
	for _, c := range gotTarget.Codes {
		codes[c.Code] = true
	}
	if !codes["089540011203"] || !codes["089540011999"] || len(codes) != 2 {
		t.Fatalf("expected the union of codes on the target, got %v", codes)
	}

	var gotEntry models.CellarEntry
	if err := db.First(&gotEntry, entry.ID).Error; err != nil {
		t.Fatalf("fetch entry after merge: %v", err)
	}
	if gotEntry.BottleId != target.ID {
		t.Fatalf("entry not repointed: bottle_id=%d", gotEntry.BottleId)
	}
	if !strings.Contains(gotEntry.Notes, "birthday gift") || !strings.Contains(gotEntry.Notes, "Deduplicated") {
		t.Fatalf("entry note not appended: %q", gotEntry.Notes)
	}
	if gotTarget.CellarCount != 1 {
		t.Fatalf("target cellar_count not recounted: %d", gotTarget.CellarCount)
	}

	var event models.MergeEventRecord
	if err := db.Where("source_bottle_id = ? AND target_bottle_id = ?", source.ID, target.ID).First(&event).Error; err != nil {
		t.Fatalf("expected merge event outbox row: %v", err)
	}
	if event.PublishStatus != models.MergePublishStatusPending {
		t.Fatalf("expected PENDING outbox row, got %s", event.PublishStatus)
	}

	// A second merge of the same source must be rejected.
	if _, err := models.MergeBottles(ctx, source.ID, target.ID, false); err == nil {
		t.Fatalf("expected merge of a retired source to fail")
	}
}

func TestMergeBottlesVerificationFailureLeavesEverythingUntouched(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()

	target, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Eagle Rare 10 Year",
		Brand:     "Eagle Rare",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-2001",
	})
	if err != nil {
		t.Fatalf("CreateBottle(target): %v", err)
	}
	source, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Eagle Rare 10yr"})
	if err != nil {
		t.Fatalf("CreateBottle(source): %v", err)
	}
	seedCode(t, db, source.ID, "088004021344")

	ctxUser := utils.SetUserIdInContext(ctx, 88)
	entry, err := models.CreateCellarEntry(ctxUser, &models.NewCellarEntry{BottleId: source.ID})
	if err != nil {
		t.Fatalf("CreateCellarEntry: %v", err)
	}

	// Simulate the store dropping the metadata write before the read-back.
	models.SetMergeVerifyHook(func(tx *gorm.DB, targetId int) error {
		return tx.Model(&models.Bottle{}).Where("id = ?", targetId).
			Updates(map[string]interface{}{"merged_from_id": nil, "prior_owner_snapshot": nil}).Error
	})
	t.Cleanup(func() { models.SetMergeVerifyHook(nil) })

	_, err = models.MergeBottles(ctx, source.ID, target.ID, false)
	if !errors.Is(err, utils.ErrorMergeFailed) {
		t.Fatalf("expected ErrorMergeFailed, got %v", err)
	}

	var gotSource models.Bottle
	if err := db.Preload("Codes").First(&gotSource, source.ID).Error; err != nil {
		t.Fatalf("fetch source: %v", err)
	}
	if gotSource.IsActive == nil || !*gotSource.IsActive {
		t.Fatalf("aborted merge must leave the source active")
	}
	if len(gotSource.Codes) != 1 {
		t.Fatalf("aborted merge must leave source codes in place, got %d", len(gotSource.Codes))
	}

	var gotEntry models.CellarEntry
	if err := db.First(&gotEntry, entry.ID).Error; err != nil {
		t.Fatalf("fetch entry: %v", err)
	}
	if gotEntry.BottleId != source.ID {
		t.Fatalf("aborted merge must leave entries untouched, got bottle_id=%d", gotEntry.BottleId)
	}

	var events int64
	db.Model(&models.MergeEventRecord{}).Where("source_bottle_id = ?", source.ID).Count(&events)
	if events != 0 {
		t.Fatalf("aborted merge must not leave an outbox row")
	}
}

func TestApproveIdentifierConflictDoesNotMutate(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()

	holder, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Blanton's Original"})
	if err != nil {
		t.Fatalf("CreateBottle(holder): %v", err)
	}
	seedCode(t, db, holder.ID, "080480015008")

	bottle, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Blantons Single Barrel"})
	if err != nil {
		t.Fatalf("CreateBottle: %v", err)
	}

	_, err = models.ApproveIdentifier(ctx, bottle.ID, &models.ExternalCandidate{
		Title:    "Blanton's Original Single Barrel",
		Codes:    "080480015008",
		ImageUrl: "https://img.example.com/blantons.jpg",
		Country:  "USA",
	})
	var conflict *utils.CodeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected CodeConflictError, got %v", err)
	}
	if conflict.ExistingId != holder.ID {
		t.Fatalf("conflict names wrong holder: %d", conflict.ExistingId)
	}

	var got models.Bottle
	if err := db.Preload("Codes").First(&got, bottle.ID).Error; err != nil {
		t.Fatalf("fetch bottle: %v", err)
	}
	if len(got.Codes) != 0 || got.Country != "" || got.ImageUrl != "" {
		t.Fatalf("conflicting approval must not mutate the bottle")
	}

	// Approving a free code attaches it and backfills missing fields.
	res, err := models.ApproveIdentifier(ctx, bottle.ID, &models.ExternalCandidate{
		Title:    "Blanton's Original Single Barrel",
		Codes:    "080480015992 080480015008",
		ImageUrl: "https://img.example.com/blantons.jpg",
		Country:  "USA",
	})
	if err != nil {
		t.Fatalf("ApproveIdentifier: %v", err)
	}
	if res.Code != "080480015992" {
		t.Fatalf("expected first token as primary code, got %q", res.Code)
	}
	if err := db.Preload("Codes").First(&got, bottle.ID).Error; err != nil {
		t.Fatalf("fetch bottle: %v", err)
	}
	if len(got.Codes) != 1 || got.Codes[0].Code != "080480015992" {
		t.Fatalf("code not attached: %+v", got.Codes)
	}
	if got.Country != "USA" || got.ImageUrl == "" {
		t.Fatalf("missing fields not backfilled: country=%q image=%q", got.Country, got.ImageUrl)
	}
}

func TestReviewQueueAndCandidateSearch(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()

	catalog, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Old Forester 1920 Prohibition Style",
		Brand:     "Old Forester",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-3001",
	})
	if err != nil {
		t.Fatalf("CreateBottle(catalog): %v", err)
	}
	popular, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Old Forester 1920"})
	if err != nil {
		t.Fatalf("CreateBottle(popular): %v", err)
	}
	quiet, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Old Forester 1910"})
	if err != nil {
		t.Fatalf("CreateBottle(quiet): %v", err)
	}
	db.Model(&models.Bottle{}).Where("id = ?", popular.ID).Update("cellar_count", 40)

	session := models.NewReviewSession()
	next, err := models.NextUnresolvedBottle(ctx, models.ReviewQueueNeedsMatch, session)
	if err != nil {
		t.Fatalf("NextUnresolvedBottle: %v", err)
	}
	if next == nil || next.ID != popular.ID {
		t.Fatalf("expected the most-owned bottle first, got %+v", next)
	}

	// Re-query without marking: same bottle again.
	again, err := models.NextUnresolvedBottle(ctx, models.ReviewQueueNeedsMatch, session)
	if err != nil {
		t.Fatalf("NextUnresolvedBottle(again): %v", err)
	}
	if again == nil || again.ID != popular.ID {
		t.Fatalf("unmarked bottle must surface again, got %+v", again)
	}

	if err := models.SkipBottle(ctx, popular.ID, session); err != nil {
		t.Fatalf("SkipBottle: %v", err)
	}
	next, err = models.NextUnresolvedBottle(ctx, models.ReviewQueueNeedsMatch, session)
	if err != nil {
		t.Fatalf("NextUnresolvedBottle(after skip): %v", err)
	}
	if next == nil || next.ID != quiet.ID {
		t.Fatalf("expected the next bottle after a skip, got %+v", next)
	}

	if err := models.MarkNoMatch(ctx, quiet.ID, session); err != nil {
		t.Fatalf("MarkNoMatch: %v", err)
	}
	next, err = models.NextUnresolvedBottle(ctx, models.ReviewQueueNeedsMatch, session)
	if err != nil {
		t.Fatalf("NextUnresolvedBottle(after no-match): %v", err)
	}
	if next != nil {
		t.Fatalf("expected an exhausted queue, got %+v", next)
	}

	candidates, err := models.FindCandidates(ctx, popular.Name, 10)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) == 0 || candidates[0].Bottle.ID != catalog.ID {
		t.Fatalf("expected the catalog bottle as top candidate, got %+v", candidates)
	}
	if candidates[0].Score < 80 {
		t.Fatalf("expected a strong brand score, got %d", candidates[0].Score)
	}
}

func TestCandidateSearchWidensInStages(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()

	// No catalog name or brand contains the contiguous phrase "old forester",
	// so the brand-substring stage finds nothing for this query.
	wordsHit, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Forester Old Style 1920",
		Brand:     "Forester",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-4001",
	})
	if err != nil {
		t.Fatalf("CreateBottle(wordsHit): %v", err)
	}
	firstWordHit, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Old Grand-Dad 114",
		Brand:     "Old Grand-Dad",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-4002",
	})
	if err != nil {
		t.Fatalf("CreateBottle(firstWordHit): %v", err)
	}
	// User-sourced rows never surface as candidates, even on an exact name.
	if _, err := models.CreateBottle(ctx, &models.NewBottle{Name: "Old Forester 1920"}); err != nil {
		t.Fatalf("CreateBottle(user): %v", err)
	}

	// All significant words of the query appear in wordsHit, so the all-words
	// stage yields it and the first-word stage must not run: firstWordHit
	// matches first-word only and may not appear alongside.
	candidates, err := models.FindCandidates(ctx, "Old Forester 1920", 10)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly the all-words match, got %d candidates: %+v", len(candidates), candidates)
	}
	if candidates[0].Bottle.ID != wordsHit.ID {
		t.Fatalf("expected bottle %d from the all-words stage, got %d", wordsHit.ID, candidates[0].Bottle.ID)
	}

	// Retiring the all-words match empties that stage, and only then does the
	// search widen to the first word.
	if err := db.Model(&models.Bottle{}).Where("id = ?", wordsHit.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("retire wordsHit: %v", err)
	}
	candidates, err = models.FindCandidates(ctx, "Old Forester 1920", 10)
	if err != nil {
		t.Fatalf("FindCandidates(after retire): %v", err)
	}
	if len(candidates) != 1 || candidates[0].Bottle.ID != firstWordHit.ID {
		t.Fatalf("expected only the first-word match after retiring the all-words match, got %+v", candidates)
	}

	// Replaying a catalog feed must not duplicate rows.
	if _, err := models.CreateBottle(ctx, &models.NewBottle{
		Name:      "Forester Old Style 1920 (2026 release)",
		Brand:     "Forester",
		Source:    models.BottleSourceCatalog,
		CatalogId: "cat-4001",
	}); err == nil {
		t.Fatalf("expected a duplicate catalog_id to be rejected")
	}
}

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cellarkeep_test")
	t.Setenv("REVIEW_SKIP_PERSISTENCE", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Operator")
	ctx = utils.SetIsOperatorInContext(ctx, true)
	return ctx
}

func seedCode(t *testing.T, db *gorm.DB, bottleId int, code string) {
	t.Helper()
	row := models.BottleCode{BottleId: bottleId, Code: code, TrustWeight: 1, IsOperatorAdded: utils.NewFalse()}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed code %s: %v", code, err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cellar-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cellarkeep_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}

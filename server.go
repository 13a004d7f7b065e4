package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cellarkeep/cellar_backend/config"
	"github.com/cellarkeep/cellar_backend/middlewares"
	"github.com/cellarkeep/cellar_backend/models"
	"github.com/cellarkeep/cellar_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("cellarkeep-backend")

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

// reviewSessionKey scopes a review session to a login token and a queue, so
// two operators (or two tabs with different tokens) never share exclusions.
func reviewSessionKey(token string, kind models.ReviewQueueKind) string {
	return fmt.Sprintf("ReviewSession:%s:%s", token, kind)
}

func loadReviewSession(ctx context.Context, kind models.ReviewQueueKind) *models.ReviewSession {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return models.NewReviewSession()
	}
	session := models.NewReviewSession()
	if exists, err := config.GetRedisObject(reviewSessionKey(token, kind), session); err != nil || !exists {
		return models.NewReviewSession()
	}
	if session.SkippedIds == nil {
		session.SkippedIds = map[int]bool{}
	}
	if session.ResolvedIds == nil {
		session.ResolvedIds = map[int]bool{}
	}
	return session
}

func saveReviewSession(ctx context.Context, kind models.ReviewQueueKind, session *models.ReviewSession) {
	token, ok := utils.GetTokenFromContext(ctx)
	if !ok || token == "" {
		return
	}
	_ = config.SetRedisObject(reviewSessionKey(token, kind), session, utils.GetCacheLifespan())
}

func queueKindFromQuery(c *gin.Context) (models.ReviewQueueKind, bool) {
	switch c.Query("kind") {
	case string(models.ReviewQueueNeedsCode):
		return models.ReviewQueueNeedsCode, true
	case string(models.ReviewQueueNeedsMatch), "":
		return models.ReviewQueueNeedsMatch, true
	}
	return "", false
}

func createBottleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBottle
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		bottle, err := models.CreateBottle(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, bottle)
	}
}

func getBottleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bottle id"})
			return
		}
		bottle, err := models.GetBottle(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "bottle not found"})
			return
		}
		c.JSON(http.StatusOK, bottle)
	}
}

func createCellarEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var input models.NewCellarEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		entry, err := models.CreateCellarEntry(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func candidatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "candidates")
		defer span.End()

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bottle id"})
			return
		}
		bottle, err := models.GetActiveBottle(ctx, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "bottle not found"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		candidates, err := models.FindCandidates(ctx, bottle.Name, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "candidate search failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bottle": bottle, "candidates": candidates})
	}
}

func reviewNextHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, ok := queueKindFromQuery(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue kind"})
			return
		}
		ctx := c.Request.Context()
		session := loadReviewSession(ctx, kind)
		bottle, err := models.NextUnresolvedBottle(ctx, kind, session)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue query failed"})
			return
		}
		stats, err := models.GetReviewQueueStats(ctx, kind, session)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "queue stats failed"})
			return
		}
		if bottle == nil {
			c.JSON(http.StatusOK, gin.H{"bottle": nil, "done": true, "stats": stats})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bottle": bottle, "done": false, "stats": stats})
	}
}

type reviewActionRequest struct {
	BottleId int    `json:"bottle_id" binding:"required"`
	Kind     string `json:"kind"`
}

func (r *reviewActionRequest) queueKind() (models.ReviewQueueKind, bool) {
	switch r.Kind {
	case string(models.ReviewQueueNeedsCode):
		return models.ReviewQueueNeedsCode, true
	case string(models.ReviewQueueNeedsMatch), "":
		return models.ReviewQueueNeedsMatch, true
	}
	return "", false
}

func reviewSkipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviewActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		kind, ok := req.queueKind()
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue kind"})
			return
		}
		ctx := c.Request.Context()
		session := loadReviewSession(ctx, kind)
		if err := models.SkipBottle(ctx, req.BottleId, session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		saveReviewSession(ctx, kind, session)
		c.Status(http.StatusNoContent)
	}
}

func reviewNoMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviewActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		kind, ok := req.queueKind()
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue kind"})
			return
		}
		ctx := c.Request.Context()
		session := loadReviewSession(ctx, kind)
		if err := models.MarkNoMatch(ctx, req.BottleId, session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		saveReviewSession(ctx, kind, session)
		c.Status(http.StatusNoContent)
	}
}

type mergeRequest struct {
	SourceId    int  `json:"source_id" binding:"required"`
	TargetId    int  `json:"target_id" binding:"required"`
	IsStorePick bool `json:"is_store_pick"`
}

func mergeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "merge")
		defer span.End()

		var req mergeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := models.MergeBottles(ctx, req.SourceId, req.TargetId, req.IsStorePick)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorMergeFailed) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		// The merged source counts as resolved for both queues.
		for _, kind := range []models.ReviewQueueKind{models.ReviewQueueNeedsMatch, models.ReviewQueueNeedsCode} {
			session := loadReviewSession(ctx, kind)
			session.MarkResolved(result.SourceId)
			saveReviewSession(ctx, kind, session)
		}
		c.JSON(http.StatusOK, result)
	}
}

type approveIdentifierRequest struct {
	BottleId  int                      `json:"bottle_id" binding:"required"`
	Candidate models.ExternalCandidate `json:"candidate" binding:"required"`
}

func approveIdentifierHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req approveIdentifierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		result, err := models.ApproveIdentifier(ctx, req.BottleId, &req.Candidate)
		if err != nil {
			var conflict *utils.CodeConflictError
			if errors.As(err, &conflict) {
				c.JSON(http.StatusConflict, gin.H{
					"error":           conflict.Error(),
					"existing_id":     conflict.ExistingId,
					"existing_bottle": conflict.ExistingBottle,
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		session := loadReviewSession(ctx, models.ReviewQueueNeedsCode)
		session.MarkResolved(result.BottleId)
		saveReviewSession(ctx, models.ReviewQueueNeedsCode, session)
		c.JSON(http.StatusOK, result)
	}
}

func mergeAuditExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := time.Parse("2006-01-02", c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from date is required (YYYY-MM-DD)"})
			return
		}
		to, err := time.Parse("2006-01-02", c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to date is required (YYYY-MM-DD)"})
			return
		}
		f, err := models.ExportMergeAuditXlsx(c.Request.Context(), from, to.AddDate(0, 0, 1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="merge-audit.xlsx"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "server.go", "mergeAuditExportHandler", "writing xlsx", nil, err)
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func runMergeEventDispatcher(ctx context.Context, logger *logrus.Logger) {
	interval := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("OUTBOX_DISPATCH_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := models.DispatchPendingMergeEvents(ctx); err != nil {
				config.LogError(logger, "server.go", "runMergeEventDispatcher", "dispatch pass failed", nil, err)
			}
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes. Until DB/Redis
	// are ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/bottles", createBottleHandler())
	r.GET("/bottles/:id", getBottleHandler())
	r.POST("/cellar-entries", createCellarEntryHandler())

	review := r.Group("/review", middlewares.RequireOperator())
	review.GET("/next", reviewNextHandler())
	review.POST("/skip", reviewSkipHandler())
	review.POST("/no-match", reviewNoMatchHandler())
	review.GET("/bottles/:id/candidates", candidatesHandler())
	review.POST("/merge", mergeHandler())
	review.POST("/approve-identifier", approveIdentifierHandler())
	review.GET("/reports/merge-audit.xlsx", mergeAuditExportHandler())

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Merge event dispatcher publishes AFTER commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go runMergeEventDispatcher(dispatcherCtx, logger)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully on port " + port)

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the dispatcher before draining so it does not start new publishes.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that ended with errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware enforces a fixed window per client IP.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

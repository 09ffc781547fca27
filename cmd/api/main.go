package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartroll/internal/auth"
	"smartroll/internal/checkin"
	"smartroll/internal/config"
	"smartroll/internal/httpmiddleware"
	"smartroll/internal/metrics"
	"smartroll/internal/presence"
	"smartroll/internal/queue"
	"smartroll/internal/session"
	"smartroll/internal/store"
	"smartroll/internal/student"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			log.Printf("warning: migrations not applied: %v", err)
		}
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "smartroll:router_snapshots")
	}

	resolver := presence.NewRedisResolver(redisClient.Client, cfg.PresenceTTL)
	registry := session.NewPostgresRegistry(db.Client)
	students := student.NewDirectory(db.Client)
	records := checkin.NewRepository(db.Client)
	validator := checkin.NewValidator(registry, resolver, records)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	ctx := context.Background()

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/students/register", func(c *gin.Context) {
		var req struct {
			StudentID string  `json:"student_id" binding:"required"`
			Name      *string `json:"name"`
			MAC       string  `json:"mac" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mac, err := presence.CanonicalMAC(req.MAC)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := students.Upsert(c.Request.Context(), req.StudentID, req.Name, mac); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}

		tokens, err := auth.Issue(req.StudentID, "student", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = students.SaveRefreshToken(c.Request.Context(), req.StudentID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.StudentAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			DeviceID  string `json:"device_id" binding:"required"`
			SessionID int64  `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Identity comes from the token, not the body.
		studentID := auth.StudentFrom(c)

		start := time.Now()
		out, err := validator.Validate(c.Request.Context(), req.DeviceID, req.SessionID, studentID)
		collector.ObserveValidateLatency(time.Since(start))

		if err != nil {
			if checkin.IsInvalidArgument(err) {
				collector.RecordOutcome("invalid_argument")
			} else {
				collector.RecordOutcome("fault")
				log.Printf("checkin validation fault: %v", err)
			}
			status, payload := checkin.EncodeError(err)
			c.JSON(status, payload)
			return
		}

		collector.RecordOutcome(string(out.Status))
		status, payload := checkin.Encode(out)
		c.JSON(status, payload)
	})

	authGroup.GET("/sessions/:id/attendance", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session id must be a positive integer"})
			return
		}
		recs, err := records.ListBySession(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		studentID := c.Query("student")
		var sessionID int64
		if v := c.Query("session_id"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				sessionID = parsed
			}
		}
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		recs, err := records.List(c.Request.Context(), studentID, sessionID, limit, offset)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	adminGroup := r.Group("/v1", auth.AdminKey(cfg.AdminKey))

	adminGroup.POST("/classrooms", func(c *gin.Context) {
		var req struct {
			Name       string `json:"name" binding:"required"`
			WifiPrefix string `json:"wifi_prefix" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := registry.CreateClassroom(c.Request.Context(), req.Name, req.WifiPrefix)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	})

	adminGroup.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassroomID int64      `json:"classroom_id" binding:"required"`
			StartsAt    *time.Time `json:"starts_at"`
			EndsAt      *time.Time `json:"ends_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := registry.Create(c.Request.Context(), req.ClassroomID, req.StartsAt, req.EndsAt)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	adminGroup.POST("/sessions/:id/close", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session id must be a positive integer"})
			return
		}
		if err := registry.Close(c.Request.Context(), id); err != nil {
			if err == session.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})

	adminGroup.POST("/router/push", func(c *gin.Context) {
		var req struct {
			SessionID int64 `json:"session_id" binding:"required"`
			Devices   []struct {
				MAC string `json:"mac" binding:"required"`
				IP  string `json:"ip" binding:"required"`
			} `json:"connected_devices" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		snap := queue.RouterSnapshot{SessionID: req.SessionID, PushedAt: time.Now().UTC()}
		for _, dev := range req.Devices {
			mac, err := presence.CanonicalMAC(dev.MAC)
			if err != nil {
				// Routers report whatever associated with the AP; a
				// garbled entry is dropped, not a request failure.
				continue
			}
			if err := resolver.Record(c.Request.Context(), mac, dev.IP); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, try again"})
				return
			}
			snap.Devices = append(snap.Devices, queue.DeviceReport{MAC: mac, IP: dev.IP})
		}
		collector.RecordRouterDevices(len(snap.Devices))

		msg, err := queue.EncodeSnapshot(snap)
		if err == nil {
			if err := q.Publish(ctx, msg); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{"message": "router_data_ingested", "count": len(snap.Devices)})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Admin-Key")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

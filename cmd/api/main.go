package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/attendance"
	"presence/internal/auth"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/faceclient"
	"presence/internal/httpmiddleware"
	"presence/internal/ledger"
	"presence/internal/queue"
	"presence/internal/store"
	"presence/internal/verifier"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "presence:verify")
	} else {
		q = queue.NewInMemory(64)
	}

	// Roster comes from Postgres when available, otherwise a static dev map.
	var roster attendance.RosterProvider
	var repo *attendance.Repository
	if db != nil {
		repo = attendance.NewRepository(db.Client)
		roster = repo
	} else {
		log.Println("no database: serving empty dev roster")
		roster = attendance.StaticRoster{}
	}

	var ldg attendance.Ledger
	switch cfg.LedgerBackend {
	case "postgres":
		if repo == nil {
			return errors.New("LEDGER_BACKEND=postgres requires a reachable database")
		}
		ldg = repo
	case "redis":
		ldg = ledger.NewRedis(redisClient.Client, "")
	default:
		ldg = ledger.NewMemory()
	}

	policy := attendance.Policy{
		QRValidityWindow:          cfg.QRValidityWindow,
		VerifyTimeout:             cfg.VerifyTimeout,
		FaceMatchThreshold:        cfg.FaceMatchThreshold,
		GeofenceRadiusM:           cfg.GeofenceRadiusM,
		AllowFinalizeWithoutPhoto: cfg.AllowFinalizeWithoutPhoto,
		AllowPhotoRecapture:       cfg.AllowPhotoRecapture,
	}
	svc := attendance.NewService(roster, ldg, policy)

	// Async scan verification: pending scans go through the queue so the
	// scan endpoint never waits on the face service.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := verifier.New(q, face, svc, cfg.VerifyTimeout, cfg.VerifierWorkers)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("verifier worker stopped: %v", err)
		}
	}()

	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		verifierHealthy := face.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !verifierHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":   "ok",
			"redis":    redisHealthy,
			"db":       db != nil,
			"verifier": verifierHealthy,
		})
	})

	// Dev token mint; production deployments front this with a real IdP.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleTeacher && req.Role != auth.RoleStudent {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be teacher or student"})
			return
		}
		tok, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token": tok.Value,
			"expires_at":   tok.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacherOnly := auth.RequireRole(auth.RoleTeacher)

	v1.POST("/sessions", teacherOnly, func(c *gin.Context) {
		var req struct {
			ScheduleID string  `json:"schedule_id" binding:"required"`
			TeacherID  string  `json:"teacher_id" binding:"required"`
			Lat        float64 `json:"lat"`
			Lng        float64 `json:"lng"`
			ForceNew   bool    `json:"force_new"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sess, err := svc.CreateSession(c.Request.Context(), req.ScheduleID, req.TeacherID, req.Lat, req.Lng, req.ForceNew)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"session_id": sess.ID,
			"status":     sess.Status(time.Now()),
			"expires_at": sess.QRExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	v1.POST("/sessions/:id/scans", func(c *gin.Context) {
		var req struct {
			StudentID      string   `json:"student_id" binding:"required"`
			DistanceM      float64  `json:"distance_m"`
			FaceConfidence *float64 `json:"face_confidence"`
			FaceImageURL   string   `json:"face_image_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID := c.Param("id")

		var evt attendance.ScanEvent
		var err error
		if req.FaceConfidence != nil {
			evt, err = svc.SubmitScan(c.Request.Context(), sessionID, req.StudentID, req.DistanceM, *req.FaceConfidence)
		} else if req.FaceImageURL != "" {
			evt, err = svc.SubmitPendingScan(c.Request.Context(), sessionID, req.StudentID, req.DistanceM)
			if err == nil && evt.Status == attendance.ScanPending {
				msg, merr := verifier.NewJobMessage(verifier.Job{
					SessionID: sessionID,
					ScanID:    evt.ScanID,
					StudentID: req.StudentID,
					ImageURL:  req.FaceImageURL,
				})
				if merr == nil {
					merr = q.Publish(c.Request.Context(), msg)
				}
				if merr != nil {
					// Unqueued pending scans would hang forever; settle now.
					log.Printf("queue publish failed, rejecting scan %s: %v", evt.ScanID, merr)
					evt, _, _ = svc.ResolveScan(sessionID, evt.ScanID, 0, merr)
				}
			}
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "face_confidence or face_image_url required"})
			return
		}

		if err != nil {
			c.JSON(statusFor(err), gin.H{
				"error":   err.Error(),
				"scan_id": evt.ScanID,
				"status":  evt.Status,
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"scan_id": evt.ScanID, "status": evt.Status, "note": evt.Note})
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		view, err := svc.Status(c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	})

	v1.POST("/sessions/:id/photo", teacherOnly, func(c *gin.Context) {
		var req struct {
			MatchedStudentIDs []string `json:"matched_student_ids"`
			PhotoURL          string   `json:"photo_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID := c.Param("id")

		matched := req.MatchedStudentIDs
		if matched == nil && req.PhotoURL != "" {
			view, err := svc.Status(sessionID)
			if err != nil {
				c.JSON(statusFor(err), gin.H{"error": err.Error()})
				return
			}
			ids := make([]string, 0, len(view.EligibleStudents))
			for _, st := range view.EligibleStudents {
				ids = append(ids, st.StudentID)
			}
			matchCtx, cancelMatch := context.WithTimeout(c.Request.Context(), cfg.VerifyTimeout)
			res, err := face.MatchClassPhoto(matchCtx, req.PhotoURL, ids)
			cancelMatch()
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": "photo match failed: " + err.Error()})
				return
			}
			matched = res.MatchedStudentIDs
		}
		if matched == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "matched_student_ids or photo_url required"})
			return
		}

		pm, err := svc.CapturePhoto(c.Request.Context(), sessionID, matched, req.PhotoURL)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"captured_at":         pm.CapturedAt.UTC().Format(time.RFC3339),
			"matched_student_ids": pm.MatchedStudentIDs,
		})
	})

	// Uploads a class photo (base64 or multipart) and returns its URL for
	// the photo-capture call.
	v1.POST("/sessions/:id/photo-upload", teacherOnly, func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		var result *cloudinary.UploadResult
		var err error
		if strings.Contains(c.ContentType(), "multipart/form-data") {
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = cdnClient.UploadBytes(data, header.Filename)
		} else {
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = cdnClient.UploadBase64(body.Data)
		}
		if err != nil {
			log.Printf("class photo upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID})
	})

	v1.POST("/sessions/:id/overrides", teacherOnly, func(c *gin.Context) {
		var req struct {
			StudentID string `json:"student_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var err error
		switch req.Status {
		case "present", "absent":
			err = svc.SetOverride(c.Param("id"), req.StudentID, req.Status == "present")
		case "clear":
			err = svc.ClearOverride(c.Param("id"), req.StudentID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be present, absent, or clear"})
			return
		}
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student_id": req.StudentID, "status": req.Status})
	})

	v1.POST("/sessions/:id/finalize", teacherOnly, func(c *gin.Context) {
		var req struct {
			StudentStatuses []struct {
				StudentID string `json:"student_id" binding:"required"`
				Status    string `json:"status" binding:"required"`
			} `json:"student_statuses"`
		}
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		overrides := make(map[string]bool, len(req.StudentStatuses))
		for _, st := range req.StudentStatuses {
			overrides[st.StudentID] = st.Status == "present"
		}

		verdicts, summary, err := svc.Finalize(c.Request.Context(), c.Param("id"), overrides)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": summary, "verdicts": verdicts})
	})

	v1.POST("/sessions/:id/abandon", teacherOnly, func(c *gin.Context) {
		if err := svc.Abandon(c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// statusFor maps core errors onto HTTP statuses for user-visible messaging.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, attendance.ErrDuplicateActiveSession),
		errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrPhotoAlreadyCaptured),
		errors.Is(err, attendance.ErrAlreadyFinalized),
		errors.Is(err, attendance.ErrNoPhotoEvidence):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrLedgerCommit):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

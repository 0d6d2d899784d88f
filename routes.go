package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"academia-validator/config"
	"academia-validator/models"
	"academia-validator/services"
)

const submitterKey = "submitter_id"

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// submitterMiddleware übernimmt den Principal des Identity-Providers als opake submitterId.
// Ohne konfiguriertes Secret zählt der Header X-Submitter-ID, sonst "anonymous".
func submitterMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		submitter := "anonymous"
		if h := c.GetHeader("X-Submitter-ID"); h != "" && cfg.IdentityJWTSecret == "" {
			submitter = h
		}
		if auth := c.GetHeader("Authorization"); cfg.IdentityJWTSecret != "" && strings.HasPrefix(auth, "Bearer ") {
			token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(cfg.IdentityJWTSecret), nil
			})
			if err != nil || !token.Valid {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
				return
			}
			if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
				submitter = sub
			}
		}
		c.Set(submitterKey, submitter)
		c.Next()
	}
}

func setupVerifyRoutes(router *gin.Engine, cfg *config.Config, intake *services.Intake, verifier *services.VerificationService,
	ledger *services.VerdictLedger, registry *services.RegistryService, issuers *services.IssuerDirectory, log *zap.Logger) {
	rg := router.Group("/verify")
	rg.Use(submitterMiddleware(cfg))

	rg.POST("", func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
			return
		}
		if fileHeader.Size > intake.MaxBytes {
			services.RecordIntakeRejection("size_exceeded")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": services.ErrSizeExceeded.Error()})
			return
		}
		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
			return
		}
		defer f.Close()

		doc, err := intake.SubmitReader(f, fileHeader.Header.Get("Content-Type"))
		switch {
		case errors.Is(err, services.ErrSizeExceeded):
			services.RecordIntakeRejection("size_exceeded")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		case errors.Is(err, services.ErrUnsupportedFormat):
			services.RecordIntakeRejection("unsupported_format")
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		doc.SubmitterID = c.GetString(submitterKey)
		doc.SubmitterIP = c.ClientIP()

		verdict, err := verifier.Verify(c.Request.Context(), doc)
		if err != nil {
			if c.Request.Context().Err() != nil {
				log.Info("Verification cancelled by client", zap.String("document_id", doc.ID))
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification cancelled"})
				return
			}
			log.Error("Verification failed", zap.String("document_id", doc.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, verdict)
	})

	rg.GET("/:id", func(c *gin.Context) {
		verdict, err := ledger.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, services.ErrVerdictNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "verdict not found"})
			return
		}
		if err != nil {
			log.Error("Verdict query failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, verdict)
	})

	// QR-Abfrage: Registerstatus ohne Dokument
	rg.GET("/certificate/:certificateId", func(c *gin.Context) {
		id := c.Param("certificateId")
		entry, err := registry.Get(c.Request.Context(), id)
		if errors.Is(err, services.ErrCertificateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"certificate_id": id, "exists": false})
			return
		}
		if err != nil {
			log.Error("Registry query failed", zap.String("certificate_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		_, accredited := issuers.Resolve(entry.IssuerCode, entry.IssuerName)
		c.JSON(http.StatusOK, gin.H{
			"certificate_id":    entry.CertificateID,
			"exists":            true,
			"revoked":           entry.Revoked,
			"revoked_at":        entry.RevokedAt,
			"issuer_code":       entry.IssuerCode,
			"issuer_name":       entry.IssuerName,
			"accredited_issuer": accredited,
			"issued_at":         entry.IssuedAt,
		})
	})
}

func setupFraudAlertRoutes(router *gin.Engine, cfg *config.Config, alerts *services.AlertStore, log *zap.Logger) {
	rg := router.Group("/fraud-alerts")
	rg.Use(apiKeyAuthMiddleware(cfg))

	rg.GET("", func(c *gin.Context) {
		status := models.AlertStatus(c.Query("status"))
		if status != "" && !models.ValidAlertStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		list, err := alerts.List(c.Request.Context(), status)
		if err != nil {
			log.Error("Fraud alert query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	rg.POST("/:id/status", func(c *gin.Context) {
		var req struct {
			Status models.AlertStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		alert, err := alerts.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
		switch {
		case errors.Is(err, services.ErrAlertNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "fraud alert not found"})
		case errors.Is(err, services.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			log.Error("Fraud alert update failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update alert"})
		default:
			c.JSON(http.StatusOK, alert)
		}
	})
}

func setupRegistryRoutes(router *gin.Engine, cfg *config.Config, registry *services.RegistryService, log *zap.Logger) {
	rg := router.Group("/registry")
	rg.Use(apiKeyAuthMiddleware(cfg))

	// Bulk-Import als CSV, entweder als Body oder als Multipart-Feld "file"
	rg.POST("/import", func(c *gin.Context) {
		var body io.Reader = c.Request.Body
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			fh, err := c.FormFile("file")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
				return
			}
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read upload"})
				return
			}
			defer f.Close()
			body = f
		}
		entries, issues, err := services.ParseRegistryCSV(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := registry.Import(c.Request.Context(), entries)
		if err != nil {
			log.Error("Registry import failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "import failed", "inserted": result.Inserted})
			return
		}
		result.Errors = issues
		c.JSON(http.StatusOK, result)
	})

	rg.POST("/:certificateId/revoke", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		entry, err := registry.Revoke(c.Request.Context(), c.Param("certificateId"), req.Reason)
		switch {
		case errors.Is(err, services.ErrCertificateNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "certificate not found"})
		case errors.Is(err, services.ErrAlreadyRevoked):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			log.Error("Revocation failed", zap.String("certificate_id", c.Param("certificateId")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		default:
			c.JSON(http.StatusOK, entry)
		}
	})
}

func setupStatsRoutes(router *gin.Engine, cfg *config.Config, db *gorm.DB, ledger *services.VerdictLedger, alerts *services.AlertStore, log *zap.Logger) {
	router.GET("/stats", func(c *gin.Context) {
		counts, err := ledger.Counts(c.Request.Context())
		if err != nil {
			log.Error("Verdict statistics failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		active, high, err := alerts.ActiveCounts(c.Request.Context())
		if err != nil {
			log.Error("Alert statistics failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		var total int64
		for _, n := range counts {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{
			"verifications":      total,
			"verdicts":           counts,
			"active_alerts":      active,
			"active_high_alerts": high,
		})
	})

	router.GET("/verdicts", apiKeyAuthMiddleware(cfg), func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		list, err := ledger.List(c.Request.Context(), limit)
		if err != nil {
			log.Error("Verdict list failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	router.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/schedules"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingSchedulesService   = errors.New("schedules service dependency required")
	errMissingAttachmentsService = errors.New("attachments service dependency required")
)

type Dependencies struct {
	Schedules   *schedules.Service
	Attachments *attachments.Service
	// UploadsDir is served read-only under /uploads when set.
	UploadsDir string
	// MaxUploadBytes caps the size of one multipart upload request body.
	MaxUploadBytes int64
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are believed. Empty means the socket peer is the client.
	TrustedProxies    []string
	Realtime          *RealtimeDispatcher
	Metrics           *Metrics
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Schedules == nil {
		return nil, errMissingSchedulesService
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachmentsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.Middleware())
	router.Use(corsMiddleware())
	router.Use(auditSourceMiddleware())

	handler := &httpHandler{
		schedules:      deps.Schedules,
		attachments:    deps.Attachments,
		realtime:       deps.Realtime,
		metrics:        deps.Metrics,
		maxUploadBytes: deps.MaxUploadBytes,
		heartbeat:      heartbeat,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	router.GET("/schedule", handler.handleListSchedules)
	router.POST("/schedule", handler.handleCreateSchedule)
	router.GET("/schedule/:id", handler.handleGetSchedule)
	router.PATCH("/schedule/:id", handler.handlePatchSchedule)
	router.PUT("/schedule/:id", handler.handleReplaceSchedule)

	router.POST("/schedule/:id/files", handler.handleUploadFiles)
	router.GET("/schedule/:id/files", handler.handleListFiles)
	router.GET("/schedule/:id/files/:index", handler.handleDownloadFile)
	router.DELETE("/schedule/:id/files/:index", handler.handleDeleteFile)
	router.GET("/files/all", handler.handleListAllFiles)

	router.GET("/messageBoard", handler.handleGetMessageBoard)
	router.PUT("/messageBoard", handler.handlePutMessageBoard)

	if deps.UploadsDir != "" {
		router.Static("/uploads", deps.UploadsDir)
	}
	if deps.Realtime != nil {
		router.GET("/events", handler.handleEvents)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

// auditSourceMiddleware stores the caller's address and user agent in the
// request context for the audit log.
func auditSourceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		source := audit.NewSource(c.ClientIP(), c.GetHeader("User-Agent"))
		c.Request = c.Request.WithContext(audit.WithSource(c.Request.Context(), source))
		c.Next()
	}
}

type httpHandler struct {
	schedules      *schedules.Service
	attachments    *attachments.Service
	realtime       *RealtimeDispatcher
	metrics        *Metrics
	maxUploadBytes int64
	heartbeat      time.Duration
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) publish(eventType string, scheduleID int64) {
	h.realtime.Publish(RealtimeMessage{
		EventType:  eventType,
		ScheduleID: scheduleID,
		Timestamp:  time.Now().UTC(),
	})
}

func parseScheduleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// respondError maps a service error onto the HTTP taxonomy: unresolvable ids
// are 404, rejected input is 400 or 413, disk failures are a 500 carrying the
// underlying message, and anything else is a 500 with failure alone.
func (h *httpHandler) respondError(c *gin.Context, err error, failure string) {
	switch {
	case errors.Is(err, metadata.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
	case errors.Is(err, attachments.ErrAttachmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	case errors.Is(err, attachments.ErrFileMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found on disk"})
	case errors.Is(err, attachments.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large", "message": err.Error()})
	case errors.Is(err, attachments.ErrTooManyFiles),
		errors.Is(err, attachments.ErrInvalidFilename),
		errors.Is(err, schedules.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, metadata.ErrScheduleExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Schedule already exists"})
	case isIOFailure(err):
		h.logger.Error(failure, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": failure, "message": err.Error()})
	default:
		h.logger.Error(failure, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": failure})
	}
}

func isIOFailure(err error) bool {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr)
}

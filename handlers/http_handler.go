package handlers

import (
	"errors"
	"net/http"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/stats"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultDownloadTTL = 15 * time.Minute
	maxDownloadTTL     = 7 * 24 * time.Hour
)

type HTTPHandler struct {
	sessionService services.SessionService
	assetService   services.AssetService
	queueService   services.QueueService
	stats          stats.Reader
	gatherer       prometheus.Gatherer
	logger         logging.Logger
}

// NewHTTPHandler accepts a nil stats reader and gatherer; the matching
// routes are then not registered.
func NewHTTPHandler(
	sessionSvc services.SessionService,
	assetSvc services.AssetService,
	queueSvc services.QueueService,
	statsReader stats.Reader,
	gatherer prometheus.Gatherer,
	l logging.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		sessionService: sessionSvc,
		assetService:   assetSvc,
		queueService:   queueSvc,
		stats:          statsReader,
		gatherer:       gatherer,
		logger:         l,
	}
}

func (h *HTTPHandler) Register(r gin.IRouter) {
	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.StartSession)
		sessions.GET("/:id", h.GetProgress)
		sessions.POST("/:id/tick", h.Tick)
		sessions.POST("/:id/cancel", h.CancelSession)
	}

	queue := r.Group("/queue")
	{
		queue.POST("", h.Enqueue)
		queue.GET("/stats", h.QueueStats)
	}

	assets := r.Group("/assets")
	{
		assets.GET("/:id/eligibility", h.Diagnose)
		assets.POST("/:id/restore", h.Restore)
		assets.GET("/:id/download-url", h.DownloadURL)
	}

	if h.stats != nil {
		r.GET("/stats", h.Totals)
	}
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type startSessionRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	Criteria models.Criteria `json:"criteria"`
}

type enqueueRequest struct {
	AttachmentID string `json:"attachment_id" binding:"required"`
	Priority     string `json:"priority"`
}

func (h *HTTPHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	kind, err := models.ParseSessionKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	handle, err := h.sessionService.Start(c.Request.Context(), kind, req.Criteria)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, handle)
}

func (h *HTTPHandler) Tick(c *gin.Context) {
	report, err := h.sessionService.Tick(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *HTTPHandler) GetProgress(c *gin.Context) {
	report, err := h.sessionService.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *HTTPHandler) CancelSession(c *gin.Context) {
	ok, err := h.sessionService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		h.fail(c, apperror.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (h *HTTPHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.queueService.Enqueue(c.Request.Context(), req.AttachmentID, priority)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *HTTPHandler) QueueStats(c *gin.Context) {
	st, err := h.queueService.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *HTTPHandler) Diagnose(c *gin.Context) {
	d, err := h.assetService.Diagnose(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *HTTPHandler) Restore(c *gin.Context) {
	if err := h.assetService.Restore(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) DownloadURL(c *gin.Context) {
	ttl := defaultDownloadTTL
	if raw := c.Query("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > maxDownloadTTL {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "ttl must be a positive duration up to 168h"})
			return
		}
		ttl = parsed
	}

	url, err := h.assetService.GenerateDownloadUrl(c.Request.Context(), c.Param("id"), ttl)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": ttl.String()})
}

func (h *HTTPHandler) Totals(c *gin.Context) {
	totals, err := h.stats.Totals(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrSessionNotFound),
		errors.Is(err, apperror.ErrAssetNotFound),
		errors.Is(err, apperror.ErrQueueEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrEligibilityEmpty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrNotMigrated),
		errors.Is(err, apperror.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrPermanent):
		return http.StatusBadGateway
	case errors.Is(err, apperror.ErrTransient),
		errors.Is(err, apperror.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

package pfasync

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pfa_mirror/config"
	"github.com/mmdatafocus/pfa_mirror/models"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"gorm.io/gorm"
)

// Handlers exposes the sync services over HTTP. Every route expects the organization
// id in the request context (see middlewares.OrganizationMiddleware).
type Handlers struct {
	DB            *gorm.DB
	Sync          *SyncService
	Drift         *DriftDetector
	Modifications *ModificationService
	Conflicts     *ConflictEngine
	Queue         *Queue
	Worker        *Worker
}

func (h *Handlers) Register(r gin.IRouter) {
	api := r.Group("/api/pfa")
	api.POST("/sync", h.TriggerSyncHandler())
	api.POST("/sync/all", h.SyncAllHandler())
	api.GET("/sync-runs/:id", h.SyncRunDetailHandler())
	api.GET("/drift/:endpointId", h.DriftHandler())
	api.POST("/modifications", h.SaveModificationHandler())
	api.POST("/modifications/:id/commit", h.CommitModificationHandler())
	api.POST("/modifications/:id/submit", h.SubmitModificationHandler())
	api.POST("/modifications/:id/conflict-check", h.ConflictCheckHandler())
	api.POST("/conflicts/:id/resolve", h.ResolveConflictHandler())
	api.GET("/writeback/status", h.WriteBackStatusHandler())
	api.POST("/writeback/dead-letters/:id/requeue", h.RequeueDeadLetterHandler())
}

func (h *Handlers) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, ok := requireOrganization(c)
		if !ok {
			return
		}
		var req SyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		runs, err := h.Sync.TriggerSync(c.Request.Context(), orgId, req)
		if err != nil && len(runs) == 0 {
			writeError(c, err)
			return
		}
		status := http.StatusOK
		if req.Async {
			status = http.StatusAccepted
		}
		resp := gin.H{"runs": runs}
		if err != nil {
			resp["error"] = err.Error()
		}
		c.JSON(status, resp)
	}
}

func (h *Handlers) SyncAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncAllRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		summary, err := h.Sync.SyncAllOrganizations(c.Request.Context(), req.Mode)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func (h *Handlers) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		run, err := models.GetSyncRun(ctx, h.DB, id)
		if err != nil {
			writeError(c, err)
			return
		}
		progress, err := GetProgress(ctx, h.DB, id)
		if err != nil {
			writeError(c, err)
			return
		}
		rowErrors, err := models.ListSyncRowErrors(ctx, h.DB, id, 100)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{Run: *run, Progress: progress, Errors: rowErrors})
	}
}

func (h *Handlers) DriftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, ok := requireOrganization(c)
		if !ok {
			return
		}
		endpointId, ok := paramID(c, "endpointId")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := models.GetEndpointConfig(ctx, h.DB, orgId, endpointId); err != nil {
			writeError(c, err)
			return
		}
		active, err := h.Drift.HasActiveDrift(ctx, endpointId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, active)
	}
}

func (h *Handlers) SaveModificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, ok := requireOrganization(c)
		if !ok {
			return
		}
		var input SaveModificationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input.OrganizationId = orgId
		if input.UserId == "" {
			input.UserId, _ = utils.GetUserIdFromContext(c.Request.Context())
		}
		mod, err := h.Modifications.SaveModification(c.Request.Context(), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, mod)
	}
}

func (h *Handlers) CommitModificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		mod, err := h.Modifications.CommitModification(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, mod)
	}
}

func (h *Handlers) SubmitModificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req SubmitRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		res, err := h.Modifications.SubmitModification(c.Request.Context(), id, req.Priority)
		if err != nil {
			writeError(c, err)
			return
		}
		if res.Conflict != nil {
			c.JSON(http.StatusConflict, res)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func (h *Handlers) ConflictCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		res, err := h.Conflicts.DetectConflict(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handlers) ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		resolvedBy, _ := utils.GetUserIdFromContext(ctx)
		if resolvedBy == "" {
			resolvedBy, _ = utils.GetActorFromContext(ctx)
		}
		if resolvedBy == "" {
			resolvedBy = "unknown"
		}
		res, err := h.Conflicts.ResolveConflict(ctx, id, req.Strategy, req.MergedData, resolvedBy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handlers) WriteBackStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.Queue.Stats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		resp := gin.H{"queue": stats}
		if h.Worker != nil {
			resp["worker"] = h.Worker.Status()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) RequeueDeadLetterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		item, err := h.Queue.RequeueDeadLetter(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func requireOrganization(c *gin.Context) (uint, bool) {
	orgId, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
	if !ok || orgId == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "organization is required"})
		return 0, false
	}
	return orgId, true
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// writeError maps domain errors to a status and a stable code. Internal errors are
// logged and answered with a generic message.
func writeError(c *gin.Context, err error) {
	var (
		vErrs  ValidationErrors
		cfgErr *ConfigError
	)
	switch {
	case errors.As(err, &vErrs):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": vErrs.Error(), "code": ErrorCodeValidationFailed, "fields": []FieldError(vErrs)})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": cfgErr.Message, "code": cfgErr.Code})
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, models.ErrMirrorRecordNotFound),
		errors.Is(err, models.ErrModificationNotFound),
		errors.Is(err, models.ErrConflictNotFound),
		errors.Is(err, models.ErrQueueItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": ErrorCodeSyncInProgress})
	case errors.Is(err, ErrConflictAlreadyResolved),
		errors.Is(err, ErrModificationNotEditable),
		errors.Is(err, ErrModificationNotSubmittable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": ErrorCodeConflict})
	case errors.Is(err, ErrMergeDataRequired),
		errors.Is(err, ErrInvalidResolution),
		errors.Is(err, ErrEmptyDelta):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": ErrorCodeInvalidValue})
	case errors.Is(err, ErrOrganizationMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		config.LogError(config.GetLogger(), "pfasync.handlers", c.FullPath(), "request", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

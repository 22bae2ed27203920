package middlewares

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
)

// CorrelationMiddleware carries x-correlation-id (or a fresh one) in the request context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader("x-correlation-id"))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Writer.Header().Set("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// OrganizationMiddleware reads the caller's organization and user from headers set by the
// upstream gateway. Authentication happens upstream; a malformed organization id is rejected.
func OrganizationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if raw := strings.TrimSpace(c.GetHeader("x-organization-id")); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || id == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
				c.Abort()
				return
			}
			ctx = utils.SetOrganizationIdInContext(ctx, uint(id))
		}
		if userId := strings.TrimSpace(c.GetHeader("x-user-id")); userId != "" {
			ctx = utils.SetUserIdInContext(ctx, userId)
			ctx = utils.SetActorInContext(ctx, "user:"+userId)
		}
		if userName := strings.TrimSpace(c.GetHeader("x-user-name")); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		fields := logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}
		if orgId, ok := utils.GetOrganizationIdFromContext(c.Request.Context()); ok {
			fields["organization_id"] = orgId
		}
		if userName, ok := utils.GetUserNameFromContext(c.Request.Context()); ok {
			fields["user_name"] = userName
		}
		logger.WithFields(fields).Info("request")
	}
}

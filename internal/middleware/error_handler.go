package middleware

import (
	"encoding/json"
	"runtime/debug"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"authrisk/internal/errors"
	"authrisk/internal/logger"
)

const (
	// HeaderRequestID carries the request correlation ID
	HeaderRequestID = "X-Request-ID"

	contextKeyRequestID = "request_id"
	// ContextKeySubject holds the authenticated admin subject
	ContextKeySubject = "subject_id"
)

// RequestID 为每个请求分配请求ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextKeyRequestID, requestID)
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// ErrorHandler 错误处理中间件：恢复panic，并把 c.Errors 中的最后一个错误渲染为 ErrorResponse
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error("Panic recovered",
					"error", recovered,
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				handleError(c, log, errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil))
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			handleError(c, log, c.Errors.Last().Err)
		}
	}
}

// Abort records err and stops the chain; ErrorHandler renders it
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, err error) {
	if err == nil {
		return
	}

	appErr := errors.GetAppError(err)
	if appErr == nil {
		appErr = errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	}

	if appErr.RequestID == "" {
		appErr = appErr.WithRequestID(getRequestID(c))
	}
	if subject := c.GetString(ContextKeySubject); subject != "" && appErr.UserID == "" {
		appErr = appErr.WithUserID(subject)
	}

	logError(c, log, appErr)

	if appErr.Code == errors.ErrCodeRateLimit {
		if reset, ok := appErr.Context["reset_after_seconds"]; ok {
			c.Header("Retry-After", retryAfter(reset))
		}
	}

	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

func retryAfter(v interface{}) string {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.Itoa(int(n + 0.999))
	default:
		return "1"
	}
}

// logError 记录错误日志
func logError(c *gin.Context, log logger.Logger, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"request_id", err.RequestID,
		"subject_id", err.UserID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}

	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if len(err.Context) > 0 {
		contextJSON, _ := json.Marshal(err.Context)
		fields = append(fields, "context", string(contextJSON))
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error("Request failed", fields...)
	case errors.SeverityMedium:
		log.Warn("Request failed", fields...)
	default:
		log.Info("Request rejected", fields...)
	}
}

// getRequestID 获取请求ID
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString(contextKeyRequestID); requestID != "" {
		return requestID
	}
	return c.GetHeader(HeaderRequestID)
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// ErrorHandler renders the last error a handler attached with c.Error as an
// RFC 9457 problem document. Handlers that already wrote a response (the HTML
// fragments) only get their error logged.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		problem := domain.ProblemFor(c.Errors.Last().Err)
		if problem.Log != nil {
			fields := []zap.Field{
				zap.String("request_id", RequestIDFrom(c.Request.Context())),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", problem.Status),
				zap.Error(problem.Log),
			}
			if problem.Status >= 500 {
				logger.Error("request failed", fields...)
			} else {
				logger.Warn("request failed", fields...)
			}
		}

		if c.Writer.Written() {
			return
		}
		if problem.Instance == "" {
			problem.Instance = c.Request.URL.Path
		}

		// RFC 9457 dictates the json is at the root
		c.Header("Content-Type", "application/problem+json")
		c.JSON(problem.Status, problem)
		c.Abort()
	}
}

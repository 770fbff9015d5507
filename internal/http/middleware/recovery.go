package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a 500 and logs it with the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			slog.ErrorContext(c.Request.Context(), "panic recovered in http handler",
				"panic", r,
				"method", c.Request.Method,
				"route", c.FullPath(),
				"stack", string(debug.Stack()))

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}

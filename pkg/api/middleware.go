package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		var statusColor string
		switch {
		case statusCode >= 500:
			statusColor = "\033[31m" // Red
		case statusCode >= 400:
			statusColor = "\033[33m" // Yellow
		case statusCode >= 300:
			statusColor = "\033[36m" // Cyan
		default:
			statusColor = "\033[32m" // Green
		}

		fmt.Printf("%s%d%s | %s | %s %s | %v\n",
			statusColor,
			statusCode,
			"\033[0m",
			c.ClientIP(),
			c.Request.Method,
			c.Request.URL.Path,
			latency,
		)
	}
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse is a standard success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

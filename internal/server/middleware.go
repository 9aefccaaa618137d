package server

import (
	"fmt"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// validRequestID allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig allows the given origins, or every origin when none
// are set.
func DefaultCORSConfig(origins []string) CORSConfig {
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"*"}
	}
	return CORSConfig{
		AllowOrigins: cleaned,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "accept", "origin", "Cache-Control", "X-Requested-With", "X-Request-ID"},
		MaxAge:       86400, // 24 hours
	}
}

func (cfg CORSConfig) allowAll() bool {
	return len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"
}

func (cfg CORSConfig) allows(origin string) bool {
	for _, allowed := range cfg.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !validRequestID.MatchString(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if s.metrics == nil {
			return
		}
		// Route patterns keep job IDs out of the label values.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// loggingMiddleware logs each request at a level chosen by its status code.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		statusCode := c.Writer.Status()
		fields := map[string]any{
			"method":     c.Request.Method,
			"path":       path,
			"status":     statusCode,
			"duration":   time.Since(startTime).String(),
			"ip":         c.ClientIP(),
			"request_id": c.GetString("request_id"),
		}
		if query := c.Request.URL.RawQuery; query != "" {
			fields["query"] = query
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case statusCode >= 500:
			s.logger.ErrorWithFields("HTTP request", fields)
		case statusCode >= 400:
			s.logger.WarnWithFields("HTTP request", fields)
		case path == "/api/health" || path == "/metrics":
			s.logger.DebugWithFields("HTTP request", fields)
		default:
			s.logger.InfoWithFields("HTTP request", fields)
		}
	}
}

// recoveryMiddleware recovers from panics and returns a 500 error
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.ErrorWithFields("Panic recovered", map[string]any{
					"error":      fmt.Sprint(err),
					"stack":      string(debug.Stack()),
					"request_id": c.GetString("request_id"),
				})
				respondError(c, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
			}
		}()

		c.Next()
	}
}

// errorHandlingMiddleware renders errors attached with c.Error when the
// handler has not written a response.
func (s *Server) errorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		statusCode := c.Writer.Status()
		if statusCode == http.StatusOK {
			statusCode = http.StatusInternalServerError
		}
		c.JSON(statusCode, ErrorResponse{
			Error:   http.StatusText(statusCode),
			Message: c.Errors.Last().Error(),
			Code:    statusCode,
		})
	}
}

// requestValidationMiddleware requires JSON bodies on API writes. Bodyless
// POSTs such as cancellation are allowed.
func (s *Server) requestValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && strings.HasPrefix(c.Request.URL.Path, "/api/") && c.Request.ContentLength != 0 {
			if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				respondError(c, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		c.Next()
	}
}

func (s *Server) corsMiddleware(cfg CORSConfig) gin.HandlerFunc {
	if cfg.allowAll() && gin.Mode() == gin.ReleaseMode {
		s.logger.Warn("CORS allows all origins in release mode; set server.cors_origins to restrict it")
	}
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case cfg.allowAll():
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && cfg.allows(origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// securityHeadersMiddleware adds security-related HTTP headers
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/khryptorgraphics/taskmesh/pkg/auth"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
)

// loggingMiddleware provides structured request logging.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.Info("HTTP request",
			"method", param.Method,
			"path", param.Path,
			"status", param.StatusCode,
			"latency", param.Latency,
			"ip", param.ClientIP,
			"user_agent", param.Request.UserAgent(),
			"error", param.ErrorMessage,
		)
		return ""
	})
}

// corsMiddleware configures CORS based on application configuration.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	if !s.config.API.Cors.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	corsConfig := cors.Config{
		AllowOrigins:     s.config.API.Cors.AllowedOrigins,
		AllowMethods:     s.config.API.Cors.AllowedMethods,
		AllowHeaders:     s.config.API.Cors.AllowedHeaders,
		AllowCredentials: s.config.API.Cors.AllowCredentials,
		MaxAge:           time.Duration(s.config.API.Cors.MaxAge) * time.Second,
	}

	if len(corsConfig.AllowOrigins) == 1 && corsConfig.AllowOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}

	return cors.New(corsConfig)
}

// securityMiddleware adds security headers.
func (s *Server) securityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'")
		c.Header("Server", "taskmesh")

		c.Next()
	}
}

// rateLimitMiddleware implements rate limiting per IP.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return gin.HandlerFunc(func(c *gin.Context) {
		clientIP := c.ClientIP()

		mu.Lock()
		limiter, exists := limiters[clientIP]
		if !exists {
			limiter = rate.NewLimiter(
				rate.Limit(s.config.API.RateLimit.RequestsPer)/rate.Limit(s.config.API.RateLimit.Duration.Seconds()),
				s.config.API.RateLimit.BurstSize,
			)
			limiters[clientIP] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests, please try again later",
				"retry_after": int(s.config.API.RateLimit.Duration.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	})
}

// requestSizeMiddleware limits request body size.
func (s *Server) requestSizeMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.API.MaxBodySize)
		c.Next()
	})
}

// auditMiddleware logs every request to the audit trail, tagged with
// the authenticated driver when one is present. With no database
// wired (router-level tests) it passes requests through untouched.
func (s *Server) auditMiddleware() gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		if s.db == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		var driverID *uuid.UUID
		if claims, ok := auth.GetCurrentClaims(c); ok {
			if id, err := uuid.Parse(claims.UserID); err == nil {
				driverID = &id
			}
		}

		ip := c.ClientIP()
		ua := c.Request.UserAgent()

		auditEntry := &database.AuditLogEntry{
			Operation: strings.ToUpper(c.Request.Method),
			TableName: "api_requests",
			DriverID:  driverID,
			IPAddress: &ip,
			UserAgent: &ua,
			NewValues: &database.JSONMap{
				"path":        c.Request.URL.Path,
				"method":      c.Request.Method,
				"status_code": c.Writer.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
			Timestamp: time.Now(),
		}

		go func() {
			if err := s.db.Audit.Log(c.Request.Context(), auditEntry); err != nil {
				s.logger.Error("failed to create audit log", "error", err)
			}
		}()
	})
}

// contentTypeMiddleware rejects mutating /v1 requests whose body is
// not JSON, before any handler tries to bind it.
func (s *Server) contentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
			method := c.Request.Method
			if method == "POST" || method == "PUT" || method == "PATCH" {
				contentType := c.GetHeader("Content-Type")
				if !strings.Contains(contentType, "application/json") {
					c.JSON(http.StatusBadRequest, gin.H{
						"error":   "invalid_content_type",
						"message": "Content-Type must be application/json for API endpoints",
					})
					c.Abort()
					return
				}
			}
		}
		c.Next()
	}
}

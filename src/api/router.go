package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ably/terminal-broker/src/broker"
	"github.com/ably/terminal-broker/src/wsproto"
)

// HealthReporter is the subset of broker.Registry the health endpoint
// needs, named so the router never depends on session internals.
type HealthReporter interface {
	Count(bucket broker.Bucket) int
}

// startTime marks process start for the health endpoint's uptime field
// (spec.md §6: "GET /health -> {status, sessionCounts, uptimeSeconds}").
var startTime = time.Now()

// SetupRouter configures the broker's HTTP surface: the WebSocket upgrade
// endpoint and the unauthenticated health endpoint. Everything the
// teacher's router served for filesystem/process/git/lsp/drive/network/
// codegen/MCP is out of scope (spec.md §1: "container engine internals
// are external collaborators").
func SetupRouter(endpoint *wsproto.Endpoint, registry HealthReporter, disableRequestLogging bool, enableProcessingTime bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())

	if enableProcessingTime {
		r.Use(processingTimeMiddleware())
	}
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	r.GET("/health", healthHandler(registry))
	r.HEAD("/health", headHandler())

	r.GET("/ws", endpoint.Handle)

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string         `json:"status"`
	SessionCounts map[string]int `json:"sessionCounts"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
}

func healthHandler(registry HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, healthResponse{
			Status: "ok",
			SessionCounts: map[string]int{
				"anonymous":     registry.Count(broker.BucketAnonymous),
				"authenticated": registry.Count(broker.BucketAuthenticated),
			},
			UptimeSeconds: time.Since(startTime).Seconds(),
		})
	}
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// headHandler returns a simple 200 OK for HEAD requests.
func headHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Status(http.StatusOK)
	}
}

// noCacheMiddleware adds no-cache headers to all responses.
func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sensitiveQueryParams contains query parameter names redacted from logs.
// The WebSocket endpoint never carries credentials in the query string
// (they travel in the first `auth` frame instead), but this stays as
// defense in depth for any client that does.
var sensitiveQueryParams = []string{
	"api_key", "apikey", "api-key",
	"token", "access_token", "refresh_token", "auth_token", "bearer",
	"password", "passwd", "pwd",
	"secret", "client_secret", "api_secret",
	"key", "private_key", "encryption_key",
	"authorization", "auth",
	"credential", "credentials",
	"session", "session_id", "sessionid",
	"jwt",
}

func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}

	basePath := parts[0]
	queryString := parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}

	hasSecrets := false
	for _, param := range sensitiveQueryParams {
		if values.Get(param) != "" {
			hasSecrets = true
			break
		}
		for key := range values {
			if strings.EqualFold(key, param) {
				hasSecrets = true
				break
			}
		}
	}
	if !hasSecrets {
		return pathWithQuery
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				break
			}
		}
	}
	return basePath + "?" + values.Encode()
}

func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		if len(c.Errors) > 0 {
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		msg := fmt.Sprintf("%s %s %d %d %dms", c.Request.Method, sanitizedPath, statusCode, dataLength, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			logrus.Error(msg)
		case statusCode >= http.StatusBadRequest:
			logrus.Error(msg)
		default:
			logrus.Info(msg)
		}
	}
}

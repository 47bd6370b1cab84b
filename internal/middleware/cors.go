package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
)

// CORS lets the presenter and remote web apps call the fallback endpoints from the browser.
// allowedOrigins is "*" or a comma-separated list of origins.
func CORS(allowedOrigins string) gin.HandlerFunc {
	allow := originPolicy(allowedOrigins)
	return func(c *gin.Context) {
		if origin, vary := allow(c.GetHeader("Origin")); origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			if vary {
				h.Add("Vary", "Origin")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originPolicy returns the Access-Control-Allow-Origin value for a request origin and whether the answer
// depends on it.
func originPolicy(allowedOrigins string) func(origin string) (string, bool) {
	listed := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			listed[o] = true
		}
	}
	if len(listed) == 0 || listed["*"] {
		return func(string) (string, bool) { return "*", false }
	}
	return func(origin string) (string, bool) {
		if origin != "" && listed[origin] {
			return origin, true
		}
		return "", false
	}
}

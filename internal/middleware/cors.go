package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy is the set of browser origins allowed to call the API and to
// open live sockets. An empty list or "*" allows every origin.
type OriginPolicy struct {
	any     bool
	origins map[string]bool
}

// NewOriginPolicy parses "*" or a comma-separated list (e.g. "http://localhost:3000,http://localhost:3001").
func NewOriginPolicy(allowed string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]bool)}
	for _, o := range strings.Split(strings.TrimSpace(allowed), ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			p.any = true
		} else if o != "" {
			p.origins[o] = true
		}
	}
	if len(p.origins) == 0 {
		p.any = true
	}
	return p
}

// Allowed reports whether origin may be served. Requests without an Origin
// header come from non-browser clients and are allowed.
func (p OriginPolicy) Allowed(origin string) bool {
	return origin == "" || p.any || p.origins[origin]
}

// CheckWebSocket is a websocket.Upgrader CheckOrigin function.
func (p OriginPolicy) CheckWebSocket(r *http.Request) bool {
	return p.Allowed(r.Header.Get("Origin"))
}

// CORS returns a middleware that sets CORS headers for cross-origin requests.
func CORS(p OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := ""
		if p.any {
			allowOrigin = "*"
		} else if origin != "" && p.origins[origin] {
			allowOrigin = origin
			c.Header("Vary", "Origin")
		}
		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

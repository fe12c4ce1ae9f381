// Package api implements the admin REST API of a bedrock server: live
// sessions, session history, advertisement and remote pings, with operator
// bearer tokens and role-based permissions.
package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/config"
	"github.com/energizer-project/bedrock/internal/db"
)

// Permission levels, re-exported for route wiring.
const (
	PermMonitor   = db.PermMonitor
	PermControl   = db.PermControl
	PermConfigure = db.PermConfigure
)

// tokenCacheTTL bounds how long a revoked token keeps working.
const tokenCacheTTL = time.Minute

const operatorKey = "operator"

// localAdmin is the identity used when authentication is disabled.
var localAdmin = db.Operator{
	Name:        "local-admin",
	Role:        "superadmin",
	Permissions: []string{PermMonitor, PermControl, PermConfigure},
}

// AuthMiddleware verifies operator bearer tokens and their permissions.
type AuthMiddleware struct {
	operators *db.OperatorStore
	cfg       *config.Config
	cache     *gocache.Cache
}

// NewAuthMiddleware creates a new auth middleware. operators may be nil
// when authentication is disabled.
func NewAuthMiddleware(operators *db.OperatorStore, cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{
		operators: operators,
		cfg:       cfg,
		cache:     gocache.New(tokenCacheTTL, 2*tokenCacheTTL),
	}
}

// RequireAuth returns a Gin middleware that resolves the bearer token to an
// operator. When auth_disabled is set every request runs as a local admin.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.cfg.ApplicationData.Security.AuthDisabled {
			c.Set(operatorKey, localAdmin)
			c.Next()
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			return
		}

		if am.operators == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "authentication requires the database",
			})
			return
		}

		op, err := am.lookup(token)
		if err != nil {
			if errors.Is(err, db.ErrUnknownToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid token",
				})
				return
			}
			log.Error().Err(err).Msg("token lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "token lookup failed",
			})
			return
		}

		c.Set(operatorKey, op)
		c.Next()
	}
}

func (am *AuthMiddleware) lookup(token string) (db.Operator, error) {
	if v, ok := am.cache.Get(token); ok {
		return v.(db.Operator), nil
	}
	op, err := am.operators.Authenticate(token)
	if err != nil {
		return db.Operator{}, err
	}
	am.cache.SetDefault(token, op)
	return op, nil
}

// Forget drops cached token lookups, e.g. after operators changed.
func (am *AuthMiddleware) Forget() {
	am.cache.Flush()
}

// RequirePermission returns a middleware that checks the operator set by
// RequireAuth for permission.
func (am *AuthMiddleware) RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, ok := operatorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if !op.Can(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": permission,
			})
			return
		}

		c.Next()
	}
}

func operatorFrom(c *gin.Context) (db.Operator, bool) {
	v, ok := c.Get(operatorKey)
	if !ok {
		return db.Operator{}, false
	}
	op, ok := v.(db.Operator)
	return op, ok
}

// IPWhitelist returns a middleware that restricts access to whitelisted IPs.
func (am *AuthMiddleware) IPWhitelist() gin.HandlerFunc {
	whitelist := am.cfg.ApplicationData.Security.IPWhitelist

	return func(c *gin.Context) {
		if len(whitelist) == 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		for _, ip := range whitelist {
			if clientIP == ip {
				c.Next()
				return
			}
			// Check CIDR
			if _, cidr, err := net.ParseCIDR(ip); err == nil {
				if cidr.Contains(net.ParseIP(clientIP)) {
					c.Next()
					return
				}
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error": "access denied: IP not whitelisted",
		})
		c.Abort()
	}
}

// RateLimiter implements a simple token bucket rate limiter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rate    int
	burst   int
}

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter with the specified requests per second.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rps,
		burst:   rps * 2,
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()

		rl.mu.Lock()
		bucket, exists := rl.clients[clientIP]
		if !exists {
			bucket = &clientBucket{
				tokens:    float64(rl.burst),
				lastCheck: time.Now(),
			}
			rl.clients[clientIP] = bucket
		}

		now := time.Now()
		elapsed := now.Sub(bucket.lastCheck).Seconds()
		bucket.tokens += elapsed * float64(rl.rate)
		if bucket.tokens > float64(rl.burst) {
			bucket.tokens = float64(rl.burst)
		}
		bucket.lastCheck = now

		if bucket.tokens < 1 {
			rl.mu.Unlock()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		bucket.tokens--
		rl.mu.Unlock()

		c.Next()
	}
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Server", "bedrock")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

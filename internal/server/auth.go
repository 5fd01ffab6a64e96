package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

// Session roles. A portal cookie never opens the admin and vice versa.
const (
	RoleInvestor = "investor"
	RoleAdmin    = "admin"
)

const (
	sessionTTL    = 24 * time.Hour
	portalCookie  = "prevsim_session"
	adminCookie   = "prevsim_admin"
	ctxUserID     = "user_id"
	ctxUsername   = "username"
	jwtIssuer     = "prevsim"
	bearerPrefix  = "Bearer "
	throttleSweep = 10 * time.Minute
)

// Claims is the payload embedded in every session JWT.
type Claims struct {
	UserID   uint   `json:"uid,omitempty"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for 24 hours.
func (s *Server) GenerateJWT(role string, userID uint, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func (s *Server) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

func (s *Server) setSession(c *gin.Context, cookie, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookie, token, int(sessionTTL.Seconds()), "/", "", false, true)
}

func clearSession(c *gin.Context, cookie string) {
	c.SetCookie(cookie, "", -1, "/", "", false, true)
}

// sessionMiddleware requires a valid session cookie of the given role.
// Browsers without one are redirected to loginPath.
func (s *Server) sessionMiddleware(cookie, role, loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(cookie)
		if err != nil || raw == "" {
			c.Redirect(http.StatusSeeOther, loginPath)
			c.Abort()
			return
		}
		claims, err := s.parseJWT(raw)
		if err != nil || claims.Role != role {
			clearSession(c, cookie)
			c.Redirect(http.StatusSeeOther, loginPath)
			c.Abort()
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

// APIAuthMiddleware guards the admin JSON API. It accepts either the
// pre-shared admin token or an admin JWT issued by /api/login, both as
// Authorization: Bearer <token>.
func (s *Server) APIAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing Authorization header, expected: Bearer <token>",
			})
			return
		}
		token := strings.TrimPrefix(raw, bearerPrefix)
		if s.cfg.AdminToken != "" && token == s.cfg.AdminToken {
			c.Set(ctxUsername, "token")
			c.Next()
			return
		}
		claims, err := s.parseJWT(token)
		if err != nil || claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

// IPAllowList rejects clients whose address is not listed. Entries may be
// plain IPs or CIDR ranges. An empty list allows everyone.
func IPAllowList(entries []string) (gin.HandlerFunc, error) {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			if ip := net.ParseIP(e); ip != nil && ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("allowed_ips entry %q: %w", e, err)
		}
		nets = append(nets, n)
	}
	return func(c *gin.Context) {
		if len(nets) == 0 {
			c.Next()
			return
		}
		ip := net.ParseIP(c.ClientIP())
		for _, n := range nets {
			if ip != nil && n.Contains(ip) {
				c.Next()
				return
			}
		}
		log.Printf("[auth] blocked %s: not in allowed_ips", c.ClientIP())
		c.AbortWithStatus(http.StatusForbidden)
	}, nil
}

var errThrottled = errors.New("too many failed logins, try again later")

// loginThrottle counts failed logins per client IP and blocks the IP for a
// while once maxAttempts is reached.
type loginThrottle struct {
	failures    *cache.Cache
	blocked     *cache.Cache
	maxAttempts int
	block       time.Duration
}

func newLoginThrottle(maxAttempts int, block time.Duration) *loginThrottle {
	return &loginThrottle{
		failures:    cache.New(block, throttleSweep),
		blocked:     cache.New(block, throttleSweep),
		maxAttempts: maxAttempts,
		block:       block,
	}
}

func (t *loginThrottle) check(ip string) error {
	if t.maxAttempts <= 0 {
		return nil
	}
	if _, ok := t.blocked.Get(ip); ok {
		return errThrottled
	}
	return nil
}

func (t *loginThrottle) fail(ip string) {
	if t.maxAttempts <= 0 {
		return
	}
	n := 1
	if err := t.failures.Add(ip, 1, t.block); err != nil {
		n, _ = t.failures.IncrementInt(ip, 1)
	}
	if n >= t.maxAttempts {
		t.blocked.Set(ip, true, t.block)
		t.failures.Delete(ip)
		log.Printf("[auth] %s blocked for %s after %d failed logins", ip, t.block, n)
	}
}

func (t *loginThrottle) succeed(ip string) {
	t.failures.Delete(ip)
}

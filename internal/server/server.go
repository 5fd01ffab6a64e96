// Package server hosts PrevSim's two gin engines:
//   - Portal (portal_port): investor web pages behind a JWT session cookie.
//   - Admin  (admin_host:admin_port): sim backend pages plus a bearer-token JSON API.
package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/sysinfo"
	"github.com/vesaa/prevsim/internal/tax"
)

// Server carries the dependencies shared by both engines.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	engine    *engine.Engine
	sys       *sysinfo.Collector
	views     *views
	jwtSecret []byte
	throttle  *loginThrottle
	allow     gin.HandlerFunc

	mu         sync.Mutex
	lastEvolve []engine.StepLog
}

// New prepares a server. Templates are parsed once here.
func New(cfg *config.Config, s *store.Store, e *engine.Engine) (*Server, error) {
	v, err := loadViews()
	if err != nil {
		return nil, err
	}
	allow, err := IPAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}
	if err := gin.New().SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}
	return &Server{
		cfg:       cfg,
		store:     s,
		engine:    e,
		sys:       sysinfo.NewCollector(cfg.DBPath),
		views:     v,
		jwtSecret: []byte(cfg.JWTSecret),
		throttle:  newLoginThrottle(cfg.LoginMaxAttempts, time.Duration(cfg.LoginBlockMinutes)*time.Minute),
		allow:     allow,
	}, nil
}

func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	// Entries were validated in New. Without any, ClientIP is the TCP peer
	// and forwarding headers are ignored.
	_ = r.SetTrustedProxies(s.cfg.TrustedProxies)
	r.Use(gin.Recovery(), s.allow)
	r.HTMLRender = s.views
	RegisterStaticFiles(r)
	return r
}

// PortalEngine builds the investor-facing engine.
func (s *Server) PortalEngine() *gin.Engine {
	r := s.newEngine()
	s.registerPortalRoutes(r)
	return r
}

// AdminEngine builds the admin engine: HTML backend, JSON API and health.
func (s *Server) AdminEngine() *gin.Engine {
	r := s.newEngine()
	s.registerAdminRoutes(r)
	s.registerAPIRoutes(r)
	return r
}

// html renders a page with the fields every layout needs.
func (s *Server) html(c *gin.Context, status int, page string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	if _, ok := data["Nav"]; !ok {
		data["Nav"] = ""
	}
	data["Flashes"] = popFlashes(c)
	data["Username"] = c.GetString(ctxUsername)
	if date, err := s.store.SimDate(); err == nil {
		data["SimDate"] = date
	}
	c.HTML(status, page, data)
}

// fail renders the error page for unexpected errors and 404 for missing rows.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	_ = c.Error(err)
	s.html(c, status, "error", gin.H{"Title": http.StatusText(status), "Status": status, "Error": err.Error()})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// formAmount parses a money field. Commas are accepted as thousands
// separators.
func formAmount(c *gin.Context, field string) (float64, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(c.PostForm(field)), ",", "")
	if raw == "" {
		return 0, errors.New(field + " is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New(field + " must be a number")
	}
	return v, nil
}

// formDate reads a YYYY-MM-DD field, falling back to def when blank.
func formDate(c *gin.Context, field, def string) (string, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return def, nil
	}
	if _, err := time.Parse(tax.DateLayout, raw); err != nil {
		return "", errors.New(field + " must be a date (YYYY-MM-DD)")
	}
	return raw, nil
}

func userID(c *gin.Context) uint {
	v, _ := c.Get(ctxUserID)
	id, _ := v.(uint)
	return id
}

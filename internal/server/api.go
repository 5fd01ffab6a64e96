package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/prevsim/internal/engine"
)

// registerAPIRoutes wires the admin JSON API.
//
//	Public:    POST /api/login, GET /healthz
//	Protected: GET /api/sim, POST /api/sim/evolve, GET /api/requests
func (s *Server) registerAPIRoutes(r *gin.Engine) {
	r.POST("/api/login", s.handleLogin)

	// No auth, used by load-balancers and probes.
	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api", s.APIAuthMiddleware())
	{
		api.GET("/sim", s.handleSim)
		api.POST("/sim/evolve", s.handleEvolve)
		api.GET("/requests", s.handleRequests)
	}
}

// handleLogin accepts the admin credentials and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	ip := c.ClientIP()
	if err := s.throttle.check(ip); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	if !s.checkAdmin(body.Username, body.Password) {
		s.throttle.fail(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	s.throttle.succeed(ip)

	token, err := s.GenerateJWT(RoleAdmin, 0, body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(sessionTTL.Seconds()),
		"type":       "Bearer",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if _, err := s.store.SimMonth(); err != nil {
		status = "db: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "time": time.Now().UTC(), "host": s.sys.Collect()})
}

func (s *Server) simState(c *gin.Context) (gin.H, bool) {
	month, err := s.store.SimMonth()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	date, err := s.store.SimDate()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return gin.H{"month": month, "date": date}, true
}

// handleSim returns the simulation clock and dashboard counts.
func (s *Server) handleSim(c *gin.Context) {
	out, ok := s.simState(c)
	if !ok {
		return
	}
	counts, err := s.store.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out["counts"] = counts
	c.JSON(http.StatusOK, out)
}

// handleEvolve advances the simulation.
//
//	POST /api/sim/evolve
//	Body: { "steps": 3 }
func (s *Server) handleEvolve(c *gin.Context) {
	var body struct {
		Steps int `json:"steps"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logs, err := s.evolve(c, body.Steps)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrSteps) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error(), "steps": logs})
		return
	}
	out, ok := s.simState(c)
	if !ok {
		return
	}
	out["steps"] = logs
	c.JSON(http.StatusOK, out)
}

// handleRequests lists requests, filtered by status, type and user.
func (s *Server) handleRequests(c *gin.Context) {
	reqs, err := s.store.ListRequests(requestFilter(c), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

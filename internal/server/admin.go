package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/store"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusSeeOther, "/admin") })
	r.GET("/admin/login", s.adminLoginPage)
	r.POST("/admin/login", s.adminLogin)
	r.POST("/admin/logout", s.adminLogout)

	a := r.Group("/admin", s.sessionMiddleware(adminCookie, RoleAdmin, "/admin/login"))
	{
		a.GET("", s.adminDashboard)
		a.POST("/evolve", s.adminEvolve)

		a.GET("/users", s.adminUsers)
		a.POST("/users", s.adminCreateUser)
		a.GET("/users/:id", s.adminUser)
		a.GET("/users/:id/edit", s.adminEditUserPage)
		a.POST("/users/:id/edit", s.adminEditUser)
		a.POST("/users/:id/delete", s.adminDeleteUser)
		a.POST("/users/:id/cash", s.adminInjectCash)
		a.POST("/users/:id/certificates", s.adminAddCertificate)

		a.GET("/certificates/:id", s.adminCertificate)
		a.POST("/certificates/:id", s.adminUpdateCertificate)
		a.POST("/certificates/:id/delete", s.adminDeleteCertificate)

		a.GET("/plans", s.adminPlans)
		a.POST("/plans", s.adminCreatePlan)
		a.GET("/plans/:id/edit", s.adminEditPlanPage)
		a.POST("/plans/:id/edit", s.adminEditPlan)
		a.POST("/plans/:id/delete", s.adminDeletePlan)

		a.GET("/funds", s.adminFunds)
		a.POST("/funds", s.adminCreateFund)
		a.GET("/funds/:id/edit", s.adminEditFundPage)
		a.POST("/funds/:id/edit", s.adminEditFund)
		a.POST("/funds/:id/delete", s.adminDeleteFund)

		a.POST("/portin-schedule", s.adminPortInSchedule)

		a.GET("/requests", s.adminRequests)
		a.POST("/requests/:id/reject", s.adminRejectRequest)
	}
}

// checkAdmin compares credentials in constant time.
func (s *Server) checkAdmin(user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.AdminUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.AdminPass))
	return u&p == 1
}

func (s *Server) adminLoginPage(c *gin.Context) {
	s.html(c, http.StatusOK, "login", gin.H{"Title": "Sim backend login", "Action": "/admin/login"})
}

func (s *Server) adminLogin(c *gin.Context) {
	ip := c.ClientIP()
	if err := s.throttle.check(ip); err != nil {
		redirectFlash(c, "/admin/login", flashError, err.Error())
		return
	}
	user := c.PostForm("username")
	if !s.checkAdmin(user, c.PostForm("password")) {
		s.throttle.fail(ip)
		redirectFlash(c, "/admin/login", flashError, "Invalid credentials.")
		return
	}
	s.throttle.succeed(ip)
	token, err := s.GenerateJWT(RoleAdmin, 0, user)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.setSession(c, adminCookie, token)
	log.Printf("[auth] admin %s logged in from %s", user, ip)
	c.Redirect(http.StatusSeeOther, "/admin")
}

func (s *Server) adminLogout(c *gin.Context) {
	clearSession(c, adminCookie)
	c.Redirect(http.StatusSeeOther, "/admin/login")
}

// ── Dashboard & time ─────────────────────────────────────────────────────────

func (s *Server) adminDashboard(c *gin.Context) {
	counts, err := s.store.Counts()
	if err != nil {
		s.fail(c, err)
		return
	}
	month, err := s.store.SimMonth()
	if err != nil {
		s.fail(c, err)
		return
	}
	sched, err := s.store.PortInSchedule()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.mu.Lock()
	last := s.lastEvolve
	s.mu.Unlock()
	s.html(c, http.StatusOK, "admin_dashboard", gin.H{
		"Title":    "Sim backend",
		"Nav":      "admin",
		"Counts":   counts,
		"Month":    month,
		"Host":     s.sys.Collect(),
		"Schedule": s.cfg.EvolveSchedule,
		"LastLog":  last,
		"MaxSteps": engine.MaxSteps,
		"PortIn":   engine.FormatPortInSchedule(sched),
	})
}

// evolve runs the engine and keeps the log for the dashboard.
func (s *Server) evolve(c *gin.Context, steps int) ([]engine.StepLog, error) {
	logs, err := s.engine.Evolve(c.Request.Context(), steps)
	if len(logs) > 0 {
		s.mu.Lock()
		s.lastEvolve = logs
		s.mu.Unlock()
	}
	return logs, err
}

func (s *Server) adminEvolve(c *gin.Context) {
	steps, err := strconv.Atoi(c.PostForm("steps"))
	if err != nil {
		redirectFlash(c, "/admin", flashError, "Steps must be a whole number.")
		return
	}
	logs, err := s.evolve(c, steps)
	if err != nil {
		if errors.Is(err, engine.ErrSteps) {
			redirectFlash(c, "/admin", flashError, err.Error())
			return
		}
		s.fail(c, err)
		return
	}
	events := 0
	for _, l := range logs {
		events += len(l.Events)
	}
	redirectFlash(c, "/admin", flashSuccess, fmt.Sprintf("Evolved %d month(s). %d events processed.", len(logs), events))
}

// ── Users ────────────────────────────────────────────────────────────────────

type userRow struct {
	models.User
	Cash float64
}

func (s *Server) adminUsers(c *gin.Context) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.fail(c, err)
		return
	}
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		cash, err := s.store.Cash(u.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		rows = append(rows, userRow{User: u, Cash: cash})
	}
	s.html(c, http.StatusOK, "admin_users", gin.H{
		"Title":           "Users",
		"Nav":             "admin",
		"Users":           rows,
		"DefaultPassword": s.cfg.PortalPassword,
	})
}

func (s *Server) adminCreateUser(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	if username == "" {
		redirectFlash(c, "/admin/users", flashError, "Username is required.")
		return
	}
	password := c.PostForm("password")
	if password == "" {
		password = s.cfg.PortalPassword
	}
	var cash float64
	if c.PostForm("cash") != "" {
		var err error
		if cash, err = formAmount(c, "cash"); err != nil || cash < 0 {
			redirectFlash(c, "/admin/users", flashError, "Initial cash must be a non-negative number.")
			return
		}
	}
	retail := c.PostForm("retail") != ""
	err := s.store.Transaction(func(tx *store.Store) error {
		u, err := tx.CreateUser(username, password, retail)
		if err != nil {
			return err
		}
		return tx.SetCash(u.ID, cash)
	})
	if err != nil {
		redirectFlash(c, "/admin/users", flashError, fmt.Sprintf("Error creating user: %v", err))
		return
	}
	redirectFlash(c, "/admin/users", flashSuccess, fmt.Sprintf("User %q created.", username))
}

func (s *Server) adminUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	u, err := s.store.User(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	certs, err := s.store.ListCertificates(u.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	rows, err := s.summarize(certs)
	if err != nil {
		s.fail(c, err)
		return
	}
	cash, err := s.store.Cash(u.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	reqs, err := s.store.ListRequests(store.RequestFilter{UserID: u.ID}, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	plans, err := s.store.ListPlans()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_user", gin.H{
		"Title":        u.Username,
		"Nav":          "admin",
		"User":         u,
		"Cash":         cash,
		"Certificates": rows,
		"Requests":     reqs,
		"Plans":        plans,
	})
}

func (s *Server) adminEditUserPage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	u, err := s.store.User(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_user_edit", gin.H{
		"Title": "Edit " + u.Username,
		"Nav":   "admin",
		"User":  u,
	})
}

func (s *Server) adminEditUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/users", flashError, "User not found.")
		return
	}
	back := fmt.Sprintf("/admin/users/%d/edit", id)
	username := strings.TrimSpace(c.PostForm("username"))
	if username == "" {
		redirectFlash(c, back, flashError, "Username is required.")
		return
	}
	err := s.store.UpdateUser(id, username, c.PostForm("password"), c.PostForm("retail") != "")
	switch {
	case errors.Is(err, store.ErrNotFound):
		redirectFlash(c, "/admin/users", flashError, "User not found.")
	case err != nil:
		redirectFlash(c, back, flashError, fmt.Sprintf("Error updating user: %v", err))
	default:
		log.Printf("[admin] updated user %d (%s)", id, username)
		redirectFlash(c, "/admin/users", flashSuccess, fmt.Sprintf("User %q updated.", username))
	}
}

func (s *Server) adminDeleteUser(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/users", flashError, "User not found.")
		return
	}
	if err := s.store.DeleteUser(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			redirectFlash(c, "/admin/users", flashError, "User not found.")
			return
		}
		s.fail(c, err)
		return
	}
	log.Printf("[admin] deleted user %d", id)
	redirectFlash(c, "/admin/users", flashSuccess, "User deleted.")
}

func (s *Server) adminInjectCash(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/users", flashError, "User not found.")
		return
	}
	back := fmt.Sprintf("/admin/users/%d", id)
	if _, err := s.store.User(id); err != nil {
		redirectFlash(c, "/admin/users", flashError, "User not found.")
		return
	}
	amount, err := formAmount(c, "amount")
	if err != nil {
		redirectFlash(c, back, flashError, err.Error())
		return
	}
	if amount <= 0 {
		redirectFlash(c, back, flashError, "Amount must be positive.")
		return
	}
	if err := s.store.AddCash(id, amount); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, back, flashSuccess, fmt.Sprintf("%s injected into brokerage account.", money.Format(amount)))
}

// ── Products ─────────────────────────────────────────────────────────────────

func (s *Server) adminPlans(c *gin.Context) {
	plans, err := s.store.ListPlans()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_plans", gin.H{
		"Title": "Plans",
		"Nav":   "admin",
		"Plans": plans,
		"Types": []models.PlanType{models.PlanPGBL, models.PlanVGBL},
	})
}

func (s *Server) adminCreatePlan(c *gin.Context) {
	p := &models.Plan{
		Type:     models.PlanType(c.PostForm("type")),
		Name:     strings.TrimSpace(c.PostForm("name")),
		PlanCode: strings.TrimSpace(c.PostForm("plan_code")),
		FeesInfo: strings.TrimSpace(c.PostForm("fees_info")),
	}
	if p.Name == "" {
		redirectFlash(c, "/admin/plans", flashError, "Plan name is required.")
		return
	}
	if err := s.store.CreatePlan(p); err != nil {
		redirectFlash(c, "/admin/plans", flashError, fmt.Sprintf("Invalid plan data: %v", err))
		return
	}
	redirectFlash(c, "/admin/plans", flashSuccess, fmt.Sprintf("Plan %q created.", p.Name))
}

func (s *Server) adminEditPlanPage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	p, err := s.store.Plan(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_plan_edit", gin.H{
		"Title": "Edit " + p.Name,
		"Nav":   "admin",
		"Plan":  p,
		"Types": []models.PlanType{models.PlanPGBL, models.PlanVGBL},
	})
}

func (s *Server) adminEditPlan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/plans", flashError, "Plan not found.")
		return
	}
	back := fmt.Sprintf("/admin/plans/%d/edit", id)
	p := &models.Plan{
		Type:     models.PlanType(c.PostForm("type")),
		Name:     strings.TrimSpace(c.PostForm("name")),
		PlanCode: strings.TrimSpace(c.PostForm("plan_code")),
		FeesInfo: strings.TrimSpace(c.PostForm("fees_info")),
	}
	p.ID = id
	if p.Name == "" {
		redirectFlash(c, back, flashError, "Plan name is required.")
		return
	}
	switch err := s.store.UpdatePlan(p); {
	case errors.Is(err, store.ErrNotFound):
		redirectFlash(c, "/admin/plans", flashError, "Plan not found.")
	case err != nil:
		redirectFlash(c, back, flashError, fmt.Sprintf("Invalid plan data: %v", err))
	default:
		redirectFlash(c, "/admin/plans", flashSuccess, fmt.Sprintf("Plan %q updated.", p.Name))
	}
}

func (s *Server) adminDeletePlan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/plans", flashError, "Plan not found.")
		return
	}
	if err := s.store.DeletePlan(id); err != nil {
		redirectFlash(c, "/admin/plans", flashError, err.Error())
		return
	}
	redirectFlash(c, "/admin/plans", flashSuccess, "Plan deleted.")
}

type fundRow struct {
	models.Fund
	Months int
}

func (s *Server) adminFunds(c *gin.Context) {
	funds, err := s.store.ListFunds(false)
	if err != nil {
		s.fail(c, err)
		return
	}
	rows := make([]fundRow, 0, len(funds))
	for _, f := range funds {
		rs, err := s.store.FundReturns(f.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		rows = append(rows, fundRow{Fund: f, Months: len(rs)})
	}
	s.html(c, http.StatusOK, "admin_funds", gin.H{
		"Title": "Funds",
		"Nav":   "admin",
		"Funds": rows,
	})
}

// adminCreateFund creates a fund from a multipart form. The optional
// "returns" file is a CSV of monthly returns; it is kept under upload_dir.
func (s *Server) adminCreateFund(c *gin.Context) {
	f := &models.Fund{
		Name:          strings.TrimSpace(c.PostForm("name")),
		Description:   strings.TrimSpace(c.PostForm("description")),
		CNPJ:          strings.TrimSpace(c.PostForm("cnpj")),
		QualifiedOnly: c.PostForm("qualified_only") != "",
		InitialNAV:    1,
	}
	if f.Name == "" {
		redirectFlash(c, "/admin/funds", flashError, "Fund name is required.")
		return
	}
	if c.PostForm("initial_nav") != "" {
		nav, err := formAmount(c, "initial_nav")
		if err != nil || nav <= 0 {
			redirectFlash(c, "/admin/funds", flashError, "Initial NAV must be positive.")
			return
		}
		f.InitialNAV = nav
	}

	returns, name, ok := s.uploadedReturns(c, "/admin/funds")
	if !ok {
		return
	}
	f.ReturnsFile = name

	err := s.store.Transaction(func(tx *store.Store) error {
		if err := tx.CreateFund(f); err != nil {
			return err
		}
		return tx.SetFundReturns(f.ID, returns)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	msg := fmt.Sprintf("Fund %q created.", f.Name)
	if len(returns) > 0 {
		msg = fmt.Sprintf("Fund %q created with a %d-month return series.", f.Name, len(returns))
	}
	redirectFlash(c, "/admin/funds", flashSuccess, msg)
}

// uploadedReturns parses the optional "returns" CSV and keeps a copy under
// upload_dir. ok is false once a response has been written.
func (s *Server) uploadedReturns(c *gin.Context, back string) (returns []float64, name string, ok bool) {
	fh, err := c.FormFile("returns")
	if err != nil {
		return nil, "", true
	}
	src, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return nil, "", false
	}
	returns, err = store.ParseReturnsCSV(src)
	src.Close()
	if err != nil {
		redirectFlash(c, back, flashError, fmt.Sprintf("Invalid returns file: %v", err))
		return nil, "", false
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.fail(c, err)
		return nil, "", false
	}
	name = uuid.NewString() + ".csv"
	if err := c.SaveUploadedFile(fh, filepath.Join(s.cfg.UploadDir, name)); err != nil {
		s.fail(c, err)
		return nil, "", false
	}
	return returns, name, true
}

func (s *Server) adminEditFundPage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	f, err := s.store.Fund(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	returns, err := s.store.FundReturns(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "admin_fund_edit", gin.H{
		"Title":   "Edit " + f.Name,
		"Nav":     "admin",
		"Fund":    f,
		"Returns": returns,
	})
}

// adminEditFund rewrites a fund's details. A new returns file replaces the
// whole series; NAVs are not recomputed.
func (s *Server) adminEditFund(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/funds", flashError, "Fund not found.")
		return
	}
	back := fmt.Sprintf("/admin/funds/%d/edit", id)
	f := &models.Fund{
		Name:          strings.TrimSpace(c.PostForm("name")),
		Description:   strings.TrimSpace(c.PostForm("description")),
		CNPJ:          strings.TrimSpace(c.PostForm("cnpj")),
		QualifiedOnly: c.PostForm("qualified_only") != "",
	}
	f.ID = id
	if f.Name == "" {
		redirectFlash(c, back, flashError, "Fund name is required.")
		return
	}
	returns, name, ok := s.uploadedReturns(c, back)
	if !ok {
		return
	}
	f.ReturnsFile = name

	err := s.store.Transaction(func(tx *store.Store) error {
		if err := tx.UpdateFund(f); err != nil {
			return err
		}
		if name == "" {
			return nil
		}
		return tx.SetFundReturns(id, returns)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		redirectFlash(c, "/admin/funds", flashError, "Fund not found.")
	case err != nil:
		s.fail(c, err)
	case name != "":
		redirectFlash(c, "/admin/funds", flashSuccess,
			fmt.Sprintf("Fund %q updated with a %d-month return series.", f.Name, len(returns)))
	default:
		redirectFlash(c, "/admin/funds", flashSuccess, fmt.Sprintf("Fund %q updated.", f.Name))
	}
}

func (s *Server) adminDeleteFund(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/funds", flashError, "Fund not found.")
		return
	}
	if err := s.store.DeleteFund(id); err != nil {
		redirectFlash(c, "/admin/funds", flashError, err.Error())
		return
	}
	redirectFlash(c, "/admin/funds", flashSuccess, "Fund deleted.")
}

// ── Requests ─────────────────────────────────────────────────────────────────

// requestFilter reads status, type and user query parameters.
func requestFilter(c *gin.Context) store.RequestFilter {
	f := store.RequestFilter{
		Status: models.RequestStatus(c.Query("status")),
		Type:   models.RequestType(c.Query("type")),
	}
	if uid, err := strconv.ParseUint(c.Query("user"), 10, 64); err == nil {
		f.UserID = uint(uid)
	}
	return f
}

func (s *Server) adminRequests(c *gin.Context) {
	f := requestFilter(c)
	reqs, err := s.store.ListRequests(f, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	users, err := s.store.ListUsers()
	if err != nil {
		s.fail(c, err)
		return
	}
	names := make(map[uint]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}
	s.html(c, http.StatusOK, "admin_requests", gin.H{
		"Title":    "Requests",
		"Nav":      "admin",
		"Requests": reqs,
		"Names":    names,
		"Filter":   f,
		"Statuses": []models.RequestStatus{
			models.StatusPending, models.StatusCompleted, models.StatusFailed,
			models.StatusRejected, models.StatusCancelled,
		},
		"Types": engine.ProcessOrder,
	})
}

func (s *Server) adminRejectRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/admin/requests", flashError, "Request not found.")
		return
	}
	reason := strings.TrimSpace(c.PostForm("reason"))
	if reason == "" {
		reason = "Rejected by administrator"
	}
	switch err := s.store.RejectRequest(id, reason); {
	case errors.Is(err, store.ErrNotFound):
		redirectFlash(c, "/admin/requests", flashError, "Request not found.")
	case errors.Is(err, store.ErrNotPending):
		redirectFlash(c, "/admin/requests", flashError, "Only pending requests can be rejected.")
	case err != nil:
		s.fail(c, err)
	default:
		log.Printf("[admin] rejected request #%d: %s", id, reason)
		redirectFlash(c, "/admin/requests", flashSuccess, fmt.Sprintf("Request #%d rejected.", id))
	}
}

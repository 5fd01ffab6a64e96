package server

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/prevsim/internal/allocation"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/report"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/tax"
)

// iofWarnBelow is the exempt VGBL room under which the contribute form
// warns about IOF.
const iofWarnBelow = 100_000.0

func (s *Server) registerPortalRoutes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusSeeOther, "/portal") })
	r.GET("/portal/login", s.portalLoginPage)
	r.POST("/portal/login", s.portalLogin)
	r.POST("/portal/logout", s.portalLogout)

	p := r.Group("/portal", s.sessionMiddleware(portalCookie, RoleInvestor, "/portal/login"))
	{
		p.GET("", s.portalHome)
		p.GET("/plans", s.portalPlans)
		p.GET("/funds/:id", s.portalFund)
		p.GET("/funds/:id/performance.png", s.portalFundChart)

		p.GET("/certificates/new", s.portalNewCertificate)
		p.POST("/certificates", s.portalCreateCertificate)
		p.GET("/certificates/:id", s.portalCertificate)
		p.GET("/certificates/:id/statement.pdf", s.portalStatement)
		p.POST("/certificates/:id/contribute", s.portalContribute)
		p.POST("/certificates/:id/withdraw", s.portalWithdraw)
		p.GET("/certificates/:id/tax-preview", s.portalTaxPreview)
		p.GET("/certificates/:id/switch", s.portalSwitchPage)
		p.POST("/certificates/:id/switch", s.portalSwitch)
		p.POST("/certificates/:id/portability", s.portalPortability)

		p.GET("/transfers", s.portalTransfers)
		p.POST("/transfers/out", s.portalTransferOut)
		p.POST("/transfers/in", s.portalTransferIn)
		p.POST("/brokerage/withdraw", s.portalBrokerageWithdraw)
		p.GET("/iof", s.portalIOFPage)
		p.POST("/iof", s.portalIOF)
		p.GET("/requests", s.portalRequests)
		p.POST("/requests/:id/cancel", s.portalCancelRequest)

		p.POST("/allocation/input", s.allocationInput)
	}
}

// ── Session ───────────────────────────────────────────────────────────────────

func (s *Server) portalLoginPage(c *gin.Context) {
	s.html(c, http.StatusOK, "login", gin.H{"Title": "Investor login", "Action": "/portal/login"})
}

func (s *Server) portalLogin(c *gin.Context) {
	ip := c.ClientIP()
	if err := s.throttle.check(ip); err != nil {
		redirectFlash(c, "/portal/login", flashError, err.Error())
		return
	}
	u, err := s.store.Authenticate(c.PostForm("username"), c.PostForm("password"))
	if err != nil {
		if errors.Is(err, store.ErrBadCredentials) {
			s.throttle.fail(ip)
			redirectFlash(c, "/portal/login", flashError, "Invalid username or password.")
			return
		}
		s.fail(c, err)
		return
	}
	s.throttle.succeed(ip)
	token, err := s.GenerateJWT(RoleInvestor, u.ID, u.Username)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.setSession(c, portalCookie, token)
	log.Printf("[auth] investor %s logged in from %s", u.Username, ip)
	c.Redirect(http.StatusSeeOther, "/portal")
}

func (s *Server) portalLogout(c *gin.Context) {
	clearSession(c, portalCookie)
	c.Redirect(http.StatusSeeOther, "/portal/login")
}

// ── Dashboard & browsing ──────────────────────────────────────────────────────

type certSummary struct {
	models.Certificate
	Value float64
	Basis float64
	Gain  float64
}

func (s *Server) summarize(certs []models.Certificate) ([]certSummary, error) {
	out := make([]certSummary, 0, len(certs))
	for _, cert := range certs {
		value, err := s.store.CertificateValue(cert.ID)
		if err != nil {
			return nil, err
		}
		basis, err := s.store.TotalRemaining(cert.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, certSummary{Certificate: cert, Value: value, Basis: basis, Gain: value - basis})
	}
	return out, nil
}

func (s *Server) portalHome(c *gin.Context) {
	uid := userID(c)
	certs, err := s.store.ListCertificates(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	rows, err := s.summarize(certs)
	if err != nil {
		s.fail(c, err)
		return
	}
	var total float64
	for _, r := range rows {
		total += r.Value
	}
	cash, err := s.store.Cash(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	pending, err := s.store.ListRequests(store.RequestFilter{UserID: uid, Status: models.StatusPending}, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_home", gin.H{
		"Title":        "My certificates",
		"Nav":          "portal",
		"Certificates": rows,
		"Total":        total,
		"Cash":         cash,
		"Pending":      len(pending),
	})
}

func (s *Server) portalPlans(c *gin.Context) {
	u, err := s.store.User(userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	plans, err := s.store.ListPlans()
	if err != nil {
		s.fail(c, err)
		return
	}
	funds, err := s.store.FundsFor(u)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_plans", gin.H{
		"Title": "Plans & funds",
		"Nav":   "portal",
		"Plans": plans,
		"Funds": funds,
	})
}

// visibleFund loads a fund the current investor may see. Qualified-only
// funds are reported as missing to retail investors.
func (s *Server) visibleFund(c *gin.Context) (*models.Fund, error) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, store.ErrNotFound
	}
	f, err := s.store.Fund(id)
	if err != nil {
		return nil, err
	}
	if f.QualifiedOnly {
		u, err := s.store.User(userID(c))
		if err != nil {
			return nil, err
		}
		if u.IsRetail {
			return nil, store.ErrNotFound
		}
	}
	return f, nil
}

func (s *Server) portalFund(c *gin.Context) {
	f, err := s.visibleFund(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	returns, err := s.store.FundReturns(f.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_fund", gin.H{
		"Title":   f.Name,
		"Nav":     "portal",
		"Fund":    f,
		"Returns": returns,
		"Path":    report.NAVPath(f.InitialNAV, returns),
	})
}

func (s *Server) portalFundChart(c *gin.Context) {
	f, err := s.visibleFund(c)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	returns, err := s.store.FundReturns(f.ID)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := report.PerformancePNG(&buf, f.Name, f.InitialNAV, returns); err != nil {
		if errors.Is(err, report.ErrNoReturns) {
			c.Status(http.StatusNotFound)
			return
		}
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// ── Allocation forms ──────────────────────────────────────────────────────────

// allocRow is one slider on an allocation form.
type allocRow struct {
	Fund  models.Fund
	Field string
	Value int
	Label string
}

// allocForm is the server-side initial render of an allocation form.
type allocForm struct {
	Rows []allocRow
	View allocation.View
}

func newAllocForm(funds []models.Fund, values map[uint]string) allocForm {
	st := allocation.State{}
	for _, f := range funds {
		st.Sliders = append(st.Sliders, allocation.Slider{FundID: f.ID, Raw: values[f.ID]})
	}
	form := allocForm{View: allocation.Render(st)}
	for i, f := range funds {
		form.Rows = append(form.Rows, allocRow{
			Fund:  f,
			Field: allocation.FieldName(f.ID),
			Value: st.Sliders[i].Value(),
			Label: form.View.Labels[f.ID],
		})
	}
	return form
}

func fundIDs(funds []models.Fund) []uint {
	ids := make([]uint, len(funds))
	for i, f := range funds {
		ids[i] = f.ID
	}
	return ids
}

// submittedShares reads and validates the allocation a form posted.
func submittedShares(c *gin.Context, funds []models.Fund) ([]models.AllocationShare, error) {
	st := allocation.FromForm(fundIDs(funds), c.PostForm)
	if err := st.Validate(); err != nil {
		return nil, err
	}
	var out []models.AllocationShare
	for _, sh := range st.Shares() {
		out = append(out, models.AllocationShare{FundID: sh.FundID, Pct: float64(sh.Pct)})
	}
	return out, nil
}

// allocationPatch is the answer to one input event. Seq echoes the event's
// sequence number so the page can drop patches that arrive out of order.
type allocationPatch struct {
	allocation.View
	Seq uint64 `json:"seq"`
}

// allocationInput recomputes a form's total after one input event and
// answers with the patch the page applies.
//
//	POST /portal/allocation/input
//	Body: { "seq": 7, "sliders": [{"fund_id": 1, "value": "30"}, ...], "event": {"role": "allocation-slider", "fund_id": 1, "value": "40"} }
func (s *Server) allocationInput(c *gin.Context) {
	var body struct {
		Seq     uint64              `json:"seq"`
		Sliders []allocation.Slider `json:"sliders"`
		Event   allocation.Event    `json:"event"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctl := allocation.NewController(allocation.State{Sliders: body.Sliders})
	patch, handled := ctl.HandleInput(body.Event)
	if !handled {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, allocationPatch{View: patch, Seq: body.Seq})
}

// ── Certificates ──────────────────────────────────────────────────────────────

func (s *Server) portalNewCertificate(c *gin.Context) {
	u, err := s.store.User(userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	plans, err := s.store.ListPlans()
	if err != nil {
		s.fail(c, err)
		return
	}
	funds, err := s.store.FundsFor(u)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_certificate_new", gin.H{
		"Title": "New certificate",
		"Nav":   "portal",
		"Plans": plans,
		"Alloc": newAllocForm(funds, nil),
	})
}

func (s *Server) portalCreateCertificate(c *gin.Context) {
	u, err := s.store.User(userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	planID, err := strconv.ParseUint(c.PostForm("plan_id"), 10, 64)
	if err != nil {
		redirectFlash(c, "/portal/certificates/new", flashError, "Invalid plan.")
		return
	}
	plan, err := s.store.Plan(uint(planID))
	if err != nil {
		redirectFlash(c, "/portal/certificates/new", flashError, "Invalid plan.")
		return
	}
	funds, err := s.store.FundsFor(u)
	if err != nil {
		s.fail(c, err)
		return
	}
	shares, err := submittedShares(c, funds)
	if err != nil {
		redirectFlash(c, "/portal/certificates/new", flashError, err.Error())
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}

	var cert *models.Certificate
	err = s.store.Transaction(func(tx *store.Store) error {
		var err error
		if cert, err = tx.CreateCertificate(u.ID, plan.ID, date, ""); err != nil {
			return err
		}
		return tx.SetTargetAllocations(cert.ID, shares)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, certPath(cert.ID), flashSuccess,
		fmt.Sprintf("Certificate #%d created under %s - %s.", cert.ID, plan.Type, plan.Name))
}

func certPath(id uint) string { return fmt.Sprintf("/portal/certificates/%d", id) }

// ownedCertificate loads the :id certificate of the logged-in investor.
func (s *Server) ownedCertificate(c *gin.Context) (*models.Certificate, error) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.store.OwnedCertificate(userID(c), id)
}

func (s *Server) portalCertificate(c *gin.Context) {
	uid := userID(c)
	cert, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	data := gin.H{
		"Title": fmt.Sprintf("Certificate #%d", cert.ID),
		"Nav":   "portal",
		"Cert":  cert,
	}
	if err := s.certificateData(uid, cert, date, data); err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_certificate", data)
}

func (s *Server) certificateData(uid uint, cert *models.Certificate, date string, data gin.H) error {
	value, err := s.store.CertificateValue(cert.ID)
	if err != nil {
		return err
	}
	basis, err := s.store.TotalRemaining(cert.ID)
	if err != nil {
		return err
	}
	holdings, err := s.store.Holdings(cert.ID)
	if err != nil {
		return err
	}
	targets, err := s.store.TargetAllocations(cert.ID)
	if err != nil {
		return err
	}
	lots, err := s.store.OpenLots(cert.ID)
	if err != nil {
		return err
	}
	aging, err := engine.Aging(lots, date)
	if err != nil {
		return err
	}
	contributions, err := s.store.Contributions(cert.ID)
	if err != nil {
		return err
	}
	withdrawals, err := s.store.Withdrawals(cert.ID)
	if err != nil {
		return err
	}
	requests, err := s.store.ListRequests(store.RequestFilter{CertificateID: cert.ID}, false)
	if err != nil {
		return err
	}
	cash, err := s.store.Cash(uid)
	if err != nil {
		return err
	}
	all, err := s.store.ListCertificates(uid)
	if err != nil {
		return err
	}
	var others []models.Certificate
	for _, o := range all {
		if o.ID != cert.ID && o.Plan.Type == cert.Plan.Type {
			others = append(others, o)
		}
	}

	data["Value"] = value
	data["Basis"] = basis
	data["Gain"] = value - basis
	data["Holdings"] = holdings
	data["Targets"] = targets
	data["Lots"] = aging
	data["Contributions"] = contributions
	data["Withdrawals"] = withdrawals
	data["Requests"] = requests
	data["Cash"] = cash
	data["Destinations"] = others
	data["Regimes"] = []models.TaxRegime{models.RegimeProgressive, models.RegimeRegressive}

	if cert.Plan.Type == models.PlanVGBL {
		used, left, year, err := s.iofRoom(uid, date)
		if err != nil {
			return err
		}
		if left < iofWarnBelow {
			data["IOFWarning"] = fmt.Sprintf(
				"VGBL contributions in %d (internal + declared): %s. %s remaining before %.0f%% IOF applies (limit: %s).",
				year, money.Format(used), money.Format(left), tax.IOFRate*100, money.Format(tax.IOFThreshold))
		}
	}
	return nil
}

// iofRoom reports the VGBL contributions counted toward the IOF limit in the
// sim year and the exempt room left.
func (s *Server) iofRoom(uid uint, date string) (used, left float64, year int, err error) {
	year, err = strconv.Atoi(date[:4])
	if err != nil {
		return 0, 0, 0, err
	}
	internal, err := s.store.VGBLContributedInYear(uid, year)
	if err != nil {
		return 0, 0, 0, err
	}
	declared, err := s.store.IOFDeclaration(uid, year)
	if err != nil {
		return 0, 0, 0, err
	}
	used = internal + declared
	return used, max(0, tax.IOFThreshold-used), year, nil
}

func (s *Server) portalStatement(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		s.fail(c, store.ErrNotFound)
		return
	}
	st, err := report.BuildStatement(s.store, userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := st.PDF(&buf); err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="certificate-%d-%s.pdf"`, id, st.Date))
	c.Data(http.StatusOK, "application/pdf", buf.Bytes())
}

// ── Requests ──────────────────────────────────────────────────────────────────

func (s *Server) portalContribute(c *gin.Context) {
	uid := userID(c)
	cert, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	back := certPath(cert.ID)
	targets, err := s.store.TargetAllocations(cert.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(targets) == 0 {
		redirectFlash(c, back, flashError,
			"Cannot contribute: no target allocation set for this certificate. Set one first via Switch funds.")
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
	cash, err := s.store.Cash(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	if amount > cash+money.Epsilon {
		redirectFlash(c, back, flashError, fmt.Sprintf("Insufficient brokerage cash (%s).", money.Format(cash)))
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	var iof float64
	if cert.Plan.Type == models.PlanVGBL {
		if iof, err = engine.ContributionIOF(s.store, uid, amount, date); err != nil {
			s.fail(c, err)
			return
		}
	}
	d := models.RequestDetails{Amount: amount, IOFEstimated: iof}
	if _, err := s.store.CreateRequest(uid, &cert.ID, models.RequestContribution, d, date); err != nil {
		s.fail(c, err)
		return
	}
	msg := fmt.Sprintf("Contribution of %s submitted (pending next time evolution).", money.Format(amount))
	if iof > 0 {
		msg += fmt.Sprintf(" Estimated IOF: %s (est. net: %s).", money.Format(iof), money.Format(amount-iof))
	}
	redirectFlash(c, back, flashSuccess, msg)
}

func (s *Server) portalWithdraw(c *gin.Context) {
	uid := userID(c)
	cert, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	back := certPath(cert.ID)
	regime := cert.TaxRegime
	if regime == models.RegimeUnset {
		regime = models.TaxRegime(c.PostForm("tax_regime"))
		if !regime.Valid() {
			redirectFlash(c, back, flashError, "Choose a tax regime for the first withdrawal. The choice is irrevocable.")
			return
		}
	}
	amount, err := formAmount(c, "amount")
	if err != nil {
		redirectFlash(c, back, flashError, err.Error())
		return
	}
	value, err := s.store.CertificateValue(cert.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if amount <= 0 || amount > value+money.Epsilon {
		redirectFlash(c, back, flashError, fmt.Sprintf("Amount must be between R$0.01 and %s.", money.Format(value)))
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	d := models.RequestDetails{Amount: amount, TaxRegime: regime}
	if _, err := s.store.CreateRequest(uid, &cert.ID, models.RequestWithdrawal, d, date); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, back, flashSuccess,
		fmt.Sprintf("Withdrawal of %s (%s) submitted (pending next time evolution).", money.Format(amount), regime))
}

// taxPreviewRow is one regime's projected withdrawal.
type taxPreviewRow struct {
	Regime    models.TaxRegime
	Result    tax.Result
	Brokerage float64
}

// portalTaxPreview renders the withdrawal simulation fragment. Both regimes
// are shown until the certificate locks one.
func (s *Server) portalTaxPreview(c *gin.Context) {
	cert, err := s.ownedCertificate(c)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	amount, err := strconv.ParseFloat(c.Query("amount"), 64)
	if err != nil || amount <= 0 {
		c.HTML(http.StatusOK, "tax_preview", gin.H{"Error": "Enter a positive amount to preview the tax."})
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	cash, err := s.store.Cash(userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	regimes := []models.TaxRegime{models.RegimeProgressive, models.RegimeRegressive}
	if cert.TaxRegime != models.RegimeUnset {
		regimes = []models.TaxRegime{cert.TaxRegime}
	}
	var rows []taxPreviewRow
	var value float64
	for _, rg := range regimes {
		res, v, err := engine.WithdrawalTax(s.store, cert, rg, amount, date)
		if err != nil {
			s.fail(c, err)
			return
		}
		value = v
		rows = append(rows, taxPreviewRow{Regime: rg, Result: res, Brokerage: cash + res.Net})
	}
	c.HTML(http.StatusOK, "tax_preview", gin.H{
		"Rows":    rows,
		"Amount":  amount,
		"Clamped": amount > value+money.Epsilon,
		"Value":   value,
	})
}

func (s *Server) portalSwitchPage(c *gin.Context) {
	cert, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	u, err := s.store.User(userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	funds, err := s.store.FundsFor(u)
	if err != nil {
		s.fail(c, err)
		return
	}
	targets, err := s.store.TargetAllocations(cert.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	current := map[uint]string{}
	for _, t := range targets {
		current[t.FundID] = strconv.Itoa(int(t.Pct + 0.5))
	}
	s.html(c, http.StatusOK, "portal_switch", gin.H{
		"Title": fmt.Sprintf("Switch funds: certificate #%d", cert.ID),
		"Nav":   "portal",
		"Cert":  cert,
		"Alloc": newAllocForm(funds, current),
	})
}

func (s *Server) portalSwitch(c *gin.Context) {
	uid := userID(c)
	cert, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	u, err := s.store.User(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	funds, err := s.store.FundsFor(u)
	if err != nil {
		s.fail(c, err)
		return
	}
	shares, err := submittedShares(c, funds)
	if err != nil {
		redirectFlash(c, certPath(cert.ID)+"/switch", flashError, err.Error())
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	d := models.RequestDetails{NewAllocations: shares}
	if _, err := s.store.CreateRequest(uid, &cert.ID, models.RequestFundSwap, d, date); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, certPath(cert.ID), flashSuccess, "Fund switch submitted (pending next time evolution).")
}

func (s *Server) portalPortability(c *gin.Context) {
	uid := userID(c)
	src, err := s.ownedCertificate(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	back := certPath(src.ID)
	destID, err := strconv.ParseUint(c.PostForm("destination_cert_id"), 10, 64)
	if err != nil {
		redirectFlash(c, back, flashError, "Choose a destination certificate.")
		return
	}
	dst, err := s.store.OwnedCertificate(uid, uint(destID))
	if err != nil {
		redirectFlash(c, back, flashError, "Destination certificate not found.")
		return
	}
	if dst.ID == src.ID {
		redirectFlash(c, back, flashError, "Source and destination must be different certificates.")
		return
	}
	if dst.Plan.Type != src.Plan.Type {
		redirectFlash(c, back, flashError,
			fmt.Sprintf("Portability requires the same plan type (%s to %s).", src.Plan.Type, dst.Plan.Type))
		return
	}
	if src.TaxRegime != models.RegimeUnset && dst.TaxRegime != models.RegimeUnset && src.TaxRegime != dst.TaxRegime {
		redirectFlash(c, back, flashError,
			fmt.Sprintf("Tax regimes differ (%s to %s).", src.TaxRegime, dst.TaxRegime))
		return
	}
	targets, err := s.store.TargetAllocations(dst.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(targets) == 0 {
		redirectFlash(c, back, flashError, "Destination certificate has no target allocation.")
		return
	}
	value, err := s.store.CertificateValue(src.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	// A blank amount moves the whole certificate.
	var amount float64
	if c.PostForm("amount") != "" {
		if amount, err = formAmount(c, "amount"); err != nil {
			redirectFlash(c, back, flashError, err.Error())
			return
		}
		if amount <= 0 || amount > value+money.Epsilon {
			redirectFlash(c, back, flashError, fmt.Sprintf("Amount must be between R$0.01 and %s.", money.Format(value)))
			return
		}
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	d := models.RequestDetails{Amount: amount, DestinationCertID: dst.ID}
	if _, err := s.store.CreateRequest(uid, &src.ID, models.RequestPortabilityOut, d, date); err != nil {
		s.fail(c, err)
		return
	}
	what := "full value"
	if amount > 0 {
		what = money.Format(amount)
	}
	redirectFlash(c, back, flashSuccess,
		fmt.Sprintf("Portability of %s from #%d to #%d submitted (pending next time evolution).", what, src.ID, dst.ID))
}

// ── External transfers ───────────────────────────────────────────────────────

type transferCert struct {
	models.Certificate
	Value float64
}

func (s *Server) portalTransfers(c *gin.Context) {
	uid := userID(c)
	certs, err := s.store.ListCertificates(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	rows := make([]transferCert, 0, len(certs))
	for _, cert := range certs {
		v, err := s.store.CertificateValue(cert.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		rows = append(rows, transferCert{Certificate: cert, Value: v})
	}
	all, err := s.store.ListRequests(store.RequestFilter{UserID: uid}, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	var reqs []models.Request
	for _, r := range all {
		if r.Type.IsTransfer() {
			reqs = append(reqs, r)
		}
	}
	sched, err := s.store.PortInSchedule()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_transfers", gin.H{
		"Title":        "Transfers",
		"Nav":          "portal",
		"Certificates": rows,
		"Requests":     reqs,
		"Schedule":     sched,
	})
}

// transferCertificate reads the owned certificate named by field.
func (s *Server) transferCertificate(c *gin.Context, field string) (*models.Certificate, bool) {
	id, err := strconv.ParseUint(c.PostForm(field), 10, 64)
	if err != nil {
		redirectFlash(c, "/portal/transfers", flashError, "Choose a certificate.")
		return nil, false
	}
	cert, err := s.store.OwnedCertificate(userID(c), uint(id))
	if err != nil {
		redirectFlash(c, "/portal/transfers", flashError, "Certificate not found.")
		return nil, false
	}
	return cert, true
}

func (s *Server) portalTransferOut(c *gin.Context) {
	const back = "/portal/transfers"
	cert, ok := s.transferCertificate(c, "source_cert_id")
	if !ok {
		return
	}
	inst := strings.TrimSpace(c.PostForm("institution"))
	if inst == "" {
		redirectFlash(c, back, flashError, "Please specify the destination institution.")
		return
	}
	amount, err := formAmount(c, "amount")
	if err != nil {
		redirectFlash(c, back, flashError, err.Error())
		return
	}
	value, err := s.store.CertificateValue(cert.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if amount <= 0 || amount > value+money.Epsilon {
		redirectFlash(c, back, flashError, fmt.Sprintf("Amount must be between R$0.01 and %s.", money.Format(value)))
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	d := models.RequestDetails{Amount: amount, Institution: inst}
	if _, err := s.store.CreateRequest(cert.UserID, &cert.ID, models.RequestTransferOut, d, date); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, back, flashSuccess,
		fmt.Sprintf("External transfer-out of %s from #%d to %s submitted (pending next time evolution).",
			money.Format(amount), cert.ID, inst))
}

func (s *Server) portalTransferIn(c *gin.Context) {
	const back = "/portal/transfers"
	cert, ok := s.transferCertificate(c, "dest_cert_id")
	if !ok {
		return
	}
	inst := strings.TrimSpace(c.PostForm("institution"))
	if inst == "" {
		redirectFlash(c, back, flashError, "Please specify the source institution.")
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
	targets, err := s.store.TargetAllocations(cert.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(targets) == 0 {
		redirectFlash(c, back, flashError,
			fmt.Sprintf("Certificate #%d has no target allocation. Set one first via Switch funds.", cert.ID))
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	d := models.RequestDetails{Amount: amount, Institution: inst}
	if _, err := s.store.CreateRequest(cert.UserID, &cert.ID, models.RequestTransferIn, d, date); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, back, flashSuccess,
		fmt.Sprintf("External transfer-in of %s from %s to #%d submitted (pending next time evolution).",
			money.Format(amount), inst, cert.ID))
}

func (s *Server) portalBrokerageWithdraw(c *gin.Context) {
	uid := userID(c)
	amount, err := formAmount(c, "amount")
	if err != nil {
		redirectFlash(c, "/portal", flashError, err.Error())
		return
	}
	cash, err := s.store.Cash(uid)
	if err != nil {
		s.fail(c, err)
		return
	}
	if amount <= 0 || amount > cash+money.Epsilon {
		redirectFlash(c, "/portal", flashError, fmt.Sprintf("Amount must be between R$0.01 and %s.", money.Format(cash)))
		return
	}
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.store.CreateRequest(uid, nil, models.RequestBrokerageWithdrawal, models.RequestDetails{Amount: amount}, date); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, "/portal", flashSuccess,
		fmt.Sprintf("Brokerage withdrawal of %s submitted (pending next time evolution).", money.Format(amount)))
}

func (s *Server) portalIOFPage(c *gin.Context) {
	uid := userID(c)
	date, err := s.store.SimDate()
	if err != nil {
		s.fail(c, err)
		return
	}
	used, left, year, err := s.iofRoom(uid, date)
	if err != nil {
		s.fail(c, err)
		return
	}
	declared, err := s.store.IOFDeclaration(uid, year)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_iof", gin.H{
		"Title":     "IOF declaration",
		"Nav":       "portal",
		"Year":      year,
		"Declared":  declared,
		"Internal":  used - declared,
		"Used":      used,
		"Left":      left,
		"Threshold": tax.IOFThreshold,
		"Rate":      tax.IOFRate,
	})
}

func (s *Server) portalIOF(c *gin.Context) {
	uid := userID(c)
	amount, err := formAmount(c, "amount")
	if err != nil {
		redirectFlash(c, "/portal/iof", flashError, err.Error())
		return
	}
	if amount < 0 {
		redirectFlash(c, "/portal/iof", flashError, "Declared amount cannot be negative.")
		return
	}
	year, err := strconv.Atoi(c.PostForm("year"))
	if err != nil {
		redirectFlash(c, "/portal/iof", flashError, "Invalid year.")
		return
	}
	if err := s.store.SetIOFDeclaration(uid, year, amount); err != nil {
		s.fail(c, err)
		return
	}
	redirectFlash(c, "/portal/iof", flashSuccess,
		fmt.Sprintf("Declared %s of VGBL contributions at other institutions in %d.", money.Format(amount), year))
}

func (s *Server) portalRequests(c *gin.Context) {
	reqs, err := s.store.ListRequests(store.RequestFilter{UserID: userID(c)}, false)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.html(c, http.StatusOK, "portal_requests", gin.H{
		"Title":    "My requests",
		"Nav":      "portal",
		"Requests": reqs,
		"Cancel":   true,
	})
}

func (s *Server) portalCancelRequest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		redirectFlash(c, "/portal/requests", flashError, "Request not found.")
		return
	}
	switch err := s.store.CancelRequest(userID(c), id); {
	case errors.Is(err, store.ErrNotFound):
		redirectFlash(c, "/portal/requests", flashError, "Request not found.")
	case errors.Is(err, store.ErrNotPending):
		redirectFlash(c, "/portal/requests", flashError, "Only pending requests can be cancelled.")
	case err != nil:
		s.fail(c, err)
	default:
		redirectFlash(c, "/portal/requests", flashSuccess, fmt.Sprintf("Request #%d cancelled.", id))
	}
}

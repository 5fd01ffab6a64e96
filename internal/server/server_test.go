package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	cfg    *config.Config
	store  *store.Store
	srv    *Server
	portal http.Handler
	admin  http.Handler

	ana, bia *models.User
	pgbl     *models.Plan
	vgbl     *models.Plan
	rf, eq   *models.Fund
	mm       *models.Fund
}

// newHarness builds both engines over a fresh database holding a retail
// investor (ana), a qualified one (bia), two plans and three funds, one of
// them qualified-only.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DBDriver:          "sqlite",
		DBPath:            filepath.Join(dir, "server.db"),
		UploadDir:         filepath.Join(dir, "uploads"),
		JWTSecret:         "test-secret",
		AdminToken:        "test-token",
		AdminUser:         "admin",
		AdminPass:         "pw",
		PortalPassword:    "1234",
		LoginMaxAttempts:  3,
		LoginBlockMinutes: 15,
		SimStartDate:      "2026-01-01",
	}
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	srv, err := New(cfg, s, engine.New(s))
	require.NoError(t, err)
	h := &harness{cfg: cfg, store: s, srv: srv, portal: srv.PortalEngine(), admin: srv.AdminEngine()}

	h.ana, err = s.CreateUser("ana", "1234", true)
	require.NoError(t, err)
	require.NoError(t, s.SetCash(h.ana.ID, 10000))
	h.bia, err = s.CreateUser("bia", "1234", false)
	require.NoError(t, err)

	h.pgbl = &models.Plan{Type: models.PlanPGBL, Name: "PGBL Renda Fixa", PlanCode: "PGBL-1"}
	require.NoError(t, s.CreatePlan(h.pgbl))
	h.vgbl = &models.Plan{Type: models.PlanVGBL, Name: "VGBL Renda Fixa", PlanCode: "VGBL-1"}
	require.NoError(t, s.CreatePlan(h.vgbl))

	h.rf = &models.Fund{Name: "Renda Fixa", InitialNAV: 1}
	require.NoError(t, s.CreateFund(h.rf))
	require.NoError(t, s.SetFundReturns(h.rf.ID, []float64{0.01, 0.02}))
	h.eq = &models.Fund{Name: "Global Equity", InitialNAV: 2, QualifiedOnly: true}
	require.NoError(t, s.CreateFund(h.eq))
	h.mm = &models.Fund{Name: "Multimercado", InitialNAV: 1}
	require.NoError(t, s.CreateFund(h.mm))
	return h
}

// certificate opens a certificate for ana worth value with basis cost basis
// and the Renda Fixa fund as its only target.
func (h *harness) certificate(t *testing.T, plan *models.Plan, value, basis float64) *models.Certificate {
	t.Helper()
	cert, err := h.store.CreateCertificate(h.ana.ID, plan.ID, "2026-01-01", "")
	require.NoError(t, err)
	require.NoError(t, h.store.SetTargetAllocations(cert.ID, []models.AllocationShare{{FundID: h.rf.ID, Pct: 100}}))
	if value > 0 {
		require.NoError(t, h.store.SetHolding(cert.ID, h.rf.ID, value))
		require.NoError(t, h.store.AddContribution(&models.Contribution{
			CertificateID: cert.ID, Amount: basis, GrossAmount: basis, RemainingAmount: basis, Date: "2026-01-01",
		}))
	}
	return cert
}

// browser keeps cookies between requests to one handler.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, h http.Handler) *browser {
	return &browser{t: t, handler: h, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	b.t.Helper()
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

// page GETs path, requires 200 and parses the HTML.
func (b *browser) page(path string) *goquery.Document {
	b.t.Helper()
	rec := b.get(path)
	require.Equal(b.t, http.StatusOK, rec.Code, rec.Body.String())
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	require.NoError(b.t, err)
	return doc
}

// flashes follows a redirect and returns the flash messages shown there.
func (b *browser) flashes(rec *httptest.ResponseRecorder) []string {
	b.t.Helper()
	require.Equal(b.t, http.StatusSeeOther, rec.Code)
	doc := b.page(rec.Header().Get("Location"))
	var out []string
	doc.Find(".flash").Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

func (h *harness) investor(t *testing.T, username string) *browser {
	t.Helper()
	b := newBrowser(t, h.portal)
	rec := b.post("/portal/login", url.Values{"username": {username}, "password": {"1234"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/portal", rec.Header().Get("Location"))
	require.Contains(t, b.cookies, portalCookie)
	return b
}

func (h *harness) adminBrowser(t *testing.T) *browser {
	t.Helper()
	b := newBrowser(t, h.admin)
	rec := b.post("/admin/login", url.Values{"username": {"admin"}, "password": {"pw"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/admin", rec.Header().Get("Location"))
	return b
}

func decode(t *testing.T, r io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r).Decode(v))
}

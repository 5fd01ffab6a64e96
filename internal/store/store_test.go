package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&config.Config{
		DBDriver:     "sqlite",
		DBPath:       filepath.Join(t.TempDir(), "test.db"),
		SimStartDate: "2026-01-01",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCertificate(t *testing.T, s *Store, typ models.PlanType) (*models.User, *models.Certificate, *models.Fund) {
	t.Helper()
	u, err := s.CreateUser("ana", "secret", true)
	require.NoError(t, err)
	plan := &models.Plan{Type: typ, Name: "Plano " + string(typ)}
	require.NoError(t, s.CreatePlan(plan))
	fund := &models.Fund{Name: "Renda Fixa", InitialNAV: 2}
	require.NoError(t, s.CreateFund(fund))
	cert, err := s.CreateCertificate(u.ID, plan.ID, "2026-01-01", "")
	require.NoError(t, err)
	return u, cert, fund
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(&config.Config{DBDriver: "postgres", DBPath: "x"})
	require.Error(t, err)
}

func TestSimClock(t *testing.T) {
	s := newTestStore(t)

	month, err := s.SimMonth()
	require.NoError(t, err)
	assert.Equal(t, 0, month)
	date, err := s.SimDate()
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01", date)

	require.NoError(t, s.SetClock(3, "2026-04-01"))
	// seeding again must not rewind the clock
	require.NoError(t, s.InitSimState("2020-01-01"))

	month, err = s.SimMonth()
	require.NoError(t, err)
	assert.Equal(t, 3, month)
	date, err = s.SimDate()
	require.NoError(t, err)
	assert.Equal(t, "2026-04-01", date)
}

func TestIOFDeclaration(t *testing.T) {
	s := newTestStore(t)

	v, err := s.IOFDeclaration(1, 2026)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.SetIOFDeclaration(1, 2026, 250000))
	require.NoError(t, s.SetIOFDeclaration(1, 2026, 300000))
	v, err = s.IOFDeclaration(1, 2026)
	require.NoError(t, err)
	assert.Equal(t, 300000.0, v)

	v, err = s.IOFDeclaration(1, 2027)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)

	u, err := s.CreateUser("ana", "secret", true)
	require.NoError(t, err)
	assert.True(t, u.IsRetail)

	q, err := s.CreateUser("bia", "secret", false)
	require.NoError(t, err)
	got, err := s.User(q.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRetail)

	_, err = s.CreateUser("ana", "other", true)
	require.Error(t, err)

	_, err = s.Authenticate("ana", "secret")
	require.NoError(t, err)
	_, err = s.Authenticate("ana", "wrong")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, err = s.Authenticate("nobody", "secret")
	require.ErrorIs(t, err, ErrBadCredentials)

	_, err = s.User(999)
	require.ErrorIs(t, err, ErrNotFound)

	users, err := s.ListUsers()
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestCash(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser("ana", "secret", true)
	require.NoError(t, err)

	cash, err := s.Cash(u.ID)
	require.NoError(t, err)
	assert.Zero(t, cash)

	require.NoError(t, s.SetCash(u.ID, 1000))
	require.NoError(t, s.AddCash(u.ID, 250.5))
	require.NoError(t, s.AddCash(u.ID, -100))
	cash, err = s.Cash(u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1150.5, cash, 1e-9)
}

func TestHoldingsAndValue(t *testing.T) {
	s := newTestStore(t)
	_, cert, fund := seedCertificate(t, s, models.PlanPGBL)

	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 100))
	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 150))

	hs, err := s.Holdings(cert.ID)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, 150.0, hs[0].Units)
	assert.Equal(t, "Renda Fixa", hs[0].Fund.Name)
	assert.Equal(t, 300.0, hs[0].MarketValue())

	v, err := s.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 300, v, 1e-9)

	require.NoError(t, s.SetNAV(fund.ID, 3))
	v, err = s.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 450, v, 1e-9)

	// dust removes the position
	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 1e-12))
	hs, err = s.Holdings(cert.ID)
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestTargetAllocations(t *testing.T) {
	s := newTestStore(t)
	_, cert, fund := seedCertificate(t, s, models.PlanPGBL)
	other := &models.Fund{Name: "Acoes"}
	require.NoError(t, s.CreateFund(other))

	require.NoError(t, s.SetTargetAllocations(cert.ID, []models.AllocationShare{
		{FundID: fund.ID, Pct: 100},
		{FundID: other.ID, Pct: 0},
	}))
	ts, err := s.TargetAllocations(cert.ID)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, fund.ID, ts[0].FundID)

	require.NoError(t, s.SetTargetAllocations(cert.ID, []models.AllocationShare{
		{FundID: fund.ID, Pct: 40},
		{FundID: other.ID, Pct: 60},
	}))
	ts, err = s.TargetAllocations(cert.ID)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	// ordered by fund name
	assert.Equal(t, "Acoes", ts[0].Fund.Name)
	assert.Equal(t, 60.0, ts[0].Pct)
}

func TestDeleteInUse(t *testing.T) {
	s := newTestStore(t)
	_, cert, fund := seedCertificate(t, s, models.PlanPGBL)
	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 10))

	require.ErrorIs(t, s.DeleteFund(fund.ID), ErrInUse)
	require.ErrorIs(t, s.DeletePlan(cert.PlanID), ErrInUse)

	require.NoError(t, s.DeleteCertificate(cert.ID))
	require.NoError(t, s.DeleteFund(fund.ID))
	require.NoError(t, s.DeletePlan(cert.PlanID))

	_, err := s.Fund(fund.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFundReturns(t *testing.T) {
	s := newTestStore(t)
	f := &models.Fund{Name: "Multi"}
	require.NoError(t, s.CreateFund(f))
	assert.Equal(t, 1.0, f.CurrentNAV)

	require.NoError(t, s.SetFundReturns(f.ID, []float64{0.01, -0.02, 0.03}))
	require.NoError(t, s.SetFundReturns(f.ID, []float64{0.005, 0.007}))
	rs, err := s.FundReturns(f.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.005, 0.007}, rs)
}

func TestParseReturnsCSV(t *testing.T) {
	in := "month,return\n1,1.5%\n2, 0.02\n3,-0.5%\n"
	rs, err := ParseReturnsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.InDelta(t, 0.015, rs[0], 1e-12)
	assert.InDelta(t, 0.02, rs[1], 1e-12)
	assert.InDelta(t, -0.005, rs[2], 1e-12)

	_, err = ParseReturnsCSV(strings.NewReader("month,return\n1,abc\n"))
	require.Error(t, err)

	rs, err = ParseReturnsCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestConsumeLotsFIFO(t *testing.T) {
	s := newTestStore(t)
	_, cert, _ := seedCertificate(t, s, models.PlanPGBL)

	for _, c := range []models.Contribution{
		{CertificateID: cert.ID, Amount: 100, RemainingAmount: 100, Date: "2026-01-01"},
		{CertificateID: cert.ID, Amount: 200, RemainingAmount: 200, Date: "2026-03-01"},
	} {
		c := c
		require.NoError(t, s.AddContribution(&c))
	}

	consumed, err := s.ConsumeLotsFIFO(cert.ID, 150)
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	assert.Equal(t, 100.0, consumed[0].Consumed)
	assert.Zero(t, consumed[0].RemainingAfter)
	assert.Equal(t, 50.0, consumed[1].Consumed)
	assert.Equal(t, 150.0, consumed[1].RemainingAfter)

	open, err := s.OpenLots(cert.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "2026-03-01", open[0].Date)

	rem, err := s.TotalRemaining(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 150, rem, 1e-9)
	total, err := s.TotalContributed(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 300, total, 1e-9)
}

func TestVGBLContributedInYear(t *testing.T) {
	s := newTestStore(t)
	u, cert, _ := seedCertificate(t, s, models.PlanVGBL)

	for _, c := range []models.Contribution{
		{CertificateID: cert.ID, Amount: 95, GrossAmount: 100, RemainingAmount: 95, Date: "2026-02-01"},
		{CertificateID: cert.ID, Amount: 50, RemainingAmount: 50, Date: "2026-05-01"},
		{CertificateID: cert.ID, Amount: 70, RemainingAmount: 70, Date: "2025-05-01"},
		{CertificateID: cert.ID, Amount: 80, RemainingAmount: 80, Date: "2026-06-01", SourceType: models.SourceTransferInternal},
	} {
		c := c
		require.NoError(t, s.AddContribution(&c))
	}

	v, err := s.VGBLContributedInYear(u.ID, 2026)
	require.NoError(t, err)
	assert.InDelta(t, 150, v, 1e-9)
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	u, cert, _ := seedCertificate(t, s, models.PlanPGBL)

	r1, err := s.CreateRequest(u.ID, &cert.ID, models.RequestWithdrawal, models.RequestDetails{Amount: 10}, "2026-01-01")
	require.NoError(t, err)
	assert.Len(t, r1.Reference, 36)
	r2, err := s.CreateRequest(u.ID, nil, models.RequestBrokerageWithdrawal, models.RequestDetails{Amount: 5}, "2026-01-01")
	require.NoError(t, err)
	assert.NotEqual(t, r1.Reference, r2.Reference)

	pending, err := s.ListRequests(RequestFilter{Status: models.StatusPending}, true)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, r1.ID, pending[0].ID)

	byCert, err := s.ListRequests(RequestFilter{CertificateID: cert.ID}, false)
	require.NoError(t, err)
	require.Len(t, byCert, 1)
	assert.Equal(t, 10.0, byCert[0].Details.Amount)

	require.NoError(t, s.CompleteRequest(r1.ID, "2026-02-01"))
	require.ErrorIs(t, s.RejectRequest(r1.ID, "late"), ErrNotPending)
	require.ErrorIs(t, s.CancelRequest(u.ID+1, r2.ID), ErrNotFound)
	require.NoError(t, s.CancelRequest(u.ID, r2.ID))
	require.ErrorIs(t, s.FailRequest(999, "x"), ErrNotFound)

	got, err := s.Request(r1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "2026-02-01", got.CompletedDate)

	c, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, c.Pending)
	assert.Equal(t, int64(1), c.Certificates)
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	u, cert, fund := seedCertificate(t, s, models.PlanPGBL)
	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 10))
	require.NoError(t, s.AddContribution(&models.Contribution{CertificateID: cert.ID, Amount: 20, RemainingAmount: 20, Date: "2026-01-01"}))
	_, err := s.CreateRequest(u.ID, &cert.ID, models.RequestWithdrawal, models.RequestDetails{Amount: 1}, "2026-01-01")
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(u.ID))
	require.ErrorIs(t, s.DeleteUser(u.ID), ErrNotFound)

	certs, err := s.ListCertificates(0)
	require.NoError(t, err)
	assert.Empty(t, certs)
	rs, err := s.ListRequests(RequestFilter{}, false)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateUser("ana", "secret", true)
	require.NoError(t, err)
	require.NoError(t, s.SetClock(5, "2026-06-01"))

	require.NoError(t, s.Reset("2030-01-01"))
	users, err := s.ListUsers()
	require.NoError(t, err)
	assert.Empty(t, users)
	date, err := s.SimDate()
	require.NoError(t, err)
	assert.Equal(t, "2030-01-01", date)
}

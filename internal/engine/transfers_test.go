package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/models"
)

func TestYearsBefore(t *testing.T) {
	for _, tc := range []struct {
		date  string
		years int
		want  string
	}{
		{"2026-02-01", 11, "2015-02-01"},
		{"2026-02-01", 0, "2026-02-01"},
		{"2028-02-29", 1, "2027-02-28"},
		{"2028-02-29", 4, "2024-02-29"},
	} {
		got, err := YearsBefore(tc.date, tc.years)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s - %d", tc.date, tc.years)
	}
	_, err := YearsBefore("soon", 1)
	assert.Error(t, err)
}

func TestParsePortInSchedule(t *testing.T) {
	sched, err := ParsePortInSchedule(" 30:1, 30%:5 ,40:11")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPortInSchedule, sched)
	assert.Equal(t, "30:1, 30:5, 40:11", FormatPortInSchedule(sched))

	for _, bad := range []string{"", "100", "50:1, 40:2", "x:1", "100:y", "120:1, -20:2", "100:-1"} {
		_, err := ParsePortInSchedule(bad)
		assert.ErrorIs(t, err, ErrSchedule, bad)
	}
}

func TestTransferIn(t *testing.T) {
	f := newFixture(t, models.PlanPGBL)
	cert := f.certificate(t, models.AllocationShare{FundID: f.fundB.ID, Pct: 100})
	bare := f.certificate(t)

	in := f.request(t, &cert.ID, models.RequestTransferIn, models.RequestDetails{Amount: 10000, Institution: "Outra Prev"})
	noTargets := f.request(t, &bare.ID, models.RequestTransferIn, models.RequestDetails{Amount: 100, Institution: "Outra Prev"})
	noInst := f.request(t, &cert.ID, models.RequestTransferIn, models.RequestDetails{Amount: 100})

	steps, err := f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, f.status(t, in.ID).Status)
	assert.Contains(t, f.status(t, noTargets.ID).FailureReason, ErrNoTargets.Error())
	assert.Contains(t, f.status(t, noInst.ID).FailureReason, ErrNoInstitution.Error())
	assert.Contains(t, steps[0].Events, "External transfer-in: R$10,000.00 to certificate #1 from Outra Prev "+
		"(3 lot(s): R$3,000.00 dated 2025-02-01; R$3,000.00 dated 2021-02-01; R$4,000.00 dated 2015-02-01)")

	lots, err := f.s.Contributions(cert.ID)
	require.NoError(t, err)
	require.Len(t, lots, 3)
	assert.Equal(t, "2015-02-01", lots[0].Date)
	assert.InDelta(t, 4000, lots[0].RemainingAmount, 1e-9)
	assert.Equal(t, models.SourceTransferExternal, lots[0].SourceType)
	assert.Equal(t, "2025-02-01", lots[2].Date)

	value, err := f.s.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10000, value, 1e-6)
	// The money comes from outside: brokerage cash is untouched.
	cash, err := f.s.Cash(f.user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10000, cash, 1e-9)

	// Old lots withdraw at the lowest regressive rate first.
	res, _, err := WithdrawalTax(f.s, mustCert(t, f, cert.ID), models.RegimeRegressive, 4000, "2026-02-01")
	require.NoError(t, err)
	require.Len(t, res.Breakdown, 1)
	assert.Equal(t, 0.10, res.Breakdown[0].Rate)
}

func TestTransferInUsesStoredSchedule(t *testing.T) {
	f := newFixture(t, models.PlanVGBL)
	cert := f.certificate(t, models.AllocationShare{FundID: f.fundB.ID, Pct: 100})
	require.NoError(t, f.s.SetPortInSchedule([]models.PortInTranche{{Pct: 100, YearsAgo: 3}}))

	f.request(t, &cert.ID, models.RequestTransferIn, models.RequestDetails{Amount: 700000, Institution: "Outra Prev"})
	_, err := f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)

	lots, err := f.s.Contributions(cert.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, "2023-02-01", lots[0].Date)
	// Port-ins are not contributions for IOF purposes.
	iof, err := ContributionIOF(f.s, f.user.ID, 100000, "2026-02-01")
	require.NoError(t, err)
	assert.Zero(t, iof)
}

func TestTransferOut(t *testing.T) {
	f := newFixture(t, models.PlanPGBL)
	cert := f.certificate(t, models.AllocationShare{FundID: f.fundB.ID, Pct: 100})
	f.request(t, &cert.ID, models.RequestContribution, models.RequestDetails{Amount: 1000})
	_, err := f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)

	out := f.request(t, &cert.ID, models.RequestTransferOut, models.RequestDetails{Amount: 400, Institution: "Outra Prev"})
	_, err = f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, f.status(t, out.ID).Status)

	value, err := f.s.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 600, value, 1e-6)
	rem, err := f.s.TotalRemaining(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 600, rem, 1e-6)
	cash, err := f.s.Cash(f.user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9000, cash, 1e-9)

	audit, err := f.s.LotAllocations(string(models.RequestTransferOut), out.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.InDelta(t, 400, audit[0].ConsumedAmount, 1e-9)
	assert.Zero(t, audit[0].TaxAmount)

	// More than the value moves whatever is left.
	all := f.request(t, &cert.ID, models.RequestTransferOut, models.RequestDetails{Amount: 5000, Institution: "Outra Prev"})
	_, err = f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, f.status(t, all.ID).Status)
	value, err = f.s.CertificateValue(cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0, value, 1e-6)

	empty := f.request(t, &cert.ID, models.RequestTransferOut, models.RequestDetails{Amount: 10, Institution: "Outra Prev"})
	_, err = f.e.Evolve(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, f.status(t, empty.ID).FailureReason, ErrInsufficientFunds.Error())
}

func mustCert(t *testing.T, f *fixture, id uint) *models.Certificate {
	t.Helper()
	c, err := f.s.Certificate(id)
	require.NoError(t, err)
	return c
}

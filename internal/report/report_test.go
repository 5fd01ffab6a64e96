package report

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/prevsim/internal/config"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/store"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestNAVPath(t *testing.T) {
	navs := NAVPath(1, []float64{0.1, -0.1})
	require.Len(t, navs, 3)
	assert.InDelta(t, 1.1, navs[1], 1e-12)
	assert.InDelta(t, 0.99, navs[2], 1e-12)
}

func TestPerformancePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PerformancePNG(&buf, "Renda Fixa", 1, []float64{0.01, 0.02, -0.005}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestPerformancePNGFlat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PerformancePNG(&buf, "Caixa", 1, []float64{0, 0, 0}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestPerformancePNGNoReturns(t *testing.T) {
	require.ErrorIs(t, PerformancePNG(&bytes.Buffer{}, "x", 1, nil), ErrNoReturns)
}

func TestStatementPDF(t *testing.T) {
	s, err := store.Open(&config.Config{
		DBDriver:     "sqlite",
		DBPath:       filepath.Join(t.TempDir(), "report.db"),
		SimStartDate: "2026-06-01",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	u, err := s.CreateUser("joão", "secret", true)
	require.NoError(t, err)
	plan := &models.Plan{Type: models.PlanVGBL, Name: "Previdência VGBL"}
	require.NoError(t, s.CreatePlan(plan))
	fund := &models.Fund{Name: "Renda Fixa", InitialNAV: 1.5}
	require.NoError(t, s.CreateFund(fund))
	cert, err := s.CreateCertificate(u.ID, plan.ID, "2026-01-01", "")
	require.NoError(t, err)
	require.NoError(t, s.SetHolding(cert.ID, fund.ID, 100))
	require.NoError(t, s.AddContribution(&models.Contribution{
		CertificateID: cert.ID, Amount: 120, RemainingAmount: 120, Date: "2026-01-01",
	}))

	st, err := BuildStatement(s, u.ID, cert.ID)
	require.NoError(t, err)
	assert.InDelta(t, 150, st.Value, 1e-9)
	assert.InDelta(t, 120, st.Basis, 1e-9)
	require.Len(t, st.Lots, 1)
	assert.Equal(t, 5, st.Lots[0].MonthsHeld)

	var buf bytes.Buffer
	require.NoError(t, st.PDF(&buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))

	_, err = BuildStatement(s, u.ID+1, cert.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

package tax

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vesaa/prevsim/internal/models"
)

func TestRegressiveRate(t *testing.T) {
	require.Equal(t, 0.35, RegressiveRate(0))
	require.Equal(t, 0.35, RegressiveRate(24))
	require.Equal(t, 0.30, RegressiveRate(25))
	require.Equal(t, 0.15, RegressiveRate(120))
	require.Equal(t, 0.10, RegressiveRate(121))
}

func TestNextBracket(t *testing.T) {
	left, rate, ok := NextBracket(20)
	require.True(t, ok)
	require.Equal(t, 5, left)
	require.Equal(t, 0.30, rate)

	left, rate, ok = NextBracket(120)
	require.True(t, ok)
	require.Equal(t, 1, left)
	require.Equal(t, 0.10, rate)

	_, _, ok = NextBracket(121)
	require.False(t, ok)
}

func TestMonthsBetween(t *testing.T) {
	m, err := MonthsBetween("2026-01-15", "2028-03-01")
	require.NoError(t, err)
	require.Equal(t, 26, m)

	m, err = MonthsBetween("2027-01-01", "2026-01-01")
	require.NoError(t, err)
	require.Zero(t, m)

	_, err = MonthsBetween("bad", "2026-01-01")
	require.Error(t, err)
}

var twoLots = []Lot{
	{ContributionID: 1, Remaining: 1000, MonthsHeld: 30},
	{ContributionID: 2, Remaining: 1000, MonthsHeld: 5},
}

func TestRegressivePGBLConsumesOldestFirst(t *testing.T) {
	res := Regressive(twoLots, 1650, models.PlanPGBL, 2000, 2200)
	require.Len(t, res.Breakdown, 2)
	require.Equal(t, uint(1), res.Breakdown[0].ContributionID)
	require.Equal(t, 1000.0, res.Breakdown[0].CostBasis)
	require.Equal(t, 0.30, res.Breakdown[0].Rate)
	require.Equal(t, 500.0, res.Breakdown[1].CostBasis)
	require.Equal(t, 0.35, res.Breakdown[1].Rate)
	require.InDelta(t, 522.5, res.Tax, 0.001)
	require.InDelta(t, 1127.5, res.Net, 0.001)
	require.InDelta(t, 1500, res.BasisConsumed, 0.001)
}

func TestRegressiveVGBLTaxesEarningsOnly(t *testing.T) {
	res := Regressive(twoLots, 1650, models.PlanVGBL, 2000, 2200)
	require.InDelta(t, 47.5, res.Tax, 0.001)
	require.InDelta(t, 150, res.TaxableBase, 0.001)
}

func TestRegressiveNothingToTax(t *testing.T) {
	require.Equal(t, Result{}, Regressive(twoLots, 100, models.PlanPGBL, 2000, 0))
	require.Equal(t, Result{}, Regressive(twoLots, 0, models.PlanPGBL, 2000, 2200))
}

func TestNoBasisLeftTaxesWholeAmount(t *testing.T) {
	for _, plan := range []models.PlanType{models.PlanPGBL, models.PlanVGBL} {
		res := Regressive(nil, 500, plan, 0, 1000)
		require.Equal(t, 500.0, res.Gross, plan)
		require.Equal(t, 500.0, res.TaxableBase, plan)
		require.Equal(t, 175.0, res.Tax, plan)
		require.Equal(t, 325.0, res.Net, plan)
		require.Zero(t, res.BasisConsumed, plan)

		res = Progressive(500, plan, 0, 1000)
		require.Equal(t, 500.0, res.TaxableBase, plan)
		require.Equal(t, 75.0, res.Tax, plan)
		require.Equal(t, 425.0, res.Net, plan)
	}
}

func TestProgressive(t *testing.T) {
	res := Progressive(2000, models.PlanPGBL, 2000, 2200)
	require.Equal(t, 2000.0, res.TaxableBase)
	require.Equal(t, 300.0, res.Tax)
	require.Zero(t, res.EstimatedTax)
	require.Equal(t, 1700.0, res.Net)

	res = Progressive(1000, models.PlanVGBL, 2000, 2500)
	require.InDelta(t, 200, res.TaxableBase, 0.001)
	require.InDelta(t, 30, res.Tax, 0.001)

	res = Progressive(10000, models.PlanPGBL, 10000, 10000)
	require.InDelta(t, 10000*0.275-896, res.EstimatedTax, 0.001)
}

func TestComputeDispatchesOnRegime(t *testing.T) {
	prog := Compute(models.RegimeProgressive, twoLots, 1650, models.PlanPGBL, 2000, 2200)
	require.Empty(t, prog.Breakdown)
	reg := Compute(models.RegimeRegressive, twoLots, 1650, models.PlanPGBL, 2000, 2200)
	require.NotEmpty(t, reg.Breakdown)
}

func TestIOF(t *testing.T) {
	require.Zero(t, IOF(0, 100_000))
	require.Zero(t, IOF(500_000, 100_000))
	require.Equal(t, 500.0, IOF(590_000, 20_000))
	require.Equal(t, 500.0, IOF(700_000, 10_000))
}

// Package tax implements withdrawal taxation for PGBL/VGBL certificates and
// the IOF charge on large VGBL contributions.
//
// Every contribution is a lot with its own holding clock. A withdrawal of
// amount A from a certificate worth V whose lots still carry cost basis B
// consumes A/(V/B) of basis, oldest lots first.
package tax

import (
	"fmt"
	"math"
	"time"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
)

// DateLayout is the layout of every simulation date.
const DateLayout = "2006-01-02"

// Bracket is an upper bound on months held and the rate that applies.
type Bracket struct {
	MaxMonths int
	Rate      float64
}

// RegressiveBrackets is the Lei 11.053 table; past the last bound the rate is FinalRegressiveRate.
var RegressiveBrackets = []Bracket{
	{24, 0.35},
	{48, 0.30},
	{72, 0.25},
	{96, 0.20},
	{120, 0.15},
}

const FinalRegressiveRate = 0.10

// ProgressiveBracket is one row of the monthly IRPF table.
type ProgressiveBracket struct {
	UpTo      float64
	Rate      float64
	Deduction float64
}

var ProgressiveBrackets = []ProgressiveBracket{
	{2259.20, 0, 0},
	{2826.65, 0.075, 169.44},
	{3751.05, 0.15, 381.44},
	{4664.68, 0.225, 662.77},
	{math.Inf(1), 0.275, 896.00},
}

const (
	// ProgressiveWithholding is withheld at source regardless of bracket.
	ProgressiveWithholding = 0.15

	IOFThreshold = 600_000.0
	IOFRate      = 0.05
)

// RegressiveRate looks up the rate for a lot held monthsHeld months.
func RegressiveRate(monthsHeld int) float64 {
	for _, b := range RegressiveBrackets {
		if monthsHeld <= b.MaxMonths {
			return b.Rate
		}
	}
	return FinalRegressiveRate
}

// NextBracket returns how many more months until the lot's rate drops and
// the rate it drops to. ok is false once the final rate is reached.
func NextBracket(monthsHeld int) (monthsLeft int, rate float64, ok bool) {
	for i, b := range RegressiveBrackets {
		if monthsHeld <= b.MaxMonths {
			next := FinalRegressiveRate
			if i+1 < len(RegressiveBrackets) {
				next = RegressiveBrackets[i+1].Rate
			}
			return b.MaxMonths - monthsHeld + 1, next, true
		}
	}
	return 0, FinalRegressiveRate, false
}

// MonthsBetween counts whole calendar months from one date to another,
// never negative.
func MonthsBetween(from, to string) (int, error) {
	f, err := time.Parse(DateLayout, from)
	if err != nil {
		return 0, fmt.Errorf("parsing date %q: %w", from, err)
	}
	t, err := time.Parse(DateLayout, to)
	if err != nil {
		return 0, fmt.Errorf("parsing date %q: %w", to, err)
	}
	m := (t.Year()-f.Year())*12 + int(t.Month()) - int(f.Month())
	if m < 0 {
		m = 0
	}
	return m, nil
}

// Lot is a contribution's remaining cost basis and age.
type Lot struct {
	ContributionID uint
	Remaining      float64
	MonthsHeld     int
}

// Result is the outcome of a tax calculation.
type Result struct {
	Gross         float64         `json:"gross"`
	TaxableBase   float64         `json:"taxable_base"`
	Tax           float64         `json:"tax"`
	EstimatedTax  float64         `json:"estimated_final_tax,omitempty"`
	Net           float64         `json:"net"`
	EffectiveRate float64         `json:"effective_rate"`
	BasisConsumed float64         `json:"basis_consumed"`
	Breakdown     []models.LotTax `json:"breakdown,omitempty"`
}

// Regressive computes FIFO regressive tax. lots must be oldest first and
// carry only remaining basis; remaining is their sum and value the
// certificate's current value. Value left once every lot is consumed has no
// holding period, so it is taxed whole at the first bracket rate.
func Regressive(lots []Lot, amount float64, plan models.PlanType, remaining, value float64) Result {
	if value <= 0 || amount <= 0 {
		return Result{}
	}
	if remaining <= money.Epsilon {
		rate := RegressiveRate(0)
		return finish(Result{TaxableBase: amount, Tax: amount * rate}, amount)
	}
	growth := value / remaining
	toConsume := amount / growth

	var res Result
	for _, lot := range lots {
		if toConsume <= money.Epsilon {
			break
		}
		consumed := math.Min(toConsume, lot.Remaining)
		if consumed <= 0 {
			continue
		}
		toConsume -= consumed

		gross := consumed * growth
		taxable := gross
		if plan == models.PlanVGBL {
			taxable = gross - consumed
		}
		if taxable < 0 {
			taxable = 0
		}
		rate := RegressiveRate(lot.MonthsHeld)
		t := taxable * rate

		res.Tax += t
		res.TaxableBase += taxable
		res.BasisConsumed += consumed
		res.Breakdown = append(res.Breakdown, models.LotTax{
			ContributionID: lot.ContributionID,
			CostBasis:      money.Round2(consumed),
			Gross:          money.Round2(gross),
			MonthsHeld:     lot.MonthsHeld,
			Rate:           rate,
			Taxable:        money.Round2(taxable),
			Tax:            money.Round2(t),
		})
	}
	return finish(res, amount)
}

// Progressive computes the 15% withholding and the estimated final IRPF on
// the taxable base. For VGBL only the earnings share of the amount is taxed.
func Progressive(amount float64, plan models.PlanType, remaining, value float64) Result {
	if amount <= 0 {
		return Result{}
	}
	base := amount
	if plan == models.PlanVGBL && value > 0 && remaining > 0 {
		base = amount * math.Max(0, 1-remaining/value)
	}
	var res Result
	res.TaxableBase = base
	res.Tax = base * ProgressiveWithholding
	if value > 0 {
		res.BasisConsumed = amount * remaining / value
	}
	for _, b := range ProgressiveBrackets {
		if base <= b.UpTo {
			res.EstimatedTax = math.Max(0, base*b.Rate-b.Deduction)
			break
		}
	}
	res.EstimatedTax = money.Round2(res.EstimatedTax)
	return finish(res, amount)
}

func finish(res Result, amount float64) Result {
	res.Gross = money.Round2(amount)
	res.Tax = money.Round2(res.Tax)
	res.TaxableBase = money.Round2(res.TaxableBase)
	res.Net = money.Round2(amount - res.Tax)
	if amount > 0 {
		res.EffectiveRate = money.Round4(res.Tax / amount)
	}
	return res
}

// Compute dispatches on regime.
func Compute(regime models.TaxRegime, lots []Lot, amount float64, plan models.PlanType, remaining, value float64) Result {
	if regime == models.RegimeProgressive {
		return Progressive(amount, plan, remaining, value)
	}
	return Regressive(lots, amount, plan, remaining, value)
}

// IOF returns the IOF due on a VGBL contribution of amount when the
// investor already contributed prior this year (internal plus declared).
func IOF(prior, amount float64) float64 {
	after := prior + amount
	if after <= IOFThreshold {
		return 0
	}
	newExcess := math.Max(0, after-IOFThreshold) - math.Max(0, prior-IOFThreshold)
	return money.Round2(newExcess * IOFRate)
}

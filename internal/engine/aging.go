package engine

import (
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/tax"
)

// LotAge is a contribution lot seen from the current sim date.
type LotAge struct {
	models.Contribution
	MonthsHeld int
	Rate       float64
	// MonthsToNext and NextRate describe the next regressive bracket;
	// Final is set once the lowest rate applies.
	MonthsToNext int
	NextRate     float64
	Final        bool
}

// Aging annotates lots with their regressive bracket on date.
func Aging(lots []models.Contribution, date string) ([]LotAge, error) {
	out := make([]LotAge, 0, len(lots))
	for _, c := range lots {
		m, err := tax.MonthsBetween(c.Date, date)
		if err != nil {
			return nil, err
		}
		left, next, ok := tax.NextBracket(m)
		out = append(out, LotAge{
			Contribution: c,
			MonthsHeld:   m,
			Rate:         tax.RegressiveRate(m),
			MonthsToNext: left,
			NextRate:     next,
			Final:        !ok,
		})
	}
	return out, nil
}

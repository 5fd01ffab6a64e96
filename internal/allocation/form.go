package allocation

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrTotal is returned when submitted shares do not add up to Target.
	ErrTotal = errors.New("allocation must sum to 100%")
	// ErrRange is returned when a single share is outside 0..Target.
	ErrRange = errors.New("each allocation must be between 0% and 100%")
)

// FieldPrefix prefixes the form field name of every slider.
const FieldPrefix = "alloc_"

// FieldName is the form field carrying fundID's share.
func FieldName(fundID uint) string {
	return FieldPrefix + strconv.FormatUint(uint64(fundID), 10)
}

// Share is one fund's percentage in a submitted allocation.
type Share struct {
	FundID uint
	Pct    int
}

// FromForm builds the state of a submitted form. lookup returns the raw
// value of a form field, or "" when the field is missing.
func FromForm(fundIDs []uint, lookup func(string) string) State {
	st := State{Sliders: make([]Slider, 0, len(fundIDs))}
	for _, id := range fundIDs {
		st.Sliders = append(st.Sliders, Slider{FundID: id, Raw: lookup(FieldName(id))})
	}
	return st
}

// Shares returns the non-zero shares in slider order.
func (st State) Shares() []Share {
	var out []Share
	for _, s := range st.Sliders {
		if v := s.Value(); v > 0 {
			out = append(out, Share{FundID: s.FundID, Pct: v})
		}
	}
	return out
}

// Validate checks every share is within 0..Target, then the aggregate total
// with the same rule the page uses to enable its submit control.
func (st State) Validate() error {
	for _, s := range st.Sliders {
		if v := s.Value(); v < 0 || v > Target {
			return fmt.Errorf("%w (fund #%d: %d%%)", ErrRange, s.FundID, v)
		}
	}
	if total := st.Total(); !Valid(total) {
		return fmt.Errorf("%w (got %d%%)", ErrTotal, total)
	}
	return nil
}

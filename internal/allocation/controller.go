// Package allocation computes the running percentage total of a fund
// allocation form. The page state is an explicit State value; every input
// event re-derives the View from it instead of mutating labels in place.
package allocation

import (
	"fmt"
	"strings"
)

// Target is the only valid aggregate total.
const Target = 100

// Role classifies the element an input event came from.
type Role string

const (
	RoleSlider Role = "allocation-slider"
)

// Color is a CSS color applied to the aggregate total label.
type Color string

const (
	ColorSuccess Color = "#198754"
	ColorError   Color = "#dc3545"
)

// Slider is one fund's share control. Raw is the value exactly as the
// control reported it.
type Slider struct {
	FundID uint   `json:"fund_id"`
	Raw    string `json:"value"`
	// NoLabel marks a slider whose page has no display label for it.
	NoLabel bool `json:"-"`
}

// Value is the slider's parsed percentage.
func (s Slider) Value() int { return ParseValue(s.Raw) }

// State is the ordered set of sliders on one allocation form.
type State struct {
	Sliders []Slider `json:"sliders"`
}

// Set replaces the raw value of the slider for fundID.
// It reports false when the form has no such slider.
func (st *State) Set(fundID uint, raw string) bool {
	for i := range st.Sliders {
		if st.Sliders[i].FundID == fundID {
			st.Sliders[i].Raw = raw
			return true
		}
	}
	return false
}

// Total is the sum of all slider values.
func (st State) Total() int {
	sum := 0
	for _, s := range st.Sliders {
		sum += s.Value()
	}
	return sum
}

// View is what the page shows for a State.
type View struct {
	Labels         map[uint]string `json:"labels"`
	Total          int             `json:"total"`
	TotalLabel     string          `json:"total_label"`
	TotalColor     Color           `json:"total_color"`
	SubmitDisabled bool            `json:"submit_disabled"`
}

// Render derives the full view for st.
func Render(st State) View {
	v := summary(st.Total())
	for _, s := range st.Sliders {
		if s.NoLabel {
			continue
		}
		v.Labels[s.FundID] = Label(s.Value())
	}
	return v
}

func summary(total int) View {
	v := View{
		Labels:         make(map[uint]string),
		Total:          total,
		TotalLabel:     Label(total),
		TotalColor:     ColorError,
		SubmitDisabled: true,
	}
	if Valid(total) {
		v.TotalColor = ColorSuccess
		v.SubmitDisabled = false
	}
	return v
}

// Valid reports whether total is an acceptable aggregate.
func Valid(total int) bool { return total == Target }

// Label formats a percentage for display.
func Label(v int) string { return fmt.Sprintf("%d%%", v) }

// ParseValue reads the leading, optionally signed, integer of raw. Anything
// that does not start with a number counts as zero. Magnitudes saturate at
// maxValue so a sum of sliders cannot overflow.
func ParseValue(raw string) int {
	s := strings.TrimSpace(raw)
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		if n > maxValue {
			n = maxValue
		}
	}
	if neg {
		return -n
	}
	return n
}

const maxValue = 1 << 24

// Event is a single input event reported by the page.
type Event struct {
	Role   Role   `json:"role"`
	FundID uint   `json:"fund_id"`
	Value  string `json:"value"`
}

// Controller keeps the live State of one form and dispatches input events
// through a table keyed by element role.
type Controller struct {
	state    State
	handlers map[Role]func(Event) View
}

// NewController starts a controller on a copy of st.
func NewController(st State) *Controller {
	c := &Controller{
		state: State{Sliders: append([]Slider(nil), st.Sliders...)},
	}
	c.handlers = map[Role]func(Event) View{
		RoleSlider: c.sliderInput,
	}
	return c
}

// HandleInput applies ev and returns the patch to apply to the page: the
// changed slider's label plus the shared total and submit state. The second
// result is false for events whose role the controller does not handle.
func (c *Controller) HandleInput(ev Event) (View, bool) {
	h, ok := c.handlers[ev.Role]
	if !ok {
		return View{}, false
	}
	return h(ev), true
}

func (c *Controller) sliderInput(ev Event) View {
	found := c.state.Set(ev.FundID, ev.Value)
	v := summary(c.state.Total())
	if !found {
		return v
	}
	for _, s := range c.state.Sliders {
		if s.FundID == ev.FundID && !s.NoLabel {
			v.Labels[s.FundID] = Label(s.Value())
		}
	}
	return v
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	return State{Sliders: append([]Slider(nil), c.state.Sliders...)}
}

// View renders the full current view.
func (c *Controller) View() View { return Render(c.state) }

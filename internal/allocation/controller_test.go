package allocation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sliders(values ...string) State {
	st := State{}
	for i, v := range values {
		st.Sliders = append(st.Sliders, Slider{FundID: uint(i + 1), Raw: v})
	}
	return st
}

func TestRenderExactlyHundred(t *testing.T) {
	v := Render(sliders("30", "30", "40"))
	require.Equal(t, 100, v.Total)
	require.Equal(t, "100%", v.TotalLabel)
	require.Equal(t, ColorSuccess, v.TotalColor)
	require.False(t, v.SubmitDisabled)
	require.Equal(t, map[uint]string{1: "30%", 2: "30%", 3: "40%"}, v.Labels)
}

func TestRenderShortOfHundred(t *testing.T) {
	v := Render(sliders("30", "30", "30"))
	require.Equal(t, "90%", v.TotalLabel)
	require.Equal(t, ColorError, v.TotalColor)
	require.True(t, v.SubmitDisabled)
}

func TestRenderOverHundred(t *testing.T) {
	v := Render(sliders("60", "50"))
	require.Equal(t, "110%", v.TotalLabel)
	require.Equal(t, ColorError, v.TotalColor)
	require.True(t, v.SubmitDisabled)
}

func TestMalformedValuesCountAsZero(t *testing.T) {
	v := Render(sliders("60", "", "abc", "40"))
	require.Equal(t, 100, v.Total)
	require.Equal(t, "0%", v.Labels[2])
	require.Equal(t, "0%", v.Labels[3])
	require.False(t, v.SubmitDisabled)
}

func TestRenderKeepsOutOfRangeValues(t *testing.T) {
	v := Render(sliders("150", "0"))
	require.Equal(t, 150, v.Total)
	require.Equal(t, "150%", v.TotalLabel)
	require.Equal(t, "150%", v.Labels[1])
	require.True(t, v.SubmitDisabled)
}

func TestParseValue(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"  ":    0,
		"abc":   0,
		"42":    42,
		" 42 ":  42,
		"+7":    7,
		"30.9":  30,
		"25px":  25,
		"-5":    -5,
		"150":   150,
		"99999": 99999,
		"- 3":   0,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParseValue(raw), "raw %q", raw)
	}
}

func TestHandleInputPatchesOnlyChangedSlider(t *testing.T) {
	c := NewController(sliders("30", "30", "30"))

	patch, ok := c.HandleInput(Event{Role: RoleSlider, FundID: 3, Value: "40"})
	require.True(t, ok)
	require.Equal(t, map[uint]string{3: "40%"}, patch.Labels)
	require.Equal(t, "100%", patch.TotalLabel)
	require.Equal(t, ColorSuccess, patch.TotalColor)
	require.False(t, patch.SubmitDisabled)

	full := c.View()
	require.Equal(t, "30%", full.Labels[1])
	require.Equal(t, "30%", full.Labels[2])
	require.Equal(t, "40%", full.Labels[3])
}

func TestHandleInputIgnoresOtherRoles(t *testing.T) {
	c := NewController(sliders("50", "50"))
	_, ok := c.HandleInput(Event{Role: "amount-field", FundID: 1, Value: "10"})
	require.False(t, ok)
	require.Equal(t, 100, c.State().Total())
}

func TestHandleInputUnknownFundKeepsTotal(t *testing.T) {
	c := NewController(sliders("50", "50"))
	patch, ok := c.HandleInput(Event{Role: RoleSlider, FundID: 9, Value: "10"})
	require.True(t, ok)
	require.Empty(t, patch.Labels)
	require.Equal(t, 100, patch.Total)
}

func TestSliderWithoutLabelIsSkipped(t *testing.T) {
	st := sliders("50", "50")
	st.Sliders[1].NoLabel = true
	c := NewController(st)

	patch, ok := c.HandleInput(Event{Role: RoleSlider, FundID: 2, Value: "20"})
	require.True(t, ok)
	require.Empty(t, patch.Labels)
	require.Equal(t, "70%", patch.TotalLabel)
	require.NotContains(t, Render(st).Labels, uint(2))
}

func TestControllerCopiesState(t *testing.T) {
	st := sliders("10")
	c := NewController(st)
	c.HandleInput(Event{Role: RoleSlider, FundID: 1, Value: "90"})
	require.Equal(t, "10", st.Sliders[0].Raw)
	require.Equal(t, "90", c.State().Sliders[0].Raw)
}

func TestFromFormAndValidate(t *testing.T) {
	form := map[string]string{"alloc_1": "70", "alloc_3": "30", "alloc_2": ""}
	st := FromForm([]uint{1, 2, 3}, func(k string) string { return form[k] })
	require.NoError(t, st.Validate())
	require.Equal(t, []Share{{FundID: 1, Pct: 70}, {FundID: 3, Pct: 30}}, st.Shares())

	form["alloc_3"] = "20"
	st = FromForm([]uint{1, 2, 3}, func(k string) string { return form[k] })
	err := st.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTotal))
	require.Contains(t, err.Error(), "got 90%")
}

func TestValidateRejectsOutOfRangeShares(t *testing.T) {
	for _, tc := range []State{
		sliders("250"),
		sliders("-50", "150"),
		sliders("100", "-0", "101"),
	} {
		err := tc.Validate()
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrRange), err.Error())
	}
	require.NoError(t, sliders("100", "-0").Validate())
}

func TestFieldName(t *testing.T) {
	require.Equal(t, "alloc_12", FieldName(12))
}

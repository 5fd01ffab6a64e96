// Package report renders fund performance charts and certificate statements.
package report

import (
	"errors"
	"io"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrNoReturns is returned when a fund has no return series to plot.
var ErrNoReturns = errors.New("fund has no return series")

var (
	chartBackground = drawing.ColorFromHex("263238")
	chartLine       = drawing.ColorFromHex("26C6DA")
	chartText       = drawing.ColorWhite
)

// NAVPath replays returns from initial. The result has len(returns)+1 points.
func NAVPath(initial float64, returns []float64) []float64 {
	navs := make([]float64, 0, len(returns)+1)
	nav := initial
	navs = append(navs, nav)
	for _, r := range returns {
		nav *= 1 + r
		navs = append(navs, nav)
	}
	return navs
}

// PerformancePNG draws one cycle of a fund's NAV path as a PNG.
func PerformancePNG(w io.Writer, name string, initial float64, returns []float64) error {
	if len(returns) == 0 {
		return ErrNoReturns
	}
	navs := NAVPath(initial, returns)
	xs := make([]float64, len(navs))
	lo, hi := navs[0], navs[0]
	for i, v := range navs {
		xs[i] = float64(i)
		lo = min(lo, v)
		hi = max(hi, v)
	}

	text := chart.Style{FontColor: chartText, StrokeColor: chartText}
	yAxis := chart.YAxis{Name: "NAV (R$)", NameStyle: text, Style: text}
	// go-chart refuses a zero-height range
	if hi-lo < 1e-9 {
		pad := max(hi*0.01, 0.01)
		yAxis.Range = &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
	}

	ch := chart.Chart{
		Title:      name + " - Performance",
		TitleStyle: chart.Style{FontColor: chartText},
		Width:      800,
		Height:     300,
		Background: chart.Style{
			FillColor: chartBackground,
			Padding:   chart.Box{Top: 24, Left: 16, Right: 16, Bottom: 16},
		},
		Canvas: chart.Style{FillColor: chartBackground},
		XAxis:  chart.XAxis{Name: "Month", NameStyle: text, Style: text},
		YAxis:  yAxis,
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    name,
				XValues: xs,
				YValues: navs,
				Style: chart.Style{
					StrokeColor: chartLine,
					StrokeWidth: 2,
					FillColor:   chartLine.WithAlpha(40),
				},
			},
		},
	}
	return ch.Render(chart.PNG, w)
}

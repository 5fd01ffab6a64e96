package report

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
	"github.com/vesaa/prevsim/internal/engine"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/store"
)

// Statement is everything printed on a certificate statement.
type Statement struct {
	Investor    string
	Certificate *models.Certificate
	Date        string
	Value       float64
	Basis       float64
	Holdings    []models.Holding
	Lots        []engine.LotAge
	Withdrawals []models.Withdrawal
}

// BuildStatement gathers a certificate statement as of the sim date.
func BuildStatement(s *store.Store, userID, certID uint) (*Statement, error) {
	cert, err := s.OwnedCertificate(userID, certID)
	if err != nil {
		return nil, err
	}
	u, err := s.User(userID)
	if err != nil {
		return nil, err
	}
	st := &Statement{Investor: u.Username, Certificate: cert}
	if st.Date, err = s.SimDate(); err != nil {
		return nil, err
	}
	if st.Value, err = s.CertificateValue(cert.ID); err != nil {
		return nil, err
	}
	if st.Basis, err = s.TotalRemaining(cert.ID); err != nil {
		return nil, err
	}
	if st.Holdings, err = s.Holdings(cert.ID); err != nil {
		return nil, err
	}
	lots, err := s.OpenLots(cert.ID)
	if err != nil {
		return nil, err
	}
	if st.Lots, err = engine.Aging(lots, st.Date); err != nil {
		return nil, err
	}
	if st.Withdrawals, err = s.Withdrawals(cert.ID); err != nil {
		return nil, err
	}
	return st, nil
}

const (
	marginLeft   = 15.0
	marginTop    = 15.0
	marginRight  = 15.0
	marginBottom = 20.0
	contentWidth = 210.0 - marginLeft - marginRight
)

// PDF writes the statement as an A4 PDF.
func (st *Statement) PDF(w io.Writer) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginLeft, marginTop, marginRight)
	pdf.SetAutoPageBreak(true, marginBottom)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	c := st.Certificate

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 18)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(contentWidth, 10, tr(fmt.Sprintf("Certificate #%d statement", c.ID)), "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(50, 50, 50)
	for _, line := range []string{
		fmt.Sprintf("Investor: %s", st.Investor),
		fmt.Sprintf("Plan: %s - %s", c.Plan.Type, c.Plan.Name),
		fmt.Sprintf("Opened: %s    Statement date: %s", c.CreatedDate, st.Date),
		fmt.Sprintf("Tax regime: %s", regimeLabel(c.TaxRegime)),
		fmt.Sprintf("Value: %s    Cost basis: %s    Gain: %s",
			money.Format(st.Value), money.Format(st.Basis), money.Format(st.Value-st.Basis)),
	} {
		pdf.CellFormat(contentWidth, 7, tr(line), "", 1, "L", false, 0, "")
	}

	section(pdf, "Holdings")
	table(pdf, tr, []float64{80, 30, 35, 35}, []string{"Fund", "Units", "NAV", "Value"}, func(row func(...string)) {
		for _, h := range st.Holdings {
			row(h.Fund.Name, fmt.Sprintf("%.4f", h.Units), fmt.Sprintf("%.4f", h.Fund.CurrentNAV), money.Format(h.MarketValue()))
		}
	})

	section(pdf, "Open tax lots")
	table(pdf, tr, []float64{28, 32, 32, 22, 22, 44}, []string{"Date", "Source", "Basis left", "Months", "Rate", "Next bracket"}, func(row func(...string)) {
		for _, l := range st.Lots {
			next := "final"
			if !l.Final {
				next = fmt.Sprintf("%s in %d mo", money.Percent(l.NextRate), l.MonthsToNext)
			}
			row(l.Date, string(l.SourceType), money.Format(l.RemainingAmount), fmt.Sprintf("%d", l.MonthsHeld), money.Percent(l.Rate), next)
		}
	})

	section(pdf, "Withdrawals")
	table(pdf, tr, []float64{30, 30, 40, 40, 40}, []string{"Date", "Regime", "Gross", "Tax", "Net"}, func(row func(...string)) {
		for _, wd := range st.Withdrawals {
			row(wd.Date, string(wd.Regime), money.Format(wd.GrossAmount), money.Format(wd.TaxWithheld), money.Format(wd.NetAmount))
		}
	})

	return pdf.Output(w)
}

func regimeLabel(r models.TaxRegime) string {
	if r == models.RegimeUnset {
		return "not chosen"
	}
	return string(r)
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 13)
	pdf.SetTextColor(0, 51, 102)
	pdf.CellFormat(contentWidth, 8, title, "", 1, "L", false, 0, "")
}

func table(pdf *fpdf.Fpdf, tr func(string) string, widths []float64, header []string, rows func(row func(...string))) {
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(245, 247, 250)
	pdf.SetTextColor(50, 50, 50)
	for i, h := range header {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 10)
	n := 0
	rows(func(cells ...string) {
		for i, v := range cells {
			align := "R"
			if i == 0 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 6, tr(v), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
		n++
	})
	if n == 0 {
		var total float64
		for _, w := range widths {
			total += w
		}
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(total, 6, "None", "1", 1, "C", false, 0, "")
	}
}

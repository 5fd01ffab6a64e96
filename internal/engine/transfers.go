package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/tax"
)

// ErrSchedule is returned for a port-in schedule that cannot be applied.
var ErrSchedule = errors.New("invalid port-in schedule")

// transferOut ports value to another institution. Lots are consumed like a
// portability but the money leaves the simulation untaxed.
func transferOut(tx *store.Store, r *models.Request, date string) (string, error) {
	cert, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	if r.Details.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	if strings.TrimSpace(r.Details.Institution) == "" {
		return "", ErrNoInstitution
	}
	value, err := tx.CertificateValue(cert.ID)
	if err != nil {
		return "", err
	}
	amount := math.Min(r.Details.Amount, value)
	if amount <= 0 {
		return "", ErrInsufficientFunds
	}
	remaining, err := tx.TotalRemaining(cert.ID)
	if err != nil {
		return "", err
	}
	if err := sell(tx, cert.ID, amount); err != nil {
		return "", err
	}
	consumed, err := tx.ConsumeLotsFIFO(cert.ID, amount*remaining/value)
	if err != nil {
		return "", err
	}
	rows := auditRows(string(models.RequestTransferOut), r.ID, consumed, tax.Result{}, cert.TaxRegime, date)
	if err := tx.AddLotAllocations(rows); err != nil {
		return "", err
	}
	return fmt.Sprintf("External transfer-out: %s from certificate #%d to %s",
		money.Format(amount), cert.ID, r.Details.Institution), nil
}

// transferIn brings value in from another institution. The amount is split
// into lots backdated per the stored port-in schedule and invested per the
// certificate's targets.
func transferIn(tx *store.Store, r *models.Request, date string) (string, error) {
	cert, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	amount := r.Details.Amount
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if strings.TrimSpace(r.Details.Institution) == "" {
		return "", ErrNoInstitution
	}
	targets, err := tx.TargetAllocations(cert.ID)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	sched, err := tx.PortInSchedule()
	if err != nil {
		return "", err
	}
	if err := ValidatePortInSchedule(sched); err != nil {
		return "", err
	}

	var lots []string
	for _, tr := range sched {
		part := amount * tr.Pct / 100
		if part <= money.Epsilon {
			continue
		}
		d, err := YearsBefore(date, tr.YearsAgo)
		if err != nil {
			return "", err
		}
		lot := &models.Contribution{
			CertificateID:   cert.ID,
			Amount:          part,
			GrossAmount:     part,
			RemainingAmount: part,
			Date:            d,
			SourceType:      models.SourceTransferExternal,
		}
		if err := tx.AddContribution(lot); err != nil {
			return "", err
		}
		lots = append(lots, fmt.Sprintf("%s dated %s", money.Format(part), d))
	}
	if err := buy(tx, cert.ID, amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("External transfer-in: %s to certificate #%d from %s (%d lot(s): %s)",
		money.Format(amount), cert.ID, r.Details.Institution, len(lots), strings.Join(lots, "; ")), nil
}

// YearsBefore moves date back n years. Feb 29 lands on Feb 28 in a
// non-leap year.
func YearsBefore(date string, n int) (string, error) {
	t, err := time.Parse(tax.DateLayout, date)
	if err != nil {
		return "", fmt.Errorf("parsing date %q: %w", date, err)
	}
	y := t.Year() - n
	last := time.Date(y, t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return time.Date(y, t.Month(), min(t.Day(), last), 0, 0, 0, 0, time.UTC).Format(tax.DateLayout), nil
}

// ValidatePortInSchedule requires positive shares summing to 100% and
// non-negative ages.
func ValidatePortInSchedule(sched []models.PortInTranche) error {
	if len(sched) == 0 {
		return fmt.Errorf("%w: no tranches", ErrSchedule)
	}
	var sum float64
	for _, tr := range sched {
		if tr.Pct <= 0 || tr.YearsAgo < 0 {
			return fmt.Errorf("%w: %g%% %d year(s) ago", ErrSchedule, tr.Pct, tr.YearsAgo)
		}
		sum += tr.Pct
	}
	if math.Abs(sum-100) > money.Epsilon {
		return fmt.Errorf("%w: shares sum to %g%%", ErrSchedule, sum)
	}
	return nil
}

// ParsePortInSchedule reads "pct:years" pairs separated by commas, for
// example "30:1, 30:5, 40:11".
func ParsePortInSchedule(raw string) ([]models.PortInTranche, error) {
	var out []models.PortInTranche
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pct, years, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not pct:years", ErrSchedule, part)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(pct), "%")), 64)
		if err != nil || math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: bad share in %q", ErrSchedule, part)
		}
		y, err := strconv.Atoi(strings.TrimSpace(years))
		if err != nil {
			return nil, fmt.Errorf("%w: bad years in %q", ErrSchedule, part)
		}
		out = append(out, models.PortInTranche{Pct: p, YearsAgo: y})
	}
	if err := ValidatePortInSchedule(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatPortInSchedule is the inverse of ParsePortInSchedule.
func FormatPortInSchedule(sched []models.PortInTranche) string {
	parts := make([]string, len(sched))
	for i, tr := range sched {
		parts[i] = fmt.Sprintf("%s:%d", strconv.FormatFloat(tr.Pct, 'f', -1, 64), tr.YearsAgo)
	}
	return strings.Join(parts, ", ")
}

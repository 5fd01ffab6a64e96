package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/internal/store"
	"github.com/vesaa/prevsim/internal/tax"
)

// sellTolerance lets a request ask for slightly more than the value left
// after NAVs moved since it was queued.
const sellTolerance = 1.001

func requestCertificate(tx *store.Store, r *models.Request) (*models.Certificate, error) {
	if r.CertificateID == nil {
		return nil, fmt.Errorf("request has no certificate: %w", store.ErrNotFound)
	}
	c, err := tx.Certificate(*r.CertificateID)
	if err != nil {
		return nil, fmt.Errorf("certificate #%d: %w", *r.CertificateID, err)
	}
	return c, nil
}

// sell reduces every holding of the certificate by the same fraction so that
// amount is raised.
func sell(tx *store.Store, certID uint, amount float64) error {
	hs, err := tx.Holdings(certID)
	if err != nil {
		return err
	}
	var total float64
	for _, h := range hs {
		total += h.MarketValue()
	}
	if total <= 0 || amount > total*sellTolerance {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, money.Format(amount), money.Format(total))
	}
	frac := math.Min(1, amount/total)
	for _, h := range hs {
		if err := tx.SetHolding(certID, h.FundID, h.Units*(1-frac)); err != nil {
			return err
		}
	}
	return nil
}

// buy invests amount in the certificate per its target allocation.
func buy(tx *store.Store, certID uint, amount float64) error {
	targets, err := tx.TargetAllocations(certID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}
	hs, err := tx.Holdings(certID)
	if err != nil {
		return err
	}
	held := make(map[uint]float64, len(hs))
	for _, h := range hs {
		held[h.FundID] = h.Units
	}
	for _, t := range targets {
		if t.Fund.CurrentNAV <= 0 {
			continue
		}
		units := amount * t.Pct / 100 / t.Fund.CurrentNAV
		if err := tx.SetHolding(certID, t.FundID, held[t.FundID]+units); err != nil {
			return err
		}
	}
	return nil
}

func checkQualified(tx *store.Store, userID uint, shares []models.AllocationShare) error {
	u, err := tx.User(userID)
	if err != nil {
		return err
	}
	if !u.IsRetail {
		return nil
	}
	for _, sh := range shares {
		f, err := tx.Fund(sh.FundID)
		if err != nil {
			return fmt.Errorf("fund #%d: %w", sh.FundID, err)
		}
		if f.QualifiedOnly && sh.Pct > 0 {
			return fmt.Errorf("%s: %w", f.Name, ErrQualifiedOnly)
		}
	}
	return nil
}

// fundSwap sells everything and rebuys the new allocation. Lots are untouched.
func fundSwap(tx *store.Store, r *models.Request, _ string) (string, error) {
	cert, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	if len(r.Details.NewAllocations) == 0 {
		return "", ErrNoTargets
	}
	if err := checkQualified(tx, cert.UserID, r.Details.NewAllocations); err != nil {
		return "", err
	}
	value, err := tx.CertificateValue(cert.ID)
	if err != nil {
		return "", err
	}
	hs, err := tx.Holdings(cert.ID)
	if err != nil {
		return "", err
	}
	for _, h := range hs {
		if err := tx.SetHolding(cert.ID, h.FundID, 0); err != nil {
			return "", err
		}
	}
	if err := tx.SetTargetAllocations(cert.ID, r.Details.NewAllocations); err != nil {
		return "", err
	}
	if value > 0 {
		if err := buy(tx, cert.ID, value); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Fund swap completed for certificate #%d (%s reallocated)", cert.ID, money.Format(value)), nil
}

// WithdrawalTax computes the tax a withdrawal of amount from cert would pay
// on date under regime, without changing anything. It also returns the
// certificate value the amount is clamped to.
func WithdrawalTax(s *store.Store, cert *models.Certificate, regime models.TaxRegime, amount float64, date string) (tax.Result, float64, error) {
	value, err := s.CertificateValue(cert.ID)
	if err != nil {
		return tax.Result{}, 0, err
	}
	amount = math.Min(amount, value)
	open, err := s.OpenLots(cert.ID)
	if err != nil {
		return tax.Result{}, value, err
	}
	lots := make([]tax.Lot, 0, len(open))
	var remaining float64
	for _, c := range open {
		months, err := tax.MonthsBetween(c.Date, date)
		if err != nil {
			return tax.Result{}, value, err
		}
		lots = append(lots, tax.Lot{ContributionID: c.ID, Remaining: c.RemainingAmount, MonthsHeld: months})
		remaining += c.RemainingAmount
	}
	return tax.Compute(regime, lots, amount, cert.Plan.Type, remaining, value), value, nil
}

func withdrawal(tx *store.Store, r *models.Request, date string) (string, error) {
	cert, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	if r.Details.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	regime := cert.TaxRegime
	if regime == models.RegimeUnset {
		if !r.Details.TaxRegime.Valid() {
			return "", ErrNoRegime
		}
		regime = r.Details.TaxRegime
		if err := tx.SetTaxRegime(cert.ID, regime); err != nil {
			return "", err
		}
	}

	res, value, err := WithdrawalTax(tx, cert, regime, r.Details.Amount, date)
	if err != nil {
		return "", err
	}
	amount := math.Min(r.Details.Amount, value)
	if amount <= 0 {
		return "", ErrInsufficientFunds
	}
	if err := sell(tx, cert.ID, amount); err != nil {
		return "", err
	}
	consumed, err := tx.ConsumeLotsFIFO(cert.ID, res.BasisConsumed)
	if err != nil {
		return "", err
	}

	w := &models.Withdrawal{
		CertificateID: cert.ID,
		GrossAmount:   res.Gross,
		TaxWithheld:   res.Tax,
		NetAmount:     res.Net,
		Date:          date,
		Regime:        regime,
		Breakdown:     res.Breakdown,
	}
	if err := tx.AddWithdrawal(w); err != nil {
		return "", err
	}
	if err := tx.AddLotAllocations(auditRows("withdrawal", w.ID, consumed, res, regime, date)); err != nil {
		return "", err
	}
	if err := tx.AddCash(cert.UserID, res.Net); err != nil {
		return "", err
	}
	return fmt.Sprintf("Withdrawal from certificate #%d: gross %s, tax %s, net %s -> brokerage",
		cert.ID, money.Format(res.Gross), money.Format(res.Tax), money.Format(res.Net)), nil
}

// auditRows turns consumed lots into lot allocation rows. Regressive rows
// carry their own lot's tax; progressive rows share the withholding pro rata.
func auditRows(outflow string, id uint, consumed []store.ConsumedLot, res tax.Result, regime models.TaxRegime, date string) []models.LotAllocation {
	byLot := make(map[uint]models.LotTax, len(res.Breakdown))
	for _, b := range res.Breakdown {
		byLot[b.ContributionID] = b
	}
	rows := make([]models.LotAllocation, 0, len(consumed))
	for _, c := range consumed {
		months, _ := tax.MonthsBetween(c.Date, date)
		row := models.LotAllocation{
			OutflowType:    outflow,
			OutflowID:      id,
			ContributionID: c.ContributionID,
			ConsumedAmount: money.Round2(c.Consumed),
			MonthsHeld:     months,
		}
		switch {
		case outflow != "withdrawal":
		case regime == models.RegimeRegressive:
			if b, ok := byLot[c.ContributionID]; ok {
				row.TaxRate, row.TaxableBase, row.TaxAmount = b.Rate, b.Taxable, b.Tax
			}
		case res.BasisConsumed > 0:
			share := c.Consumed / res.BasisConsumed
			row.TaxRate = tax.ProgressiveWithholding
			row.TaxableBase = money.Round2(res.TaxableBase * share)
			row.TaxAmount = money.Round2(res.Tax * share)
		}
		rows = append(rows, row)
	}
	return rows
}

func contribution(tx *store.Store, r *models.Request, date string) (string, error) {
	cert, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	amount := r.Details.Amount
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	targets, err := tx.TargetAllocations(cert.ID)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	cash, err := tx.Cash(cert.UserID)
	if err != nil {
		return "", err
	}
	if cash+money.Epsilon < amount {
		return "", fmt.Errorf("%w: %s < %s", ErrInsufficientCash, money.Format(cash), money.Format(amount))
	}

	var iof float64
	if cert.Plan.Type == models.PlanVGBL {
		iof, err = ContributionIOF(tx, cert.UserID, amount, date)
		if err != nil {
			return "", err
		}
	}
	if err := tx.AddCash(cert.UserID, -amount); err != nil {
		return "", err
	}
	net := amount - iof
	lot := &models.Contribution{
		CertificateID:   cert.ID,
		Amount:          net,
		GrossAmount:     amount,
		RemainingAmount: net,
		Date:            date,
		SourceType:      models.SourceContribution,
	}
	if err := tx.AddContribution(lot); err != nil {
		return "", err
	}
	if err := buy(tx, cert.ID, net); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Contribution to certificate #%d: %s invested", cert.ID, money.Format(net))
	if iof > 0 {
		msg += fmt.Sprintf(", IOF %s", money.Format(iof))
	}
	return msg, nil
}

// ContributionIOF is the IOF a VGBL contribution of amount made on date
// would pay, given what the user already contributed or declared that year.
func ContributionIOF(s *store.Store, userID uint, amount float64, date string) (float64, error) {
	if len(date) < 4 {
		return 0, fmt.Errorf("bad date %q", date)
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0, fmt.Errorf("bad date %q: %w", date, err)
	}
	internal, err := s.VGBLContributedInYear(userID, year)
	if err != nil {
		return 0, err
	}
	declared, err := s.IOFDeclaration(userID, year)
	if err != nil {
		return 0, err
	}
	return tax.IOF(internal+declared, amount), nil
}

// portability moves value between two certificates of the same plan type.
// Consumed lots are re-created at the destination with their original dates.
func portability(tx *store.Store, r *models.Request, date string) (string, error) {
	src, err := requestCertificate(tx, r)
	if err != nil {
		return "", err
	}
	dst, err := tx.Certificate(r.Details.DestinationCertID)
	if err != nil {
		return "", fmt.Errorf("destination certificate #%d: %w", r.Details.DestinationCertID, err)
	}
	if dst.ID == src.ID || dst.UserID != src.UserID {
		return "", fmt.Errorf("destination certificate #%d: %w", dst.ID, store.ErrNotFound)
	}
	if src.Plan.Type != dst.Plan.Type {
		return "", fmt.Errorf("%w (%s -> %s)", ErrPlanMismatch, src.Plan.Type, dst.Plan.Type)
	}
	if src.TaxRegime != models.RegimeUnset && dst.TaxRegime != models.RegimeUnset && src.TaxRegime != dst.TaxRegime {
		return "", fmt.Errorf("%w (%s -> %s)", ErrRegimeMismatch, src.TaxRegime, dst.TaxRegime)
	}
	if src.TaxRegime != models.RegimeUnset && dst.TaxRegime == models.RegimeUnset {
		if err := tx.SetTaxRegime(dst.ID, src.TaxRegime); err != nil {
			return "", err
		}
	}
	targets, err := tx.TargetAllocations(dst.ID)
	if err != nil {
		return "", err
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("destination: %w", ErrNoTargets)
	}

	value, err := tx.CertificateValue(src.ID)
	if err != nil {
		return "", err
	}
	amount := r.Details.Amount
	if amount <= 0 || amount > value {
		amount = value
	}
	if amount <= 0 {
		return "", ErrInsufficientFunds
	}
	remaining, err := tx.TotalRemaining(src.ID)
	if err != nil {
		return "", err
	}
	if err := sell(tx, src.ID, amount); err != nil {
		return "", err
	}
	consumed, err := tx.ConsumeLotsFIFO(src.ID, amount*remaining/value)
	if err != nil {
		return "", err
	}
	if err := tx.AddLotAllocations(auditRows("portability_out", r.ID, consumed, tax.Result{}, src.TaxRegime, date)); err != nil {
		return "", err
	}
	for _, c := range consumed {
		lot := &models.Contribution{
			CertificateID:   dst.ID,
			Amount:          c.Consumed,
			GrossAmount:     c.Consumed,
			RemainingAmount: c.Consumed,
			Date:            c.Date,
			SourceType:      models.SourceTransferInternal,
		}
		if err := tx.AddContribution(lot); err != nil {
			return "", err
		}
	}
	if err := buy(tx, dst.ID, amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("Portability: %s from certificate #%d to #%d (%d lot(s) moved, dates preserved)",
		money.Format(amount), src.ID, dst.ID, len(consumed)), nil
}

func brokerageWithdrawal(tx *store.Store, r *models.Request) (string, error) {
	amount := r.Details.Amount
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	cash, err := tx.Cash(r.UserID)
	if err != nil {
		return "", err
	}
	if cash+money.Epsilon < amount {
		return "", fmt.Errorf("%w: %s < %s", ErrInsufficientCash, money.Format(cash), money.Format(amount))
	}
	if err := tx.AddCash(r.UserID, -amount); err != nil {
		return "", err
	}
	return fmt.Sprintf("Brokerage withdrawal: %s removed from user #%d", money.Format(amount), r.UserID), nil
}

// IsUserError reports whether err is a business-rule failure the investor
// can fix, as opposed to a storage fault.
func IsUserError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInsufficientCash, ErrInsufficientFunds, ErrNoTargets,
		ErrNoRegime, ErrPlanMismatch, ErrRegimeMismatch, ErrQualifiedOnly,
		ErrNoInstitution, ErrSchedule,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

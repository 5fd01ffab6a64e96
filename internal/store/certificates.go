package store

import (
	"fmt"
	"math"

	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"gorm.io/gorm/clause"
)

// CreateCertificate opens a certificate dated at the simulation date.
func (s *Store) CreateCertificate(userID, planID uint, date, notes string) (*models.Certificate, error) {
	c := &models.Certificate{
		UserID:      userID,
		PlanID:      planID,
		CreatedDate: date,
		Phase:       models.PhaseAccumulation,
		Notes:       notes,
	}
	if err := s.DB.Omit("Plan").Create(c).Error; err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	return s.Certificate(c.ID)
}

// Certificate looks up a certificate with its plan.
func (s *Store) Certificate(id uint) (*models.Certificate, error) {
	var c models.Certificate
	if err := s.DB.Preload("Plan").First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// OwnedCertificate looks up a certificate only if userID owns it.
func (s *Store) OwnedCertificate(userID, id uint) (*models.Certificate, error) {
	c, err := s.Certificate(id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListCertificates returns a user's certificates, or everyone's for userID 0.
func (s *Store) ListCertificates(userID uint) ([]models.Certificate, error) {
	q := s.DB.Preload("Plan").Order("id")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	var certs []models.Certificate
	err := q.Find(&certs).Error
	return certs, err
}

// DeleteCertificate removes a certificate and everything hanging off it.
func (s *Store) DeleteCertificate(id uint) error {
	return s.Transaction(func(tx *Store) error {
		sub := tx.DB.Model(&models.Contribution{}).Select("id").Where("certificate_id = ?", id)
		if err := tx.DB.Where("contribution_id IN (?)", sub).Delete(&models.LotAllocation{}).Error; err != nil {
			return err
		}
		for _, m := range []any{&models.Contribution{}, &models.Withdrawal{}, &models.Holding{}, &models.TargetAllocation{}} {
			if err := tx.DB.Where("certificate_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := tx.DB.Unscoped().Where("certificate_id = ?", id).Delete(&models.Request{}).Error; err != nil {
			return err
		}
		return tx.DB.Unscoped().Delete(&models.Certificate{}, id).Error
	})
}

// SetTaxRegime locks the certificate's regime.
func (s *Store) SetTaxRegime(id uint, r models.TaxRegime) error {
	return s.DB.Model(&models.Certificate{}).Where("id = ?", id).Update("tax_regime", r).Error
}

// SetPhase moves the certificate between accumulation and spending.
func (s *Store) SetPhase(id uint, p models.Phase) error {
	return s.DB.Model(&models.Certificate{}).Where("id = ?", id).Update("phase", p).Error
}

// Holdings returns the certificate's positions with their funds, by fund name.
func (s *Store) Holdings(certID uint) ([]models.Holding, error) {
	var hs []models.Holding
	err := s.DB.Joins("Fund").Where("holdings.certificate_id = ?", certID).
		Order("Fund.name").Find(&hs).Error
	return hs, err
}

// SetHolding stores units of fundID; dust below money.Epsilon deletes the row.
func (s *Store) SetHolding(certID, fundID uint, units float64) error {
	if units <= money.Epsilon {
		return s.DB.Where("certificate_id = ? AND fund_id = ?", certID, fundID).Delete(&models.Holding{}).Error
	}
	return s.DB.Omit("Fund").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "certificate_id"}, {Name: "fund_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"units"}),
	}).Create(&models.Holding{CertificateID: certID, FundID: fundID, Units: units}).Error
}

// CertificateValue is Σ units × current NAV.
func (s *Store) CertificateValue(certID uint) (float64, error) {
	var v float64
	err := s.DB.Model(&models.Holding{}).
		Select("COALESCE(SUM(holdings.units * funds.current_nav), 0)").
		Joins("JOIN funds ON funds.id = holdings.fund_id").
		Where("holdings.certificate_id = ?", certID).
		Scan(&v).Error
	return v, err
}

// TargetAllocations returns the certificate's targets with their funds.
func (s *Store) TargetAllocations(certID uint) ([]models.TargetAllocation, error) {
	var ts []models.TargetAllocation
	err := s.DB.Joins("Fund").Where("target_allocations.certificate_id = ?", certID).
		Order("Fund.name").Find(&ts).Error
	return ts, err
}

// SetTargetAllocations replaces all targets; non-positive shares are dropped.
func (s *Store) SetTargetAllocations(certID uint, shares []models.AllocationShare) error {
	return s.Transaction(func(tx *Store) error {
		if err := tx.DB.Where("certificate_id = ?", certID).Delete(&models.TargetAllocation{}).Error; err != nil {
			return err
		}
		for _, sh := range shares {
			if sh.Pct <= 0 {
				continue
			}
			ta := models.TargetAllocation{CertificateID: certID, FundID: sh.FundID, Pct: sh.Pct}
			if err := tx.DB.Omit("Fund").Create(&ta).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AddContribution records a lot.
func (s *Store) AddContribution(c *models.Contribution) error {
	if c.SourceType == "" {
		c.SourceType = models.SourceContribution
	}
	return s.DB.Create(c).Error
}

// Contributions returns the certificate's lots oldest first.
func (s *Store) Contributions(certID uint) ([]models.Contribution, error) {
	var cs []models.Contribution
	err := s.DB.Where("certificate_id = ?", certID).Order("date, id").Find(&cs).Error
	return cs, err
}

// OpenLots returns lots that still carry cost basis, oldest first.
func (s *Store) OpenLots(certID uint) ([]models.Contribution, error) {
	var cs []models.Contribution
	err := s.DB.Where("certificate_id = ? AND remaining_amount > ?", certID, money.Epsilon).
		Order("date, id").Find(&cs).Error
	return cs, err
}

// TotalContributed sums every lot ever added.
func (s *Store) TotalContributed(certID uint) (float64, error) {
	var v float64
	err := s.DB.Model(&models.Contribution{}).Select("COALESCE(SUM(amount), 0)").
		Where("certificate_id = ?", certID).Scan(&v).Error
	return v, err
}

// TotalRemaining sums the unconsumed cost basis.
func (s *Store) TotalRemaining(certID uint) (float64, error) {
	var v float64
	err := s.DB.Model(&models.Contribution{}).Select("COALESCE(SUM(remaining_amount), 0)").
		Where("certificate_id = ? AND remaining_amount > ?", certID, money.Epsilon).Scan(&v).Error
	return v, err
}

// ConsumedLot is the part of a lot an outflow took.
type ConsumedLot struct {
	ContributionID uint
	Date           string
	SourceType     models.SourceType
	Consumed       float64
	RemainingAfter float64
}

// ConsumeLotsFIFO reduces remaining cost basis oldest lot first until basis
// is used up or no lot is left.
func (s *Store) ConsumeLotsFIFO(certID uint, basis float64) ([]ConsumedLot, error) {
	lots, err := s.OpenLots(certID)
	if err != nil {
		return nil, err
	}
	var out []ConsumedLot
	left := basis
	for _, c := range lots {
		if left <= money.Epsilon {
			break
		}
		take := math.Min(c.RemainingAmount, left)
		after := c.RemainingAmount - take
		if err := s.DB.Model(&models.Contribution{}).Where("id = ?", c.ID).
			Update("remaining_amount", after).Error; err != nil {
			return nil, err
		}
		out = append(out, ConsumedLot{
			ContributionID: c.ID,
			Date:           c.Date,
			SourceType:     c.SourceType,
			Consumed:       take,
			RemainingAfter: after,
		})
		left -= take
	}
	return out, nil
}

// VGBLContributedInYear sums the gross amount of a user's own VGBL
// contributions in year. Transfers do not count.
func (s *Store) VGBLContributedInYear(userID uint, year int) (float64, error) {
	var v float64
	err := s.DB.Model(&models.Contribution{}).
		Select("COALESCE(SUM(COALESCE(NULLIF(contributions.gross_amount, 0), contributions.amount)), 0)").
		Joins("JOIN certificates ON certificates.id = contributions.certificate_id").
		Joins("JOIN plans ON plans.id = certificates.plan_id").
		Where("certificates.user_id = ? AND plans.type = ? AND contributions.source_type = ?",
			userID, models.PlanVGBL, models.SourceContribution).
		Where("contributions.date BETWEEN ? AND ?",
			fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-12-31", year)).
		Scan(&v).Error
	return v, err
}

// AddWithdrawal records an executed withdrawal.
func (s *Store) AddWithdrawal(w *models.Withdrawal) error {
	return s.DB.Create(w).Error
}

// Withdrawals returns the certificate's withdrawals by date.
func (s *Store) Withdrawals(certID uint) ([]models.Withdrawal, error) {
	var ws []models.Withdrawal
	err := s.DB.Where("certificate_id = ?", certID).Order("date, id").Find(&ws).Error
	return ws, err
}

// AddLotAllocations stores the audit rows of an outflow.
func (s *Store) AddLotAllocations(rows []models.LotAllocation) error {
	if len(rows) == 0 {
		return nil
	}
	return s.DB.Create(&rows).Error
}

// LotAllocations returns the audit rows of one outflow.
func (s *Store) LotAllocations(outflowType string, outflowID uint) ([]models.LotAllocation, error) {
	var rows []models.LotAllocation
	err := s.DB.Where("outflow_type = ? AND outflow_id = ?", outflowType, outflowID).Order("id").Find(&rows).Error
	return rows, err
}

// CertificateLotAllocations returns every audit row touching the
// certificate's lots, newest first.
func (s *Store) CertificateLotAllocations(certID uint) ([]models.LotAllocation, error) {
	sub := s.DB.Model(&models.Contribution{}).Select("id").Where("certificate_id = ?", certID)
	var rows []models.LotAllocation
	err := s.DB.Where("contribution_id IN (?)", sub).Order("id desc").Find(&rows).Error
	return rows, err
}

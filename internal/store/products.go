package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vesaa/prevsim/internal/models"
)

// ErrInUse is returned when deleting a row other rows still reference.
var ErrInUse = errors.New("still in use")

// CreatePlan stores a new plan.
func (s *Store) CreatePlan(p *models.Plan) error {
	if !p.Type.Valid() {
		return fmt.Errorf("invalid plan type %q", p.Type)
	}
	return s.DB.Create(p).Error
}

// Plan looks up a plan by ID.
func (s *Store) Plan(id uint) (*models.Plan, error) {
	var p models.Plan
	if err := s.DB.First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ListPlans returns all plans by ID.
func (s *Store) ListPlans() ([]models.Plan, error) {
	var plans []models.Plan
	err := s.DB.Order("id").Find(&plans).Error
	return plans, err
}

// UpdatePlan rewrites a plan's fields. The type of a plan that already has
// certificates cannot change.
func (s *Store) UpdatePlan(p *models.Plan) error {
	if !p.Type.Valid() {
		return fmt.Errorf("invalid plan type %q", p.Type)
	}
	cur, err := s.Plan(p.ID)
	if err != nil {
		return err
	}
	if cur.Type != p.Type {
		var n int64
		if err := s.DB.Model(&models.Certificate{}).Where("plan_id = ?", p.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("plan %d has %d certificate(s), type cannot change: %w", p.ID, n, ErrInUse)
		}
	}
	return s.DB.Model(&models.Plan{}).Where("id = ?", p.ID).Updates(map[string]any{
		"type":      p.Type,
		"name":      p.Name,
		"plan_code": p.PlanCode,
		"fees_info": p.FeesInfo,
	}).Error
}

// DeletePlan removes a plan no certificate uses.
func (s *Store) DeletePlan(id uint) error {
	var n int64
	if err := s.DB.Model(&models.Certificate{}).Where("plan_id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("plan %d has %d certificate(s): %w", id, n, ErrInUse)
	}
	return s.DB.Unscoped().Delete(&models.Plan{}, id).Error
}

// CreateFund stores a new fund priced at its initial NAV.
func (s *Store) CreateFund(f *models.Fund) error {
	if f.InitialNAV <= 0 {
		f.InitialNAV = 1
	}
	f.CurrentNAV = f.InitialNAV
	return s.DB.Create(f).Error
}

// Fund looks up a fund by ID.
func (s *Store) Fund(id uint) (*models.Fund, error) {
	var f models.Fund
	if err := s.DB.First(&f, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ListFunds returns all funds, or only those open to retail investors.
func (s *Store) ListFunds(retailOnly bool) ([]models.Fund, error) {
	q := s.DB.Order("id")
	if retailOnly {
		q = q.Where("qualified_only = ?", false)
	}
	var funds []models.Fund
	err := q.Find(&funds).Error
	return funds, err
}

// UpdateFund rewrites a fund's descriptive fields. NAVs are left alone.
func (s *Store) UpdateFund(f *models.Fund) error {
	if _, err := s.Fund(f.ID); err != nil {
		return err
	}
	fields := map[string]any{
		"name":           f.Name,
		"description":    f.Description,
		"cnpj":           f.CNPJ,
		"qualified_only": f.QualifiedOnly,
	}
	if f.ReturnsFile != "" {
		fields["returns_file"] = f.ReturnsFile
	}
	return s.DB.Model(&models.Fund{}).Where("id = ?", f.ID).Updates(fields).Error
}

// FundsFor lists the funds a user may invest in.
func (s *Store) FundsFor(u *models.User) ([]models.Fund, error) {
	return s.ListFunds(u.IsRetail)
}

// DeleteFund removes a fund and its returns. Funds that are held or targeted
// by a certificate cannot be deleted.
func (s *Store) DeleteFund(id uint) error {
	return s.Transaction(func(tx *Store) error {
		var held, targeted int64
		if err := tx.DB.Model(&models.Holding{}).Where("fund_id = ?", id).Count(&held).Error; err != nil {
			return err
		}
		if err := tx.DB.Model(&models.TargetAllocation{}).Where("fund_id = ?", id).Count(&targeted).Error; err != nil {
			return err
		}
		if held+targeted > 0 {
			return fmt.Errorf("fund %d: %w", id, ErrInUse)
		}
		if err := tx.DB.Where("fund_id = ?", id).Delete(&models.FundReturn{}).Error; err != nil {
			return err
		}
		return tx.DB.Unscoped().Delete(&models.Fund{}, id).Error
	})
}

// SetNAV stores a fund's new NAV.
func (s *Store) SetNAV(fundID uint, nav float64) error {
	return s.DB.Model(&models.Fund{}).Where("id = ?", fundID).Update("current_nav", nav).Error
}

// FundReturns is the fund's monthly return series in order.
func (s *Store) FundReturns(fundID uint) ([]float64, error) {
	var rows []models.FundReturn
	if err := s.DB.Where("fund_id = ?", fundID).Order("month_idx").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.ReturnPct
	}
	return out, nil
}

// SetFundReturns replaces the fund's return series.
func (s *Store) SetFundReturns(fundID uint, returns []float64) error {
	return s.Transaction(func(tx *Store) error {
		if err := tx.DB.Where("fund_id = ?", fundID).Delete(&models.FundReturn{}).Error; err != nil {
			return err
		}
		if len(returns) == 0 {
			return nil
		}
		rows := make([]models.FundReturn, len(returns))
		for i, r := range returns {
			rows[i] = models.FundReturn{FundID: fundID, MonthIdx: i, ReturnPct: r}
		}
		return tx.DB.Create(&rows).Error
	})
}

// ParseReturnsCSV reads a two-column (month, return) CSV with a header row.
// "1.5%" is a percentage; a bare "0.015" is already a fraction.
func ParseReturnsCSV(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var out []float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 2 {
			continue
		}
		raw := strings.TrimSpace(rec[1])
		pct := strings.HasSuffix(raw, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad return %q: %w", line, rec[1], err)
		}
		if pct {
			v /= 100
		}
		out = append(out, v)
	}
}

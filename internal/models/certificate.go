package models

import (
	"time"

	"gorm.io/gorm"
)

// Phase of a certificate's life.
type Phase string

const (
	PhaseAccumulation Phase = "accumulation"
	PhaseSpending     Phase = "spending"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p == PhaseAccumulation || p == PhaseSpending }

// TaxRegime is chosen once, at the first withdrawal, and never changes.
type TaxRegime string

const (
	RegimeUnset       TaxRegime = ""
	RegimeProgressive TaxRegime = "progressive"
	RegimeRegressive  TaxRegime = "regressive"
)

// Valid reports whether r is a selectable regime.
func (r TaxRegime) Valid() bool { return r == RegimeProgressive || r == RegimeRegressive }

// Certificate is an investor's contract under a plan.
type Certificate struct {
	gorm.Model

	UserID      uint      `gorm:"index;not null" json:"user_id"`
	PlanID      uint      `gorm:"index;not null" json:"plan_id"`
	Plan        Plan      `json:"plan"`
	CreatedDate string    `gorm:"not null" json:"created_date"` // simulation date, YYYY-MM-DD
	Phase       Phase     `gorm:"default:'accumulation'" json:"phase"`
	TaxRegime   TaxRegime `json:"tax_regime"`
	Notes       string    `json:"notes"`
}

// Holding is the fractional number of fund units a certificate owns.
type Holding struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	CertificateID uint    `gorm:"uniqueIndex:idx_holding_cert_fund;not null" json:"certificate_id"`
	FundID        uint    `gorm:"uniqueIndex:idx_holding_cert_fund;not null" json:"fund_id"`
	Fund          Fund    `json:"fund"`
	Units         float64 `gorm:"not null;default:0" json:"units"`
}

// MarketValue is units times the fund's current NAV.
func (h Holding) MarketValue() float64 { return h.Units * h.Fund.CurrentNAV }

// TargetAllocation is the percentage of new money a certificate invests in a fund.
type TargetAllocation struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	CertificateID uint    `gorm:"uniqueIndex:idx_target_cert_fund;not null" json:"certificate_id"`
	FundID        uint    `gorm:"uniqueIndex:idx_target_cert_fund;not null" json:"fund_id"`
	Fund          Fund    `json:"fund"`
	Pct           float64 `gorm:"not null" json:"pct"`
}

// SourceType tells where a contribution lot came from.
type SourceType string

const (
	SourceContribution     SourceType = "contribution"
	SourceTransferInternal SourceType = "transfer_internal"
	SourceTransferExternal SourceType = "transfer_external"
)

// Contribution is a tax lot. RemainingAmount is the unconsumed cost basis;
// withdrawals consume lots oldest first.
type Contribution struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CertificateID   uint       `gorm:"index;not null" json:"certificate_id"`
	Amount          float64    `gorm:"not null" json:"amount"`
	GrossAmount     float64    `json:"gross_amount"` // before IOF
	RemainingAmount float64    `gorm:"not null" json:"remaining_amount"`
	Date            string     `gorm:"index;not null" json:"date"`
	SourceType      SourceType `gorm:"default:'contribution'" json:"source_type"`
	CreatedAt       time.Time  `json:"created_at"`
}

// LotTax is the tax computed on one consumed lot of a withdrawal.
type LotTax struct {
	ContributionID uint    `json:"contribution_id"`
	CostBasis      float64 `json:"cost_basis"`
	Gross          float64 `json:"gross"`
	MonthsHeld     int     `json:"months_held"`
	Rate           float64 `json:"rate"`
	Taxable        float64 `json:"taxable"`
	Tax            float64 `json:"tax"`
}

// Withdrawal is an executed redemption.
type Withdrawal struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CertificateID uint      `gorm:"index;not null" json:"certificate_id"`
	GrossAmount   float64   `gorm:"not null" json:"gross_amount"`
	TaxWithheld   float64   `gorm:"not null;default:0" json:"tax_withheld"`
	NetAmount     float64   `gorm:"not null" json:"net_amount"`
	Date          string    `gorm:"not null" json:"date"`
	Regime        TaxRegime `json:"regime"`
	Breakdown     []LotTax  `gorm:"serializer:json" json:"breakdown"`
	CreatedAt     time.Time `json:"created_at"`
}

// LotAllocation records which lots an outflow consumed, for audit.
type LotAllocation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OutflowType    string    `gorm:"index;not null" json:"outflow_type"`
	OutflowID      uint      `gorm:"index;not null" json:"outflow_id"`
	ContributionID uint      `gorm:"index;not null" json:"contribution_id"`
	ConsumedAmount float64   `gorm:"not null" json:"consumed_amount"`
	MonthsHeld     int       `json:"months_held"`
	TaxRate        float64   `json:"tax_rate"`
	TaxableBase    float64   `json:"taxable_base"`
	TaxAmount      float64   `json:"tax_amount"`
	CreatedAt      time.Time `json:"created_at"`
}

package models

import (
	"gorm.io/gorm"
)

// PlanType is the pension product family.
type PlanType string

const (
	// PlanPGBL contributions are tax deductible, so withdrawals are taxed in full.
	PlanPGBL PlanType = "PGBL"
	// PlanVGBL is taxed on earnings only.
	PlanVGBL PlanType = "VGBL"
)

// Valid reports whether t is a known plan type.
func (t PlanType) Valid() bool { return t == PlanPGBL || t == PlanVGBL }

// Plan is a product a certificate is opened under.
type Plan struct {
	gorm.Model

	Type     PlanType `gorm:"index;not null" json:"type"`
	Name     string   `gorm:"not null" json:"name"`
	FeesInfo string   `json:"fees_info"`
	PlanCode string   `json:"plan_code"`
}

// Fund is an investment fund certificates hold units of.
type Fund struct {
	gorm.Model

	Name          string  `gorm:"not null" json:"name"`
	Description   string  `json:"description"`
	CNPJ          string  `json:"cnpj"`
	QualifiedOnly bool    `gorm:"default:false" json:"is_qualified_only"`
	InitialNAV    float64 `gorm:"not null;default:1" json:"initial_nav"`
	CurrentNAV    float64 `gorm:"not null;default:1" json:"current_nav"`
	// ReturnsFile is the name of the uploaded CSV the returns came from.
	ReturnsFile string `json:"returns_file"`
}

// FundReturn is one month of a fund's cyclic return series.
type FundReturn struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	FundID    uint    `gorm:"uniqueIndex:idx_fund_month;not null" json:"fund_id"`
	MonthIdx  int     `gorm:"uniqueIndex:idx_fund_month;not null" json:"month_idx"`
	ReturnPct float64 `gorm:"not null" json:"return_pct"` // fraction, 0.01 = 1%
}

// Package models defines GORM data models for PrevSim.
package models

import (
	"gorm.io/gorm"
)

// User is an investor. Retail investors cannot buy qualified-only funds.
type User struct {
	gorm.Model

	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	IsRetail     bool   `gorm:"default:true" json:"is_retail"`
	PasswordHash string `json:"-"`
}

// BrokerageAccount holds the investor's uninvested cash. Net withdrawals land
// here and contributions are paid from it.
type BrokerageAccount struct {
	UserID uint    `gorm:"primaryKey" json:"user_id"`
	Cash   float64 `gorm:"not null;default:0" json:"cash"`
}

// SimState is a key/value row for the simulation clock and per-user settings.
type SimState struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

package models

import (
	"gorm.io/gorm"
)

// RequestType is the operation an investor queued for the next time step.
type RequestType string

const (
	RequestFundSwap            RequestType = "fund_swap"
	RequestWithdrawal          RequestType = "withdrawal"
	RequestContribution        RequestType = "contribution"
	RequestPortabilityOut      RequestType = "portability_out"
	RequestBrokerageWithdrawal RequestType = "brokerage_withdrawal"
	// RequestTransferOut ports value to another institution; it leaves the simulation.
	RequestTransferOut RequestType = "transfer_external_out"
	// RequestTransferIn ports value in from another institution.
	RequestTransferIn RequestType = "transfer_external_in"
)

// IsTransfer reports whether t moves value between certificates or institutions.
func (t RequestType) IsTransfer() bool {
	return t == RequestPortabilityOut || t == RequestTransferOut || t == RequestTransferIn
}

// RequestStatus is the lifecycle state of a request. Only pending requests
// can be rejected, cancelled or executed.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// AllocationShare is a fund and its target percentage.
type AllocationShare struct {
	FundID uint    `json:"fund_id"`
	Pct    float64 `json:"pct"`
}

// RequestDetails carries the type-specific parameters of a request.
type RequestDetails struct {
	Amount            float64           `json:"amount,omitempty"`
	TaxRegime         TaxRegime         `json:"tax_regime,omitempty"`
	NewAllocations    []AllocationShare `json:"new_allocations,omitempty"`
	DestinationCertID uint              `json:"destination_cert_id,omitempty"`
	IOFEstimated      float64           `json:"iof_estimated,omitempty"`
	// Institution is the other party of an external transfer.
	Institution string `json:"institution,omitempty"`
}

// PortInTranche is one dated slice of an external port-in: Pct percent of
// the amount becomes a lot dated YearsAgo years before the transfer.
type PortInTranche struct {
	Pct      float64 `json:"pct"`
	YearsAgo int     `json:"years_ago"`
}

// DefaultPortInSchedule applies until the sim backend stores another one.
var DefaultPortInSchedule = []PortInTranche{
	{Pct: 30, YearsAgo: 1},
	{Pct: 30, YearsAgo: 5},
	{Pct: 40, YearsAgo: 11},
}

// Request is a queued investor operation executed by the time engine.
type Request struct {
	gorm.Model

	Reference      string         `gorm:"uniqueIndex;size:36" json:"reference"`
	UserID         uint           `gorm:"index;not null" json:"user_id"`
	CertificateID  *uint          `gorm:"index" json:"certificate_id,omitempty"`
	Type           RequestType    `gorm:"index;not null" json:"type"`
	Status         RequestStatus  `gorm:"index;default:'pending'" json:"status"`
	Details        RequestDetails `gorm:"serializer:json" json:"details"`
	RejectedReason string         `json:"rejected_reason,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	CreatedDate    string         `gorm:"not null" json:"created_date"`
	CompletedDate  string         `json:"completed_date,omitempty"`
}

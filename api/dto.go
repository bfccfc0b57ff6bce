/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes for the REST surface. Kept separate from the domain entities so
  wire format changes never touch the engine: money and emissions serialize as
  fixed-point decimal strings, timestamps as RFC 3339.
*/
package api

import (
	"time"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateReportRequest creates a compliance report for one operator and period.
type CreateReportRequest struct {
	OperatorID       string `json:"operator_id"`
	CompliancePeriod int    `json:"compliance_period"`
}

// SubmitVersionRequest submits one report version with its computed summary.
type SubmitVersionRequest struct {
	ExcessEmissions   string `json:"excess_emissions"`
	CreditedEmissions string `json:"credited_emissions"`
}

// RecordPaymentRequest records cash received against an invoice.
type RecordPaymentRequest struct {
	Amount        string `json:"amount"`
	ReceiptNumber string `json:"receipt_number"`
}

// LoadScenarioRequest selects a demo scenario by name.
type LoadScenarioRequest struct {
	Name string `json:"name"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ReportDTO is one compliance report.
type ReportDTO struct {
	ID               int64  `json:"id"`
	OperatorID       string `json:"operator_id"`
	CompliancePeriod int    `json:"compliance_period"`
	CreatedAt        string `json:"created_at"`
}

// VersionDTO is one computed compliance outcome.
type VersionDTO struct {
	ID                     int64   `json:"id"`
	ReportID               int64   `json:"report_id"`
	ReportVersionID        int64   `json:"report_version_id"`
	Status                 string  `json:"status"`
	IsSupplementary        bool    `json:"is_supplementary"`
	PreviousVersionID      *int64  `json:"previous_version_id,omitempty"`
	ExcessEmissionsDelta   *string `json:"excess_emissions_delta,omitempty"`
	CreditedEmissionsDelta *string `json:"credited_emissions_delta,omitempty"`
	CreatedAt              string  `json:"created_at"`
}

// ObligationDTO is the money-owed record attached to a version.
type ObligationDTO struct {
	ID              int64  `json:"id"`
	InvoiceID       *int64 `json:"invoice_id,omitempty"`
	ObligatedTonnes string `json:"obligated_tonnes"`
	Fee             string `json:"fee"`
}

// EarnedCreditDTO is the credit issuance record attached to a version.
type EarnedCreditDTO struct {
	ID             int64  `json:"id"`
	IssuanceStatus string `json:"issuance_status"`
	Amount         int64  `json:"amount"`
}

// VersionDetailDTO is a version with its obligation and earned credit, when
// either exists.
type VersionDetailDTO struct {
	VersionDTO
	Obligation   *ObligationDTO   `json:"obligation,omitempty"`
	EarnedCredit *EarnedCreditDTO `json:"earned_credit,omitempty"`
}

// InvoiceDTO is a refreshed invoice snapshot for a version.
type InvoiceDTO struct {
	InvoiceID          int64  `json:"invoice_id"`
	InvoiceNumber      string `json:"invoice_number,omitempty"`
	OutstandingBalance string `json:"outstanding_balance"`
	PaymentsTotal      string `json:"payments_total"`
	IsVoid             bool   `json:"is_void"`
}

// PaymentDTO is one recorded payment.
type PaymentDTO struct {
	ID            int64  `json:"id"`
	InvoiceID     int64  `json:"invoice_id"`
	Amount        string `json:"amount"`
	ReceiptNumber string `json:"receipt_number"`
	ReceivedAt    string `json:"received_at"`
}

// SubmitVersionResponse reports the outcome of one submission. Version is nil
// when the engine ran but produced no outcome (first submission of a report
// has nothing to reconcile against only when data is missing, or no scenario
// matched the summary movement).
type SubmitVersionResponse struct {
	ReportVersionID int64       `json:"report_version_id"`
	Reconciled      bool        `json:"reconciled"`
	Version         *VersionDTO `json:"version,omitempty"`
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toReportDTO(r *compliance.ComplianceReport) ReportDTO {
	return ReportDTO{
		ID:               r.ID,
		OperatorID:       r.OperatorID,
		CompliancePeriod: r.CompliancePeriod,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
}

func toVersionDTO(v *compliance.ComplianceReportVersion) VersionDTO {
	dto := VersionDTO{
		ID:                v.ID,
		ReportID:          v.ReportID,
		ReportVersionID:   v.ReportVersionID,
		Status:            string(v.Status),
		IsSupplementary:   v.IsSupplementary,
		PreviousVersionID: v.PreviousVersionID,
		CreatedAt:         v.CreatedAt.Format(time.RFC3339),
	}
	if v.ExcessEmissionsDelta != nil {
		s := v.ExcessEmissionsDelta.String()
		dto.ExcessEmissionsDelta = &s
	}
	if v.CreditedEmissionsDelta != nil {
		s := v.CreditedEmissionsDelta.String()
		dto.CreditedEmissionsDelta = &s
	}
	return dto
}

func toObligationDTO(o *compliance.ComplianceObligation) *ObligationDTO {
	return &ObligationDTO{
		ID:              o.ID,
		InvoiceID:       o.InvoiceID,
		ObligatedTonnes: o.ObligatedTonnes.String(),
		Fee:             o.Fee.String(),
	}
}

func toEarnedCreditDTO(ec *compliance.ComplianceEarnedCredit) *EarnedCreditDTO {
	return &EarnedCreditDTO{
		ID:             ec.ID,
		IssuanceStatus: string(ec.IssuanceStatus),
		Amount:         ec.Amount,
	}
}

func toPaymentDTO(p *billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            p.ID,
		InvoiceID:     p.InvoiceID,
		Amount:        p.Amount.String(),
		ReceiptNumber: p.ReceiptNumber,
		ReceivedAt:    p.ReceivedAt.Format(time.RFC3339),
	}
}

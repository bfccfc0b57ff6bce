/*
Package compliance implements the supplementary report version reconciliation
engine for the carbon-compliance system.

PURPOSE:
  When an operator resubmits a corrected emissions report, the prior compliance
  outcome (money owed, credits earned, or neither) must be reconciled against
  the new computed summary: invoices partially refunded or voided, earned
  credit records created or declined, and a new version appended to the
  report's version chain.

KEY CONCEPTS IN THIS FILE (types.go):
  - ComplianceReport: one operator + one compliance period
  - ReportVersion: one submitted report revision, carrying a ComplianceSummary
  - ComplianceReportVersion: one computed outcome, linked list via
    PreviousVersionID (weak back-reference, walked newest to oldest)
  - ComplianceObligation: money owed for excess emissions, 0-or-1 invoice
  - ComplianceEarnedCredit: whole-tonne credit issuance record

INVARIANTS:
  1. Within one report, at most one version carries a live (non-superseded,
     non-terminal) status.
  2. At most one obligation and one earned credit record per version.
  3. Version ids increase monotonically with submission time; every store
     implementation guarantees this (id ordering is used as a chronological
     proxy when filtering adjustments).
  4. Versions are never deleted.

SEE ALSO:
  - service.go: the orchestrator entry point
  - classifier.go: scenario selection
  - reconcile.go: the decreased-obligation refund engine
*/
package compliance

import (
	"time"

	"github.com/carbonledger/compliance-engine/ledger"
)

// =============================================================================
// STATUS ENUMS
// =============================================================================

// VersionStatus is the computed outcome of one compliance report version.
type VersionStatus string

const (
	// StatusObligationNotMet: excess emissions owed, invoice outstanding.
	StatusObligationNotMet VersionStatus = "obligation_not_met"

	// StatusObligationFullyMet: the obligation's invoice reached zero
	// outstanding (paid, adjusted down, or both).
	StatusObligationFullyMet VersionStatus = "obligation_fully_met"

	// StatusObligationPendingInvoice: obligation recorded, invoice not yet
	// generated by the billing integration.
	StatusObligationPendingInvoice VersionStatus = "obligation_pending_invoice_creation"

	// StatusEarnedCredits: the version earned issuable credits.
	StatusEarnedCredits VersionStatus = "earned_credits"

	// StatusNoObligation: neither money owed nor credits earned.
	StatusNoObligation VersionStatus = "no_obligation_or_earned_credits"

	// StatusSuperseded: replaced in place by a later supplementary version
	// before any external side effect existed.
	StatusSuperseded VersionStatus = "superseded"
)

// IssuanceStatus tracks an earned credit record through the registry workflow.
type IssuanceStatus string

const (
	IssuanceCreditsNotIssued IssuanceStatus = "credits_not_issued"
	IssuanceRequested        IssuanceStatus = "issuance_requested"
	IssuanceChangesRequired  IssuanceStatus = "changes_required"
	IssuanceApproved         IssuanceStatus = "approved"
	IssuanceDeclined         IssuanceStatus = "declined"
)

// MidRequest reports whether the record is in an open registry request that a
// superseding request must decline.
func (s IssuanceStatus) MidRequest() bool {
	return s == IssuanceRequested || s == IssuanceChangesRequired
}

// =============================================================================
// ENTITIES
// =============================================================================

// ComplianceReport groups all versions for one operator and one compliance
// period (regulatory year).
type ComplianceReport struct {
	ID               int64
	OperatorID       string
	CompliancePeriod int
	CreatedAt        time.Time
}

// ReportVersion is one submitted revision of the emissions report. The
// reporting pipeline computes a ComplianceSummary for each submission before
// this engine runs.
type ReportVersion struct {
	ID          int64
	ReportID    int64
	SubmittedAt time.Time
}

// ComplianceSummary is the computed emissions outcome of one report version.
// ExcessEmissions > 0 means money owed; CreditedEmissions > 0 means credits
// earned; a negative ExcessEmissions is over-compliance.
type ComplianceSummary struct {
	ReportVersionID   int64
	ExcessEmissions   ledger.Emissions
	CreditedEmissions ledger.Emissions
}

// ComplianceReportVersion is one computed compliance outcome. Versions form a
// singly-linked list via PreviousVersionID, oldest first chronologically,
// walked newest to oldest. A version never owns its predecessor.
type ComplianceReportVersion struct {
	ID              int64
	ReportID        int64
	ReportVersionID int64
	Status          VersionStatus
	IsSupplementary bool

	// PreviousVersionID points at the immediately preceding version,
	// nil for the first version of a report.
	PreviousVersionID *int64

	// Signed deltas against the previous version's summary. Nil on
	// non-supplementary versions.
	ExcessEmissionsDelta   *ledger.Emissions
	CreditedEmissionsDelta *ledger.Emissions

	CreatedAt time.Time
}

// ComplianceObligation is a money-owed record for a version with excess
// emissions. InvoiceID is nil until the billing integration generates the
// invoice.
type ComplianceObligation struct {
	ID        int64
	VersionID int64
	InvoiceID *int64

	// ObligatedTonnes is what this obligation bills for: the full excess for
	// an original version, the delta only for an increased-obligation top-up.
	ObligatedTonnes ledger.Emissions
	Fee             ledger.Money

	CreatedAt time.Time
}

// ComplianceEarnedCredit is a credit issuance record. Amount is whole tonnes.
type ComplianceEarnedCredit struct {
	ID             int64
	VersionID      int64
	IssuanceStatus IssuanceStatus
	Amount         int64

	// Registry fields, populated by the issuance workflow.
	BCCRTradingName      string
	BCCRHoldingAccountID string
	BCCRProjectID        string
	BCCRIssuanceID       string

	CreatedAt time.Time
}

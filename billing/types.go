/*
Package billing mirrors the external billing system's entities (invoices,
fee line items, payments, adjustments) and implements the collaborator
contracts the compliance engine consumes.

PURPOSE:
  The reconciliation engine never talks to the billing API directly. It reads
  refreshed invoice snapshots and posts signed adjustment instructions through
  this package. Outstanding balance is always recomputed from the externally
  defined formula: fees - payments + adjustments.

KEY CONCEPTS:
  - Invoice: outstanding balance + void flag, owned 1:1 by an obligation
  - LineItem: a fee on an invoice
  - Payment: cash received, immutable once recorded
  - Adjustment: append-only signed money delta, tagged with a reason and the
    supplementary compliance version that caused it

SEE ALSO:
  - service.go: refresh / adjustment / obligation integration services
  - compliance/collaborators.go: the interfaces this package satisfies
*/
package billing

import (
	"time"

	"github.com/carbonledger/compliance-engine/ledger"
)

// =============================================================================
// ADJUSTMENT REASONS
// =============================================================================

// AdjustmentReason tags why an adjustment was posted.
type AdjustmentReason string

const (
	// ReasonSupplementaryAdjustment: refund from a supplementary report
	// reducing a previously billed obligation.
	ReasonSupplementaryAdjustment AdjustmentReason = "supplementary_report_adjustment"

	// ReasonSupplementaryVoid: refund that also voids the target invoice.
	ReasonSupplementaryVoid AdjustmentReason = "supplementary_report_adjustment_to_void_invoice"
)

// SupplementaryReasons are the reasons counted when computing refunds already
// applied to an invoice chain by earlier supplementary rounds.
var SupplementaryReasons = []AdjustmentReason{
	ReasonSupplementaryAdjustment,
	ReasonSupplementaryVoid,
}

// =============================================================================
// ENTITIES
// =============================================================================

// Invoice mirrors one external invoice. OutstandingBalance is derived state,
// recomputed on refresh; it is never the source of truth.
type Invoice struct {
	ID                 int64
	InvoiceNumber      string
	OutstandingBalance ledger.Money
	IsVoid             bool
	CreatedAt          time.Time
}

// LineItem is a fee on an invoice.
type LineItem struct {
	ID          int64
	InvoiceID   int64
	Description string
	Amount      ledger.Money
	CreatedAt   time.Time
}

// Payment is cash received against a line item. Immutable once recorded;
// the compliance engine only ever reads payment sums.
type Payment struct {
	ID            int64
	LineItemID    int64
	InvoiceID     int64
	Amount        ledger.Money
	ReceivedAt    time.Time
	ReceiptNumber string
}

// Adjustment is an append-only signed money delta against a line item.
// Negative amounts reduce what is owed.
type Adjustment struct {
	ID         int64
	LineItemID int64
	InvoiceID  int64
	Amount     ledger.Money
	Reason     AdjustmentReason

	// SupplementaryVersionID is the compliance report version whose
	// reconciliation produced this adjustment.
	SupplementaryVersionID int64

	// IdempotencyKey guards against double-posting on retries.
	IdempotencyKey string

	CreatedAt time.Time
}

/*
collaborators.go - External collaborator contracts the engine consumes

PURPOSE:
  The reconciliation engine is not network-facing. Its boundary is this set
  of small interfaces: obligation/invoice integration, invoice refresh,
  adjustment posting, charge-rate lookup, and the ledger of refunds already
  applied. Implementations live in the billing and rates packages; tests
  supply fakes.

CONTRACT NOTES:
  - RefreshByVersion must refresh from the billing system of record before
    returning, so the engine never computes against stale balances.
  - Everything side-effecting is invoked only from the post-commit effect
    queue (see effects.go), never inside the owning transaction.
*/
package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/ledger"
)

// RefreshedInvoice is a point-in-time snapshot of a version's invoice,
// refreshed from the billing system. Invoice is nil when the version's
// obligation has no invoice yet (or no obligation at all).
type RefreshedInvoice struct {
	InvoiceID          int64
	OutstandingBalance ledger.Money
	IsVoid             bool

	// PaymentsTotal is the cumulative cash received on the invoice's fee
	// line item. Void safety depends on it: an invoice with real money
	// collected is never voided.
	PaymentsTotal ledger.Money

	DataIsFresh bool
}

// InvoiceRefresher obtains a current invoice snapshot for a compliance report
// version. Returns (nil, nil) when the version has no invoice.
type InvoiceRefresher interface {
	RefreshByVersion(ctx context.Context, versionID int64, force bool) (*RefreshedInvoice, error)
}

// AdjustmentPoster records a signed money adjustment against the invoice of a
// target version, tagged with the supplementary version that caused it.
type AdjustmentPoster interface {
	CreateAdjustmentForTargetVersion(ctx context.Context, targetVersionID int64, total ledger.Money, supplementaryVersionID int64, toVoid bool) error
}

// InvoiceVoider voids an invoice in the billing system.
type InvoiceVoider interface {
	VoidInvoice(ctx context.Context, invoiceID int64) error
}

// ObligationIntegrator creates/schedules invoice generation for a newly
// created obligation. Side-effecting; schedules its own work.
type ObligationIntegrator interface {
	HandleObligationIntegration(ctx context.Context, obligationID int64, compliancePeriod int) error
}

// RefundLedger reports refunds already applied by earlier supplementary
// rounds, to prevent double-crediting across a shared invoice chain.
type RefundLedger interface {
	SupplementaryRefundsSince(ctx context.Context, invoiceIDs []int64, minSupplementaryVersionID int64) (ledger.Money, error)
}

// RateProvider returns the per-tonne dollar charge rate for a compliance
// period.
type RateProvider interface {
	RateForYear(year int) (decimal.Decimal, error)
}

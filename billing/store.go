/*
store.go - Persistence interface for the billing mirror

PURPOSE:
  Read/write surface over the mirrored billing entities. Payments and
  adjustments are append-only; invoices mutate only their derived
  outstanding balance and the void flag.

SEE ALSO:
  - compliance/store.go: the compliance-side interface and its id contract
*/
package billing

import (
	"context"

	"github.com/carbonledger/compliance-engine/ledger"
)

// Store handles persistence of the billing mirror.
type Store interface {
	// Invoices
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	SetInvoiceVoid(ctx context.Context, id int64) error
	SetOutstandingBalance(ctx context.Context, id int64, balance ledger.Money) error

	// Line items
	CreateLineItem(ctx context.Context, li *LineItem) error
	LineItemsForInvoice(ctx context.Context, invoiceID int64) ([]LineItem, error)

	// Payments (append-only)
	CreatePayment(ctx context.Context, p *Payment) error
	PaymentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error)

	// Adjustments (append-only)
	CreateAdjustment(ctx context.Context, a *Adjustment) error
	AdjustmentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error)

	// SupplementaryRefundsSince sums the absolute value of negative
	// adjustments carrying a supplementary reason against any of the given
	// invoices, restricted to adjustments whose originating supplementary
	// version id is >= minSupplementaryVersionID. Version ids order by
	// submission time (see compliance/store.go id contract).
	SupplementaryRefundsSince(ctx context.Context, invoiceIDs []int64, minSupplementaryVersionID int64) (ledger.Money, error)
}

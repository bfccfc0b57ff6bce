/*
service.go - Billing collaborator services

PURPOSE:
  Implements the collaborator contracts the compliance engine consumes
  (compliance/collaborators.go) on top of the mirrored billing store:

  - ObligationService: invoice generation for new obligations
  - RefreshService: current invoice snapshots, balance recomputed on read
  - AdjustmentService: signed adjustment posting + invoice voiding
  - PaymentService: cash receipt recording

OUTSTANDING BALANCE:
  Derived, never stored authoritatively: fees + adjustments - payments,
  floored at zero. Every refresh and every write that touches an invoice
  recomputes and persists it, so the engine never acts on a stale balance.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
)

// computeOutstanding derives an invoice's outstanding balance from its fees,
// adjustments, and payments. Read-only; safe to call while a compliance
// transaction is open.
func computeOutstanding(ctx context.Context, s Store, invoiceID int64) (ledger.Money, error) {
	items, err := s.LineItemsForInvoice(ctx, invoiceID)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	fees := ledger.ZeroMoney()
	for _, li := range items {
		fees = fees.Add(li.Amount)
	}

	adjustments, err := s.AdjustmentsTotalForInvoice(ctx, invoiceID)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	payments, err := s.PaymentsTotalForInvoice(ctx, invoiceID)
	if err != nil {
		return ledger.ZeroMoney(), err
	}

	return fees.Add(adjustments).Sub(payments).ClampNonNegative(), nil
}

// recomputeOutstanding derives and persists the outstanding balance. Called
// from every billing write that touches an invoice.
func recomputeOutstanding(ctx context.Context, s Store, invoiceID int64) (ledger.Money, error) {
	balance, err := computeOutstanding(ctx, s, invoiceID)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	if err := s.SetOutstandingBalance(ctx, invoiceID, balance); err != nil {
		return ledger.ZeroMoney(), err
	}
	return balance, nil
}

// =============================================================================
// OBLIGATION INTEGRATION
// =============================================================================

// ObligationService generates invoices for newly created obligations.
// Implements compliance.ObligationIntegrator.
type ObligationService struct {
	Compliance compliance.Store
	Billing    Store
	Log        zerolog.Logger
}

// HandleObligationIntegration creates the invoice and fee line item for an
// obligation, links it back, and moves the owning version from pending to
// obligation-not-met.
func (s *ObligationService) HandleObligationIntegration(ctx context.Context, obligationID int64, compliancePeriod int) error {
	ob, err := s.Compliance.GetObligation(ctx, obligationID)
	if err != nil {
		return err
	}
	if ob.InvoiceID != nil {
		// Already integrated; idempotent on retries.
		return nil
	}

	inv := &Invoice{
		InvoiceNumber:      fmt.Sprintf("INV-%d-%s", compliancePeriod, uuid.NewString()[:8]),
		OutstandingBalance: ob.Fee,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.Billing.CreateInvoice(ctx, inv); err != nil {
		return err
	}

	li := &LineItem{
		InvoiceID:   inv.ID,
		Description: fmt.Sprintf("Compliance obligation fee, %d period", compliancePeriod),
		Amount:      ob.Fee,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Billing.CreateLineItem(ctx, li); err != nil {
		return err
	}

	if err := s.Compliance.LinkObligationInvoice(ctx, ob.ID, inv.ID); err != nil {
		return err
	}
	if err := s.Compliance.UpdateVersionStatus(ctx, ob.VersionID, compliance.StatusObligationNotMet); err != nil {
		return err
	}

	s.Log.Info().
		Int64("obligation_id", ob.ID).
		Int64("invoice_id", inv.ID).
		Str("fee", ob.Fee.String()).
		Msg("obligation invoice generated")
	return nil
}

// =============================================================================
// REFRESH
// =============================================================================

// RefreshService produces current invoice snapshots for compliance report
// versions. Implements compliance.InvoiceRefresher.
type RefreshService struct {
	Compliance compliance.Store
	Billing    Store
}

// RefreshByVersion returns the version's refreshed invoice snapshot, or
// (nil, nil) when the version has no obligation or no invoice yet.
func (s *RefreshService) RefreshByVersion(ctx context.Context, versionID int64, force bool) (*compliance.RefreshedInvoice, error) {
	ob, err := s.Compliance.ObligationForVersion(ctx, versionID)
	if errors.Is(err, compliance.ErrObligationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ob.InvoiceID == nil {
		return nil, nil
	}

	inv, err := s.Billing.GetInvoice(ctx, *ob.InvoiceID)
	if err != nil {
		return nil, err
	}

	// Derive, don't persist: refresh runs while the caller's compliance
	// transaction may still be open, so it must stay read-only. Void invoices
	// keep their zeroed balance; recomputing one would resurrect it.
	balance := inv.OutstandingBalance
	if !inv.IsVoid {
		balance, err = computeOutstanding(ctx, s.Billing, inv.ID)
		if err != nil {
			return nil, err
		}
	}

	payments, err := s.Billing.PaymentsTotalForInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}

	return &compliance.RefreshedInvoice{
		InvoiceID:          inv.ID,
		OutstandingBalance: balance,
		IsVoid:             inv.IsVoid,
		PaymentsTotal:      payments,
		DataIsFresh:        true,
	}, nil
}

// =============================================================================
// ADJUSTMENTS / VOIDS
// =============================================================================

// AdjustmentService posts signed adjustments and voids invoices.
// Implements compliance.AdjustmentPoster and compliance.InvoiceVoider.
type AdjustmentService struct {
	Compliance compliance.Store
	Billing    Store
	Log        zerolog.Logger
}

// CreateAdjustmentForTargetVersion appends a signed adjustment to the target
// version's invoice fee line item, tagged with the supplementary version that
// caused it, then recomputes the outstanding balance.
func (s *AdjustmentService) CreateAdjustmentForTargetVersion(ctx context.Context, targetVersionID int64, total ledger.Money, supplementaryVersionID int64, toVoid bool) error {
	ob, err := s.Compliance.ObligationForVersion(ctx, targetVersionID)
	if err != nil {
		return err
	}
	if ob.InvoiceID == nil {
		return fmt.Errorf("version %d has no invoice to adjust: %w", targetVersionID, ErrInvoiceNotFound)
	}

	items, err := s.Billing.LineItemsForInvoice(ctx, *ob.InvoiceID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("invoice %d: %w", *ob.InvoiceID, ErrLineItemNotFound)
	}

	reason := ReasonSupplementaryAdjustment
	if toVoid {
		reason = ReasonSupplementaryVoid
	}

	adj := &Adjustment{
		LineItemID:             items[0].ID,
		InvoiceID:              *ob.InvoiceID,
		Amount:                 total,
		Reason:                 reason,
		SupplementaryVersionID: supplementaryVersionID,
		IdempotencyKey:         uuid.NewString(),
		CreatedAt:              time.Now().UTC(),
	}
	if err := s.Billing.CreateAdjustment(ctx, adj); err != nil {
		return err
	}

	if _, err := recomputeOutstanding(ctx, s.Billing, *ob.InvoiceID); err != nil {
		return err
	}

	s.Log.Info().
		Int64("target_version_id", targetVersionID).
		Int64("supplementary_version_id", supplementaryVersionID).
		Str("amount", total.String()).
		Str("reason", string(reason)).
		Msg("adjustment posted")
	return nil
}

// VoidInvoice voids the invoice and neutralizes its outstanding balance.
func (s *AdjustmentService) VoidInvoice(ctx context.Context, invoiceID int64) error {
	if err := s.Billing.SetOutstandingBalance(ctx, invoiceID, ledger.ZeroMoney()); err != nil {
		return err
	}
	if err := s.Billing.SetInvoiceVoid(ctx, invoiceID); err != nil {
		return err
	}
	s.Log.Info().Int64("invoice_id", invoiceID).Msg("invoice voided")
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentService records cash received against an invoice. Payments are
// immutable once recorded.
type PaymentService struct {
	Billing Store
}

// RecordPayment applies a payment to the invoice's fee line item and
// recomputes the outstanding balance.
func (s *PaymentService) RecordPayment(ctx context.Context, invoiceID int64, amount ledger.Money, receiptNumber string) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", amount)
	}

	inv, err := s.Billing.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.IsVoid {
		return nil, fmt.Errorf("invoice %d: %w", invoiceID, ErrInvoiceVoid)
	}

	items, err := s.Billing.LineItemsForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("invoice %d: %w", invoiceID, ErrLineItemNotFound)
	}

	p := &Payment{
		LineItemID:    items[0].ID,
		InvoiceID:     invoiceID,
		Amount:        amount,
		ReceivedAt:    time.Now().UTC(),
		ReceiptNumber: receiptNumber,
	}
	if err := s.Billing.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	if _, err := recomputeOutstanding(ctx, s.Billing, invoiceID); err != nil {
		return nil, err
	}
	return p, nil
}

/*
reconcile.go - Decreased-obligation refund engine

PURPOSE:
  A genuine reduction in owed emissions must translate into money returned or
  credits issued. This file implements the hard part:

  1. Walk the previous_version chain to find the anchor: the nearest unpaid,
     non-void invoice (balances refreshed from the billing system first).
  2. Collect the application set: every version from the anchor backward whose
     invoice is unpaid and non-void, annotated with outstanding balance, cash
     payments received, and the excess emissions that version billed for.
  3. Compute the refund pool. Single invoice: (billed excess - new excess) at
     the charge rate. Multiple invoices: the same figure against the anchor's
     baseline. Either way, refunds already applied to the invoice set by
     supplementary rounds since the anchor come off first, then the pool is
     clamped at zero; repeated corrections never re-credit the same reduction.
  4. Allocate newest-first, each application capped at that invoice's
     outstanding balance. Leftover pool converts to earned credits only when
     every touched invoice reached zero outstanding; otherwise it stays
     unapplied and is surfaced, never silently converted.
  5. Package everything as a strategy record applied by the post-commit
     effect queue.

MONEY CONSERVATION:
  In the single-invoice case, applied + remainder-converted-to-credits equals
  the refund exactly. Allocation never exceeds outstanding, and an invoice is
  voided only when it ends at zero outstanding with zero cash ever received.
*/
package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/ledger"
	"github.com/carbonledger/compliance-engine/metrics"
)

// invoiceApplication is one per-invoice instruction in a refund strategy.
// Applied is the positive magnitude; the posted adjustment is its negation.
type invoiceApplication struct {
	TargetVersionID int64
	InvoiceID       int64
	Applied         ledger.Money
	MarkFullyMet    bool
	VoidInvoice     bool
}

// refundStrategy is the complete, synchronously computed plan for one
// decreased-obligation reconciliation. It is captured by the post-commit
// effects; nothing external happens until the owning transaction is durable.
type refundStrategy struct {
	Applications  []invoiceApplication
	CreditTonnes  int64
	CreateCredits bool

	// Leftover is refund pool that could not be applied because some invoice
	// in the set kept a non-zero outstanding balance. Retained, not converted.
	Leftover ledger.Money
}

// chainEntry annotates one unpaid-invoice version in the application set.
type chainEntry struct {
	Version     *ComplianceReportVersion
	InvoiceID   int64
	Outstanding ledger.Money
	Payments    ledger.Money

	// BilledExcess is the excess emissions of this version's own compliance
	// summary: the baseline its invoice was computed from.
	BilledExcess ledger.Emissions
}

// =============================================================================
// HANDLER
// =============================================================================

// handleDecreasedObligation creates the new version and schedules the refund
// strategy. The new version keeps an obligation-not-met status while excess
// remains positive (prior invoices still cover it); the post-commit step
// flips it to earned-credits when credits are created.
func (svc *SupplementaryVersionService) handleDecreasedObligation(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	rate, err := svc.Rates.RateForYear(h.report.CompliancePeriod)
	if err != nil {
		return nil, err
	}

	status := StatusNoObligation
	if h.newSummary.ExcessEmissions.IsPositive() {
		status = StatusObligationNotMet
	}
	v, err := createSupplementaryVersion(ctx, h, status)
	if err != nil {
		return nil, err
	}

	strategy, err := svc.buildRefundStrategy(ctx, h, rate)
	if err != nil {
		return nil, err
	}

	if strategy.Leftover.IsPositive() {
		svc.Log.Warn().
			Int64("report_id", h.report.ID).
			Int64("version_id", v.ID).
			Str("leftover", strategy.Leftover.String()).
			Msg("refund pool not fully applied; invoices remain outstanding")
		metrics.CountUnappliedRefund()
	}

	svc.scheduleStrategy(h, v.ID, strategy)
	return v, nil
}

// =============================================================================
// CHAIN WALK
// =============================================================================

// collectUnpaidChain walks backward from start via previous_version,
// refreshing each version's invoice from the billing system, and returns the
// versions holding unpaid, non-void invoices in newest-first order. The first
// entry is the anchor. The walk stops on a repeated version id.
func (svc *SupplementaryVersionService) collectUnpaidChain(ctx context.Context, tx Store, start *ComplianceReportVersion) ([]chainEntry, error) {
	var entries []chainEntry
	visited := make(map[int64]bool)

	cursor := start
	for cursor != nil {
		if visited[cursor.ID] {
			svc.Log.Error().Int64("version_id", cursor.ID).Msg("version chain cycle; stopping walk")
			break
		}
		visited[cursor.ID] = true

		refreshed, err := svc.Refresher.RefreshByVersion(ctx, cursor.ID, true)
		if err != nil {
			return nil, err
		}
		if refreshed != nil && !refreshed.IsVoid && refreshed.OutstandingBalance.IsPositive() {
			summary, err := tx.SummaryForReportVersion(ctx, cursor.ReportVersionID)
			if err != nil {
				return nil, err
			}
			entries = append(entries, chainEntry{
				Version:      cursor,
				InvoiceID:    refreshed.InvoiceID,
				Outstanding:  refreshed.OutstandingBalance,
				Payments:     refreshed.PaymentsTotal,
				BilledExcess: summary.ExcessEmissions,
			})
		}

		if cursor.PreviousVersionID == nil {
			break
		}
		next, err := tx.GetVersion(ctx, *cursor.PreviousVersionID)
		if err != nil {
			return nil, err
		}
		cursor = next
	}

	return entries, nil
}

// =============================================================================
// STRATEGY COMPUTATION
// =============================================================================

// buildRefundStrategy runs steps 1-4 synchronously against a consistent
// snapshot and returns the plan.
func (svc *SupplementaryVersionService) buildRefundStrategy(ctx context.Context, h *handleContext, rate decimal.Decimal) (*refundStrategy, error) {
	newExcess := h.newSummary.ExcessEmissions

	// Every branch credits what the new summary already carries, plus true
	// over-compliance when the new excess went negative.
	creditEmissions := h.newSummary.CreditedEmissions.Add(newExcess.Neg().ClampNonNegative())

	entries, err := svc.collectUnpaidChain(ctx, h.tx, h.prevCRV)
	if err != nil {
		return nil, err
	}

	strategy := &refundStrategy{Leftover: ledger.ZeroMoney()}

	switch len(entries) {
	case 0:
		// No unpaid invoice anywhere in the chain: nothing to refund against,
		// the whole reduction lands as credits.

	case 1:
		e := entries[0]
		refund := ledger.FeeFor(e.BilledExcess.Sub(newExcess), rate).ClampNonNegative()

		// The entitlement is cumulative against the invoice's own baseline, so
		// refunds from earlier supplementary rounds must come off first. A
		// repeated decrease otherwise re-applies the whole reduction: an
		// intermediate version without an invoice collapses the chain to one
		// entry and would bypass the multi-invoice subtraction.
		already, err := svc.Refunds.SupplementaryRefundsSince(ctx, []int64{e.InvoiceID}, e.Version.ID)
		if err != nil {
			return nil, err
		}
		refund = refund.Sub(already).ClampNonNegative()

		applied := refund.Min(e.Outstanding)
		remainder := refund.Sub(applied)

		fullyMet := e.Outstanding.Sub(applied).IsZero()
		if applied.IsPositive() {
			strategy.Applications = append(strategy.Applications, invoiceApplication{
				TargetVersionID: e.Version.ID,
				InvoiceID:       e.InvoiceID,
				Applied:         applied,
				MarkFullyMet:    fullyMet,
				VoidInvoice:     fullyMet && e.Payments.IsZero(),
			})
		}
		creditEmissions = creditEmissions.Add(ledger.TonnesFor(remainder, rate))

	default:
		anchor := entries[0]
		pool := ledger.FeeFor(anchor.BilledExcess.Sub(newExcess), rate).ClampNonNegative()

		// Subtract refunds already applied to this invoice set by
		// supplementary rounds since the anchor, so repeated corrections
		// never double-credit the same reduction.
		invoiceIDs := make([]int64, len(entries))
		for i, e := range entries {
			invoiceIDs[i] = e.InvoiceID
		}
		already, err := svc.Refunds.SupplementaryRefundsSince(ctx, invoiceIDs, anchor.Version.ID)
		if err != nil {
			return nil, err
		}
		pool = pool.Sub(already).ClampNonNegative()

		allCleared := true
		for _, e := range entries {
			applied := pool.Min(e.Outstanding)
			pool = pool.Sub(applied)

			fullyMet := e.Outstanding.Sub(applied).IsZero()
			if !fullyMet {
				allCleared = false
			}
			if applied.IsPositive() {
				strategy.Applications = append(strategy.Applications, invoiceApplication{
					TargetVersionID: e.Version.ID,
					InvoiceID:       e.InvoiceID,
					Applied:         applied,
					MarkFullyMet:    fullyMet,
					VoidInvoice:     fullyMet && e.Payments.IsZero(),
				})
			}
		}

		if allCleared {
			creditEmissions = creditEmissions.Add(ledger.TonnesFor(pool, rate))
		} else {
			strategy.Leftover = pool
		}
	}

	strategy.CreditTonnes = creditEmissions.WholeTonnes()
	strategy.CreateCredits = strategy.CreditTonnes > 0
	return strategy, nil
}

// =============================================================================
// STRATEGY APPLICATION (post-commit)
// =============================================================================

// scheduleStrategy registers the strategy on the effect queue: one effect per
// invoice application, then the earned-credit creation. Order matters - the
// credit record and the new version's earned-credits status only appear after
// every invoice instruction was issued.
func (svc *SupplementaryVersionService) scheduleStrategy(h *handleContext, newVersionID int64, strategy *refundStrategy) {
	for _, app := range strategy.Applications {
		app := app
		h.effects.Defer("invoice-adjustment", func(ctx context.Context) error {
			if err := svc.Adjustments.CreateAdjustmentForTargetVersion(ctx, app.TargetVersionID, app.Applied.Neg(), newVersionID, app.VoidInvoice); err != nil {
				return err
			}
			if app.MarkFullyMet {
				if err := svc.Store.UpdateVersionStatus(ctx, app.TargetVersionID, StatusObligationFullyMet); err != nil {
					return err
				}
			}
			if app.VoidInvoice {
				if err := svc.Invoices.VoidInvoice(ctx, app.InvoiceID); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if strategy.CreateCredits && strategy.CreditTonnes > 0 {
		tonnes := strategy.CreditTonnes
		h.effects.Defer("earned-credits", func(ctx context.Context) error {
			v, err := svc.Store.GetVersion(ctx, newVersionID)
			if err != nil {
				return err
			}
			if _, err := CreateEarnedCreditsRecord(ctx, svc.Store, v, &tonnes); err != nil {
				return err
			}
			return svc.Store.UpdateVersionStatus(ctx, newVersionID, StatusEarnedCredits)
		})
	}
}

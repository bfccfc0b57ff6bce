/*
handlers.go - Scenario handlers (all except the decreased-obligation engine)

PURPOSE:
  One handler per reconciliation scenario. Each creates the new supplementary
  ComplianceReportVersion and performs the scenario's side effects inside the
  owning transaction, deferring external-facing work (billing integration) to
  the post-commit effect queue.

  The decreased-obligation handler lives in reconcile.go; it is the multi
  invoice refund engine and large enough to own a file.
*/
package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/carbonledger/compliance-engine/ledger"
)

// createSupplementaryVersion appends the new version to the chain. The new
// version always points at the immediately preceding version and records the
// signed emission deltas against it.
func createSupplementaryVersion(ctx context.Context, h *handleContext, status VersionStatus) (*ComplianceReportVersion, error) {
	prevID := h.prevCRV.ID
	excessDelta := h.newSummary.ExcessEmissions.Sub(h.prevSummary.ExcessEmissions)
	creditedDelta := h.newSummary.CreditedEmissions.Sub(h.prevSummary.CreditedEmissions)

	v := &ComplianceReportVersion{
		ReportID:               h.report.ID,
		ReportVersionID:        h.newReportVersionID,
		Status:                 status,
		IsSupplementary:        true,
		PreviousVersionID:      &prevID,
		ExcessEmissionsDelta:   &excessDelta,
		CreditedEmissionsDelta: &creditedDelta,
		CreatedAt:              time.Now().UTC(),
	}
	if err := h.tx.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// createObligation records a money-owed entry for tonnes at the report's
// charge rate and defers the billing integration to after commit.
func (svc *SupplementaryVersionService) createObligation(ctx context.Context, h *handleContext, versionID int64, tonnes ledger.Emissions) error {
	rate, err := svc.Rates.RateForYear(h.report.CompliancePeriod)
	if err != nil {
		return err
	}

	ob := &ComplianceObligation{
		VersionID:       versionID,
		ObligatedTonnes: tonnes,
		Fee:             ledger.FeeFor(tonnes, rate),
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.tx.CreateObligation(ctx, ob); err != nil {
		return err
	}

	obligationID := ob.ID
	period := h.report.CompliancePeriod
	h.effects.Defer("obligation-integration", func(ctx context.Context) error {
		return svc.Integrator.HandleObligationIntegration(ctx, obligationID, period)
	})
	return nil
}

// =============================================================================
// SUPERSEDE
// =============================================================================

// handleSupersede replaces the previous version's outcome in place. Nothing
// external (invoice, issuance request) exists yet for it, so no adjustment
// chain is needed: the hanging obligation/earned-credit records are deleted
// and a fresh outcome is built from the new summary alone.
func (svc *SupplementaryVersionService) handleSupersede(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	if err := h.tx.UpdateVersionStatus(ctx, h.prevCRV.ID, StatusSuperseded); err != nil {
		return nil, err
	}

	v, err := createSupplementaryVersion(ctx, h, StatusNoObligation)
	if err != nil {
		return nil, err
	}

	// Delete the superseded version's hanging records. A missing record is
	// tolerated; a record with an external side effect would have failed the
	// supersede predicate.
	ob, err := h.tx.ObligationForVersion(ctx, h.prevCRV.ID)
	switch {
	case err == nil:
		if ob.InvoiceID == nil {
			if err := h.tx.DeleteObligation(ctx, ob.ID); err != nil {
				return nil, err
			}
		}
	case !errors.Is(err, ErrObligationNotFound):
		return nil, err
	}

	ec, err := h.tx.EarnedCreditForVersion(ctx, h.prevCRV.ID)
	switch {
	case err == nil:
		if ec.IssuanceStatus == IssuanceCreditsNotIssued {
			if err := h.tx.DeleteEarnedCredit(ctx, ec.ID); err != nil {
				return nil, err
			}
		}
	case !errors.Is(err, ErrEarnedCreditNotFound):
		return nil, err
	}

	// Fresh outcome from the new summary.
	if h.newSummary.ExcessEmissions.IsPositive() {
		if err := svc.createObligation(ctx, h, v.ID, h.newSummary.ExcessEmissions); err != nil {
			return nil, err
		}
		if err := h.tx.UpdateVersionStatus(ctx, v.ID, StatusObligationPendingInvoice); err != nil {
			return nil, err
		}
		v.Status = StatusObligationPendingInvoice
	}

	if h.newSummary.CreditedEmissions.IsPositive() {
		if _, err := CreateEarnedCreditsRecord(ctx, h.tx, v, nil); err != nil {
			return nil, err
		}
		if err := h.tx.UpdateVersionStatus(ctx, v.ID, StatusEarnedCredits); err != nil {
			return nil, err
		}
		v.Status = StatusEarnedCredits
	}

	return v, nil
}

// =============================================================================
// INCREASED OBLIGATION
// =============================================================================

// handleIncreasedObligation bills a top-up obligation sized to the delta only.
// The previously invoiced amount stands; a new invoice covers the increase.
func (svc *SupplementaryVersionService) handleIncreasedObligation(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	v, err := createSupplementaryVersion(ctx, h, StatusObligationNotMet)
	if err != nil {
		return nil, err
	}

	delta := h.newSummary.ExcessEmissions.Sub(h.prevSummary.ExcessEmissions)
	if err := svc.createObligation(ctx, h, v.ID, delta); err != nil {
		return nil, err
	}
	return v, nil
}

// =============================================================================
// NO CHANGE
// =============================================================================

// handleNoChange appends a pass-through version so the chain stays complete
// and auditable even when nothing financially changed.
func (svc *SupplementaryVersionService) handleNoChange(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	return createSupplementaryVersion(ctx, h, StatusNoObligation)
}

// =============================================================================
// INCREASED CREDIT
// =============================================================================

// handleIncreasedCredit branches on the most recent earned credit record:
// an approved record stays valid and only the delta tops it up; any other
// state means no prior amount was actually issued, so the full new amount is
// (re)requested and an open request is declined.
func (svc *SupplementaryVersionService) handleIncreasedCredit(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	v, err := createSupplementaryVersion(ctx, h, StatusEarnedCredits)
	if err != nil {
		return nil, err
	}

	latest, err := h.tx.LatestEarnedCredit(ctx, h.report.ID)
	if err != nil {
		return nil, err
	}

	if latest.IssuanceStatus == IssuanceApproved {
		delta := h.newSummary.CreditedEmissions.Sub(h.prevSummary.CreditedEmissions).WholeTonnes()
		if _, err := CreateEarnedCreditsRecord(ctx, h.tx, v, &delta); err != nil {
			return nil, err
		}
		return v, nil
	}

	full := h.newSummary.CreditedEmissions.WholeTonnes()
	if _, err := CreateEarnedCreditsRecord(ctx, h.tx, v, &full); err != nil {
		return nil, err
	}
	if latest.IssuanceStatus.MidRequest() {
		if err := h.tx.UpdateEarnedCreditStatus(ctx, latest.ID, IssuanceDeclined); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// =============================================================================
// DECREASED CREDIT
// =============================================================================

// handleDecreasedCredit always requests the full reduced amount fresh, never
// an additive delta, and declines any open prior request.
func (svc *SupplementaryVersionService) handleDecreasedCredit(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error) {
	v, err := createSupplementaryVersion(ctx, h, StatusEarnedCredits)
	if err != nil {
		return nil, err
	}

	// Look up the prior record before creating the new one, or the new record
	// would shadow it as the latest.
	latest, err := h.tx.LatestEarnedCredit(ctx, h.report.ID)
	if err != nil {
		return nil, err
	}

	full := h.newSummary.CreditedEmissions.WholeTonnes()
	if _, err := CreateEarnedCreditsRecord(ctx, h.tx, v, &full); err != nil {
		return nil, err
	}

	if latest.IssuanceStatus.MidRequest() {
		if err := h.tx.UpdateEarnedCreditStatus(ctx, latest.ID, IssuanceDeclined); err != nil {
			return nil, err
		}
	}
	return v, nil
}

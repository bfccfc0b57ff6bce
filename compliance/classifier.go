/*
classifier.go - Scenario selection over a pair of compliance summaries

PURPOSE:
  Given the new and previous compliance summaries (plus ledger state for the
  credit scenarios), decide which reconciliation scenario applies. Supersede
  is evaluated first and short-circuits everything else; the remaining five
  scenarios are an ordered table of (predicate, handler) pairs evaluated in
  fixed priority order - the first match wins.

MUTUAL EXCLUSIVITY:
  The obligation predicates partition on the sign of the excess delta, the
  credit predicates on the sign of the credited delta, and no-change requires
  both deltas zero. Under the data invariant that a summary never carries
  both positive excess and positive credited emissions, the five predicates
  are pairwise exclusive; the fixed ordering additionally makes the dispatch
  deterministic for any input.
*/
package compliance

import (
	"context"
	"errors"
)

// Scenario names a reconciliation case.
type Scenario string

const (
	ScenarioSupersede           Scenario = "supersede"
	ScenarioIncreasedObligation Scenario = "increased_obligation"
	ScenarioDecreasedObligation Scenario = "decreased_obligation"
	ScenarioNoChange            Scenario = "no_change"
	ScenarioIncreasedCredit     Scenario = "increased_credit"
	ScenarioDecreasedCredit     Scenario = "decreased_credit"
	ScenarioNone                Scenario = "none"
)

// handleContext carries everything one orchestration needs: the transactional
// store, the loaded entities, and the post-commit effect queue.
type handleContext struct {
	tx                 Store
	report             *ComplianceReport
	newReportVersionID int64
	prevCRV            *ComplianceReportVersion
	newSummary         *ComplianceSummary
	prevSummary        *ComplianceSummary
	effects            *EffectQueue
}

// scenarioHandler pairs a predicate with its handler.
type scenarioHandler struct {
	Scenario  Scenario
	CanHandle func(ctx context.Context, h *handleContext) (bool, error)
	Handle    func(ctx context.Context, h *handleContext) (*ComplianceReportVersion, error)
}

// handlerTable returns the five non-supersede scenarios in priority order.
func (svc *SupplementaryVersionService) handlerTable() []scenarioHandler {
	return []scenarioHandler{
		{ScenarioIncreasedObligation, canHandleIncreasedObligation, svc.handleIncreasedObligation},
		{ScenarioDecreasedObligation, canHandleDecreasedObligation, svc.handleDecreasedObligation},
		{ScenarioNoChange, canHandleNoChange, svc.handleNoChange},
		{ScenarioIncreasedCredit, canHandleIncreasedCredit, svc.handleIncreasedCredit},
		{ScenarioDecreasedCredit, canHandleDecreasedCredit, svc.handleDecreasedCredit},
	}
}

// =============================================================================
// PREDICATES
// =============================================================================

func canHandleIncreasedObligation(_ context.Context, h *handleContext) (bool, error) {
	n, p := h.newSummary, h.prevSummary
	return n.ExcessEmissions.IsPositive() && p.ExcessEmissions.LessThan(n.ExcessEmissions), nil
}

func canHandleDecreasedObligation(_ context.Context, h *handleContext) (bool, error) {
	n, p := h.newSummary, h.prevSummary
	return p.ExcessEmissions.IsPositive() && n.ExcessEmissions.LessThan(p.ExcessEmissions), nil
}

func canHandleNoChange(_ context.Context, h *handleContext) (bool, error) {
	n, p := h.newSummary, h.prevSummary
	return n.ExcessEmissions.Equal(p.ExcessEmissions) &&
		n.CreditedEmissions.Equal(p.CreditedEmissions), nil
}

// canHandleIncreasedCredit requires that credits were ever a possibility: an
// original (non-supplementary) earned credit record must exist for the report.
func canHandleIncreasedCredit(ctx context.Context, h *handleContext) (bool, error) {
	n, p := h.newSummary, h.prevSummary
	if !p.CreditedEmissions.IsPositive() || !p.CreditedEmissions.LessThan(n.CreditedEmissions) {
		return false, nil
	}
	_, err := h.tx.OriginalEarnedCredit(ctx, h.report.ID)
	if errors.Is(err, ErrEarnedCreditNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// canHandleDecreasedCredit additionally requires the original record not be
// approved: approved credits are a closed transaction and cannot be decreased
// here (clawback is a different flow entirely).
func canHandleDecreasedCredit(ctx context.Context, h *handleContext) (bool, error) {
	n, p := h.newSummary, h.prevSummary
	if !p.CreditedEmissions.IsPositive() || !n.CreditedEmissions.LessThan(p.CreditedEmissions) {
		return false, nil
	}
	orig, err := h.tx.OriginalEarnedCredit(ctx, h.report.ID)
	if errors.Is(err, ErrEarnedCreditNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return orig.IssuanceStatus != IssuanceApproved, nil
}

// =============================================================================
// SUPERSEDE CHECK
// =============================================================================

// supersedeApplies reports whether the previous version can simply be replaced
// in place: all of its ancestors are already superseded, and its own outcome
// produced no external side effect yet (no invoice, no issuance request).
func (svc *SupplementaryVersionService) supersedeApplies(ctx context.Context, h *handleContext) (bool, error) {
	ok, err := allAncestorsSuperseded(ctx, h.tx, h.prevCRV)
	if err != nil || !ok {
		return false, err
	}

	if h.prevSummary.ExcessEmissions.IsPositive() && h.prevCRV.Status == StatusObligationPendingInvoice {
		ob, err := h.tx.ObligationForVersion(ctx, h.prevCRV.ID)
		if err == nil && ob.InvoiceID == nil {
			return true, nil
		}
		if err != nil && !errors.Is(err, ErrObligationNotFound) {
			return false, err
		}
	}

	if h.prevSummary.CreditedEmissions.IsPositive() {
		ec, err := h.tx.EarnedCreditForVersion(ctx, h.prevCRV.ID)
		if err == nil && ec.IssuanceStatus == IssuanceCreditsNotIssued {
			return true, nil
		}
		if err != nil && !errors.Is(err, ErrEarnedCreditNotFound) {
			return false, err
		}
	}

	return false, nil
}

// allAncestorsSuperseded walks the previous_version chain starting at v's
// predecessor. Every ancestor must carry StatusSuperseded. Visited ids guard
// against cycles from bad data.
func allAncestorsSuperseded(ctx context.Context, s Store, v *ComplianceReportVersion) (bool, error) {
	visited := map[int64]bool{v.ID: true}
	cursor := v.PreviousVersionID
	for cursor != nil {
		if visited[*cursor] {
			return false, ErrVersionCycle
		}
		visited[*cursor] = true

		ancestor, err := s.GetVersion(ctx, *cursor)
		if err != nil {
			return false, err
		}
		if ancestor.Status != StatusSuperseded {
			return false, nil
		}
		cursor = ancestor.PreviousVersionID
	}
	return true, nil
}

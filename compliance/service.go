/*
service.go - Supplementary version orchestrator

PURPOSE:
  Top-level entry point for processing a corrected report submission. Loads
  the new and previous compliance summaries, tries the supersede path first,
  then dispatches to the first matching scenario handler. All handler writes
  run inside one transaction; external-facing instructions run from the
  effect queue only after that transaction commits.

ERROR BEHAVIOR:
  - Missing previous report version: logged, no version created (the first
    version of a report has nothing to reconcile against).
  - Missing summary or compliance version: propagated; data-integrity bug,
    transaction aborts, nothing persists.
  - No scenario matched: logged as an error, no version created. Non-fatal so
    a valid submission pipeline is never blocked, but it means no
    reconciliation happened and must be investigated.
*/
package compliance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/carbonledger/compliance-engine/metrics"
)

// SupplementaryVersionService reconciles supplementary report versions.
type SupplementaryVersionService struct {
	Store       TxStore
	Refresher   InvoiceRefresher
	Adjustments AdjustmentPoster
	Invoices    InvoiceVoider
	Integrator  ObligationIntegrator
	Refunds     RefundLedger
	Rates       RateProvider
	Log         zerolog.Logger
}

// NewSupplementaryVersionService wires the orchestrator.
func NewSupplementaryVersionService(
	store TxStore,
	refresher InvoiceRefresher,
	adjustments AdjustmentPoster,
	invoices InvoiceVoider,
	integrator ObligationIntegrator,
	refunds RefundLedger,
	rates RateProvider,
	log zerolog.Logger,
) *SupplementaryVersionService {
	return &SupplementaryVersionService{
		Store:       store,
		Refresher:   refresher,
		Adjustments: adjustments,
		Invoices:    invoices,
		Integrator:  integrator,
		Refunds:     refunds,
		Rates:       rates,
		Log:         log,
	}
}

// HandleSupplementaryVersion reconciles the report version identified by
// newReportVersionID against the report's most recent older version. Returns
// the created compliance report version, or nil when no reconciliation
// occurred (no previous version, or no scenario matched).
func (svc *SupplementaryVersionService) HandleSupplementaryVersion(ctx context.Context, reportID, newReportVersionID int64) (*ComplianceReportVersion, error) {
	start := time.Now()

	prevRV, err := svc.Store.PreviousReportVersion(ctx, reportID, newReportVersionID)
	if errors.Is(err, ErrNoPreviousVersion) {
		svc.Log.Error().
			Int64("report_id", reportID).
			Int64("report_version_id", newReportVersionID).
			Msg("no previous report version to reconcile against")
		metrics.ObserveReconciliation(string(ScenarioNone), metrics.ResultError, time.Since(start))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Data-integrity preconditions: both summaries and the previous
	// compliance version must exist. Failures propagate.
	newSummary, err := svc.Store.SummaryForReportVersion(ctx, newReportVersionID)
	if err != nil {
		return nil, err
	}
	prevSummary, err := svc.Store.SummaryForReportVersion(ctx, prevRV.ID)
	if err != nil {
		return nil, err
	}
	prevCRV, err := svc.Store.VersionForReportVersion(ctx, prevRV.ID)
	if err != nil {
		return nil, err
	}
	report, err := svc.Store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	effects := NewEffectQueue(svc.Log)
	scenario := ScenarioNone
	var created *ComplianceReportVersion

	err = svc.Store.WithTx(ctx, func(tx Store) error {
		h := &handleContext{
			tx:                 tx,
			report:             report,
			newReportVersionID: newReportVersionID,
			prevCRV:            prevCRV,
			newSummary:         newSummary,
			prevSummary:        prevSummary,
			effects:            effects,
		}

		// Supersede short-circuits everything else.
		ok, err := svc.supersedeApplies(ctx, h)
		if err != nil {
			return err
		}
		if ok {
			scenario = ScenarioSupersede
			created, err = svc.handleSupersede(ctx, h)
			return err
		}

		for _, entry := range svc.handlerTable() {
			ok, err := entry.CanHandle(ctx, h)
			if err != nil {
				return err
			}
			if ok {
				scenario = entry.Scenario
				created, err = entry.Handle(ctx, h)
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.ObserveReconciliation(string(scenario), metrics.ResultError, time.Since(start))
		return nil, err
	}

	if created == nil {
		nse := &NoScenarioError{
			ReportID:         reportID,
			NewExcess:        newSummary.ExcessEmissions.String(),
			PreviousExcess:   prevSummary.ExcessEmissions.String(),
			NewCredited:      newSummary.CreditedEmissions.String(),
			PreviousCredited: prevSummary.CreditedEmissions.String(),
		}
		svc.Log.Error().Msg(nse.Error())
		metrics.ObserveReconciliation(string(ScenarioNone), metrics.ResultError, time.Since(start))
		return nil, nil
	}

	// The local decision is durable; now integrate externally.
	if err := effects.Flush(ctx); err != nil {
		metrics.ObserveReconciliation(string(scenario), metrics.ResultError, time.Since(start))
		return created, err
	}

	// Pick up status changes the post-commit step made to the new version.
	if fresh, err := svc.Store.GetVersion(ctx, created.ID); err == nil {
		created = fresh
	}

	svc.Log.Info().
		Int64("report_id", reportID).
		Int64("version_id", created.ID).
		Str("scenario", string(scenario)).
		Str("status", string(created.Status)).
		Msg("supplementary version reconciled")
	metrics.ObserveReconciliation(string(scenario), metrics.ResultSuccess, time.Since(start))
	return created, nil
}

/*
origination.go - First-version outcome creation

PURPOSE:
  The supplementary engine reconciles against an existing outcome; something
  has to create that first outcome. Origination computes it straight from the
  first report version's summary: excess emissions become an obligation
  pending invoice creation, credited emissions become an earned credit
  record, neither becomes a pass-through version.
*/
package compliance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/carbonledger/compliance-engine/ledger"
)

// OriginalVersionService creates the first compliance report version for a
// report.
type OriginalVersionService struct {
	Store      TxStore
	Integrator ObligationIntegrator
	Rates      RateProvider
	Log        zerolog.Logger
}

// HandleOriginalVersion creates the non-supplementary outcome for the
// report's first submitted version.
func (svc *OriginalVersionService) HandleOriginalVersion(ctx context.Context, reportID, reportVersionID int64) (*ComplianceReportVersion, error) {
	report, err := svc.Store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	summary, err := svc.Store.SummaryForReportVersion(ctx, reportVersionID)
	if err != nil {
		return nil, err
	}

	effects := NewEffectQueue(svc.Log)
	var created *ComplianceReportVersion

	err = svc.Store.WithTx(ctx, func(tx Store) error {
		v := &ComplianceReportVersion{
			ReportID:        reportID,
			ReportVersionID: reportVersionID,
			Status:          StatusNoObligation,
			IsSupplementary: false,
			CreatedAt:       time.Now().UTC(),
		}
		if err := tx.CreateVersion(ctx, v); err != nil {
			return err
		}

		switch {
		case summary.ExcessEmissions.IsPositive():
			rate, err := svc.Rates.RateForYear(report.CompliancePeriod)
			if err != nil {
				return err
			}
			ob := &ComplianceObligation{
				VersionID:       v.ID,
				ObligatedTonnes: summary.ExcessEmissions,
				Fee:             ledger.FeeFor(summary.ExcessEmissions, rate),
				CreatedAt:       time.Now().UTC(),
			}
			if err := tx.CreateObligation(ctx, ob); err != nil {
				return err
			}
			if err := tx.UpdateVersionStatus(ctx, v.ID, StatusObligationPendingInvoice); err != nil {
				return err
			}
			v.Status = StatusObligationPendingInvoice

			obligationID := ob.ID
			period := report.CompliancePeriod
			effects.Defer("obligation-integration", func(ctx context.Context) error {
				return svc.Integrator.HandleObligationIntegration(ctx, obligationID, period)
			})

		case summary.CreditedEmissions.IsPositive():
			if _, err := CreateEarnedCreditsRecord(ctx, tx, v, nil); err != nil {
				return err
			}
			if err := tx.UpdateVersionStatus(ctx, v.ID, StatusEarnedCredits); err != nil {
				return err
			}
			v.Status = StatusEarnedCredits
		}

		created = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := effects.Flush(ctx); err != nil {
		return created, err
	}

	if fresh, err := svc.Store.GetVersion(ctx, created.ID); err == nil {
		created = fresh
	}
	return created, nil
}

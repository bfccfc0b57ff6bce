package compliance_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
	"github.com/carbonledger/compliance-engine/rates"
	"github.com/carbonledger/compliance-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Store
	svc   *compliance.SupplementaryVersionService
	orig  *compliance.OriginalVersionService
}

// noopIntegrator leaves obligations without invoices, so versions stay in
// pending-invoice status. Used by the supersede tests.
type noopIntegrator struct{}

func (noopIntegrator) HandleObligationIntegration(context.Context, int64, int) error { return nil }

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith wires the orchestrator over the memory store and the real
// billing services. A nil integrator means the real invoice generator.
func newFixtureWith(t *testing.T, integrator compliance.ObligationIntegrator) *fixture {
	t.Helper()

	st, err := memory.New()
	require.NoError(t, err)

	log := zerolog.Nop()
	if integrator == nil {
		integrator = &billing.ObligationService{Compliance: st, Billing: st, Log: log}
	}
	refresher := &billing.RefreshService{Compliance: st, Billing: st}
	adjuster := &billing.AdjustmentService{Compliance: st, Billing: st, Log: log}
	table := rates.Default()

	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: st,
		svc:   compliance.NewSupplementaryVersionService(st, refresher, adjuster, adjuster, integrator, st, table, log),
		orig:  &compliance.OriginalVersionService{Store: st, Integrator: integrator, Rates: table, Log: log},
	}
}

func (f *fixture) createReport(period int) *compliance.ComplianceReport {
	f.t.Helper()
	r := &compliance.ComplianceReport{
		OperatorID:       "op-1",
		CompliancePeriod: period,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(f.t, f.store.CreateReport(f.ctx, r))
	return r
}

// submit records one report version with its computed summary and returns the
// report version id.
func (f *fixture) submit(reportID int64, excess, credited string) int64 {
	f.t.Helper()
	rv := &compliance.ReportVersion{ReportID: reportID, SubmittedAt: time.Now().UTC()}
	require.NoError(f.t, f.store.CreateReportVersion(f.ctx, rv))
	require.NoError(f.t, f.store.SaveSummary(f.ctx, compliance.ComplianceSummary{
		ReportVersionID:   rv.ID,
		ExcessEmissions:   ledger.EmissionsFromString(excess),
		CreditedEmissions: ledger.EmissionsFromString(credited),
	}))
	return rv.ID
}

// invoiceFor resolves a version's invoice through its obligation.
func (f *fixture) invoiceFor(versionID int64) *billing.Invoice {
	f.t.Helper()
	ob, err := f.store.ObligationForVersion(f.ctx, versionID)
	require.NoError(f.t, err)
	require.NotNil(f.t, ob.InvoiceID, "obligation has no invoice")
	inv, err := f.store.GetInvoice(f.ctx, *ob.InvoiceID)
	require.NoError(f.t, err)
	return inv
}

// payInvoice records a payment against the invoice of the given version.
func (f *fixture) payInvoice(versionID int64, amount string) {
	f.t.Helper()
	inv := f.invoiceFor(versionID)
	payments := &billing.PaymentService{Billing: f.store}
	_, err := payments.RecordPayment(f.ctx, inv.ID, ledger.MoneyFromString(amount), "R-TEST")
	require.NoError(f.t, err)
}

// =============================================================================
// ORIGINATION
// =============================================================================

func TestOriginalVersion_ExcessCreatesObligationAndInvoice(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rvID := f.submit(r.ID, "100.0000", "0")

	v, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rvID)
	require.NoError(t, err)

	// Invoice generation happened post-commit, flipping pending to not-met.
	assert.Equal(t, compliance.StatusObligationNotMet, v.Status)
	assert.False(t, v.IsSupplementary)

	ob, err := f.store.ObligationForVersion(f.ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "8000.00", ob.Fee.String(), "100 t at the 2024 rate of $80")

	inv := f.invoiceFor(v.ID)
	assert.Equal(t, "8000.00", inv.OutstandingBalance.String())
	assert.False(t, inv.IsVoid)
}

func TestOriginalVersion_CreditedCreatesEarnedCredits(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rvID := f.submit(r.ID, "0", "25.6000")

	v, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rvID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusEarnedCredits, v.Status)

	ec, err := f.store.EarnedCreditForVersion(f.ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), ec.Amount, "fractional tonnes are never issued")
	assert.Equal(t, compliance.IssuanceCreditsNotIssued, ec.IssuanceStatus)
}

func TestOriginalVersion_NeitherIsPassThrough(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rvID := f.submit(r.ID, "0", "0")

	v, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rvID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusNoObligation, v.Status)
}

// =============================================================================
// ORCHESTRATOR EDGES
// =============================================================================

func TestSupplementary_NoPreviousVersionIsNonFatal(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rvID := f.submit(r.ID, "100", "0")

	v, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rvID)
	require.NoError(t, err)
	assert.Nil(t, v, "first version has nothing to reconcile against")
}

func TestSupplementary_NoScenarioCreatesNothing(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "0")
	_, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	// Credited appears with no original earned credit record: none of the
	// scenarios claim it.
	rv2 := f.submit(r.ID, "0", "10")
	v, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)
	assert.Nil(t, v)

	versions, err := f.store.VersionsForReport(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "no version appended on unmatched input")
}

// =============================================================================
// INCREASED OBLIGATION
// =============================================================================

func TestIncreasedObligation_BillsDeltaOnly(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "100", "0")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	rv2 := f.submit(r.ID, "150", "0")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	assert.Equal(t, compliance.StatusObligationNotMet, v2.Status)
	assert.True(t, v2.IsSupplementary)
	require.NotNil(t, v2.PreviousVersionID)
	assert.Equal(t, v1.ID, *v2.PreviousVersionID)
	require.NotNil(t, v2.ExcessEmissionsDelta)
	assert.Equal(t, "50.0000", v2.ExcessEmissionsDelta.String())

	// The original invoice stands; the top-up invoice covers only the delta.
	ob, err := f.store.ObligationForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.0000", ob.ObligatedTonnes.String())
	assert.Equal(t, "4000.00", ob.Fee.String())
	assert.Equal(t, "8000.00", f.invoiceFor(v1.ID).OutstandingBalance.String())
	assert.Equal(t, "4000.00", f.invoiceFor(v2.ID).OutstandingBalance.String())
}

// =============================================================================
// NO CHANGE
// =============================================================================

func TestNoChange_AppendsPassThroughVersion(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "100", "0")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	rv2 := f.submit(r.ID, "100", "0")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	assert.Equal(t, compliance.StatusNoObligation, v2.Status)
	require.NotNil(t, v2.ExcessEmissionsDelta)
	assert.True(t, v2.ExcessEmissionsDelta.IsZero())

	// Prior outcome untouched.
	v1After, err := f.store.GetVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusObligationNotMet, v1After.Status)
	assert.Equal(t, "8000.00", f.invoiceFor(v1.ID).OutstandingBalance.String())
}

// =============================================================================
// SUPERSEDE
// =============================================================================

func TestSupersede_PendingInvoiceReplacedInPlace(t *testing.T) {
	// Invoice generation never runs, so the original stays pending with a
	// hanging obligation.
	f := newFixtureWith(t, noopIntegrator{})
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "100", "0")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)
	require.Equal(t, compliance.StatusObligationPendingInvoice, v1.Status)

	rv2 := f.submit(r.ID, "120", "0")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	v1After, err := f.store.GetVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusSuperseded, v1After.Status)

	// Hanging obligation deleted; fresh one sized to the full new excess,
	// not a delta.
	_, err = f.store.ObligationForVersion(f.ctx, v1.ID)
	assert.ErrorIs(t, err, compliance.ErrObligationNotFound)

	ob, err := f.store.ObligationForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, "120.0000", ob.ObligatedTonnes.String())
	assert.Equal(t, compliance.StatusObligationPendingInvoice, v2.Status)
}

func TestSupersede_ChainsAcrossRepeatedCorrections(t *testing.T) {
	f := newFixtureWith(t, noopIntegrator{})
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "100", "0")
	_, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	rv2 := f.submit(r.ID, "120", "0")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	// All ancestors of v2 are superseded, so a third correction supersedes
	// again.
	rv3 := f.submit(r.ID, "90", "0")
	v3, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv3)
	require.NoError(t, err)

	v2After, err := f.store.GetVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusSuperseded, v2After.Status)

	ob, err := f.store.ObligationForVersion(f.ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, "90.0000", ob.ObligatedTonnes.String())
}

func TestSupersede_UnissuedCreditsReplaced(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "30")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	rv2 := f.submit(r.ID, "0", "45")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	// Old record deleted, fresh record carries the full new amount.
	_, err = f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	assert.ErrorIs(t, err, compliance.ErrEarnedCreditNotFound)

	ec, err := f.store.EarnedCreditForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), ec.Amount)
	assert.Equal(t, compliance.StatusEarnedCredits, v2.Status)
}

// =============================================================================
// INCREASED CREDIT
// =============================================================================

func TestIncreasedCredit_ApprovedTopUpIsDeltaOnly(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "30")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	ec1, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEarnedCreditStatus(f.ctx, ec1.ID, compliance.IssuanceApproved))

	rv2 := f.submit(r.ID, "0", "50")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	assert.Equal(t, compliance.StatusEarnedCredits, v2.Status)
	ec2, err := f.store.EarnedCreditForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ec2.Amount, "approved credits stand; only the delta tops up")

	// The approved record is untouched.
	ec1After, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceApproved, ec1After.IssuanceStatus)
}

func TestIncreasedCredit_OpenRequestDeclinedAndFullAmountRerequested(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "30")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	ec1, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEarnedCreditStatus(f.ctx, ec1.ID, compliance.IssuanceRequested))

	rv2 := f.submit(r.ID, "0", "50")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	ec2, err := f.store.EarnedCreditForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ec2.Amount, "nothing was issued, so the full amount is requested")

	ec1After, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceDeclined, ec1After.IssuanceStatus)
}

// =============================================================================
// DECREASED CREDIT
// =============================================================================

func TestDecreasedCredit_FullReducedAmountAndDecline(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "50")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	ec1, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEarnedCreditStatus(f.ctx, ec1.ID, compliance.IssuanceChangesRequired))

	rv2 := f.submit(r.ID, "0", "35")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)

	ec2, err := f.store.EarnedCreditForVersion(f.ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(35), ec2.Amount, "always the full reduced amount, never a negative delta")

	ec1After, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.IssuanceDeclined, ec1After.IssuanceStatus)
}

func TestDecreasedCredit_ApprovedOriginalIsNotReclaimed(t *testing.T) {
	f := newFixture(t)
	r := f.createReport(2024)
	rv1 := f.submit(r.ID, "0", "50")
	v1, err := f.orig.HandleOriginalVersion(f.ctx, r.ID, rv1)
	require.NoError(t, err)

	ec1, err := f.store.EarnedCreditForVersion(f.ctx, v1.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateEarnedCreditStatus(f.ctx, ec1.ID, compliance.IssuanceApproved))

	rv2 := f.submit(r.ID, "0", "35")
	v2, err := f.svc.HandleSupplementaryVersion(f.ctx, r.ID, rv2)
	require.NoError(t, err)
	assert.Nil(t, v2, "approved credits are a closed transaction")
}

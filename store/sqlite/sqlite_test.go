package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
	"github.com/carbonledger/compliance-engine/rates"
	"github.com/carbonledger/compliance-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestVersionRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op-1", CompliancePeriod: 2024, CreatedAt: time.Now()}
	require.NoError(t, st.CreateReport(ctx, r))
	rv := &compliance.ReportVersion{ReportID: r.ID, SubmittedAt: time.Now()}
	require.NoError(t, st.CreateReportVersion(ctx, rv))

	prev := int64(0)
	delta := ledger.EmissionsFromString("-12.5")
	v := &compliance.ComplianceReportVersion{
		ReportID:             r.ID,
		ReportVersionID:      rv.ID,
		Status:               compliance.StatusObligationNotMet,
		IsSupplementary:      true,
		PreviousVersionID:    &prev,
		ExcessEmissionsDelta: &delta,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, st.CreateVersion(ctx, v))
	require.NotZero(t, v.ID)

	got, err := st.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusObligationNotMet, got.Status)
	assert.True(t, got.IsSupplementary)
	require.NotNil(t, got.PreviousVersionID)
	assert.Equal(t, prev, *got.PreviousVersionID)
	require.NotNil(t, got.ExcessEmissionsDelta)
	assert.Equal(t, "-12.5000", got.ExcessEmissionsDelta.String())
	assert.Nil(t, got.CreditedEmissionsDelta)

	byRV, err := st.VersionForReportVersion(ctx, rv.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, byRV.ID)
}

func TestAutoincrementIdsAreMonotonic(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op-1", CompliancePeriod: 2024}
	require.NoError(t, st.CreateReport(ctx, r))

	var last int64
	for i := 0; i < 5; i++ {
		rv := &compliance.ReportVersion{ReportID: r.ID, SubmittedAt: time.Now()}
		require.NoError(t, st.CreateReportVersion(ctx, rv))
		require.Greater(t, rv.ID, last)
		last = rv.ID
	}

	prev, err := st.PreviousReportVersion(ctx, r.ID, last)
	require.NoError(t, err)
	assert.Equal(t, last-1, prev.ID)
}

func TestWithTx_RollbackDiscardsWrites(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op-1", CompliancePeriod: 2024}
	require.NoError(t, st.CreateReport(ctx, r))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx compliance.Store) error {
		v := &compliance.ComplianceReportVersion{ReportID: r.ID, ReportVersionID: 1, Status: compliance.StatusNoObligation}
		if err := tx.CreateVersion(ctx, v); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	versions, err := st.VersionsForReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestEarnedCreditLookups(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op-1", CompliancePeriod: 2024}
	require.NoError(t, st.CreateReport(ctx, r))

	v1 := &compliance.ComplianceReportVersion{ReportID: r.ID, ReportVersionID: 1, Status: compliance.StatusEarnedCredits}
	require.NoError(t, st.CreateVersion(ctx, v1))
	v2 := &compliance.ComplianceReportVersion{ReportID: r.ID, ReportVersionID: 2, Status: compliance.StatusEarnedCredits, IsSupplementary: true}
	require.NoError(t, st.CreateVersion(ctx, v2))

	require.NoError(t, st.CreateEarnedCredit(ctx, &compliance.ComplianceEarnedCredit{
		VersionID: v1.ID, IssuanceStatus: compliance.IssuanceApproved, Amount: 10,
	}))
	require.NoError(t, st.CreateEarnedCredit(ctx, &compliance.ComplianceEarnedCredit{
		VersionID: v2.ID, IssuanceStatus: compliance.IssuanceCreditsNotIssued, Amount: 25,
	}))

	orig, err := st.OriginalEarnedCredit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), orig.Amount)

	latest, err := st.LatestEarnedCredit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), latest.Amount)

	_, err = st.OriginalEarnedCredit(ctx, 99999)
	assert.ErrorIs(t, err, compliance.ErrEarnedCreditNotFound)
}

func TestSupplementaryRefundsSince(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	inv := &billing.Invoice{InvoiceNumber: "INV-1", OutstandingBalance: ledger.MoneyFromString("1000")}
	require.NoError(t, st.CreateInvoice(ctx, inv))
	li := &billing.LineItem{InvoiceID: inv.ID, Description: "fee", Amount: ledger.MoneyFromString("1000")}
	require.NoError(t, st.CreateLineItem(ctx, li))

	add := func(amount string, reason billing.AdjustmentReason, versionID int64, key string) {
		t.Helper()
		require.NoError(t, st.CreateAdjustment(ctx, &billing.Adjustment{
			LineItemID: li.ID, InvoiceID: inv.ID,
			Amount: ledger.MoneyFromString(amount), Reason: reason,
			SupplementaryVersionID: versionID, IdempotencyKey: key,
		}))
	}

	add("-100.00", billing.ReasonSupplementaryAdjustment, 50, "k1")
	add("-25.00", billing.ReasonSupplementaryVoid, 60, "k2")
	add("-40.00", billing.ReasonSupplementaryAdjustment, 10, "k3") // before the anchor
	add("-15.00", "manual_correction", 70, "k4")                   // wrong reason

	total, err := st.SupplementaryRefundsSince(ctx, []int64{inv.ID}, 50)
	require.NoError(t, err)
	assert.Equal(t, "125.00", total.String())

	// Duplicate idempotency key is rejected.
	err = st.CreateAdjustment(ctx, &billing.Adjustment{
		LineItemID: li.ID, InvoiceID: inv.ID,
		Amount: ledger.MoneyFromString("-1.00"), Reason: billing.ReasonSupplementaryAdjustment,
		IdempotencyKey: "k1",
	})
	assert.ErrorIs(t, err, billing.ErrDuplicateAdjustment)
}

// End-to-end: the full reconciliation flow against the real database,
// including invoice refresh reads while the engine's transaction is open.
func TestEngineAgainstSQLite(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	log := zerolog.Nop()

	integrator := &billing.ObligationService{Compliance: st, Billing: st, Log: log}
	refresher := &billing.RefreshService{Compliance: st, Billing: st}
	adjuster := &billing.AdjustmentService{Compliance: st, Billing: st, Log: log}
	table := rates.Default()
	svc := compliance.NewSupplementaryVersionService(st, refresher, adjuster, adjuster, integrator, st, table, log)
	orig := &compliance.OriginalVersionService{Store: st, Integrator: integrator, Rates: table, Log: log}

	r := &compliance.ComplianceReport{OperatorID: "op-1", CompliancePeriod: 2024, CreatedAt: time.Now()}
	require.NoError(t, st.CreateReport(ctx, r))

	submit := func(excess string) int64 {
		rv := &compliance.ReportVersion{ReportID: r.ID, SubmittedAt: time.Now()}
		require.NoError(t, st.CreateReportVersion(ctx, rv))
		require.NoError(t, st.SaveSummary(ctx, compliance.ComplianceSummary{
			ReportVersionID:   rv.ID,
			ExcessEmissions:   ledger.EmissionsFromString(excess),
			CreditedEmissions: ledger.ZeroEmissions(),
		}))
		return rv.ID
	}

	v1, err := orig.HandleOriginalVersion(ctx, r.ID, submit("100"))
	require.NoError(t, err)
	require.Equal(t, compliance.StatusObligationNotMet, v1.Status)

	v2, err := svc.HandleSupplementaryVersion(ctx, r.ID, submit("60"))
	require.NoError(t, err)
	require.NotNil(t, v2)

	ob, err := st.ObligationForVersion(ctx, v1.ID)
	require.NoError(t, err)
	require.NotNil(t, ob.InvoiceID)
	inv, err := st.GetInvoice(ctx, *ob.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "4800.00", inv.OutstandingBalance.String())
	assert.False(t, inv.IsVoid)
}

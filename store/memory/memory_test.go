package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
	"github.com/carbonledger/compliance-engine/store/memory"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	st, err := memory.New()
	require.NoError(t, err)
	return st
}

func TestWithTx_RollbackDiscardsWrites(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx compliance.Store) error {
		if err := tx.CreateReport(ctx, &compliance.ComplianceReport{OperatorID: "op"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	versions, err := st.VersionsForReport(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestWithTx_CommitPersists(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	var id int64
	err := st.WithTx(ctx, func(tx compliance.Store) error {
		r := &compliance.ComplianceReport{OperatorID: "op", CompliancePeriod: 2024}
		if err := tx.CreateReport(ctx, r); err != nil {
			return err
		}
		id = r.ID
		return nil
	})
	require.NoError(t, err)

	r, err := st.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "op", r.OperatorID)
}

func TestPreviousReportVersion(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op"}
	require.NoError(t, st.CreateReport(ctx, r))

	rv1 := &compliance.ReportVersion{ReportID: r.ID, SubmittedAt: time.Now()}
	require.NoError(t, st.CreateReportVersion(ctx, rv1))
	rv2 := &compliance.ReportVersion{ReportID: r.ID, SubmittedAt: time.Now()}
	require.NoError(t, st.CreateReportVersion(ctx, rv2))

	// Ids are monotonic, so rv1 is the version before rv2.
	require.Greater(t, rv2.ID, rv1.ID)

	prev, err := st.PreviousReportVersion(ctx, r.ID, rv2.ID)
	require.NoError(t, err)
	assert.Equal(t, rv1.ID, prev.ID)

	_, err = st.PreviousReportVersion(ctx, r.ID, rv1.ID)
	assert.ErrorIs(t, err, compliance.ErrNoPreviousVersion)

	// Other reports never bleed in.
	other := &compliance.ComplianceReport{OperatorID: "other"}
	require.NoError(t, st.CreateReport(ctx, other))
	_, err = st.PreviousReportVersion(ctx, other.ID, rv2.ID)
	assert.ErrorIs(t, err, compliance.ErrNoPreviousVersion)
}

func TestLatestEarnedCredit_HighestVersionWins(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	r := &compliance.ComplianceReport{OperatorID: "op"}
	require.NoError(t, st.CreateReport(ctx, r))

	v1 := &compliance.ComplianceReportVersion{ReportID: r.ID, IsSupplementary: false}
	require.NoError(t, st.CreateVersion(ctx, v1))
	v2 := &compliance.ComplianceReportVersion{ReportID: r.ID, IsSupplementary: true}
	require.NoError(t, st.CreateVersion(ctx, v2))

	ec1 := &compliance.ComplianceEarnedCredit{VersionID: v1.ID, Amount: 10, IssuanceStatus: compliance.IssuanceCreditsNotIssued}
	require.NoError(t, st.CreateEarnedCredit(ctx, ec1))
	ec2 := &compliance.ComplianceEarnedCredit{VersionID: v2.ID, Amount: 20, IssuanceStatus: compliance.IssuanceCreditsNotIssued}
	require.NoError(t, st.CreateEarnedCredit(ctx, ec2))

	latest, err := st.LatestEarnedCredit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), latest.Amount)

	orig, err := st.OriginalEarnedCredit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), orig.Amount, "original is the non-supplementary version's record")
}

func TestCreateAdjustment_IdempotencyKeyRejected(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	inv := &billing.Invoice{InvoiceNumber: "INV-1", OutstandingBalance: ledger.MoneyFromString("100")}
	require.NoError(t, st.CreateInvoice(ctx, inv))

	a := &billing.Adjustment{InvoiceID: inv.ID, Amount: ledger.MoneyFromString("-10"), Reason: billing.ReasonSupplementaryAdjustment, IdempotencyKey: "k1"}
	require.NoError(t, st.CreateAdjustment(ctx, a))

	dup := &billing.Adjustment{InvoiceID: inv.ID, Amount: ledger.MoneyFromString("-10"), Reason: billing.ReasonSupplementaryAdjustment, IdempotencyKey: "k1"}
	err := st.CreateAdjustment(ctx, dup)
	assert.ErrorIs(t, err, billing.ErrDuplicateAdjustment)
}

func TestSupplementaryRefundsSince_Filters(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	inv := &billing.Invoice{InvoiceNumber: "INV-1"}
	require.NoError(t, st.CreateInvoice(ctx, inv))
	other := &billing.Invoice{InvoiceNumber: "INV-2"}
	require.NoError(t, st.CreateInvoice(ctx, other))

	add := func(invoiceID int64, amount string, reason billing.AdjustmentReason, versionID int64) {
		t.Helper()
		require.NoError(t, st.CreateAdjustment(ctx, &billing.Adjustment{
			InvoiceID:              invoiceID,
			Amount:                 ledger.MoneyFromString(amount),
			Reason:                 reason,
			SupplementaryVersionID: versionID,
		}))
	}

	add(inv.ID, "-100.00", billing.ReasonSupplementaryAdjustment, 50) // counted
	add(inv.ID, "-25.00", billing.ReasonSupplementaryVoid, 60)       // counted
	add(inv.ID, "-40.00", billing.ReasonSupplementaryAdjustment, 10) // before the anchor
	add(inv.ID, "30.00", billing.ReasonSupplementaryAdjustment, 70)  // not a refund
	add(inv.ID, "-15.00", "manual_correction", 80)                   // wrong reason
	add(other.ID, "-99.00", billing.ReasonSupplementaryAdjustment, 90) // wrong invoice

	total, err := st.SupplementaryRefundsSince(ctx, []int64{inv.ID}, 50)
	require.NoError(t, err)
	assert.Equal(t, "125.00", total.String())
}

func TestObligationInvoiceLink(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	ob := &compliance.ComplianceObligation{VersionID: 1, ObligatedTonnes: ledger.EmissionsFromString("10"), Fee: ledger.MoneyFromString("800")}
	require.NoError(t, st.CreateObligation(ctx, ob))
	require.Nil(t, ob.InvoiceID)

	require.NoError(t, st.LinkObligationInvoice(ctx, ob.ID, 42))

	got, err := st.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InvoiceID)
	assert.Equal(t, int64(42), *got.InvoiceID)
}

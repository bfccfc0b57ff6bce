package billing_test

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
	"github.com/carbonledger/compliance-engine/store/memory"
)

type env struct {
	store       *memory.Store
	obligations *billing.ObligationService
	refresh     *billing.RefreshService
	adjust      *billing.AdjustmentService
	payments    *billing.PaymentService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := memory.New()
	require.NoError(t, err)
	log := zerolog.Nop()
	return &env{
		store:       st,
		obligations: &billing.ObligationService{Compliance: st, Billing: st, Log: log},
		refresh:     &billing.RefreshService{Compliance: st, Billing: st},
		adjust:      &billing.AdjustmentService{Compliance: st, Billing: st, Log: log},
		payments:    &billing.PaymentService{Billing: st},
	}
}

// seedObligation creates a version with an obligation for the given fee.
func (e *env) seedObligation(t *testing.T, fee string) *compliance.ComplianceObligation {
	t.Helper()
	ctx := context.Background()
	v := &compliance.ComplianceReportVersion{ReportID: 1, Status: compliance.StatusObligationPendingInvoice, CreatedAt: time.Now()}
	require.NoError(t, e.store.CreateVersion(ctx, v))
	ob := &compliance.ComplianceObligation{
		VersionID:       v.ID,
		ObligatedTonnes: ledger.EmissionsFromString("10"),
		Fee:             ledger.MoneyFromString(fee),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, e.store.CreateObligation(ctx, ob))
	return ob
}

func TestObligationIntegration_GeneratesInvoice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")

	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))

	got, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InvoiceID)

	inv, err := e.store.GetInvoice(ctx, *got.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "800.00", inv.OutstandingBalance.String())
	assert.Contains(t, inv.InvoiceNumber, "INV-2024-")

	v, err := e.store.GetVersion(ctx, ob.VersionID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusObligationNotMet, v.Status)
}

func TestObligationIntegration_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")

	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))
	first, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)

	// Retry must not mint a second invoice.
	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))
	second, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.InvoiceID, *second.InvoiceID)
}

func TestRefresh_NoObligationYieldsNilSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	snap, err := e.refresh.RefreshByVersion(ctx, 12345, true)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRefresh_RecomputesBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")
	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))

	ob2, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	_, err = e.payments.RecordPayment(ctx, *ob2.InvoiceID, ledger.MoneyFromString("300.00"), "R-1")
	require.NoError(t, err)

	snap, err := e.refresh.RefreshByVersion(ctx, ob.VersionID, true)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "500.00", snap.OutstandingBalance.String())
	assert.Equal(t, "300.00", snap.PaymentsTotal.String())
	assert.True(t, snap.DataIsFresh)
	assert.False(t, snap.IsVoid)
}

func TestAdjustment_RecomputesAndTags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")
	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))

	err := e.adjust.CreateAdjustmentForTargetVersion(ctx, ob.VersionID, ledger.MoneyFromString("-200.00"), 999, false)
	require.NoError(t, err)

	ob2, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)
	inv, err := e.store.GetInvoice(ctx, *ob2.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "600.00", inv.OutstandingBalance.String())

	refunds, err := e.store.SupplementaryRefundsSince(ctx, []int64{inv.ID}, 999)
	require.NoError(t, err)
	assert.Equal(t, "200.00", refunds.String())
}

func TestAdjustment_VersionWithoutInvoiceFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")

	err := e.adjust.CreateAdjustmentForTargetVersion(ctx, ob.VersionID, ledger.MoneyFromString("-200.00"), 999, false)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestVoidInvoice_ZeroesBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")
	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))
	ob2, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)

	require.NoError(t, e.adjust.VoidInvoice(ctx, *ob2.InvoiceID))

	inv, err := e.store.GetInvoice(ctx, *ob2.InvoiceID)
	require.NoError(t, err)
	assert.True(t, inv.IsVoid)
	assert.True(t, inv.OutstandingBalance.IsZero())
}

func TestRecordPayment_RejectsVoidInvoiceAndBadAmounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ob := e.seedObligation(t, "800.00")
	require.NoError(t, e.obligations.HandleObligationIntegration(ctx, ob.ID, 2024))
	ob2, err := e.store.GetObligation(ctx, ob.ID)
	require.NoError(t, err)

	_, err = e.payments.RecordPayment(ctx, *ob2.InvoiceID, ledger.MoneyFromString("-5.00"), "R-1")
	assert.Error(t, err, "negative payments are rejected")

	_, err = e.payments.RecordPayment(ctx, *ob2.InvoiceID, ledger.ZeroMoney(), "R-2")
	assert.Error(t, err, "zero payments are rejected")

	require.NoError(t, e.adjust.VoidInvoice(ctx, *ob2.InvoiceID))
	_, err = e.payments.RecordPayment(ctx, *ob2.InvoiceID, ledger.MoneyFromString("5.00"), "R-3")
	assert.ErrorIs(t, err, billing.ErrInvoiceVoid)
}

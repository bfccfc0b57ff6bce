/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Seeds the database with recognizable end-to-end situations so the admin
  frontend and manual testing have real data to look at. Each loader resets
  the store and drives the actual engine services; nothing is inserted by
  hand, so the seeded data always matches what production processing would
  have produced.

SCENARIOS:
  simple-obligation       One report with excess emissions and an open invoice
  supplementary-refund    A correction that partially refunds the invoice
  over-compliance         A correction past zero: voided invoice plus credits
  paid-invoice-credits    Refund owed on an already-paid invoice becomes credits
  earned-credits-topup    A correction that raises the earned credit amount
  multi-invoice-chain     Two invoices, newest-first refund allocation
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
)

type scenario struct {
	Name        string
	Description string
	Load        func(ctx context.Context, h *Handler) error
}

func scenarios() []scenario {
	return []scenario{
		{
			Name:        "simple-obligation",
			Description: "One operator over its limit: 100 t excess, one open invoice at the 2024 rate.",
			Load:        loadSimpleObligation,
		},
		{
			Name:        "supplementary-refund",
			Description: "A corrected report drops the excess from 100 t to 60 t; the open invoice is partially refunded.",
			Load:        loadSupplementaryRefund,
		},
		{
			Name:        "over-compliance",
			Description: "A correction lands below zero excess: the unpaid invoice is voided and the overshoot becomes earned credits.",
			Load:        loadOverCompliance,
		},
		{
			Name:        "paid-invoice-credits",
			Description: "The invoice was already paid in full before the correction; the refund owed converts to earned credits.",
			Load:        loadPaidInvoiceCredits,
		},
		{
			Name:        "earned-credits-topup",
			Description: "An approved earned credit record topped up by a delta-only record after a correction.",
			Load:        loadEarnedCreditsTopup,
		},
		{
			Name:        "multi-invoice-chain",
			Description: "An increased then decreased obligation: two invoices, refund allocated newest first.",
			Load:        loadMultiInvoiceChain,
		},
	}
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns all loadable scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all := scenarios()
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = ScenarioDTO{Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the most recently loaded scenario name.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"current": h.currentScenario})
}

// LoadScenario resets the database and seeds the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var selected *scenario
	for _, s := range scenarios() {
		if s.Name == req.Name {
			sc := s
			selected = &sc
			break
		}
	}
	if selected == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.Name), nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := selected.Load(ctx, h); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = selected.Name
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": selected.Name,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LOADERS
// =============================================================================

// seedReport creates a report and returns its id.
func seedReport(ctx context.Context, h *Handler, operatorID string, period int) (int64, error) {
	report := &compliance.ComplianceReport{OperatorID: operatorID, CompliancePeriod: period}
	if err := h.Store.CreateReport(ctx, report); err != nil {
		return 0, err
	}
	return report.ID, nil
}

// seedSubmission persists one report version with its summary and runs the
// matching engine path, exactly as the submit endpoint does.
func seedSubmission(ctx context.Context, h *Handler, reportID int64, excess, credited string) error {
	existing, err := h.Store.VersionsForReport(ctx, reportID)
	if err != nil {
		return err
	}

	rv := &compliance.ReportVersion{ReportID: reportID}
	if err := h.Store.CreateReportVersion(ctx, rv); err != nil {
		return err
	}
	if err := h.Store.SaveSummary(ctx, compliance.ComplianceSummary{
		ReportVersionID:   rv.ID,
		ExcessEmissions:   ledger.EmissionsFromString(excess),
		CreditedEmissions: ledger.EmissionsFromString(credited),
	}); err != nil {
		return err
	}

	if len(existing) == 0 {
		_, err = h.Original.HandleOriginalVersion(ctx, reportID, rv.ID)
	} else {
		_, err = h.Supplementary.HandleSupplementaryVersion(ctx, reportID, rv.ID)
	}
	return err
}

// payInFull pays off the invoice attached to the report's latest version.
func payInFull(ctx context.Context, h *Handler, reportID int64) error {
	versions, err := h.Store.VersionsForReport(ctx, reportID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("report %d has no versions to pay", reportID)
	}
	latest := versions[len(versions)-1]

	ob, err := h.Store.ObligationForVersion(ctx, latest.ID)
	if err != nil {
		return err
	}
	if ob.InvoiceID == nil {
		return fmt.Errorf("obligation %d has no invoice", ob.ID)
	}
	inv, err := h.Store.GetInvoice(ctx, *ob.InvoiceID)
	if err != nil {
		return err
	}

	_, err = h.Payments.RecordPayment(ctx, inv.ID, inv.OutstandingBalance, "DEMO-RECEIPT-1")
	return err
}

func loadSimpleObligation(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-granite-works", 2024)
	if err != nil {
		return err
	}
	return seedSubmission(ctx, h, reportID, "100", "0")
}

func loadSupplementaryRefund(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-granite-works", 2024)
	if err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "100", "0"); err != nil {
		return err
	}
	return seedSubmission(ctx, h, reportID, "60", "0")
}

func loadOverCompliance(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-basalt-cement", 2024)
	if err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "100", "0"); err != nil {
		return err
	}
	return seedSubmission(ctx, h, reportID, "-10", "0")
}

func loadPaidInvoiceCredits(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-basalt-cement", 2024)
	if err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "100", "0"); err != nil {
		return err
	}
	if err := payInFull(ctx, h, reportID); err != nil {
		return err
	}
	return seedSubmission(ctx, h, reportID, "0", "0")
}

func loadEarnedCreditsTopup(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-cedar-biogas", 2024)
	if err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "0", "25.6"); err != nil {
		return err
	}

	// Approve the original record so the top-up stays delta-only.
	ec, err := h.Store.OriginalEarnedCredit(ctx, reportID)
	if err != nil {
		return err
	}
	if err := h.Store.UpdateEarnedCreditStatus(ctx, ec.ID, compliance.IssuanceApproved); err != nil {
		return err
	}

	return seedSubmission(ctx, h, reportID, "0", "45")
}

func loadMultiInvoiceChain(ctx context.Context, h *Handler) error {
	reportID, err := seedReport(ctx, h, "op-granite-works", 2024)
	if err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "100", "0"); err != nil {
		return err
	}
	if err := seedSubmission(ctx, h, reportID, "150", "0"); err != nil {
		return err
	}
	return seedSubmission(ctx, h, reportID, "40", "0")
}

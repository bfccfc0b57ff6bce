/*
handlers.go - HTTP API handlers for the compliance administration system

PURPOSE:
  Exposes the compliance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Reports:
    POST   /api/reports                   Create compliance report
    GET    /api/reports/{id}              Get report
    GET    /api/reports/{id}/versions     Version chain with statuses/deltas
    POST   /api/reports/{id}/versions     Submit a report version summary

  Versions:
    GET    /api/versions/{id}             Version with obligation/credit detail
    GET    /api/versions/{id}/invoice     Refreshed invoice snapshot

  Billing:
    POST   /api/invoices/{id}/payments    Record a payment

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario
    POST   /api/scenarios/reset           Clear all data (dev only)

SUBMISSION FLOW:
  POST /api/reports/{id}/versions persists the report version and its summary,
  then dispatches: the report's first submission goes through origination,
  every later one through the supplementary reconciliation engine. The
  response says whether a compliance outcome was produced.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (void invoice, duplicate)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
	"github.com/carbonledger/compliance-engine/rates"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence surface the API needs: the compliance ledger, the
// billing mirror, and a dev-only wipe.
type Store interface {
	compliance.TxStore
	billing.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Store
	Original      *compliance.OriginalVersionService
	Supplementary *compliance.SupplementaryVersionService
	Refresher     *billing.RefreshService
	Payments      *billing.PaymentService
	Rates         *rates.Table
	Log           zerolog.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the engine services on top of the given store.
func NewHandler(store Store, table *rates.Table, log zerolog.Logger) *Handler {
	integrator := &billing.ObligationService{Compliance: store, Billing: store, Log: log}
	refresher := &billing.RefreshService{Compliance: store, Billing: store}
	adjuster := &billing.AdjustmentService{Compliance: store, Billing: store, Log: log}

	return &Handler{
		Store:         store,
		Original:      &compliance.OriginalVersionService{Store: store, Integrator: integrator, Rates: table, Log: log},
		Supplementary: compliance.NewSupplementaryVersionService(store, refresher, adjuster, adjuster, integrator, store, table, log),
		Refresher:     refresher,
		Payments:      &billing.PaymentService{Billing: store},
		Rates:         table,
		Log:           log,
	}
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// CreateReport creates a compliance report for one operator and period.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req CreateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "operator_id is required", nil)
		return
	}
	if _, err := h.Rates.RateForYear(req.CompliancePeriod); err != nil {
		writeError(w, http.StatusBadRequest, "No charge rate configured for compliance period", err)
		return
	}

	report := &compliance.ComplianceReport{
		OperatorID:       req.OperatorID,
		CompliancePeriod: req.CompliancePeriod,
	}
	if err := h.Store.CreateReport(r.Context(), report); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create report", err)
		return
	}

	writeJSON(w, http.StatusCreated, toReportDTO(report))
}

// GetReport returns a single report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	report, err := h.Store.GetReport(r.Context(), id)
	if errors.Is(err, compliance.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "Report not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get report", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// ListVersions returns the report's version chain, oldest first.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.Store.GetReport(r.Context(), id); errors.Is(err, compliance.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "Report not found", nil)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get report", err)
		return
	}

	versions, err := h.Store.VersionsForReport(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list versions", err)
		return
	}

	dtos := make([]VersionDTO, len(versions))
	for i := range versions {
		dtos[i] = toVersionDTO(&versions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitVersion persists a report version with its summary and runs the
// matching engine path: origination for the report's first submission,
// supplementary reconciliation for every later one.
func (h *Handler) SubmitVersion(w http.ResponseWriter, r *http.Request) {
	reportID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req SubmitVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	excess, err := parseEmissions(req.ExcessEmissions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid excess_emissions", err)
		return
	}
	credited, err := parseEmissions(req.CreditedEmissions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credited_emissions", err)
		return
	}
	if credited.IsNegative() {
		writeError(w, http.StatusBadRequest, "credited_emissions must not be negative", nil)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetReport(ctx, reportID); errors.Is(err, compliance.ErrReportNotFound) {
		writeError(w, http.StatusNotFound, "Report not found", nil)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get report", err)
		return
	}

	existing, err := h.Store.VersionsForReport(ctx, reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list versions", err)
		return
	}

	rv := &compliance.ReportVersion{ReportID: reportID}
	if err := h.Store.CreateReportVersion(ctx, rv); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create report version", err)
		return
	}
	if err := h.Store.SaveSummary(ctx, compliance.ComplianceSummary{
		ReportVersionID:   rv.ID,
		ExcessEmissions:   excess,
		CreditedEmissions: credited,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save summary", err)
		return
	}

	var created *compliance.ComplianceReportVersion
	if len(existing) == 0 {
		created, err = h.Original.HandleOriginalVersion(ctx, reportID, rv.ID)
	} else {
		created, err = h.Supplementary.HandleSupplementaryVersion(ctx, reportID, rv.ID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to process submission", err)
		return
	}

	resp := SubmitVersionResponse{ReportVersionID: rv.ID, Reconciled: created != nil}
	if created != nil {
		dto := toVersionDTO(created)
		resp.Version = &dto
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// VERSION HANDLERS
// =============================================================================

// GetVersion returns a single version with obligation and earned credit
// detail.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	v, err := h.Store.GetVersion(ctx, id)
	if errors.Is(err, compliance.ErrVersionNotFound) {
		writeError(w, http.StatusNotFound, "Version not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get version", err)
		return
	}

	detail := VersionDetailDTO{VersionDTO: toVersionDTO(v)}

	ob, err := h.Store.ObligationForVersion(ctx, id)
	if err != nil && !errors.Is(err, compliance.ErrObligationNotFound) {
		writeError(w, http.StatusInternalServerError, "Failed to get obligation", err)
		return
	}
	if ob != nil {
		detail.Obligation = toObligationDTO(ob)
	}

	ec, err := h.Store.EarnedCreditForVersion(ctx, id)
	if err != nil && !errors.Is(err, compliance.ErrEarnedCreditNotFound) {
		writeError(w, http.StatusInternalServerError, "Failed to get earned credit", err)
		return
	}
	if ec != nil {
		detail.EarnedCredit = toEarnedCreditDTO(ec)
	}

	writeJSON(w, http.StatusOK, detail)
}

// GetVersionInvoice returns the version's refreshed invoice snapshot.
func (h *Handler) GetVersionInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	snap, err := h.Refresher.RefreshByVersion(ctx, id, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to refresh invoice", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "Version has no invoice", nil)
		return
	}

	dto := InvoiceDTO{
		InvoiceID:          snap.InvoiceID,
		OutstandingBalance: snap.OutstandingBalance.String(),
		PaymentsTotal:      snap.PaymentsTotal.String(),
		IsVoid:             snap.IsVoid,
	}
	if inv, err := h.Store.GetInvoice(ctx, snap.InvoiceID); err == nil {
		dto.InvoiceNumber = inv.InvoiceNumber
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// RecordPayment records cash received against an invoice.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	amount := ledger.NewMoney(d)
	if !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Amount must be positive", nil)
		return
	}

	p, err := h.Payments.RecordPayment(r.Context(), invoiceID, amount, req.ReceiptNumber)
	if errors.Is(err, billing.ErrInvoiceNotFound) {
		writeError(w, http.StatusNotFound, "Invoice not found", nil)
		return
	}
	if errors.Is(err, billing.ErrInvoiceVoid) {
		writeError(w, http.StatusConflict, "Invoice is void", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is a liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// pathID parses the named URL parameter as an int64, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// parseEmissions validates and quantizes a tonnage string. Empty means zero.
func parseEmissions(s string) (ledger.Emissions, error) {
	if s == "" {
		return ledger.ZeroEmissions(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.ZeroEmissions(), err
	}
	return ledger.NewEmissions(d), nil
}

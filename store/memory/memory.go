/*
Package memory provides an in-memory implementation of the compliance and
billing store interfaces, for tests and demo mode.

IDS:
  Ids come from a snowflake node, so they are monotonically increasing with
  creation time. The compliance engine's id-ordering contract (version id
  order == submission order) holds by construction.

TRANSACTIONS:
  WithTx clones the state, runs the function against the clone, and swaps it
  in on success. A failed transaction leaves the original state untouched.
  Coarse but correct for the single-writer-per-report model the engine
  assumes.
*/
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
)

// Store implements compliance.TxStore and billing.Store in memory.
type Store struct {
	mu   sync.RWMutex
	node *snowflake.Node
	st   *state
}

type state struct {
	reports        map[int64]compliance.ComplianceReport
	reportVersions map[int64]compliance.ReportVersion
	summaries      map[int64]compliance.ComplianceSummary // keyed by report version id
	versions       map[int64]compliance.ComplianceReportVersion
	obligations    map[int64]compliance.ComplianceObligation
	earnedCredits  map[int64]compliance.ComplianceEarnedCredit

	invoices       map[int64]billing.Invoice
	lineItems      map[int64]billing.LineItem
	payments       map[int64]billing.Payment
	adjustments    map[int64]billing.Adjustment
	adjustmentKeys map[string]bool
}

func newState() *state {
	return &state{
		reports:        make(map[int64]compliance.ComplianceReport),
		reportVersions: make(map[int64]compliance.ReportVersion),
		summaries:      make(map[int64]compliance.ComplianceSummary),
		versions:       make(map[int64]compliance.ComplianceReportVersion),
		obligations:    make(map[int64]compliance.ComplianceObligation),
		earnedCredits:  make(map[int64]compliance.ComplianceEarnedCredit),
		invoices:       make(map[int64]billing.Invoice),
		lineItems:      make(map[int64]billing.LineItem),
		payments:       make(map[int64]billing.Payment),
		adjustments:    make(map[int64]billing.Adjustment),
		adjustmentKeys: make(map[string]bool),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *state) clone() *state {
	return &state{
		reports:        cloneMap(st.reports),
		reportVersions: cloneMap(st.reportVersions),
		summaries:      cloneMap(st.summaries),
		versions:       cloneMap(st.versions),
		obligations:    cloneMap(st.obligations),
		earnedCredits:  cloneMap(st.earnedCredits),
		invoices:       cloneMap(st.invoices),
		lineItems:      cloneMap(st.lineItems),
		payments:       cloneMap(st.payments),
		adjustments:    cloneMap(st.adjustments),
		adjustmentKeys: cloneMap(st.adjustmentKeys),
	}
}

// New creates an empty store.
func New() (*Store, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	return &Store{node: node, st: newState()}, nil
}

func (s *Store) nextID() int64 {
	return s.node.Generate().Int64()
}

// Reset drops all data. Demo/dev support.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = newState()
	return nil
}

// WithTx clones state, runs fn against the clone, and swaps it in on success.
func (s *Store) WithTx(_ context.Context, fn func(compliance.Store) error) error {
	s.mu.Lock()
	work := &Store{node: s.node, st: s.st.clone()}
	s.mu.Unlock()

	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work.st
	s.mu.Unlock()
	return nil
}

// =============================================================================
// COMPLIANCE: REPORTS AND SUBMISSIONS
// =============================================================================

func (s *Store) CreateReport(_ context.Context, r *compliance.ComplianceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID()
	s.st.reports[r.ID] = *r
	return nil
}

func (s *Store) GetReport(_ context.Context, id int64) (*compliance.ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.st.reports[id]
	if !ok {
		return nil, compliance.ErrReportNotFound
	}
	return &r, nil
}

func (s *Store) CreateReportVersion(_ context.Context, rv *compliance.ReportVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv.ID = s.nextID()
	s.st.reportVersions[rv.ID] = *rv
	return nil
}

func (s *Store) GetReportVersion(_ context.Context, id int64) (*compliance.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rv, ok := s.st.reportVersions[id]
	if !ok {
		return nil, compliance.ErrReportVersionNotFound
	}
	return &rv, nil
}

func (s *Store) PreviousReportVersion(_ context.Context, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *compliance.ReportVersion
	for _, rv := range s.st.reportVersions {
		if rv.ReportID != reportID || rv.ID >= beforeID {
			continue
		}
		if best == nil || rv.ID > best.ID {
			rv := rv
			best = &rv
		}
	}
	if best == nil {
		return nil, compliance.ErrNoPreviousVersion
	}
	return best, nil
}

func (s *Store) SaveSummary(_ context.Context, sum compliance.ComplianceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.summaries[sum.ReportVersionID] = sum
	return nil
}

func (s *Store) SummaryForReportVersion(_ context.Context, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.st.summaries[reportVersionID]
	if !ok {
		return nil, compliance.ErrSummaryNotFound
	}
	return &sum, nil
}

// =============================================================================
// COMPLIANCE: VERSIONS
// =============================================================================

func (s *Store) CreateVersion(_ context.Context, v *compliance.ComplianceReportVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.nextID()
	s.st.versions[v.ID] = *v
	return nil
}

func (s *Store) GetVersion(_ context.Context, id int64) (*compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.st.versions[id]
	if !ok {
		return nil, compliance.ErrVersionNotFound
	}
	return &v, nil
}

func (s *Store) VersionForReportVersion(_ context.Context, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.st.versions {
		if v.ReportVersionID == reportVersionID {
			v := v
			return &v, nil
		}
	}
	return nil, compliance.ErrVersionNotFound
}

func (s *Store) VersionsForReport(_ context.Context, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []compliance.ComplianceReportVersion
	for _, v := range s.st.versions {
		if v.ReportID == reportID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateVersionStatus(_ context.Context, id int64, status compliance.VersionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.versions[id]
	if !ok {
		return compliance.ErrVersionNotFound
	}
	v.Status = status
	s.st.versions[id] = v
	return nil
}

// =============================================================================
// COMPLIANCE: OBLIGATIONS
// =============================================================================

func (s *Store) CreateObligation(_ context.Context, o *compliance.ComplianceObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.nextID()
	s.st.obligations[o.ID] = *o
	return nil
}

func (s *Store) GetObligation(_ context.Context, id int64) (*compliance.ComplianceObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.obligations[id]
	if !ok {
		return nil, compliance.ErrObligationNotFound
	}
	return &o, nil
}

func (s *Store) ObligationForVersion(_ context.Context, versionID int64) (*compliance.ComplianceObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.st.obligations {
		if o.VersionID == versionID {
			o := o
			return &o, nil
		}
	}
	return nil, compliance.ErrObligationNotFound
}

func (s *Store) LinkObligationInvoice(_ context.Context, obligationID, invoiceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.obligations[obligationID]
	if !ok {
		return compliance.ErrObligationNotFound
	}
	o.InvoiceID = &invoiceID
	s.st.obligations[obligationID] = o
	return nil
}

func (s *Store) DeleteObligation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.obligations[id]; !ok {
		return compliance.ErrObligationNotFound
	}
	delete(s.st.obligations, id)
	return nil
}

// =============================================================================
// COMPLIANCE: EARNED CREDITS
// =============================================================================

func (s *Store) CreateEarnedCredit(_ context.Context, ec *compliance.ComplianceEarnedCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec.ID = s.nextID()
	s.st.earnedCredits[ec.ID] = *ec
	return nil
}

func (s *Store) EarnedCreditForVersion(_ context.Context, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ec := range s.st.earnedCredits {
		if ec.VersionID == versionID {
			ec := ec
			return &ec, nil
		}
	}
	return nil, compliance.ErrEarnedCreditNotFound
}

func (s *Store) OriginalEarnedCredit(_ context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ec := range s.st.earnedCredits {
		v, ok := s.st.versions[ec.VersionID]
		if ok && v.ReportID == reportID && !v.IsSupplementary {
			ec := ec
			return &ec, nil
		}
	}
	return nil, compliance.ErrEarnedCreditNotFound
}

func (s *Store) LatestEarnedCredit(_ context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *compliance.ComplianceEarnedCredit
	for _, ec := range s.st.earnedCredits {
		v, ok := s.st.versions[ec.VersionID]
		if !ok || v.ReportID != reportID {
			continue
		}
		if best == nil || ec.VersionID > best.VersionID {
			ec := ec
			best = &ec
		}
	}
	if best == nil {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return best, nil
}

func (s *Store) UpdateEarnedCreditStatus(_ context.Context, id int64, status compliance.IssuanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.st.earnedCredits[id]
	if !ok {
		return compliance.ErrEarnedCreditNotFound
	}
	ec.IssuanceStatus = status
	s.st.earnedCredits[id] = ec
	return nil
}

func (s *Store) DeleteEarnedCredit(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.earnedCredits[id]; !ok {
		return compliance.ErrEarnedCreditNotFound
	}
	delete(s.st.earnedCredits, id)
	return nil
}

// =============================================================================
// BILLING
// =============================================================================

func (s *Store) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv.ID = s.nextID()
	s.st.invoices[inv.ID] = *inv
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id int64) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.st.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *Store) SetInvoiceVoid(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.st.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	inv.IsVoid = true
	s.st.invoices[id] = inv
	return nil
}

func (s *Store) SetOutstandingBalance(_ context.Context, id int64, balance ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.st.invoices[id]
	if !ok {
		return billing.ErrInvoiceNotFound
	}
	inv.OutstandingBalance = balance
	s.st.invoices[id] = inv
	return nil
}

func (s *Store) CreateLineItem(_ context.Context, li *billing.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	li.ID = s.nextID()
	s.st.lineItems[li.ID] = *li
	return nil
}

func (s *Store) LineItemsForInvoice(_ context.Context, invoiceID int64) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.LineItem
	for _, li := range s.st.lineItems {
		if li.InvoiceID == invoiceID {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreatePayment(_ context.Context, p *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID()
	s.st.payments[p.ID] = *p
	return nil
}

func (s *Store) PaymentsTotalForInvoice(_ context.Context, invoiceID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := ledger.ZeroMoney()
	for _, p := range s.st.payments {
		if p.InvoiceID == invoiceID {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (s *Store) CreateAdjustment(_ context.Context, a *billing.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IdempotencyKey != "" && s.st.adjustmentKeys[a.IdempotencyKey] {
		return billing.ErrDuplicateAdjustment
	}
	a.ID = s.nextID()
	s.st.adjustments[a.ID] = *a
	if a.IdempotencyKey != "" {
		s.st.adjustmentKeys[a.IdempotencyKey] = true
	}
	return nil
}

func (s *Store) AdjustmentsTotalForInvoice(_ context.Context, invoiceID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := ledger.ZeroMoney()
	for _, a := range s.st.adjustments {
		if a.InvoiceID == invoiceID {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (s *Store) SupplementaryRefundsSince(_ context.Context, invoiceIDs []int64, minSupplementaryVersionID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make(map[int64]bool, len(invoiceIDs))
	for _, id := range invoiceIDs {
		targets[id] = true
	}

	total := ledger.ZeroMoney()
	for _, a := range s.st.adjustments {
		if !targets[a.InvoiceID] || !a.Amount.IsNegative() {
			continue
		}
		if a.Reason != billing.ReasonSupplementaryAdjustment && a.Reason != billing.ReasonSupplementaryVoid {
			continue
		}
		if a.SupplementaryVersionID < minSupplementaryVersionID {
			continue
		}
		total = total.Add(a.Amount.Abs())
	}
	return total, nil
}

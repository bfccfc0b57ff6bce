/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements compliance.TxStore and billing.Store using SQLite. In production
  the same patterns apply to PostgreSQL (see store/postgres) - only minor SQL
  dialect differences.

ID ORDERING:
  All primary keys are INTEGER PRIMARY KEY AUTOINCREMENT. AUTOINCREMENT
  guarantees ids increase monotonically and are never reused, which is the id
  ordering contract the reconciliation engine depends on (version id order ==
  submission order).

NUMERIC STORAGE:
  Money and emissions are stored as decimal TEXT, never REAL. SQLite floats
  would reintroduce exactly the rounding problems the ledger types exist to
  prevent.

KEY TABLES:
  compliance_reports:         one operator + compliance period
  report_versions:            submitted report revisions
  compliance_summaries:       computed emissions per revision
  compliance_report_versions: computed outcomes (the version chain)
  compliance_obligations:     money owed, 0-or-1 invoice each
  compliance_earned_credits:  whole-tonne credit issuance records
  invoices / invoice_line_items / invoice_payments / invoice_adjustments:
                              the mirrored billing ledger

CONCURRENCY:
  Single operations use sync.RWMutex for thread-safety. WithTx relies on
  database-level transaction isolation instead of the mutex, because the
  reconciliation engine reads through the root store while its transaction
  is open. The busy timeout absorbs writer contention.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time, better crash
  recovery.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - compliance/store.go: interface definitions
  - store/memory: in-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
)

// Store implements compliance.TxStore and billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is the common surface of *sql.DB and *sql.Tx the queries run against.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS compliance_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operator_id TEXT NOT NULL,
		compliance_period INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS report_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL REFERENCES compliance_reports(id),
		submitted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_report_versions_report
		ON report_versions(report_id, id);

	CREATE TABLE IF NOT EXISTS compliance_summaries (
		report_version_id INTEGER PRIMARY KEY REFERENCES report_versions(id),
		excess_emissions TEXT NOT NULL,
		credited_emissions TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS compliance_report_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL REFERENCES compliance_reports(id),
		report_version_id INTEGER NOT NULL REFERENCES report_versions(id),
		status TEXT NOT NULL,
		is_supplementary BOOLEAN NOT NULL DEFAULT FALSE,
		previous_version_id INTEGER,
		excess_emissions_delta TEXT,
		credited_emissions_delta TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_crv_report
		ON compliance_report_versions(report_id, id);
	CREATE INDEX IF NOT EXISTS idx_crv_report_version
		ON compliance_report_versions(report_version_id);

	-- At most one obligation per version.
	CREATE TABLE IF NOT EXISTS compliance_obligations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL UNIQUE REFERENCES compliance_report_versions(id),
		invoice_id INTEGER,
		obligated_tonnes TEXT NOT NULL,
		fee TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- At most one earned credit record per version.
	CREATE TABLE IF NOT EXISTS compliance_earned_credits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL UNIQUE REFERENCES compliance_report_versions(id),
		issuance_status TEXT NOT NULL,
		amount INTEGER NOT NULL,
		bccr_trading_name TEXT NOT NULL DEFAULT '',
		bccr_holding_account_id TEXT NOT NULL DEFAULT '',
		bccr_project_id TEXT NOT NULL DEFAULT '',
		bccr_issuance_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_number TEXT NOT NULL UNIQUE,
		outstanding_balance TEXT NOT NULL,
		is_void BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON invoice_line_items(invoice_id);

	CREATE TABLE IF NOT EXISTS invoice_payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line_item_id INTEGER NOT NULL REFERENCES invoice_line_items(id),
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		received_at TEXT NOT NULL,
		receipt_number TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON invoice_payments(invoice_id);

	CREATE TABLE IF NOT EXISTS invoice_adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line_item_id INTEGER NOT NULL REFERENCES invoice_line_items(id),
		invoice_id INTEGER NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		supplementary_version_id INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_invoice
		ON invoice_adjustments(invoice_id);
	-- Hot path for the refund engine's prior-round filter.
	CREATE INDEX IF NOT EXISTS idx_adjustments_refund_filter
		ON invoice_adjustments(invoice_id, reason, supplementary_version_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// COMPLIANCE: REPORTS AND SUBMISSIONS
// =============================================================================

func (s *Store) CreateReport(ctx context.Context, r *compliance.ComplianceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createReport(ctx, s.db, r)
}

func createReport(ctx context.Context, q dbtx, r *compliance.ComplianceReport) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO compliance_reports (operator_id, compliance_period, created_at) VALUES (?, ?, ?)`,
		r.OperatorID, r.CompliancePeriod, fmtTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetReport(ctx context.Context, id int64) (*compliance.ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReport(ctx, s.db, id)
}

func getReport(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceReport, error) {
	var r compliance.ComplianceReport
	var createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, operator_id, compliance_period, created_at FROM compliance_reports WHERE id = ?`, id,
	).Scan(&r.ID, &r.OperatorID, &r.CompliancePeriod, &createdAt)
	if err == sql.ErrNoRows {
		return nil, compliance.ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

func (s *Store) CreateReportVersion(ctx context.Context, rv *compliance.ReportVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createReportVersion(ctx, s.db, rv)
}

func createReportVersion(ctx context.Context, q dbtx, rv *compliance.ReportVersion) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO report_versions (report_id, submitted_at) VALUES (?, ?)`,
		rv.ReportID, fmtTime(rv.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create report version: %w", err)
	}
	rv.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetReportVersion(ctx context.Context, id int64) (*compliance.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReportVersion(ctx, s.db, id)
}

func getReportVersion(ctx context.Context, q dbtx, id int64) (*compliance.ReportVersion, error) {
	var rv compliance.ReportVersion
	var submittedAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, report_id, submitted_at FROM report_versions WHERE id = ?`, id,
	).Scan(&rv.ID, &rv.ReportID, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, compliance.ErrReportVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	rv.SubmittedAt = parseTime(submittedAt)
	return &rv, nil
}

func (s *Store) PreviousReportVersion(ctx context.Context, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return previousReportVersion(ctx, s.db, reportID, beforeID)
}

func previousReportVersion(ctx context.Context, q dbtx, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	var rv compliance.ReportVersion
	var submittedAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, report_id, submitted_at FROM report_versions
		 WHERE report_id = ? AND id < ? ORDER BY id DESC LIMIT 1`,
		reportID, beforeID,
	).Scan(&rv.ID, &rv.ReportID, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, compliance.ErrNoPreviousVersion
	}
	if err != nil {
		return nil, err
	}
	rv.SubmittedAt = parseTime(submittedAt)
	return &rv, nil
}

func (s *Store) SaveSummary(ctx context.Context, sum compliance.ComplianceSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSummary(ctx, s.db, sum)
}

func saveSummary(ctx context.Context, q dbtx, sum compliance.ComplianceSummary) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO compliance_summaries (report_version_id, excess_emissions, credited_emissions)
		 VALUES (?, ?, ?)
		 ON CONFLICT(report_version_id) DO UPDATE SET
			excess_emissions = excluded.excess_emissions,
			credited_emissions = excluded.credited_emissions`,
		sum.ReportVersionID, sum.ExcessEmissions.Value.String(), sum.CreditedEmissions.Value.String(),
	)
	return err
}

func (s *Store) SummaryForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summaryForReportVersion(ctx, s.db, reportVersionID)
}

func summaryForReportVersion(ctx context.Context, q dbtx, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	var sum compliance.ComplianceSummary
	var excess, credited string
	err := q.QueryRowContext(ctx,
		`SELECT report_version_id, excess_emissions, credited_emissions
		 FROM compliance_summaries WHERE report_version_id = ?`, reportVersionID,
	).Scan(&sum.ReportVersionID, &excess, &credited)
	if err == sql.ErrNoRows {
		return nil, compliance.ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	sum.ExcessEmissions = ledger.EmissionsFromString(excess)
	sum.CreditedEmissions = ledger.EmissionsFromString(credited)
	return &sum, nil
}

// =============================================================================
// COMPLIANCE: VERSIONS
// =============================================================================

const versionColumns = `id, report_id, report_version_id, status, is_supplementary,
	previous_version_id, excess_emissions_delta, credited_emissions_delta, created_at`

func (s *Store) CreateVersion(ctx context.Context, v *compliance.ComplianceReportVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createVersion(ctx, s.db, v)
}

func createVersion(ctx context.Context, q dbtx, v *compliance.ComplianceReportVersion) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO compliance_report_versions
		 (report_id, report_version_id, status, is_supplementary, previous_version_id,
		  excess_emissions_delta, credited_emissions_delta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ReportID, v.ReportVersionID, string(v.Status), v.IsSupplementary,
		nullInt64(v.PreviousVersionID),
		nullEmissions(v.ExcessEmissionsDelta), nullEmissions(v.CreditedEmissionsDelta),
		fmtTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create compliance report version: %w", err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

func scanVersion(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceReportVersion, error) {
	var v compliance.ComplianceReportVersion
	var status, createdAt string
	var prevID sql.NullInt64
	var excessDelta, creditedDelta sql.NullString

	err := row.Scan(&v.ID, &v.ReportID, &v.ReportVersionID, &status, &v.IsSupplementary,
		&prevID, &excessDelta, &creditedDelta, &createdAt)
	if err != nil {
		return nil, err
	}

	v.Status = compliance.VersionStatus(status)
	v.CreatedAt = parseTime(createdAt)
	if prevID.Valid {
		id := prevID.Int64
		v.PreviousVersionID = &id
	}
	if excessDelta.Valid {
		e := ledger.EmissionsFromString(excessDelta.String)
		v.ExcessEmissionsDelta = &e
	}
	if creditedDelta.Valid {
		e := ledger.EmissionsFromString(creditedDelta.String)
		v.CreditedEmissionsDelta = &e
	}
	return &v, nil
}

func (s *Store) GetVersion(ctx context.Context, id int64) (*compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVersion(ctx, s.db, id)
}

func getVersion(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceReportVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrVersionNotFound
	}
	return v, err
}

func (s *Store) VersionForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return versionForReportVersion(ctx, s.db, reportVersionID)
}

func versionForReportVersion(ctx context.Context, q dbtx, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE report_version_id = ?`, reportVersionID))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrVersionNotFound
	}
	return v, err
}

func (s *Store) VersionsForReport(ctx context.Context, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return versionsForReport(ctx, s.db, reportID)
}

func versionsForReport(ctx context.Context, q dbtx, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE report_id = ? ORDER BY id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []compliance.ComplianceReportVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *Store) UpdateVersionStatus(ctx context.Context, id int64, status compliance.VersionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateVersionStatus(ctx, s.db, id, status)
}

func updateVersionStatus(ctx context.Context, q dbtx, id int64, status compliance.VersionStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE compliance_report_versions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return compliance.ErrVersionNotFound
	}
	return err
}

// =============================================================================
// COMPLIANCE: OBLIGATIONS
// =============================================================================

func (s *Store) CreateObligation(ctx context.Context, o *compliance.ComplianceObligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createObligation(ctx, s.db, o)
}

func createObligation(ctx context.Context, q dbtx, o *compliance.ComplianceObligation) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO compliance_obligations (version_id, invoice_id, obligated_tonnes, fee, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		o.VersionID, nullInt64(o.InvoiceID), o.ObligatedTonnes.Value.String(), o.Fee.Value.String(), fmtTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create obligation: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

func scanObligation(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceObligation, error) {
	var o compliance.ComplianceObligation
	var invoiceID sql.NullInt64
	var tonnes, fee, createdAt string

	err := row.Scan(&o.ID, &o.VersionID, &invoiceID, &tonnes, &fee, &createdAt)
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		id := invoiceID.Int64
		o.InvoiceID = &id
	}
	o.ObligatedTonnes = ledger.EmissionsFromString(tonnes)
	o.Fee = ledger.MoneyFromString(fee)
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

func (s *Store) GetObligation(ctx context.Context, id int64) (*compliance.ComplianceObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceObligation, error) {
	o, err := scanObligation(q.QueryRowContext(ctx,
		`SELECT id, version_id, invoice_id, obligated_tonnes, fee, created_at
		 FROM compliance_obligations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) ObligationForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceObligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return obligationForVersion(ctx, s.db, versionID)
}

func obligationForVersion(ctx context.Context, q dbtx, versionID int64) (*compliance.ComplianceObligation, error) {
	o, err := scanObligation(q.QueryRowContext(ctx,
		`SELECT id, version_id, invoice_id, obligated_tonnes, fee, created_at
		 FROM compliance_obligations WHERE version_id = ?`, versionID))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) LinkObligationInvoice(ctx context.Context, obligationID, invoiceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return linkObligationInvoice(ctx, s.db, obligationID, invoiceID)
}

func linkObligationInvoice(ctx context.Context, q dbtx, obligationID, invoiceID int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE compliance_obligations SET invoice_id = ? WHERE id = ?`, invoiceID, obligationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return compliance.ErrObligationNotFound
	}
	return err
}

func (s *Store) DeleteObligation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteObligation(ctx, s.db, id)
}

func deleteObligation(ctx context.Context, q dbtx, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM compliance_obligations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return compliance.ErrObligationNotFound
	}
	return err
}

// =============================================================================
// COMPLIANCE: EARNED CREDITS
// =============================================================================

const earnedCreditColumns = `id, version_id, issuance_status, amount,
	bccr_trading_name, bccr_holding_account_id, bccr_project_id, bccr_issuance_id, created_at`

func (s *Store) CreateEarnedCredit(ctx context.Context, ec *compliance.ComplianceEarnedCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createEarnedCredit(ctx, s.db, ec)
}

func createEarnedCredit(ctx context.Context, q dbtx, ec *compliance.ComplianceEarnedCredit) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO compliance_earned_credits
		 (version_id, issuance_status, amount, bccr_trading_name, bccr_holding_account_id,
		  bccr_project_id, bccr_issuance_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ec.VersionID, string(ec.IssuanceStatus), ec.Amount,
		ec.BCCRTradingName, ec.BCCRHoldingAccountID, ec.BCCRProjectID, ec.BCCRIssuanceID,
		fmtTime(ec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create earned credit: %w", err)
	}
	ec.ID, err = res.LastInsertId()
	return err
}

func scanEarnedCredit(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceEarnedCredit, error) {
	var ec compliance.ComplianceEarnedCredit
	var status, createdAt string
	err := row.Scan(&ec.ID, &ec.VersionID, &status, &ec.Amount,
		&ec.BCCRTradingName, &ec.BCCRHoldingAccountID, &ec.BCCRProjectID, &ec.BCCRIssuanceID,
		&createdAt)
	if err != nil {
		return nil, err
	}
	ec.IssuanceStatus = compliance.IssuanceStatus(status)
	ec.CreatedAt = parseTime(createdAt)
	return &ec, nil
}

func (s *Store) EarnedCreditForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return earnedCreditForVersion(ctx, s.db, versionID)
}

func earnedCreditForVersion(ctx context.Context, q dbtx, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT `+earnedCreditColumns+` FROM compliance_earned_credits WHERE version_id = ?`, versionID))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) OriginalEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return originalEarnedCredit(ctx, s.db, reportID)
}

func originalEarnedCredit(ctx context.Context, q dbtx, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT ec.id, ec.version_id, ec.issuance_status, ec.amount,
		        ec.bccr_trading_name, ec.bccr_holding_account_id, ec.bccr_project_id, ec.bccr_issuance_id, ec.created_at
		 FROM compliance_earned_credits ec
		 JOIN compliance_report_versions v ON v.id = ec.version_id
		 WHERE v.report_id = ? AND v.is_supplementary = FALSE`, reportID))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) LatestEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestEarnedCredit(ctx, s.db, reportID)
}

func latestEarnedCredit(ctx context.Context, q dbtx, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT ec.id, ec.version_id, ec.issuance_status, ec.amount,
		        ec.bccr_trading_name, ec.bccr_holding_account_id, ec.bccr_project_id, ec.bccr_issuance_id, ec.created_at
		 FROM compliance_earned_credits ec
		 JOIN compliance_report_versions v ON v.id = ec.version_id
		 WHERE v.report_id = ?
		 ORDER BY ec.version_id DESC LIMIT 1`, reportID))
	if err == sql.ErrNoRows {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) UpdateEarnedCreditStatus(ctx context.Context, id int64, status compliance.IssuanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEarnedCreditStatus(ctx, s.db, id, status)
}

func updateEarnedCreditStatus(ctx context.Context, q dbtx, id int64, status compliance.IssuanceStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE compliance_earned_credits SET issuance_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return compliance.ErrEarnedCreditNotFound
	}
	return err
}

func (s *Store) DeleteEarnedCredit(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEarnedCredit(ctx, s.db, id)
}

func deleteEarnedCredit(ctx context.Context, q dbtx, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM compliance_earned_credits WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return compliance.ErrEarnedCreditNotFound
	}
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (compliance.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
//
// The mutex is deliberately NOT held across fn: the reconciliation engine
// refreshes invoice snapshots through the root store while its transaction is
// open, which would deadlock against a held write lock. Database-level
// transaction isolation covers the writes.
func (s *Store) WithTx(ctx context.Context, fn func(store compliance.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every operation against the open sql.Tx. The parent's mutex is
// already held by WithTx, so no locking here.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateReport(ctx context.Context, r *compliance.ComplianceReport) error {
	return createReport(ctx, ts.tx, r)
}

func (ts *txStore) GetReport(ctx context.Context, id int64) (*compliance.ComplianceReport, error) {
	return getReport(ctx, ts.tx, id)
}

func (ts *txStore) CreateReportVersion(ctx context.Context, rv *compliance.ReportVersion) error {
	return createReportVersion(ctx, ts.tx, rv)
}

func (ts *txStore) GetReportVersion(ctx context.Context, id int64) (*compliance.ReportVersion, error) {
	return getReportVersion(ctx, ts.tx, id)
}

func (ts *txStore) PreviousReportVersion(ctx context.Context, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	return previousReportVersion(ctx, ts.tx, reportID, beforeID)
}

func (ts *txStore) SaveSummary(ctx context.Context, sum compliance.ComplianceSummary) error {
	return saveSummary(ctx, ts.tx, sum)
}

func (ts *txStore) SummaryForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	return summaryForReportVersion(ctx, ts.tx, reportVersionID)
}

func (ts *txStore) CreateVersion(ctx context.Context, v *compliance.ComplianceReportVersion) error {
	return createVersion(ctx, ts.tx, v)
}

func (ts *txStore) GetVersion(ctx context.Context, id int64) (*compliance.ComplianceReportVersion, error) {
	return getVersion(ctx, ts.tx, id)
}

func (ts *txStore) VersionForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	return versionForReportVersion(ctx, ts.tx, reportVersionID)
}

func (ts *txStore) VersionsForReport(ctx context.Context, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	return versionsForReport(ctx, ts.tx, reportID)
}

func (ts *txStore) UpdateVersionStatus(ctx context.Context, id int64, status compliance.VersionStatus) error {
	return updateVersionStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) CreateObligation(ctx context.Context, o *compliance.ComplianceObligation) error {
	return createObligation(ctx, ts.tx, o)
}

func (ts *txStore) GetObligation(ctx context.Context, id int64) (*compliance.ComplianceObligation, error) {
	return getObligation(ctx, ts.tx, id)
}

func (ts *txStore) ObligationForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceObligation, error) {
	return obligationForVersion(ctx, ts.tx, versionID)
}

func (ts *txStore) LinkObligationInvoice(ctx context.Context, obligationID, invoiceID int64) error {
	return linkObligationInvoice(ctx, ts.tx, obligationID, invoiceID)
}

func (ts *txStore) DeleteObligation(ctx context.Context, id int64) error {
	return deleteObligation(ctx, ts.tx, id)
}

func (ts *txStore) CreateEarnedCredit(ctx context.Context, ec *compliance.ComplianceEarnedCredit) error {
	return createEarnedCredit(ctx, ts.tx, ec)
}

func (ts *txStore) EarnedCreditForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	return earnedCreditForVersion(ctx, ts.tx, versionID)
}

func (ts *txStore) OriginalEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	return originalEarnedCredit(ctx, ts.tx, reportID)
}

func (ts *txStore) LatestEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	return latestEarnedCredit(ctx, ts.tx, reportID)
}

func (ts *txStore) UpdateEarnedCreditStatus(ctx context.Context, id int64, status compliance.IssuanceStatus) error {
	return updateEarnedCreditStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) DeleteEarnedCredit(ctx context.Context, id int64) error {
	return deleteEarnedCredit(ctx, ts.tx, id)
}

// =============================================================================
// BILLING
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (invoice_number, outstanding_balance, is_void, created_at)
		 VALUES (?, ?, ?, ?)`,
		inv.InvoiceNumber, inv.OutstandingBalance.Value.String(), inv.IsVoid, fmtTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	inv.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var inv billing.Invoice
	var balance, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, invoice_number, outstanding_balance, is_void, created_at FROM invoices WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.InvoiceNumber, &balance, &inv.IsVoid, &createdAt)
	if err == sql.ErrNoRows {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.OutstandingBalance = ledger.MoneyFromString(balance)
	inv.CreatedAt = parseTime(createdAt)
	return &inv, nil
}

func (s *Store) SetInvoiceVoid(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE invoices SET is_void = TRUE WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return err
}

func (s *Store) SetOutstandingBalance(ctx context.Context, id int64, balance ledger.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET outstanding_balance = ? WHERE id = ?`, balance.Value.String(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return err
}

func (s *Store) CreateLineItem(ctx context.Context, li *billing.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoice_line_items (invoice_id, description, amount, created_at) VALUES (?, ?, ?, ?)`,
		li.InvoiceID, li.Description, li.Amount.Value.String(), fmtTime(li.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create line item: %w", err)
	}
	li.ID, err = res.LastInsertId()
	return err
}

func (s *Store) LineItemsForInvoice(ctx context.Context, invoiceID int64) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, description, amount, created_at
		 FROM invoice_line_items WHERE invoice_id = ? ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var li billing.LineItem
		var amount, createdAt string
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Description, &amount, &createdAt); err != nil {
			return nil, err
		}
		li.Amount = ledger.MoneyFromString(amount)
		li.CreatedAt = parseTime(createdAt)
		items = append(items, li)
	}
	return items, rows.Err()
}

func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoice_payments (line_item_id, invoice_id, amount, received_at, receipt_number)
		 VALUES (?, ?, ?, ?, ?)`,
		p.LineItemID, p.InvoiceID, p.Amount.Value.String(), fmtTime(p.ReceivedAt), p.ReceiptNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *Store) PaymentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumColumn(ctx,
		`SELECT COALESCE(amount, '0') FROM invoice_payments WHERE invoice_id = ?`, invoiceID)
}

func (s *Store) CreateAdjustment(ctx context.Context, a *billing.Adjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoice_adjustments
		 (line_item_id, invoice_id, amount, reason, supplementary_version_id, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.LineItemID, a.InvoiceID, a.Amount.Value.String(), string(a.Reason),
		a.SupplementaryVersionID, nullString(a.IdempotencyKey), fmtTime(a.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return billing.ErrDuplicateAdjustment
		}
		return fmt.Errorf("failed to create adjustment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *Store) AdjustmentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumColumn(ctx,
		`SELECT COALESCE(amount, '0') FROM invoice_adjustments WHERE invoice_id = ?`, invoiceID)
}

// SupplementaryRefundsSince sums the magnitudes of negative supplementary
// adjustments on the given invoices attributed to version ids >= the anchor.
func (s *Store) SupplementaryRefundsSince(ctx context.Context, invoiceIDs []int64, minSupplementaryVersionID int64) (ledger.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(invoiceIDs) == 0 {
		return ledger.ZeroMoney(), nil
	}

	placeholders := strings.Repeat("?,", len(invoiceIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(invoiceIDs)+3)
	for _, id := range invoiceIDs {
		args = append(args, id)
	}
	args = append(args,
		string(billing.ReasonSupplementaryAdjustment),
		string(billing.ReasonSupplementaryVoid),
		minSupplementaryVersionID,
	)

	rows, err := s.db.QueryContext(ctx,
		`SELECT amount FROM invoice_adjustments
		 WHERE invoice_id IN (`+placeholders+`)
		   AND reason IN (?, ?)
		   AND supplementary_version_id >= ?`, args...)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	defer rows.Close()

	total := ledger.ZeroMoney()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ledger.ZeroMoney(), err
		}
		m := ledger.MoneyFromString(amount)
		if m.IsNegative() {
			total = total.Add(m.Abs())
		}
	}
	return total, rows.Err()
}

// sumColumn sums a decimal TEXT column in Go, never in SQLite arithmetic.
func (s *Store) sumColumn(ctx context.Context, query string, args ...any) (ledger.Money, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ledger.ZeroMoney(), err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return ledger.ZeroMoney(), fmt.Errorf("corrupt decimal %q in store: %w", amount, err)
		}
		total = total.Add(d)
	}
	return ledger.NewMoney(total), rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"invoice_adjustments", "invoice_payments", "invoice_line_items", "invoices",
		"compliance_earned_credits", "compliance_obligations", "compliance_report_versions",
		"compliance_summaries", "report_versions", "compliance_reports",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullEmissions(e *ledger.Emissions) sql.NullString {
	if e == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: e.Value.String(), Valid: true}
}

/*
Package postgres provides a PostgreSQL-backed implementation of the storage
interfaces, via the pgx driver's database/sql adapter.

PURPOSE:
  The production counterpart of store/sqlite: same tables, same semantics,
  Postgres dialect. BIGSERIAL keys give the monotonic id ordering the
  reconciliation engine depends on; NUMERIC columns carry money and emissions
  exactly.

CONCURRENCY:
  No process-level locking: PostgreSQL's MVCC covers it. WithTx reads made
  through the root store while a transaction is open see the committed
  snapshot, which is exactly what the invoice refresh path wants.

MIGRATION:
  Schema is auto-migrated on New(), same as store/sqlite. For production,
  use a proper migration tool with versioned migrations.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/carbonledger/compliance-engine/billing"
	"github.com/carbonledger/compliance-engine/compliance"
	"github.com/carbonledger/compliance-engine/ledger"
)

// Store implements compliance.TxStore and billing.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New connects and migrates. The DSN is a standard Postgres connection string.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS compliance_reports (
		id BIGSERIAL PRIMARY KEY,
		operator_id TEXT NOT NULL,
		compliance_period INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS report_versions (
		id BIGSERIAL PRIMARY KEY,
		report_id BIGINT NOT NULL REFERENCES compliance_reports(id),
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_report_versions_report
		ON report_versions(report_id, id);

	CREATE TABLE IF NOT EXISTS compliance_summaries (
		report_version_id BIGINT PRIMARY KEY REFERENCES report_versions(id),
		excess_emissions NUMERIC(20, 4) NOT NULL,
		credited_emissions NUMERIC(20, 4) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS compliance_report_versions (
		id BIGSERIAL PRIMARY KEY,
		report_id BIGINT NOT NULL REFERENCES compliance_reports(id),
		report_version_id BIGINT NOT NULL REFERENCES report_versions(id),
		status TEXT NOT NULL,
		is_supplementary BOOLEAN NOT NULL DEFAULT FALSE,
		previous_version_id BIGINT,
		excess_emissions_delta NUMERIC(20, 4),
		credited_emissions_delta NUMERIC(20, 4),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_crv_report
		ON compliance_report_versions(report_id, id);
	CREATE INDEX IF NOT EXISTS idx_crv_report_version
		ON compliance_report_versions(report_version_id);

	CREATE TABLE IF NOT EXISTS compliance_obligations (
		id BIGSERIAL PRIMARY KEY,
		version_id BIGINT NOT NULL UNIQUE REFERENCES compliance_report_versions(id),
		invoice_id BIGINT,
		obligated_tonnes NUMERIC(20, 4) NOT NULL,
		fee NUMERIC(20, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS compliance_earned_credits (
		id BIGSERIAL PRIMARY KEY,
		version_id BIGINT NOT NULL UNIQUE REFERENCES compliance_report_versions(id),
		issuance_status TEXT NOT NULL,
		amount BIGINT NOT NULL,
		bccr_trading_name TEXT NOT NULL DEFAULT '',
		bccr_holding_account_id TEXT NOT NULL DEFAULT '',
		bccr_project_id TEXT NOT NULL DEFAULT '',
		bccr_issuance_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id BIGSERIAL PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		outstanding_balance NUMERIC(20, 2) NOT NULL,
		is_void BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id BIGSERIAL PRIMARY KEY,
		invoice_id BIGINT NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL,
		amount NUMERIC(20, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON invoice_line_items(invoice_id);

	CREATE TABLE IF NOT EXISTS invoice_payments (
		id BIGSERIAL PRIMARY KEY,
		line_item_id BIGINT NOT NULL REFERENCES invoice_line_items(id),
		invoice_id BIGINT NOT NULL REFERENCES invoices(id),
		amount NUMERIC(20, 2) NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		receipt_number TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON invoice_payments(invoice_id);

	CREATE TABLE IF NOT EXISTS invoice_adjustments (
		id BIGSERIAL PRIMARY KEY,
		line_item_id BIGINT NOT NULL REFERENCES invoice_line_items(id),
		invoice_id BIGINT NOT NULL REFERENCES invoices(id),
		amount NUMERIC(20, 2) NOT NULL,
		reason TEXT NOT NULL,
		supplementary_version_id BIGINT NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_invoice
		ON invoice_adjustments(invoice_id);
	CREATE INDEX IF NOT EXISTS idx_adjustments_refund_filter
		ON invoice_adjustments(invoice_id, reason, supplementary_version_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// COMPLIANCE: REPORTS AND SUBMISSIONS
// =============================================================================

func (s *Store) CreateReport(ctx context.Context, r *compliance.ComplianceReport) error {
	return createReport(ctx, s.db, r)
}

func createReport(ctx context.Context, q dbtx, r *compliance.ComplianceReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO compliance_reports (operator_id, compliance_period, created_at)
		 VALUES ($1, $2, $3) RETURNING id`,
		r.OperatorID, r.CompliancePeriod, r.CreatedAt,
	).Scan(&r.ID)
}

func (s *Store) GetReport(ctx context.Context, id int64) (*compliance.ComplianceReport, error) {
	return getReport(ctx, s.db, id)
}

func getReport(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceReport, error) {
	var r compliance.ComplianceReport
	err := q.QueryRowContext(ctx,
		`SELECT id, operator_id, compliance_period, created_at FROM compliance_reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.OperatorID, &r.CompliancePeriod, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateReportVersion(ctx context.Context, rv *compliance.ReportVersion) error {
	return createReportVersion(ctx, s.db, rv)
}

func createReportVersion(ctx context.Context, q dbtx, rv *compliance.ReportVersion) error {
	if rv.SubmittedAt.IsZero() {
		rv.SubmittedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO report_versions (report_id, submitted_at) VALUES ($1, $2) RETURNING id`,
		rv.ReportID, rv.SubmittedAt,
	).Scan(&rv.ID)
}

func (s *Store) GetReportVersion(ctx context.Context, id int64) (*compliance.ReportVersion, error) {
	return getReportVersion(ctx, s.db, id)
}

func getReportVersion(ctx context.Context, q dbtx, id int64) (*compliance.ReportVersion, error) {
	var rv compliance.ReportVersion
	err := q.QueryRowContext(ctx,
		`SELECT id, report_id, submitted_at FROM report_versions WHERE id = $1`, id,
	).Scan(&rv.ID, &rv.ReportID, &rv.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrReportVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (s *Store) PreviousReportVersion(ctx context.Context, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	return previousReportVersion(ctx, s.db, reportID, beforeID)
}

func previousReportVersion(ctx context.Context, q dbtx, reportID, beforeID int64) (*compliance.ReportVersion, error) {
	var rv compliance.ReportVersion
	err := q.QueryRowContext(ctx,
		`SELECT id, report_id, submitted_at FROM report_versions
		 WHERE report_id = $1 AND id < $2 ORDER BY id DESC LIMIT 1`,
		reportID, beforeID,
	).Scan(&rv.ID, &rv.ReportID, &rv.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrNoPreviousVersion
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (s *Store) SaveSummary(ctx context.Context, sum compliance.ComplianceSummary) error {
	return saveSummary(ctx, s.db, sum)
}

func saveSummary(ctx context.Context, q dbtx, sum compliance.ComplianceSummary) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO compliance_summaries (report_version_id, excess_emissions, credited_emissions)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (report_version_id) DO UPDATE SET
			excess_emissions = excluded.excess_emissions,
			credited_emissions = excluded.credited_emissions`,
		sum.ReportVersionID, sum.ExcessEmissions.Value.String(), sum.CreditedEmissions.Value.String(),
	)
	return err
}

func (s *Store) SummaryForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	return summaryForReportVersion(ctx, s.db, reportVersionID)
}

func summaryForReportVersion(ctx context.Context, q dbtx, reportVersionID int64) (*compliance.ComplianceSummary, error) {
	var sum compliance.ComplianceSummary
	var excess, credited string
	err := q.QueryRowContext(ctx,
		`SELECT report_version_id, excess_emissions::text, credited_emissions::text
		 FROM compliance_summaries WHERE report_version_id = $1`, reportVersionID,
	).Scan(&sum.ReportVersionID, &excess, &credited)
	if errors.Is(err, sql.ErrNoRows) {
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
	previous_version_id, excess_emissions_delta::text, credited_emissions_delta::text, created_at`

func (s *Store) CreateVersion(ctx context.Context, v *compliance.ComplianceReportVersion) error {
	return createVersion(ctx, s.db, v)
}

func createVersion(ctx context.Context, q dbtx, v *compliance.ComplianceReportVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO compliance_report_versions
		 (report_id, report_version_id, status, is_supplementary, previous_version_id,
		  excess_emissions_delta, credited_emissions_delta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		v.ReportID, v.ReportVersionID, string(v.Status), v.IsSupplementary,
		nullInt64(v.PreviousVersionID),
		nullEmissions(v.ExcessEmissionsDelta), nullEmissions(v.CreditedEmissionsDelta),
		v.CreatedAt,
	).Scan(&v.ID)
}

func scanVersion(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceReportVersion, error) {
	var v compliance.ComplianceReportVersion
	var status string
	var prevID sql.NullInt64
	var excessDelta, creditedDelta sql.NullString

	err := row.Scan(&v.ID, &v.ReportID, &v.ReportVersionID, &status, &v.IsSupplementary,
		&prevID, &excessDelta, &creditedDelta, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	v.Status = compliance.VersionStatus(status)
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
	return getVersion(ctx, s.db, id)
}

func getVersion(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceReportVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE id = $1`, id))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrVersionNotFound
	}
	return v, err
}

func (s *Store) VersionForReportVersion(ctx context.Context, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	return versionForReportVersion(ctx, s.db, reportVersionID)
}

func versionForReportVersion(ctx context.Context, q dbtx, reportVersionID int64) (*compliance.ComplianceReportVersion, error) {
	v, err := scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE report_version_id = $1`, reportVersionID))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrVersionNotFound
	}
	return v, err
}

func (s *Store) VersionsForReport(ctx context.Context, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	return versionsForReport(ctx, s.db, reportID)
}

func versionsForReport(ctx context.Context, q dbtx, reportID int64) ([]compliance.ComplianceReportVersion, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM compliance_report_versions WHERE report_id = $1 ORDER BY id ASC`, reportID)
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
	return updateVersionStatus(ctx, s.db, id, status)
}

func updateVersionStatus(ctx context.Context, q dbtx, id int64, status compliance.VersionStatus) error {
	return requireRow(q.ExecContext(ctx,
		`UPDATE compliance_report_versions SET status = $1 WHERE id = $2`, string(status), id))(compliance.ErrVersionNotFound)
}

// =============================================================================
// COMPLIANCE: OBLIGATIONS
// =============================================================================

func (s *Store) CreateObligation(ctx context.Context, o *compliance.ComplianceObligation) error {
	return createObligation(ctx, s.db, o)
}

func createObligation(ctx context.Context, q dbtx, o *compliance.ComplianceObligation) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO compliance_obligations (version_id, invoice_id, obligated_tonnes, fee, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		o.VersionID, nullInt64(o.InvoiceID), o.ObligatedTonnes.Value.String(), o.Fee.Value.String(), o.CreatedAt,
	).Scan(&o.ID)
}

func scanObligation(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceObligation, error) {
	var o compliance.ComplianceObligation
	var invoiceID sql.NullInt64
	var tonnes, fee string

	err := row.Scan(&o.ID, &o.VersionID, &invoiceID, &tonnes, &fee, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		id := invoiceID.Int64
		o.InvoiceID = &id
	}
	o.ObligatedTonnes = ledger.EmissionsFromString(tonnes)
	o.Fee = ledger.MoneyFromString(fee)
	return &o, nil
}

const obligationColumns = `id, version_id, invoice_id, obligated_tonnes::text, fee::text, created_at`

func (s *Store) GetObligation(ctx context.Context, id int64) (*compliance.ComplianceObligation, error) {
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, q dbtx, id int64) (*compliance.ComplianceObligation, error) {
	o, err := scanObligation(q.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM compliance_obligations WHERE id = $1`, id))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) ObligationForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceObligation, error) {
	return obligationForVersion(ctx, s.db, versionID)
}

func obligationForVersion(ctx context.Context, q dbtx, versionID int64) (*compliance.ComplianceObligation, error) {
	o, err := scanObligation(q.QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM compliance_obligations WHERE version_id = $1`, versionID))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) LinkObligationInvoice(ctx context.Context, obligationID, invoiceID int64) error {
	return linkObligationInvoice(ctx, s.db, obligationID, invoiceID)
}

func linkObligationInvoice(ctx context.Context, q dbtx, obligationID, invoiceID int64) error {
	return requireRow(q.ExecContext(ctx,
		`UPDATE compliance_obligations SET invoice_id = $1 WHERE id = $2`, invoiceID, obligationID))(compliance.ErrObligationNotFound)
}

func (s *Store) DeleteObligation(ctx context.Context, id int64) error {
	return deleteObligation(ctx, s.db, id)
}

func deleteObligation(ctx context.Context, q dbtx, id int64) error {
	return requireRow(q.ExecContext(ctx,
		`DELETE FROM compliance_obligations WHERE id = $1`, id))(compliance.ErrObligationNotFound)
}

// =============================================================================
// COMPLIANCE: EARNED CREDITS
// =============================================================================

const earnedCreditColumns = `id, version_id, issuance_status, amount,
	bccr_trading_name, bccr_holding_account_id, bccr_project_id, bccr_issuance_id, created_at`

func (s *Store) CreateEarnedCredit(ctx context.Context, ec *compliance.ComplianceEarnedCredit) error {
	return createEarnedCredit(ctx, s.db, ec)
}

func createEarnedCredit(ctx context.Context, q dbtx, ec *compliance.ComplianceEarnedCredit) error {
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO compliance_earned_credits
		 (version_id, issuance_status, amount, bccr_trading_name, bccr_holding_account_id,
		  bccr_project_id, bccr_issuance_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		ec.VersionID, string(ec.IssuanceStatus), ec.Amount,
		ec.BCCRTradingName, ec.BCCRHoldingAccountID, ec.BCCRProjectID, ec.BCCRIssuanceID,
		ec.CreatedAt,
	).Scan(&ec.ID)
}

func scanEarnedCredit(row interface{ Scan(dest ...any) error }) (*compliance.ComplianceEarnedCredit, error) {
	var ec compliance.ComplianceEarnedCredit
	var status string
	err := row.Scan(&ec.ID, &ec.VersionID, &status, &ec.Amount,
		&ec.BCCRTradingName, &ec.BCCRHoldingAccountID, &ec.BCCRProjectID, &ec.BCCRIssuanceID,
		&ec.CreatedAt)
	if err != nil {
		return nil, err
	}
	ec.IssuanceStatus = compliance.IssuanceStatus(status)
	return &ec, nil
}

func (s *Store) EarnedCreditForVersion(ctx context.Context, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	return earnedCreditForVersion(ctx, s.db, versionID)
}

func earnedCreditForVersion(ctx context.Context, q dbtx, versionID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT `+earnedCreditColumns+` FROM compliance_earned_credits WHERE version_id = $1`, versionID))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) OriginalEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	return originalEarnedCredit(ctx, s.db, reportID)
}

func originalEarnedCredit(ctx context.Context, q dbtx, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT ec.id, ec.version_id, ec.issuance_status, ec.amount,
		        ec.bccr_trading_name, ec.bccr_holding_account_id, ec.bccr_project_id, ec.bccr_issuance_id, ec.created_at
		 FROM compliance_earned_credits ec
		 JOIN compliance_report_versions v ON v.id = ec.version_id
		 WHERE v.report_id = $1 AND v.is_supplementary = FALSE`, reportID))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) LatestEarnedCredit(ctx context.Context, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	return latestEarnedCredit(ctx, s.db, reportID)
}

func latestEarnedCredit(ctx context.Context, q dbtx, reportID int64) (*compliance.ComplianceEarnedCredit, error) {
	ec, err := scanEarnedCredit(q.QueryRowContext(ctx,
		`SELECT ec.id, ec.version_id, ec.issuance_status, ec.amount,
		        ec.bccr_trading_name, ec.bccr_holding_account_id, ec.bccr_project_id, ec.bccr_issuance_id, ec.created_at
		 FROM compliance_earned_credits ec
		 JOIN compliance_report_versions v ON v.id = ec.version_id
		 WHERE v.report_id = $1
		 ORDER BY ec.version_id DESC LIMIT 1`, reportID))
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrEarnedCreditNotFound
	}
	return ec, err
}

func (s *Store) UpdateEarnedCreditStatus(ctx context.Context, id int64, status compliance.IssuanceStatus) error {
	return updateEarnedCreditStatus(ctx, s.db, id, status)
}

func updateEarnedCreditStatus(ctx context.Context, q dbtx, id int64, status compliance.IssuanceStatus) error {
	return requireRow(q.ExecContext(ctx,
		`UPDATE compliance_earned_credits SET issuance_status = $1 WHERE id = $2`, string(status), id))(compliance.ErrEarnedCreditNotFound)
}

func (s *Store) DeleteEarnedCredit(ctx context.Context, id int64) error {
	return deleteEarnedCredit(ctx, s.db, id)
}

func deleteEarnedCredit(ctx context.Context, q dbtx, id int64) error {
	return requireRow(q.ExecContext(ctx,
		`DELETE FROM compliance_earned_credits WHERE id = $1`, id))(compliance.ErrEarnedCreditNotFound)
}

// =============================================================================
// TRANSACTIONAL STORE (compliance.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
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
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO invoices (invoice_number, outstanding_balance, is_void, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		inv.InvoiceNumber, inv.OutstandingBalance.Value.String(), inv.IsVoid, inv.CreatedAt,
	).Scan(&inv.ID)
}

func (s *Store) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	var inv billing.Invoice
	var balance string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, invoice_number, outstanding_balance::text, is_void, created_at FROM invoices WHERE id = $1`, id,
	).Scan(&inv.ID, &inv.InvoiceNumber, &balance, &inv.IsVoid, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.OutstandingBalance = ledger.MoneyFromString(balance)
	return &inv, nil
}

func (s *Store) SetInvoiceVoid(ctx context.Context, id int64) error {
	return requireRow(s.db.ExecContext(ctx,
		`UPDATE invoices SET is_void = TRUE WHERE id = $1`, id))(billing.ErrInvoiceNotFound)
}

func (s *Store) SetOutstandingBalance(ctx context.Context, id int64, balance ledger.Money) error {
	return requireRow(s.db.ExecContext(ctx,
		`UPDATE invoices SET outstanding_balance = $1 WHERE id = $2`, balance.Value.String(), id))(billing.ErrInvoiceNotFound)
}

func (s *Store) CreateLineItem(ctx context.Context, li *billing.LineItem) error {
	if li.CreatedAt.IsZero() {
		li.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO invoice_line_items (invoice_id, description, amount, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		li.InvoiceID, li.Description, li.Amount.Value.String(), li.CreatedAt,
	).Scan(&li.ID)
}

func (s *Store) LineItemsForInvoice(ctx context.Context, invoiceID int64) ([]billing.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invoice_id, description, amount::text, created_at
		 FROM invoice_line_items WHERE invoice_id = $1 ORDER BY id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var li billing.LineItem
		var amount string
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Description, &amount, &li.CreatedAt); err != nil {
			return nil, err
		}
		li.Amount = ledger.MoneyFromString(amount)
		items = append(items, li)
	}
	return items, rows.Err()
}

func (s *Store) CreatePayment(ctx context.Context, p *billing.Payment) error {
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO invoice_payments (line_item_id, invoice_id, amount, received_at, receipt_number)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.LineItemID, p.InvoiceID, p.Amount.Value.String(), p.ReceivedAt, p.ReceiptNumber,
	).Scan(&p.ID)
}

func (s *Store) PaymentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error) {
	return s.sumQuery(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM invoice_payments WHERE invoice_id = $1`, invoiceID)
}

func (s *Store) CreateAdjustment(ctx context.Context, a *billing.Adjustment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO invoice_adjustments
		 (line_item_id, invoice_id, amount, reason, supplementary_version_id, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.LineItemID, a.InvoiceID, a.Amount.Value.String(), string(a.Reason),
		a.SupplementaryVersionID, nullString(a.IdempotencyKey), a.CreatedAt,
	).Scan(&a.ID)
	if isUniqueViolation(err) {
		return billing.ErrDuplicateAdjustment
	}
	return err
}

func (s *Store) AdjustmentsTotalForInvoice(ctx context.Context, invoiceID int64) (ledger.Money, error) {
	return s.sumQuery(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM invoice_adjustments WHERE invoice_id = $1`, invoiceID)
}

func (s *Store) SupplementaryRefundsSince(ctx context.Context, invoiceIDs []int64, minSupplementaryVersionID int64) (ledger.Money, error) {
	if len(invoiceIDs) == 0 {
		return ledger.ZeroMoney(), nil
	}

	placeholders := make([]string, len(invoiceIDs))
	args := make([]any, 0, len(invoiceIDs)+3)
	for i, id := range invoiceIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, id)
	}
	n := len(invoiceIDs)
	args = append(args,
		string(billing.ReasonSupplementaryAdjustment),
		string(billing.ReasonSupplementaryVoid),
		minSupplementaryVersionID,
	)

	return s.sumQuery(ctx, fmt.Sprintf(
		`SELECT COALESCE(SUM(-amount), 0)::text FROM invoice_adjustments
		 WHERE invoice_id IN (%s)
		   AND reason IN ($%d, $%d)
		   AND supplementary_version_id >= $%d
		   AND amount < 0`,
		strings.Join(placeholders, ","), n+1, n+2, n+3), args...)
}

func (s *Store) sumQuery(ctx context.Context, query string, args ...any) (ledger.Money, error) {
	var total string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return ledger.ZeroMoney(), err
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return ledger.ZeroMoney(), fmt.Errorf("corrupt decimal %q in store: %w", total, err)
	}
	return ledger.NewMoney(d), nil
}

// Reset drops all data. Demo/dev support; never exposed in production wiring.
func (s *Store) Reset(ctx context.Context) error {
	// Child tables first, respecting foreign keys.
	tables := []string{
		"invoice_adjustments", "invoice_payments", "invoice_line_items", "invoices",
		"compliance_earned_credits", "compliance_obligations",
		"compliance_report_versions", "compliance_summaries", "report_versions",
		"compliance_reports",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// requireRow turns a zero-rows-affected update/delete into the given error.
func requireRow(res sql.Result, execErr error) func(notFound error) error {
	return func(notFound error) error {
		if execErr != nil {
			return execErr
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound
		}
		return nil
	}
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

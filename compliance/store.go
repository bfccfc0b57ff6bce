/*
store.go - Persistence interface for the compliance ledger

PURPOSE:
  Defines the interface between the reconciliation engine and the database.
  Implementations: store/memory (tests/dev), store/sqlite, store/postgres.

ID ORDERING CONTRACT:
  CreateVersion MUST assign ids that increase monotonically with creation
  time within a report. The decreased-obligation engine filters prior
  supplementary adjustments with "supplementary version id >= anchor id",
  using id order as a chronological proxy. sqlite/postgres satisfy this via
  autoincrement keys; the memory store uses snowflake ids.

MUTATION SURFACE:
  Versions are created and have their status/deltas updated, never deleted.
  Obligations and earned credits are deleted only on the supersede path,
  and only while they have no external side effect (no invoice, no issuance
  request).

SEE ALSO:
  - store/sqlite: persistent implementation
  - store/memory: in-memory implementation
  - effects.go: why some writes happen outside WithTx
*/
package compliance

import "context"

// Store handles persistence of the compliance ledger.
type Store interface {
	// Reports
	CreateReport(ctx context.Context, r *ComplianceReport) error
	GetReport(ctx context.Context, id int64) (*ComplianceReport, error)

	// Report versions (submissions) and their summaries
	CreateReportVersion(ctx context.Context, rv *ReportVersion) error
	GetReportVersion(ctx context.Context, id int64) (*ReportVersion, error)

	// PreviousReportVersion returns the report version with the next-lower id
	// for the same report, or ErrNoPreviousVersion.
	PreviousReportVersion(ctx context.Context, reportID, beforeID int64) (*ReportVersion, error)

	SaveSummary(ctx context.Context, s ComplianceSummary) error

	// SummaryForReportVersion returns ErrSummaryNotFound when the summary is
	// missing. Callers treat that as a data-integrity failure.
	SummaryForReportVersion(ctx context.Context, reportVersionID int64) (*ComplianceSummary, error)

	// Compliance report versions (outcomes)
	CreateVersion(ctx context.Context, v *ComplianceReportVersion) error
	GetVersion(ctx context.Context, id int64) (*ComplianceReportVersion, error)
	VersionForReportVersion(ctx context.Context, reportVersionID int64) (*ComplianceReportVersion, error)

	// VersionsForReport returns all versions for a report ordered by id.
	VersionsForReport(ctx context.Context, reportID int64) ([]ComplianceReportVersion, error)
	UpdateVersionStatus(ctx context.Context, id int64, status VersionStatus) error

	// Obligations
	CreateObligation(ctx context.Context, o *ComplianceObligation) error
	GetObligation(ctx context.Context, id int64) (*ComplianceObligation, error)
	ObligationForVersion(ctx context.Context, versionID int64) (*ComplianceObligation, error)
	LinkObligationInvoice(ctx context.Context, obligationID, invoiceID int64) error
	DeleteObligation(ctx context.Context, id int64) error

	// Earned credits
	CreateEarnedCredit(ctx context.Context, ec *ComplianceEarnedCredit) error
	EarnedCreditForVersion(ctx context.Context, versionID int64) (*ComplianceEarnedCredit, error)

	// OriginalEarnedCredit returns the earned credit record attached to the
	// report's non-supplementary version, or ErrEarnedCreditNotFound.
	OriginalEarnedCredit(ctx context.Context, reportID int64) (*ComplianceEarnedCredit, error)

	// LatestEarnedCredit returns the most recent earned credit record for the
	// report (highest version id), or ErrEarnedCreditNotFound.
	LatestEarnedCredit(ctx context.Context, reportID int64) (*ComplianceEarnedCredit, error)

	UpdateEarnedCreditStatus(ctx context.Context, id int64, status IssuanceStatus) error
	DeleteEarnedCredit(ctx context.Context, id int64) error
}

// TxStore wraps Store with transaction support. The orchestrator runs all
// handler writes inside one WithTx call; the post-commit effect queue runs
// against the root store afterwards.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

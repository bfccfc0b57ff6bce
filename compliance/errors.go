/*
errors.go - Centralized error types for the compliance engine

PURPOSE:
  All error types in one place. Two distinct categories matter here:

  1. Data-integrity failures (missing summary, missing expected obligation or
     earned credit, broken version chain). These are bugs in upstream data
     population: they propagate uncaught, the enclosing transaction aborts,
     nothing is persisted.

  2. Soft failures (no previous version to reconcile against, no scenario
     matched). These are logged and the orchestrator returns no version;
     the submission pipeline is not blocked.

USAGE:
  if errors.Is(err, compliance.ErrSummaryNotFound) { ... }
*/
package compliance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoPreviousVersion is returned when a report has no older report
	// version to reconcile against. The first version of a report is handled
	// by origination, not by the supplementary engine.
	ErrNoPreviousVersion = errors.New("no previous report version")

	// ErrSummaryNotFound indicates a report version without a computed
	// compliance summary. This is a data-integrity precondition failure.
	ErrSummaryNotFound = errors.New("compliance summary not found")

	// ErrVersionNotFound indicates a missing compliance report version row.
	ErrVersionNotFound = errors.New("compliance report version not found")

	// ErrReportNotFound indicates a missing compliance report.
	ErrReportNotFound = errors.New("compliance report not found")

	// ErrReportVersionNotFound indicates a missing submitted report version.
	ErrReportVersionNotFound = errors.New("report version not found")

	// ErrObligationNotFound indicates a version has no obligation record.
	ErrObligationNotFound = errors.New("compliance obligation not found")

	// ErrEarnedCreditNotFound indicates a version or report has no earned
	// credit record.
	ErrEarnedCreditNotFound = errors.New("earned credit record not found")

	// ErrVersionCycle is returned when the previous_version chain revisits a
	// version id. Bad data; the walk stops rather than looping.
	ErrVersionCycle = errors.New("cycle detected in version chain")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NoScenarioError reports that no reconciliation scenario matched a pair of
// summaries. Deliberately non-fatal: the orchestrator logs it and creates no
// version, but the gap must be investigated operationally.
type NoScenarioError struct {
	ReportID            int64
	NewExcess           string
	PreviousExcess      string
	NewCredited         string
	PreviousCredited    string
}

func (e *NoScenarioError) Error() string {
	return fmt.Sprintf("no reconciliation scenario matched for report %d: excess %s -> %s, credited %s -> %s",
		e.ReportID, e.PreviousExcess, e.NewExcess, e.PreviousCredited, e.NewCredited)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrReportNotFound) ||
		errors.Is(err, ErrReportVersionNotFound) ||
		errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrEarnedCreditNotFound) ||
		errors.Is(err, ErrSummaryNotFound)
}

/*
credits.go - Earned credit record creation

PURPOSE:
  Single creation point for earned credit records. Handlers call it inside
  the owning transaction; the decreased-obligation strategy calls it from the
  post-commit effect queue against the root store. Both paths go through the
  same function so the defaulting rule lives in one place.
*/
package compliance

import (
	"context"
	"time"
)

// CreateEarnedCreditsRecord creates an earned credit record for a version.
// When amount is nil it defaults to the version's own credited emissions in
// whole tonnes. At most one record exists per version; the store enforces it.
func CreateEarnedCreditsRecord(ctx context.Context, s Store, version *ComplianceReportVersion, amount *int64) (*ComplianceEarnedCredit, error) {
	tonnes := int64(0)
	if amount != nil {
		tonnes = *amount
	} else {
		summary, err := s.SummaryForReportVersion(ctx, version.ReportVersionID)
		if err != nil {
			return nil, err
		}
		tonnes = summary.CreditedEmissions.WholeTonnes()
	}

	ec := &ComplianceEarnedCredit{
		VersionID:      version.ID,
		IssuanceStatus: IssuanceCreditsNotIssued,
		Amount:         tonnes,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.CreateEarnedCredit(ctx, ec); err != nil {
		return nil, err
	}
	return ec, nil
}

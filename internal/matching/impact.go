package matching

import (
	"civic-notification-service/internal/models"
	"context"
)

// Impact runs the matcher and aggregates its output for admin preview:
// distinct user count plus per-subject match counts. Pure apart from the
// oracle reads, so it is safe to re-run with the same inputs.
func (m *Matcher) Impact(ctx context.Context, subjects []models.Subject, importances map[string]models.SubjectImportance, users []models.UserPreference) (*models.ImpactReport, error) {
	matched, err := m.Match(ctx, subjects, importances, users)
	if err != nil {
		return nil, err
	}

	report := &models.ImpactReport{
		SubjectImpact: make(map[string]int, len(subjects)),
	}
	for _, set := range matched {
		if len(set) == 0 {
			continue
		}
		report.TotalUsers++
		for subjectID := range set {
			report.SubjectImpact[subjectID]++
		}
	}

	return report, nil
}

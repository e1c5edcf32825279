package matching

import (
	"context"
	"testing"

	"civic-notification-service/internal/models"
)

func TestImpactAggregation(t *testing.T) {
	subjects := []models.Subject{
		{ID: "s1"},
		{ID: "s2", TopicID: "t1"},
		{ID: "s3"},
	}
	importances := map[string]models.SubjectImportance{
		"s1": {Topic: models.TopicImportanceHigh, Proximity: models.ProximityImportanceNone},
		"s2": {Topic: models.TopicImportanceNormal, Proximity: models.ProximityImportanceNone},
		// s3 stays disabled
	}
	users := []models.UserPreference{
		{UserID: "u1", TopicIDs: []string{"t1"}},
		{UserID: "u2"},
		{UserID: "u3", TopicIDs: []string{"t1"}},
	}

	matcher := NewMatcher(&fakeOracle{}, 4)
	report, err := matcher.Impact(context.Background(), subjects, importances, users)
	if err != nil {
		t.Fatalf("Impact returned error: %v", err)
	}

	// s1 is high importance so everyone matches it; s2 matches the two
	// users interested in t1; s3 matches nobody.
	if report.TotalUsers != 3 {
		t.Errorf("expected 3 total users, got %d", report.TotalUsers)
	}
	if report.SubjectImpact["s1"] != 3 {
		t.Errorf("expected s1 impact 3, got %d", report.SubjectImpact["s1"])
	}
	if report.SubjectImpact["s2"] != 2 {
		t.Errorf("expected s2 impact 2, got %d", report.SubjectImpact["s2"])
	}
	if _, ok := report.SubjectImpact["s3"]; ok {
		t.Errorf("expected no impact entry for s3, got %d", report.SubjectImpact["s3"])
	}
}

func TestImpactCountsUsersWithMatchesOnly(t *testing.T) {
	subjects := []models.Subject{{ID: "s1", TopicID: "t1"}}
	importances := map[string]models.SubjectImportance{
		"s1": {Topic: models.TopicImportanceNormal, Proximity: models.ProximityImportanceNone},
	}
	users := []models.UserPreference{
		{UserID: "u1", TopicIDs: []string{"t1"}},
		{UserID: "u2", TopicIDs: []string{"other"}},
	}

	matcher := NewMatcher(&fakeOracle{}, 4)
	report, err := matcher.Impact(context.Background(), subjects, importances, users)
	if err != nil {
		t.Fatalf("Impact returned error: %v", err)
	}

	if report.TotalUsers != 1 {
		t.Errorf("expected 1 total user, got %d", report.TotalUsers)
	}
	if report.SubjectImpact["s1"] != 1 {
		t.Errorf("expected s1 impact 1, got %d", report.SubjectImpact["s1"])
	}
}

func TestImpactIsRepeatable(t *testing.T) {
	subjects := []models.Subject{{ID: "s1", LocationID: "l1"}}
	importances := map[string]models.SubjectImportance{
		"s1": {Topic: models.TopicImportanceDoNotNotify, Proximity: models.ProximityImportanceWide},
	}
	users := []models.UserPreference{
		{UserID: "u1", LocationIDs: []string{"l2"}},
	}
	oracle := &fakeOracle{within: map[string]bool{"l1/1000/[l2]": true}}
	matcher := NewMatcher(oracle, 4)

	first, err := matcher.Impact(context.Background(), subjects, importances, users)
	if err != nil {
		t.Fatalf("first Impact returned error: %v", err)
	}
	second, err := matcher.Impact(context.Background(), subjects, importances, users)
	if err != nil {
		t.Fatalf("second Impact returned error: %v", err)
	}

	if first.TotalUsers != second.TotalUsers {
		t.Errorf("impact totals differ between runs: %d vs %d", first.TotalUsers, second.TotalUsers)
	}
	if first.SubjectImpact["s1"] != second.SubjectImpact["s1"] {
		t.Errorf("subject impact differs between runs: %d vs %d", first.SubjectImpact["s1"], second.SubjectImpact["s1"])
	}
}

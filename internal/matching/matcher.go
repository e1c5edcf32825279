package matching

import (
	"civic-notification-service/internal/models"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Proximity thresholds in meters.
const (
	NearDistanceMeters = 250
	WideDistanceMeters = 1000
)

const defaultOracleConcurrency = 8

// ProximityOracle answers whether a subject location lies within the given
// distance of any of the user's locations. Read-only, no side effects.
type ProximityOracle interface {
	IsWithinDistance(ctx context.Context, userLocationIDs []string, subjectLocationID string, meters int) (bool, error)
}

// MatchSet holds the matches of one user, keyed by subject id. The map key
// makes "at most one reason per subject" structural rather than a
// convention the loop has to uphold.
type MatchSet map[string]models.MatchReason

type Matcher struct {
	oracle      ProximityOracle
	concurrency int
}

func NewMatcher(oracle ProximityOracle, oracleConcurrency int) *Matcher {
	if oracleConcurrency < 1 {
		oracleConcurrency = defaultOracleConcurrency
	}
	return &Matcher{
		oracle:      oracle,
		concurrency: oracleConcurrency,
	}
}

// topicRule is one precedence level of the static decision tree. Rules are
// evaluated in order, first match wins for the (subject, user) pair.
type topicRule func(subject models.Subject, importance models.SubjectImportance, user models.UserPreference) (models.MatchReason, bool)

// generalInterestRule: a high-importance subject matches every user,
// regardless of topic or location data.
func generalInterestRule(_ models.Subject, importance models.SubjectImportance, _ models.UserPreference) (models.MatchReason, bool) {
	if importance.Topic == models.TopicImportanceHigh {
		return models.MatchReasonGeneralInterest, true
	}
	return "", false
}

// topicInterestRule: a normal-importance subject matches users subscribed to
// its topic.
func topicInterestRule(subject models.Subject, importance models.SubjectImportance, user models.UserPreference) (models.MatchReason, bool) {
	if importance.Topic == models.TopicImportanceNormal &&
		subject.TopicID != "" &&
		slices.Contains(user.TopicIDs, subject.TopicID) {
		return models.MatchReasonTopic, true
	}
	return "", false
}

// staticRules are the oracle-free rules, highest precedence first. The
// proximity rule runs last and only when none of these fired.
var staticRules = []topicRule{
	generalInterestRule,
	topicInterestRule,
}

// proximityCheck is a deferred oracle query for one (subject, user) pair.
type proximityCheck struct {
	subjectID  string
	locationID string
	userID     string
	locations  []string
	meters     int
	within     bool
}

// proximityThreshold maps a proximity importance to its distance threshold.
func proximityThreshold(importance models.ProximityImportance) (int, bool) {
	switch importance {
	case models.ProximityImportanceNear:
		return NearDistanceMeters, true
	case models.ProximityImportanceWide:
		return WideDistanceMeters, true
	default:
		return 0, false
	}
}

// Match computes the per-user match sets for one notification run.
//
// Every user in users gets an entry in the result, with an empty set when
// nothing matched. Callers must not treat absence as non-match; they get
// an explicit empty set instead.
func (m *Matcher) Match(ctx context.Context, subjects []models.Subject, importances map[string]models.SubjectImportance, users []models.UserPreference) (map[string]MatchSet, error) {
	result := make(map[string]MatchSet, len(users))
	for _, user := range users {
		result[user.UserID] = MatchSet{}
	}

	var checks []*proximityCheck

	for _, subject := range subjects {
		importance, ok := importances[subject.ID]
		if !ok {
			importance = models.DefaultImportance()
		}
		// A fully disabled subject never produces a match, so no user is
		// evaluated against it.
		if importance.Disabled() {
			continue
		}

		for _, user := range users {
			reason, matched := evaluateStatic(subject, importance, user)
			if matched {
				result[user.UserID][subject.ID] = reason
				continue
			}

			meters, wantsProximity := proximityThreshold(importance.Proximity)
			if !wantsProximity || subject.LocationID == "" || len(user.LocationIDs) == 0 {
				continue
			}
			checks = append(checks, &proximityCheck{
				subjectID:  subject.ID,
				locationID: subject.LocationID,
				userID:     user.UserID,
				locations:  user.LocationIDs,
				meters:     meters,
			})
		}
	}

	// Oracle queries are independent and read-only, so they fan out with a
	// bounded pool. Each goroutine writes only its own check; results are
	// folded in afterwards in input order, keeping the outcome
	// deterministic.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, check := range checks {
		g.Go(func() error {
			within, err := m.oracle.IsWithinDistance(gctx, check.locations, check.locationID, check.meters)
			if err != nil {
				return fmt.Errorf("proximity check for subject %s, user %s: %w", check.subjectID, check.userID, err)
			}
			check.within = within
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, check := range checks {
		if check.within {
			result[check.userID][check.subjectID] = models.MatchReasonProximity
		}
	}

	return result, nil
}

// evaluateStatic walks the static rules in precedence order and returns the
// first matching reason. When a rule fires the proximity rule is not
// evaluated for the pair, even if it would also match.
func evaluateStatic(subject models.Subject, importance models.SubjectImportance, user models.UserPreference) (models.MatchReason, bool) {
	for _, rule := range staticRules {
		if reason, matched := rule(subject, importance, user); matched {
			return reason, true
		}
	}
	return "", false
}

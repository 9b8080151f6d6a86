package domain

import "time"

// RiskRule is an operator-defined intervention rule evaluated against
// every fresh assessment. The expression is CEL over assessment
// variables (score, attendance, attendance_trend, grade, grade_trend,
// fee, sentiment, predicted, open_alerts) and must evaluate to bool.
type RiskRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Expression is the CEL predicate.
	Expression string `json:"expression"`

	// Reason is attached to the alert when the rule triggers.
	Reason string `json:"reason"`

	// MinSeverity pins a floor on the alert severity when triggered
	// (empty means no floor).
	MinSeverity Severity `json:"minSeverity,omitempty"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleHit records a triggered intervention rule for one assessment.
type RuleHit struct {
	RuleID      string   `json:"ruleId"`
	Reason      string   `json:"reason"`
	MinSeverity Severity `json:"minSeverity,omitempty"`
}

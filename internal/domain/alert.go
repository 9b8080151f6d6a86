package domain

import (
	"time"
)

// Severity buckets an alert/case by urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders buckets for escalation comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of a severity bucket (higher is worse).
// Unknown severities rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Next returns the next higher severity bucket. Critical is terminal.
func (s Severity) Next() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	}
	return SeverityCritical
}

// Alert lifecycle status.
const (
	AlertStatusOpen     = "open"
	AlertStatusResolved = "resolved"
)

// Alert is a raised risk condition for one student. At most one open
// alert exists per (studentId, severity bucket) inside the dedupe
// window; escalation is the only in-place severity mutation.
type Alert struct {
	ID        string   `json:"id"`
	StudentID string   `json:"studentId"`
	Severity  Severity `json:"severity"`
	Score     float64  `json:"score"`
	Status    string   `json:"status"`

	// ReasonFactors carries the assessment factors that justified the
	// alert, plus any triggered intervention-rule reasons.
	ReasonFactors []Factor `json:"reasonFactors"`
	RuleReasons   []string `json:"ruleReasons,omitempty"`

	// DedupeKey identifies the (student, bucket, window) slot this
	// alert occupies.
	DedupeKey string `json:"dedupeKey"`

	// CaseID is set once the lifecycle manager attaches the alert.
	CaseID string `json:"caseId,omitempty"`

	OpenedAt   time.Time  `json:"openedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertAction reports what the alert manager did with an assessment.
type AlertAction string

const (
	ActionNone       AlertAction = "none"
	ActionOpened     AlertAction = "opened"
	ActionUpdated    AlertAction = "updated"
	ActionEscalated  AlertAction = "escalated"
	ActionSuppressed AlertAction = "suppressed"
	ActionResolved   AlertAction = "resolved"
)

package domain

import (
	"time"
)

// RiskAssessment is the composite risk picture for one student at one
// point in time. Assessments are superseded, never mutated: each
// recomputation appends a new record so trend history survives.
type RiskAssessment struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`

	// Score is the composite risk score in [0,100]. Higher is worse.
	Score float64 `json:"score"`

	// Factors lists per-kind weighted contributions, ordered by
	// contribution descending with recency breaking ties.
	Factors []Factor `json:"factors"`

	ComputedAt time.Time `json:"computedAt"`
}

// Factor explains one signal kind's share of an assessment score.
type Factor struct {
	Kind SignalKind `json:"kind"`

	// Value is the most recent observed value for the kind.
	Value float64 `json:"value"`

	// Trend is the least-squares slope over the trailing window,
	// in value units per observation.
	Trend float64 `json:"trend"`

	// Severity is the kind-specific severity mapping of (value, trend),
	// in [0,1].
	Severity float64 `json:"severity"`

	// Contribution is weight x severity, scaled to score points.
	Contribution float64 `json:"contribution"`

	// ObservedAt is the timestamp of the most recent signal of this kind.
	ObservedAt time.Time `json:"observedAt"`
}

// DominantKind returns the kind of the highest-contributing factor,
// or an empty kind for an empty assessment.
func (a *RiskAssessment) DominantKind() SignalKind {
	if len(a.Factors) == 0 {
		return ""
	}
	return a.Factors[0].Kind
}

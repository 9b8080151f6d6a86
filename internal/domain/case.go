package domain

import (
	"time"
)

// Stage is a case lifecycle state. Transitions move forward only,
// except the explicit Resolved -> Reopened edge.
type Stage string

const (
	StageNew                 Stage = "new"
	StageInProgress          Stage = "in_progress"
	StageCounselingScheduled Stage = "counseling_scheduled"
	StageResolved            Stage = "resolved"
	StageReopened            Stage = "reopened"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageNew, StageInProgress, StageCounselingScheduled, StageResolved, StageReopened:
		return true
	}
	return false
}

// Terminal reports whether the case is in a closed state.
func (s Stage) Terminal() bool {
	return s == StageResolved
}

// stageEdges is the full transition table. Reopened behaves like
// InProgress for onward transitions.
var stageEdges = map[Stage][]Stage{
	StageNew:                 {StageInProgress},
	StageInProgress:          {StageCounselingScheduled, StageResolved},
	StageCounselingScheduled: {StageResolved},
	StageResolved:            {StageReopened},
	StageReopened:            {StageCounselingScheduled, StageResolved},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Stage) bool {
	for _, next := range stageEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Case aggregates one or more alerts for the same student and owns the
// intervention workflow. A case never exists without at least one alert.
type Case struct {
	ID        string   `json:"id"`
	StudentID string   `json:"studentId"`
	AlertIDs  []string `json:"alertIds"`
	Assignee  string   `json:"assignee,omitempty"`
	Stage     Stage    `json:"stage"`
	Severity  Severity `json:"severity"`

	// Version increments on every persisted mutation (audit trail).
	Version int `json:"version"`

	OpenedAt         time.Time  `json:"openedAt"`
	LastTransitionAt time.Time  `json:"lastTransitionAt"`
	SLADeadline      *time.Time `json:"slaDeadline,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`

	// CounselingAt is set by the InProgress -> CounselingScheduled
	// transition.
	CounselingAt *time.Time `json:"counselingAt,omitempty"`
}

// Overdue reports whether the case has blown past its SLA deadline
// without a transition. Overdue is derived, never stored.
func (c *Case) Overdue(now time.Time) bool {
	if c.Stage.Terminal() || c.SLADeadline == nil {
		return false
	}
	return now.After(*c.SLADeadline)
}

// Respondent roles for acknowledgments.
const (
	RespondentParent = "parent"
	RespondentMentor = "mentor"
)

// Acknowledgment is one response recorded against a case. The log is
// append-only; the case stage reflects the latest relevant transition,
// not a count of acknowledgments.
type Acknowledgment struct {
	ID           string     `json:"id"`
	CaseID       string     `json:"caseId"`
	Respondent   string     `json:"respondent"`
	ResponseText string     `json:"responseText"`
	ActionPlan   string     `json:"actionPlan,omitempty"`
	FollowUpDate *time.Time `json:"followUpDate,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
}

// CaseDetail is the full read model served to dashboards.
type CaseDetail struct {
	Case            *Case             `json:"case"`
	Alerts          []*Alert          `json:"alerts"`
	Acknowledgments []*Acknowledgment `json:"acknowledgments"`
	Signals         []*Signal         `json:"signals"`
}

// QueueFilter narrows the urgency queue.
type QueueFilter struct {
	Stage    Stage    `json:"stage,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

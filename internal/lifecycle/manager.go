// Package lifecycle owns the case state machine: alert attachment,
// operator transitions, reopen-vs-fresh decisions, and SLA deadlines.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/domain"
)

// Manager mediates every case mutation. Overdue is derived from the
// stored deadline, never written back.
type Manager struct {
	repo  domain.Repository
	bus   domain.EventBus
	cache domain.Cache
	cfg   domain.LifecycleConfig
}

// NewManager creates a case lifecycle manager. The cache holds the
// queue snapshot and is dropped on every case write; nil disables
// invalidation.
func NewManager(repo domain.Repository, bus domain.EventBus, cache domain.Cache, cfg domain.LifecycleConfig) *Manager {
	return &Manager{repo: repo, bus: bus, cache: cache, cfg: cfg}
}

// TransitionRequest is an operator-initiated stage change.
type TransitionRequest struct {
	Stage        domain.Stage `json:"stage"`
	Assignee     string       `json:"assignee,omitempty"`
	CounselingAt *time.Time   `json:"counselingAt,omitempty"`
}

// AttachAlert routes a raised alert to a case. The student's active
// case absorbs it; a recently resolved case reopens; otherwise a fresh
// case opens in the New stage.
func (m *Manager) AttachAlert(ctx context.Context, alert *domain.Alert) (*domain.Case, error) {
	now := time.Now().UTC()

	active, err := m.repo.GetActiveCaseByStudent(ctx, alert.StudentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if active != nil {
		return m.absorb(ctx, active, alert, now)
	}

	resolved, err := m.repo.GetLatestResolvedCaseByStudent(ctx, alert.StudentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if resolved != nil && resolved.ResolvedAt != nil && now.Sub(*resolved.ResolvedAt) <= m.cfg.ReopenWindow {
		return m.reopen(ctx, resolved, alert, now)
	}

	return m.open(ctx, alert, now)
}

// absorb attaches the alert to an already-open case, raising the case
// severity and tightening the deadline when the alert outranks it.
func (m *Manager) absorb(ctx context.Context, c *domain.Case, alert *domain.Alert, now time.Time) (*domain.Case, error) {
	if !containsID(c.AlertIDs, alert.ID) {
		c.AlertIDs = append(c.AlertIDs, alert.ID)
	}
	if alert.Severity.Rank() > c.Severity.Rank() {
		c.Severity = alert.Severity
		c.SLADeadline = m.deadlineFor(alert.Severity, now)
	}
	c.Version++

	if err := m.persistLink(ctx, c, alert); err != nil {
		return nil, err
	}
	slog.Info("alert absorbed into open case",
		"case_id", c.ID, "alert_id", alert.ID, "severity", c.Severity)
	return c, nil
}

func (m *Manager) reopen(ctx context.Context, c *domain.Case, alert *domain.Alert, now time.Time) (*domain.Case, error) {
	from := c.Stage
	c.Stage = domain.StageReopened
	c.AlertIDs = append(c.AlertIDs, alert.ID)
	c.Severity = alert.Severity
	c.ResolvedAt = nil
	c.SLADeadline = m.deadlineFor(alert.Severity, now)
	c.LastTransitionAt = now
	c.Version++

	if err := m.persistLink(ctx, c, alert); err != nil {
		return nil, err
	}

	m.publishTransition(ctx, c, from)
	slog.Info("case reopened",
		"case_id", c.ID, "student_id", c.StudentID, "alert_id", alert.ID)
	return c, nil
}

func (m *Manager) open(ctx context.Context, alert *domain.Alert, now time.Time) (*domain.Case, error) {
	c := &domain.Case{
		ID:               uuid.New().String(),
		StudentID:        alert.StudentID,
		AlertIDs:         []string{alert.ID},
		Stage:            domain.StageNew,
		Severity:         alert.Severity,
		Version:          1,
		OpenedAt:         now,
		LastTransitionAt: now,
		SLADeadline:      m.deadlineFor(alert.Severity, now),
	}

	if err := m.persistLink(ctx, c, alert); err != nil {
		return nil, err
	}

	m.publishTransition(ctx, c, "")
	slog.Info("case opened",
		"case_id", c.ID, "student_id", c.StudentID, "severity", c.Severity)
	return c, nil
}

// persistLink saves the case and backlinks the alert to it.
func (m *Manager) persistLink(ctx context.Context, c *domain.Case, alert *domain.Alert) error {
	if err := m.repo.SaveCase(ctx, c); err != nil {
		return err
	}
	if alert.CaseID != c.ID {
		alert.CaseID = c.ID
		alert.UpdatedAt = time.Now().UTC()
		if err := m.repo.SaveAlert(ctx, alert); err != nil {
			return err
		}
	}
	m.invalidateQueue(ctx)
	return nil
}

// invalidateQueue drops the cached queue snapshot after a case write.
func (m *Manager) invalidateQueue(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, domain.QueueCacheKey); err != nil {
		slog.Warn("failed to invalidate queue cache", "error", err)
	}
}

// Transition applies an operator stage change. Illegal edges reject
// with ErrInvalidTransition and leave the case untouched.
func (m *Manager) Transition(ctx context.Context, caseID string, req TransitionRequest) (*domain.Case, error) {
	if !req.Stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, req.Stage)
	}

	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(c.Stage, req.Stage) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Stage, req.Stage)
	}

	now := time.Now().UTC()
	from := c.Stage
	c.Stage = req.Stage
	c.LastTransitionAt = now
	c.Version++

	if req.Assignee != "" {
		c.Assignee = req.Assignee
	}

	switch req.Stage {
	case domain.StageCounselingScheduled:
		if req.CounselingAt != nil {
			t := req.CounselingAt.UTC()
			c.CounselingAt = &t
		}
	case domain.StageResolved:
		resolvedAt := now
		c.ResolvedAt = &resolvedAt
	case domain.StageReopened:
		c.ResolvedAt = nil
		c.SLADeadline = m.deadlineFor(c.Severity, now)
	}

	if err := m.repo.SaveCase(ctx, c); err != nil {
		return nil, err
	}
	m.invalidateQueue(ctx)

	// Resolving the case frees the student's dedupe slot: its open
	// alerts close so the next qualifying assessment opens or reopens
	// instead of refreshing a dead alert.
	if req.Stage == domain.StageResolved {
		if err := m.resolveAlerts(ctx, c, now); err != nil {
			return nil, err
		}
	}

	m.publishTransition(ctx, c, from)
	slog.Info("case transitioned",
		"case_id", c.ID,
		"from", from,
		"to", c.Stage,
		"assignee", c.Assignee,
		"version", c.Version,
	)
	return c, nil
}

// resolveAlerts closes every alert still open on the case.
func (m *Manager) resolveAlerts(ctx context.Context, c *domain.Case, now time.Time) error {
	alerts, err := m.repo.GetAlertsByCase(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, alert := range alerts {
		if alert.Status != domain.AlertStatusOpen {
			continue
		}
		alert.Status = domain.AlertStatusResolved
		alert.UpdatedAt = now
		resolvedAt := now
		alert.ResolvedAt = &resolvedAt
		if err := m.repo.SaveAlert(ctx, alert); err != nil {
			return err
		}
		slog.Info("alert resolved with case",
			"alert_id", alert.ID, "case_id", c.ID)
	}
	return nil
}

// AutoResolve closes the student's active case after its alerts resolve
// on sustained recovery. A case nobody has picked up yet stays open;
// resolution always passes through a working stage.
func (m *Manager) AutoResolve(ctx context.Context, studentID string) (*domain.Case, error) {
	c, err := m.repo.GetActiveCaseByStudent(ctx, studentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !domain.CanTransition(c.Stage, domain.StageResolved) {
		slog.Info("auto-resolution skipped, stage not resolvable",
			"case_id", c.ID, "stage", c.Stage)
		return c, nil
	}

	return m.Transition(ctx, c.ID, TransitionRequest{Stage: domain.StageResolved})
}

// Acknowledge appends a respondent acknowledgment and moves an
// untouched case into InProgress.
func (m *Manager) Acknowledge(ctx context.Context, caseID string, ack *domain.Acknowledgment) (*domain.Case, error) {
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Stage.Terminal() {
		return nil, fmt.Errorf("%w: case %s", domain.ErrCaseResolved, caseID)
	}
	if ack.Respondent != domain.RespondentParent && ack.Respondent != domain.RespondentMentor {
		return nil, fmt.Errorf("%w: unknown respondent %q", domain.ErrInvalidInput, ack.Respondent)
	}
	if ack.ResponseText == "" {
		return nil, fmt.Errorf("%w: empty response text", domain.ErrInvalidInput)
	}

	ack.ID = uuid.New().String()
	ack.CaseID = caseID
	ack.SubmittedAt = time.Now().UTC()
	if err := m.repo.SaveAcknowledgment(ctx, ack); err != nil {
		return nil, err
	}

	if c.Stage == domain.StageNew {
		return m.Transition(ctx, caseID, TransitionRequest{Stage: domain.StageInProgress})
	}
	return c, nil
}

// Detail assembles the full read model for one case.
func (m *Manager) Detail(ctx context.Context, caseID string) (*domain.CaseDetail, error) {
	c, err := m.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	alerts, err := m.repo.GetAlertsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	acks, err := m.repo.GetAcknowledgmentsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	signals, err := m.repo.GetSignals(ctx, c.StudentID, "", time.Time{})
	if err != nil {
		return nil, err
	}
	return &domain.CaseDetail{
		Case:            c,
		Alerts:          alerts,
		Acknowledgments: acks,
		Signals:         signals,
	}, nil
}

// Queue lists open cases in urgency order.
func (m *Manager) Queue(ctx context.Context, filter domain.QueueFilter) ([]*domain.Case, error) {
	return m.repo.ListCases(ctx, filter)
}

func (m *Manager) deadlineFor(sev domain.Severity, now time.Time) *time.Time {
	sla, ok := m.cfg.SLAFor(sev)
	if !ok {
		return nil
	}
	d := now.Add(sla)
	return &d
}

func (m *Manager) publishTransition(ctx context.Context, c *domain.Case, from domain.Stage) {
	if m.bus == nil {
		return
	}
	event := domain.ActivityEvent{
		Type:      "case.transition",
		StudentID: c.StudentID,
		CaseID:    c.ID,
		Detail: map[string]any{
			"from":     string(from),
			"to":       string(c.Stage),
			"severity": string(c.Severity),
			"version":  c.Version,
		},
		At: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.TopicCaseTransition, payload); err != nil {
		slog.Warn("failed to publish case transition", "case_id", c.ID, "error", err)
	}
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

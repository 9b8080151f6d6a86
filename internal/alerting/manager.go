// Package alerting decides whether an assessment opens, escalates,
// suppresses or resolves alerts. It owns the dedupe invariant: at most
// one open alert per (student, severity bucket) within the window.
package alerting

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/rules"
)

// Manager evaluates assessments against alerting policy.
type Manager struct {
	repo   domain.Repository
	cache  domain.Cache
	engine *rules.Engine
	cfg    domain.AlertingConfig
}

// NewManager creates an alert manager. The rule engine is optional.
func NewManager(repo domain.Repository, cache domain.Cache, engine *rules.Engine, cfg domain.AlertingConfig) *Manager {
	return &Manager{repo: repo, cache: cache, engine: engine, cfg: cfg}
}

// Evaluate applies alerting policy to a fresh assessment. Escalation is
// the only in-place severity mutation an alert ever sees; everything
// else is open, refresh, or resolve.
func (m *Manager) Evaluate(ctx context.Context, assessment *domain.RiskAssessment) (*domain.Alert, domain.AlertAction, error) {
	open, err := m.repo.GetOpenAlertsByStudent(ctx, assessment.StudentID)
	if err != nil {
		return nil, domain.ActionNone, err
	}

	var hits []domain.RuleHit
	if m.engine != nil {
		hits = m.engine.Evaluate(assessment, len(open))
	}

	// Recovery tracking: sustained low scores resolve the open alert.
	if assessment.Score < m.cfg.RecoveryThreshold {
		if len(open) == 0 {
			return nil, domain.ActionNone, nil
		}
		return m.trackRecovery(ctx, assessment, open)
	}
	// Any non-recovering score breaks the streak.
	_ = m.cache.Delete(ctx, recoveryKey(assessment.StudentID))

	target := m.severityFor(assessment)
	for _, hit := range hits {
		if hit.MinSeverity != "" && hit.MinSeverity.Rank() > target.Rank() {
			target = hit.MinSeverity
		}
	}

	if target == "" {
		return nil, domain.ActionNone, nil
	}

	now := time.Now().UTC()
	current := highestOpen(open)

	if current != nil {
		if target.Rank() > current.Severity.Rank() {
			// Escalate in place: same alert id, higher bucket.
			current.Severity = target
			current.Score = assessment.Score
			current.ReasonFactors = assessment.Factors
			current.RuleReasons = reasonsOf(hits)
			current.UpdatedAt = now
			if err := m.repo.SaveAlert(ctx, current); err != nil {
				return nil, domain.ActionNone, err
			}
			slog.Info("alert escalated",
				"alert_id", current.ID,
				"student_id", current.StudentID,
				"severity", current.Severity,
				"score", assessment.Score,
			)
			return current, domain.ActionEscalated, nil
		}

		if target.Rank() == current.Severity.Rank() {
			// Same bucket: refresh the record so dashboards see the
			// latest score and evidence.
			current.Score = assessment.Score
			current.ReasonFactors = assessment.Factors
			current.UpdatedAt = now
			if err := m.repo.SaveAlert(ctx, current); err != nil {
				return nil, domain.ActionNone, err
			}
			return current, domain.ActionUpdated, nil
		}

		// Lower bucket while an alert is already open: dedupe no-op,
		// reported for observability.
		return current, domain.ActionSuppressed, nil
	}

	alert := &domain.Alert{
		ID:            uuid.New().String(),
		StudentID:     assessment.StudentID,
		Severity:      target,
		Score:         assessment.Score,
		Status:        domain.AlertStatusOpen,
		ReasonFactors: assessment.Factors,
		RuleReasons:   reasonsOf(hits),
		DedupeKey:     m.dedupeKey(assessment.StudentID, target, now),
		OpenedAt:      now,
		UpdatedAt:     now,
	}

	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		return nil, domain.ActionNone, err
	}

	slog.Info("alert opened",
		"alert_id", alert.ID,
		"student_id", alert.StudentID,
		"severity", alert.Severity,
		"score", assessment.Score,
	)
	return alert, domain.ActionOpened, nil
}

// trackRecovery counts consecutive below-threshold recomputations and
// resolves the open alerts once the sustain count is reached.
func (m *Manager) trackRecovery(ctx context.Context, assessment *domain.RiskAssessment, open []*domain.Alert) (*domain.Alert, domain.AlertAction, error) {
	streak, err := m.cache.IncrementCounter(ctx, recoveryKey(assessment.StudentID), m.cfg.DedupeWindow)
	if err != nil {
		return nil, domain.ActionNone, err
	}
	if streak < int64(m.cfg.RecoverySustain) {
		return nil, domain.ActionNone, nil
	}

	now := time.Now().UTC()
	var last *domain.Alert
	for _, alert := range open {
		alert.Status = domain.AlertStatusResolved
		alert.UpdatedAt = now
		resolvedAt := now
		alert.ResolvedAt = &resolvedAt
		if err := m.repo.SaveAlert(ctx, alert); err != nil {
			return nil, domain.ActionNone, err
		}
		last = alert
	}

	_ = m.cache.Delete(ctx, recoveryKey(assessment.StudentID))

	slog.Info("alert auto-resolved on sustained recovery",
		"student_id", assessment.StudentID,
		"score", assessment.Score,
		"streak", streak,
	)
	return last, domain.ActionResolved, nil
}

// EscalateOverdue answers a blown SLA deadline by raising the case's
// highest open alert one severity bucket. Critical alerts have nowhere
// left to go and report ActionNone.
func (m *Manager) EscalateOverdue(ctx context.Context, caseID string) (*domain.Alert, domain.AlertAction, error) {
	alerts, err := m.repo.GetAlertsByCase(ctx, caseID)
	if err != nil {
		return nil, domain.ActionNone, err
	}

	var open []*domain.Alert
	for _, alert := range alerts {
		if alert.Status == domain.AlertStatusOpen {
			open = append(open, alert)
		}
	}
	current := highestOpen(open)
	if current == nil || current.Severity == domain.SeverityCritical {
		return current, domain.ActionNone, nil
	}

	current.Severity = current.Severity.Next()
	current.UpdatedAt = time.Now().UTC()
	if err := m.repo.SaveAlert(ctx, current); err != nil {
		return nil, domain.ActionNone, err
	}

	slog.Info("alert escalated past deadline",
		"alert_id", current.ID,
		"case_id", caseID,
		"severity", current.Severity,
	)
	return current, domain.ActionEscalated, nil
}

// severityFor maps a score onto its bucket. Assessments dominated by a
// predicted signal must clear a raised opening floor, keeping
// low-confidence forecasts out of the queue.
func (m *Manager) severityFor(assessment *domain.RiskAssessment) domain.Severity {
	score := assessment.Score

	floor := m.cfg.LowThreshold
	if assessment.DominantKind() == domain.KindPredicted {
		floor += m.cfg.PredictedOffset
	}
	if score < floor {
		return ""
	}

	switch {
	case score >= m.cfg.CriticalThreshold:
		return domain.SeverityCritical
	case score >= m.cfg.HighThreshold:
		return domain.SeverityHigh
	case score >= m.cfg.MediumThreshold:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// dedupeKey hashes (studentId, bucket, window slot) into the slot
// identifier an open alert occupies.
func (m *Manager) dedupeKey(studentID string, sev domain.Severity, now time.Time) string {
	window := m.cfg.DedupeWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	slot := now.UnixNano() / int64(window)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", studentID, sev, slot)
	return fmt.Sprintf("%x", h.Sum64())
}

func highestOpen(open []*domain.Alert) *domain.Alert {
	var best *domain.Alert
	for _, alert := range open {
		if best == nil || alert.Severity.Rank() > best.Severity.Rank() {
			best = alert
		}
	}
	return best
}

func reasonsOf(hits []domain.RuleHit) []string {
	if len(hits) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.Reason != "" {
			reasons = append(reasons, hit.Reason)
		}
	}
	return reasons
}

func recoveryKey(studentID string) string {
	return "recovery:" + studentID
}

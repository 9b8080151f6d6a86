package alerting

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/cache"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/repository"
)

func newTestManager(t *testing.T) (*Manager, domain.Repository) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	t.Cleanup(func() { c.Close() })

	return NewManager(repo, c, nil, domain.DefaultConfig().Alerting), repo
}

func assessment(studentID string, score float64, kind domain.SignalKind) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		ID:        uuid.New().String(),
		StudentID: studentID,
		Score:     score,
		Factors: []domain.Factor{
			{Kind: kind, Severity: score / 100, Contribution: score, ObservedAt: time.Now().UTC()},
		},
		ComputedAt: time.Now().UTC(),
	}
}

func TestEvaluateOpensAlert(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	alert, action, err := m.Evaluate(ctx, assessment("s1", 81, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionOpened {
		t.Fatalf("expected opened, got %s", action)
	}
	if alert.Severity != domain.SeverityHigh {
		t.Errorf("score 81 should bucket high, got %s", alert.Severity)
	}
	if alert.Status != domain.AlertStatusOpen {
		t.Errorf("expected open status, got %s", alert.Status)
	}
	if alert.DedupeKey == "" {
		t.Error("expected dedupe key to be set")
	}
}

func TestEvaluateBelowThreshold(t *testing.T) {
	m, _ := newTestManager(t)

	alert, action, err := m.Evaluate(context.Background(), assessment("s1", 35, domain.KindGrade))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionNone || alert != nil {
		t.Errorf("score below low threshold should produce nothing, got %s", action)
	}
}

func TestEvaluateDedupe(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	first, action, err := m.Evaluate(ctx, assessment("s1", 72, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionOpened {
		t.Fatalf("expected opened, got %s", action)
	}

	// A second breach in the same bucket refreshes the existing alert.
	second, action, err := m.Evaluate(ctx, assessment("s1", 75, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionUpdated {
		t.Errorf("expected updated for same-bucket breach, got %s", action)
	}
	if second.ID != first.ID {
		t.Error("same-bucket breach should reference the existing alert")
	}

	// A lower-bucket score while the alert is open is a dedupe no-op.
	third, action, err := m.Evaluate(ctx, assessment("s1", 45, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionSuppressed {
		t.Errorf("expected suppressed for lower-bucket score, got %s", action)
	}
	if third.ID != first.ID {
		t.Error("suppression should reference the existing alert")
	}

	open, err := repo.GetOpenAlertsByStudent(ctx, "s1")
	if err != nil {
		t.Fatalf("list open alerts failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("expected exactly one open alert, got %d", len(open))
	}
	if open[0].Score != 75 {
		t.Errorf("same-bucket update should refresh the score, got %f", open[0].Score)
	}
	if open[0].Severity != domain.SeverityHigh {
		t.Errorf("suppression must not lower severity, got %s", open[0].Severity)
	}
}

func TestEvaluateEscalation(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	first, _, err := m.Evaluate(ctx, assessment("s1", 72, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	escalated, action, err := m.Evaluate(ctx, assessment("s1", 90, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionEscalated {
		t.Fatalf("expected escalated, got %s", action)
	}
	if escalated.ID != first.ID {
		t.Error("escalation must mutate the existing alert, not open a new one")
	}
	if escalated.Severity != domain.SeverityCritical {
		t.Errorf("expected critical after escalation, got %s", escalated.Severity)
	}

	open, err := repo.GetOpenAlertsByStudent(ctx, "s1")
	if err != nil {
		t.Fatalf("list open alerts failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("expected one open alert after escalation, got %d", len(open))
	}
}

func TestEvaluateSustainedRecovery(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Evaluate(ctx, assessment("s1", 72, domain.KindAttendance)); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// Two recoveries are not enough.
	for i := 0; i < 2; i++ {
		_, action, err := m.Evaluate(ctx, assessment("s1", 20, domain.KindAttendance))
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if action != domain.ActionNone {
			t.Fatalf("recovery %d should be a no-op, got %s", i+1, action)
		}
	}

	// The third consecutive recovery resolves the alert.
	_, action, err := m.Evaluate(ctx, assessment("s1", 20, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionResolved {
		t.Fatalf("expected resolved on third recovery, got %s", action)
	}

	open, err := repo.GetOpenAlertsByStudent(ctx, "s1")
	if err != nil {
		t.Fatalf("list open alerts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open alerts after recovery, got %d", len(open))
	}
}

func TestEvaluateRecoveryStreakBroken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Evaluate(ctx, assessment("s1", 72, domain.KindAttendance)); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// Two recoveries, then a relapse resets the streak.
	for i := 0; i < 2; i++ {
		if _, _, err := m.Evaluate(ctx, assessment("s1", 20, domain.KindAttendance)); err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
	}
	if _, _, err := m.Evaluate(ctx, assessment("s1", 72, domain.KindAttendance)); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// Two more recoveries must not resolve yet.
	for i := 0; i < 2; i++ {
		_, action, err := m.Evaluate(ctx, assessment("s1", 20, domain.KindAttendance))
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		if action == domain.ActionResolved {
			t.Fatal("streak should have reset after relapse")
		}
	}
}

func TestEvaluatePredictedFloor(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Predicted-dominant assessments need LowThreshold + PredictedOffset.
	_, action, err := m.Evaluate(ctx, assessment("s1", 45, domain.KindPredicted))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionNone {
		t.Errorf("predicted score 45 below raised floor should not alert, got %s", action)
	}

	// The same score from an observed kind opens an alert.
	_, action, err = m.Evaluate(ctx, assessment("s2", 45, domain.KindAttendance))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionOpened {
		t.Errorf("observed score 45 should open a low alert, got %s", action)
	}

	// Above the raised floor, predicted-dominant assessments alert too.
	_, action, err = m.Evaluate(ctx, assessment("s3", 55, domain.KindPredicted))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if action != domain.ActionOpened {
		t.Errorf("predicted score 55 above raised floor should alert, got %s", action)
	}
}

func TestEscalateOverdue(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	now := time.Now().UTC()
	alert := &domain.Alert{
		ID:        uuid.New().String(),
		StudentID: "s1",
		CaseID:    "case-1",
		Severity:  domain.SeverityHigh,
		Score:     78,
		Status:    domain.AlertStatusOpen,
		DedupeKey: uuid.New().String(),
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := repo.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save alert failed: %v", err)
	}

	got, action, err := m.EscalateOverdue(ctx, "case-1")
	if err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	if action != domain.ActionEscalated {
		t.Fatalf("action = %s, want escalated", action)
	}
	if got.ID != alert.ID {
		t.Errorf("escalation must mutate the open alert in place")
	}
	if got.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want critical", got.Severity)
	}

	// Critical is the ceiling; a second blown deadline is a no-op.
	got, action, err = m.EscalateOverdue(ctx, "case-1")
	if err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	if action != domain.ActionNone {
		t.Errorf("action = %s, want none at critical", action)
	}
	if got.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want critical", got.Severity)
	}
}

func TestEscalateOverdueNoOpenAlerts(t *testing.T) {
	m, _ := newTestManager(t)

	alert, action, err := m.EscalateOverdue(context.Background(), "case-missing")
	if err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	if alert != nil || action != domain.ActionNone {
		t.Errorf("expected no-op for a case without open alerts, got %v %s", alert, action)
	}
}

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencampus-edu/kestrel/internal/alerting"
	"github.com/opencampus-edu/kestrel/internal/bus"
	"github.com/opencampus-edu/kestrel/internal/cache"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
	"github.com/opencampus-edu/kestrel/internal/lifecycle"
	"github.com/opencampus-edu/kestrel/internal/repository"
	"github.com/opencampus-edu/kestrel/internal/scoring"
)

func newTestPipeline(t *testing.T) (*Pipeline, domain.Repository) {
	t.Helper()
	cfg := domain.DefaultConfig()

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

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	normalizer := ingest.NewNormalizer(repo, cfg.Scoring)
	scorer := scoring.NewScorer(repo, cfg.Scoring)
	alerts := alerting.NewManager(repo, c, nil, cfg.Alerting)
	cases := lifecycle.NewManager(repo, b, c, cfg.Lifecycle)

	return NewPipeline(normalizer, scorer, alerts, cases, b), repo
}

func ingestAttendance(t *testing.T, p *Pipeline, studentID string, day int, value float64) *Result {
	t.Helper()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	result, err := p.Process(context.Background(), ingest.RawEvent{
		StudentID:  studentID,
		Kind:       domain.KindAttendance,
		Value:      value,
		ObservedAt: base.AddDate(0, 0, day),
		Source:     "sis",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	return result
}

func TestPipelineDecliningAttendanceOpensCase(t *testing.T) {
	p, _ := newTestPipeline(t)

	r := ingestAttendance(t, p, "s1", 0, 85)
	if r.Action != domain.ActionNone {
		t.Errorf("healthy first signal should not alert, got %s", r.Action)
	}

	// The slide to 70 with a falling trend already crosses the low
	// threshold and opens a case.
	r = ingestAttendance(t, p, "s1", 1, 70)
	if r.Action != domain.ActionOpened {
		t.Fatalf("declining signal should open an alert, got %s", r.Action)
	}
	if r.Case == nil || r.Case.Stage != domain.StageNew {
		t.Fatalf("opened alert should produce a new case, got %+v", r.Case)
	}
	first := r.Alert

	// The further drop to 58 escalates the same alert into the high
	// bucket instead of opening a second one.
	r = ingestAttendance(t, p, "s1", 2, 58)
	if r.Action != domain.ActionEscalated {
		t.Fatalf("steep decline should escalate, got %s", r.Action)
	}
	if r.Alert.ID != first.ID {
		t.Error("escalation opened a new alert instead of mutating the existing one")
	}
	if r.Alert.Severity != domain.SeverityHigh {
		t.Errorf("severity = %s, want high", r.Alert.Severity)
	}
	if r.Assessment.Score < 70 || r.Assessment.Score >= 85 {
		t.Errorf("score = %f, want high band [70,85)", r.Assessment.Score)
	}
	if r.Case == nil {
		t.Fatal("escalated alert should stay attached to its case")
	}
	if r.Case.Severity != domain.SeverityHigh {
		t.Errorf("case severity = %s, want high", r.Case.Severity)
	}
	if r.Case.SLADeadline == nil {
		t.Error("high severity case should carry an SLA deadline")
	}
}

func TestPipelineRecoveryResolvesCase(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	ingestAttendance(t, p, "s1", 0, 85)
	ingestAttendance(t, p, "s1", 1, 70)
	r := ingestAttendance(t, p, "s1", 2, 58)
	if r.Case == nil {
		t.Fatal("declining attendance should have produced a case")
	}

	// Counselor picks the case up so auto-resolution is legal later.
	cases := lifecycle.NewManager(repo, nil, nil, domain.DefaultConfig().Lifecycle)
	if _, err := cases.Transition(ctx, r.Case.ID, lifecycle.TransitionRequest{
		Stage:    domain.StageInProgress,
		Assignee: "counselor-1",
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// Attendance recovers into the 80s and stays there.
	for i, v := range []float64{88, 90, 92} {
		r = ingestAttendance(t, p, "s1", 3+i, v)
	}

	if r.Action != domain.ActionResolved {
		t.Fatalf("sustained recovery should resolve, got %s", r.Action)
	}

	open, err := repo.GetOpenAlertsByStudent(ctx, "s1")
	if err != nil {
		t.Fatalf("list open alerts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}
	if r.Case == nil || r.Case.Stage != domain.StageResolved {
		t.Errorf("expected auto-resolved case, got %+v", r.Case)
	}
}

func TestPipelineRejectionsPropagate(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Process(ctx, ingest.RawEvent{
		StudentID:  "s1",
		Kind:       "gpa",
		Value:      50,
		ObservedAt: time.Now().UTC(),
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPipelineSubmitSwallowsDuplicates(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	raw := ingest.RawEvent{
		StudentID:  "s1",
		Kind:       domain.KindGrade,
		Value:      72,
		ObservedAt: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC),
		Source:     "lms",
	}
	if err := p.Submit(ctx, raw); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := p.Submit(ctx, raw); err != nil {
		t.Errorf("replayed submit should be a no-op, got %v", err)
	}
}

func TestPipelineConcurrentStudents(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	// Hammer the pipeline with interleaved signals for many students;
	// per-student serialization must keep every log consistent.
	students := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for _, id := range students {
		wg.Add(1)
		go func(studentID string) {
			defer wg.Done()
			for day := 0; day < 5; day++ {
				_, err := p.Process(ctx, ingest.RawEvent{
					StudentID:  studentID,
					Kind:       domain.KindAttendance,
					Value:      float64(90 - day*10),
					ObservedAt: base.AddDate(0, 0, day),
					Source:     "sis",
				})
				if err != nil {
					t.Errorf("process failed for %s day %d: %v", studentID, day, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range students {
		signals, err := repo.GetSignals(ctx, id, domain.KindAttendance, time.Time{})
		if err != nil {
			t.Fatalf("get signals failed: %v", err)
		}
		if len(signals) != 5 {
			t.Errorf("student %s has %d signals, want 5", id, len(signals))
		}
		open, err := repo.GetOpenAlertsByStudent(ctx, id)
		if err != nil {
			t.Fatalf("list open alerts failed: %v", err)
		}
		if len(open) > 1 {
			t.Errorf("student %s has %d open alerts, dedupe violated", id, len(open))
		}
	}
}

func TestPipelineManualResolveFreesDedupe(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	ingestAttendance(t, p, "s1", 0, 85)
	ingestAttendance(t, p, "s1", 1, 70)
	r := ingestAttendance(t, p, "s1", 2, 58)
	if r.Case == nil {
		t.Fatal("declining attendance should have produced a case")
	}
	caseID := r.Case.ID

	// Counselor works the case and closes it by hand.
	cases := lifecycle.NewManager(repo, nil, nil, domain.DefaultConfig().Lifecycle)
	if _, err := cases.Transition(ctx, caseID, lifecycle.TransitionRequest{
		Stage:    domain.StageInProgress,
		Assignee: "counselor-1",
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := cases.Transition(ctx, caseID, lifecycle.TransitionRequest{
		Stage: domain.StageResolved,
	}); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	// The student is still at risk: the next bad signal must reopen
	// the case, not refresh a dead alert.
	r = ingestAttendance(t, p, "s1", 3, 55)
	if r.Action != domain.ActionOpened {
		t.Fatalf("post-resolve risk should open a fresh alert, got %s", r.Action)
	}
	if r.Case == nil {
		t.Fatal("post-resolve risk should land on a case")
	}
	if r.Case.ID != caseID {
		t.Errorf("expected the resolved case to reopen, got %s", r.Case.ID)
	}
	if r.Case.Stage != domain.StageReopened {
		t.Errorf("stage = %s, want reopened", r.Case.Stage)
	}

	queue, err := repo.ListCases(ctx, domain.QueueFilter{})
	if err != nil {
		t.Fatalf("list cases failed: %v", err)
	}
	if len(queue) != 1 {
		t.Errorf("reopened case missing from queue, got %d entries", len(queue))
	}
}

func TestPipelineOverdueEscalation(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	ingestAttendance(t, p, "s1", 0, 85)
	ingestAttendance(t, p, "s1", 1, 70)
	r := ingestAttendance(t, p, "s1", 2, 58)
	if r.Case == nil || r.Alert == nil {
		t.Fatal("declining attendance should have produced a case with an alert")
	}
	if r.Alert.Severity != domain.SeverityHigh {
		t.Fatalf("severity = %s, want high before escalation", r.Alert.Severity)
	}

	if err := p.EscalateOverdue(ctx, "s1", r.Case.ID); err != nil {
		t.Fatalf("escalate failed: %v", err)
	}

	open, err := repo.GetOpenAlertsByStudent(ctx, "s1")
	if err != nil {
		t.Fatalf("list open alerts failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(open))
	}
	if open[0].ID != r.Alert.ID || open[0].Severity != domain.SeverityCritical {
		t.Errorf("alert %s severity = %s, want critical on the same alert", open[0].ID, open[0].Severity)
	}

	c, err := repo.GetCase(ctx, r.Case.ID)
	if err != nil {
		t.Fatalf("get case failed: %v", err)
	}
	if c.Severity != domain.SeverityCritical {
		t.Errorf("case severity = %s, want critical after escalation", c.Severity)
	}
	if c.SLADeadline == nil {
		t.Error("escalated case should carry a tightened deadline")
	}

	// Nowhere to go from critical.
	if err := p.EscalateOverdue(ctx, "s1", r.Case.ID); err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	c, err = repo.GetCase(ctx, r.Case.ID)
	if err != nil {
		t.Fatalf("get case failed: %v", err)
	}
	if c.Severity != domain.SeverityCritical {
		t.Errorf("case severity = %s, want critical to hold", c.Severity)
	}
}

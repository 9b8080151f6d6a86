package rules

import (
	"testing"
	"time"

	"github.com/opencampus-edu/kestrel/internal/domain"
)

func testAssessment(score float64, factors ...domain.Factor) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		ID:         "a1",
		StudentID:  "s1",
		Score:      score,
		Factors:    factors,
		ComputedAt: time.Now().UTC(),
	}
}

func TestLoadRule(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	t.Run("ValidBooleanRule", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{
			ID:         "low-attendance",
			Name:       "Low Attendance",
			Expression: "attendance >= 0.0 && attendance < 60.0",
			Reason:     "attendance below 60%",
			Enabled:    true,
		})
		if err != nil {
			t.Errorf("valid rule rejected: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("rules count = %d, want 1", engine.RulesCount())
		}
	})

	t.Run("NonBooleanRejected", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{
			ID:         "bad-output",
			Expression: "score * 2.0",
		})
		if err == nil {
			t.Error("non-boolean expression should be rejected")
		}
	})

	t.Run("SyntaxErrorRejected", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{
			ID:         "bad-syntax",
			Expression: "score >>> 10",
		})
		if err == nil {
			t.Error("invalid syntax should be rejected")
		}
	})

	t.Run("UnknownVariableRejected", func(t *testing.T) {
		err := engine.LoadRule(&domain.RiskRule{
			ID:         "bad-var",
			Expression: "gpa < 2.0",
		})
		if err == nil {
			t.Error("unknown variable should be rejected")
		}
	})
}

func TestValidateRuleDoesNotLoad(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if err := engine.ValidateRule(&domain.RiskRule{
		ID:         "check-only",
		Expression: "score > 50.0",
	}); err != nil {
		t.Errorf("validate failed: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("validate must not load the rule, count = %d", engine.RulesCount())
	}
}

func TestEvaluate(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	rules := []*domain.RiskRule{
		{
			ID:          "failing-attendance",
			Expression:  "attendance >= 0.0 && attendance < 60.0 && attendance_trend < 0.0",
			Reason:      "attendance collapsing",
			MinSeverity: domain.SeverityHigh,
			Enabled:     true,
		},
		{
			ID:         "combined-pressure",
			Expression: "fee >= 0.0 && fee < 50.0 && sentiment < 0.0 && sentiment >= -1.0",
			Reason:     "fee arrears with negative sentiment",
			Enabled:    true,
		},
		{
			ID:         "disabled-rule",
			Expression: "score > 0.0",
			Reason:     "never loaded",
			Enabled:    false,
		},
	}
	if err := engine.LoadRules(rules); err != nil {
		t.Fatalf("load rules failed: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Fatalf("disabled rules must not load, count = %d", engine.RulesCount())
	}

	t.Run("AttendanceHit", func(t *testing.T) {
		a := testAssessment(65,
			domain.Factor{Kind: domain.KindAttendance, Value: 58, Trend: -13.5},
		)
		hits := engine.Evaluate(a, 0)
		if len(hits) != 1 {
			t.Fatalf("expected 1 hit, got %d", len(hits))
		}
		if hits[0].RuleID != "failing-attendance" {
			t.Errorf("hit = %s, want failing-attendance", hits[0].RuleID)
		}
		if hits[0].MinSeverity != domain.SeverityHigh {
			t.Errorf("minSeverity = %s, want high", hits[0].MinSeverity)
		}
	})

	t.Run("NoHitWithoutSignal", func(t *testing.T) {
		// Kinds with no signals default to -1, so absence never
		// satisfies a below-threshold comparison.
		a := testAssessment(20)
		if hits := engine.Evaluate(a, 0); len(hits) != 0 {
			t.Errorf("expected no hits for empty assessment, got %d", len(hits))
		}
	})

	t.Run("CombinedHit", func(t *testing.T) {
		a := testAssessment(50,
			domain.Factor{Kind: domain.KindFee, Value: 30},
			domain.Factor{Kind: domain.KindSentiment, Value: -0.4},
		)
		hits := engine.Evaluate(a, 0)
		if len(hits) != 1 || hits[0].RuleID != "combined-pressure" {
			t.Fatalf("expected combined-pressure hit, got %+v", hits)
		}
	})
}

func TestReloadRules(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if err := engine.LoadRule(&domain.RiskRule{
		ID:         "old",
		Expression: "score > 90.0",
		Enabled:    true,
	}); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := engine.ReloadRules([]*domain.RiskRule{
		{ID: "new", Expression: "open_alerts > 2", Reason: "alert churn", Enabled: true},
	}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Fatalf("reload should replace the rule set, count = %d", engine.RulesCount())
	}
	loaded := engine.GetLoadedRules()
	if loaded[0].ID != "new" {
		t.Errorf("loaded rule = %s, want new", loaded[0].ID)
	}

	hits := engine.Evaluate(testAssessment(10), 3)
	if len(hits) != 1 || hits[0].Reason != "alert churn" {
		t.Errorf("expected alert churn hit, got %+v", hits)
	}
}

// Package rules provides the CEL-Go based intervention rule engine.
// Operators register boolean CEL expressions over assessment variables;
// triggered rules attach reasons and may pin a severity floor on the
// resulting alert.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opencampus-edu/kestrel/internal/domain"
)

// Engine compiles and evaluates intervention rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RiskRule
	Program cel.Program
}

// NewEngine creates a new intervention rule engine.
func NewEngine() (*Engine, error) {
	// Assessment variables exposed to rule expressions. Kind values
	// default to -1 when the student has no signal of that kind.
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("attendance", cel.DoubleType),
		cel.Variable("attendance_trend", cel.DoubleType),
		cel.Variable("grade", cel.DoubleType),
		cel.Variable("grade_trend", cel.DoubleType),
		cel.Variable("fee", cel.DoubleType),
		cel.Variable("sentiment", cel.DoubleType),
		cel.Variable("predicted", cel.DoubleType),
		cel.Variable("open_alerts", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without mutating the loaded set.
func (e *Engine) ValidateRule(cfg *domain.RiskRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RiskRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RiskRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate runs every loaded rule against an assessment and returns the
// hits. A rule that errors at runtime is skipped rather than failing
// the whole evaluation; alerting must not stall on one bad expression.
func (e *Engine) Evaluate(assessment *domain.RiskAssessment, openAlerts int) []domain.RuleHit {
	e.mu.RLock()
	loaded := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		loaded = append(loaded, rule)
	}
	e.mu.RUnlock()

	if len(loaded) == 0 {
		return nil
	}

	activation := activationFor(assessment, openAlerts)

	var hits []domain.RuleHit
	for _, rule := range loaded {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			hits = append(hits, domain.RuleHit{
				RuleID:      rule.Config.ID,
				Reason:      rule.Config.Reason,
				MinSeverity: rule.Config.MinSeverity,
			})
		}
	}
	return hits
}

// activationFor flattens an assessment into CEL variables.
func activationFor(assessment *domain.RiskAssessment, openAlerts int) map[string]any {
	activation := map[string]any{
		"score":            assessment.Score,
		"attendance":       -1.0,
		"attendance_trend": 0.0,
		"grade":            -1.0,
		"grade_trend":      0.0,
		"fee":              -1.0,
		"sentiment":        -1.0,
		"predicted":        -1.0,
		"open_alerts":      int64(openAlerts),
	}

	for _, f := range assessment.Factors {
		switch f.Kind {
		case domain.KindAttendance:
			activation["attendance"] = f.Value
			activation["attendance_trend"] = f.Trend
		case domain.KindGrade:
			activation["grade"] = f.Value
			activation["grade_trend"] = f.Trend
		case domain.KindFee:
			activation["fee"] = f.Value
		case domain.KindSentiment:
			activation["sentiment"] = f.Value
		case domain.KindPredicted:
			activation["predicted"] = f.Value
		}
	}

	return activation
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading without a restart.
func (e *Engine) ReloadRules(configs []*domain.RiskRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RiskRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RiskRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RiskRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// Package scoring computes composite risk assessments from the
// per-student signal log.
package scoring

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/domain"
)

// defaultPredictedWeight applies when the weight table has no explicit
// entry for predicted signals.
const defaultPredictedWeight = 0.25

// Scorer recomputes a student's risk assessment from the signal log.
// Given the same log and configuration the result is deterministic;
// only ComputedAt and the record ID vary between runs.
type Scorer struct {
	repo domain.Repository
	cfg  domain.ScoringConfig
}

// NewScorer creates a scorer.
func NewScorer(repo domain.Repository, cfg domain.ScoringConfig) *Scorer {
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 5
	}
	return &Scorer{repo: repo, cfg: cfg}
}

// Recompute reads the student's signal log, scores it, and persists the
// new assessment. The previous assessment is superseded, not mutated.
func (s *Scorer) Recompute(ctx context.Context, studentID string) (*domain.RiskAssessment, error) {
	byKind := make(map[domain.SignalKind][]*domain.Signal)
	for _, kind := range domain.Kinds {
		signals, err := s.repo.GetSignals(ctx, studentID, kind, time.Time{})
		if err != nil {
			return nil, err
		}
		if len(signals) > 0 {
			byKind[kind] = signals
		}
	}

	assessment := Score(studentID, byKind, s.cfg)
	assessment.ID = uuid.New().String()
	assessment.ComputedAt = time.Now().UTC()

	if err := s.repo.SaveAssessment(ctx, assessment); err != nil {
		return nil, err
	}

	return assessment, nil
}

// Score is the pure scoring core: it maps a signal log snapshot to an
// assessment without touching storage or the clock. Replaying the same
// log yields the identical score, enabling audit replay.
func Score(studentID string, byKind map[domain.SignalKind][]*domain.Signal, cfg domain.ScoringConfig) *domain.RiskAssessment {
	var factors []domain.Factor
	var weightSum, weighted float64

	// Fixed kind order keeps float accumulation replay-identical.
	for _, kind := range domain.Kinds {
		signals := byKind[kind]
		if len(signals) == 0 {
			continue
		}

		weight := kindWeight(kind, cfg)
		if weight <= 0 {
			continue
		}

		window := trailing(signals, cfg.TrendWindow)
		latest := window[len(window)-1]
		trend := slope(window)

		sev := severity(kind, latest.Value, trend, cfg)
		if kind == domain.KindPredicted {
			// Predictions are lower-confidence by construction.
			sev *= latest.Confidence
		}

		factors = append(factors, domain.Factor{
			Kind:         kind,
			Value:        latest.Value,
			Trend:        trend,
			Severity:     sev,
			Contribution: weight * sev * 100,
			ObservedAt:   latest.ObservedAt,
		})

		weighted += weight * sev
		weightSum += weight
	}

	var score float64
	if weightSum > 0 {
		score = weighted / weightSum * 100
	}
	if score > 100 {
		score = 100
	}

	// Contribution descending; recency breaks ties so the most recently
	// updated kind dominates the explanation.
	sort.SliceStable(factors, func(i, j int) bool {
		di := factors[i].Contribution - factors[j].Contribution
		if di > 1e-9 {
			return true
		}
		if di < -1e-9 {
			return false
		}
		return factors[i].ObservedAt.After(factors[j].ObservedAt)
	})

	return &domain.RiskAssessment{
		StudentID: studentID,
		Score:     score,
		Factors:   factors,
	}
}

func kindWeight(kind domain.SignalKind, cfg domain.ScoringConfig) float64 {
	if w, ok := cfg.Weights[kind]; ok {
		return w
	}
	if kind == domain.KindPredicted {
		return defaultPredictedWeight
	}
	return 0
}

// trailing returns the last n signals in observation order.
func trailing(signals []*domain.Signal, n int) []*domain.Signal {
	if len(signals) <= n {
		return signals
	}
	return signals[len(signals)-n:]
}

// slope is the least-squares slope over the window, in value units per
// observation. Fewer than two points have no trend.
func slope(signals []*domain.Signal) float64 {
	n := float64(len(signals))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, sig := range signals {
		x := float64(i)
		sumX += x
		sumY += sig.Value
		sumXY += x * sig.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// severity maps (kind, value, trend) to [0,1] via kind-specific
// piecewise curves. A falling trend adds severity up to TrendCap.
func severity(kind domain.SignalKind, value, trend float64, cfg domain.ScoringConfig) float64 {
	sev := baseSeverity(kind, value)

	// Sentiment trends live on a [-1,1] scale; rescale so the gain
	// applies comparably across kinds.
	t := trend
	if kind == domain.KindSentiment {
		t *= 50
	}
	if t < 0 {
		extra := -t * cfg.TrendGain
		if extra > cfg.TrendCap {
			extra = cfg.TrendCap
		}
		sev += extra
	}

	if sev > 1 {
		sev = 1
	}
	if sev < 0 {
		sev = 0
	}
	return sev
}

func baseSeverity(kind domain.SignalKind, value float64) float64 {
	switch kind {
	case domain.KindAttendance:
		// Rises sharply below 75%, more sharply below 60%.
		switch {
		case value >= 90:
			return 0
		case value >= 75:
			return lerp(value, 75, 90, 0.3, 0)
		case value >= 60:
			return lerp(value, 60, 75, 0.7, 0.3)
		default:
			return lerp(value, 0, 60, 1.0, 0.7)
		}
	case domain.KindGrade, domain.KindPredicted:
		switch {
		case value >= 85:
			return 0
		case value >= 70:
			return lerp(value, 70, 85, 0.25, 0)
		case value >= 50:
			return lerp(value, 50, 70, 0.7, 0.25)
		default:
			return lerp(value, 0, 50, 1.0, 0.7)
		}
	case domain.KindFee:
		switch {
		case value >= 90:
			return 0
		case value >= 50:
			return lerp(value, 50, 90, 0.5, 0)
		default:
			return lerp(value, 0, 50, 1.0, 0.5)
		}
	case domain.KindSentiment:
		switch {
		case value >= 0.2:
			return 0
		case value >= -0.3:
			return lerp(value, -0.3, 0.2, 0.5, 0)
		default:
			return lerp(value, -1, -0.3, 1.0, 0.5)
		}
	}
	return 0
}

// lerp interpolates severity between (lo, sevLo) and (hi, sevHi).
func lerp(value, lo, hi, sevLo, sevHi float64) float64 {
	if hi == lo {
		return sevLo
	}
	frac := (value - lo) / (hi - lo)
	return sevLo + frac*(sevHi-sevLo)
}

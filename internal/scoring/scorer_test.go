package scoring

import (
	"testing"
	"time"

	"github.com/opencampus-edu/kestrel/internal/domain"
)

func testConfig() domain.ScoringConfig {
	return domain.DefaultConfig().Scoring
}

func attendanceLog(values ...float64) map[domain.SignalKind][]*domain.Signal {
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	signals := make([]*domain.Signal, len(values))
	for i, v := range values {
		signals[i] = &domain.Signal{
			StudentID:  "student-001",
			Kind:       domain.KindAttendance,
			Value:      v,
			Confidence: 1.0,
			ObservedAt: base.AddDate(0, 0, i),
		}
	}
	return map[domain.SignalKind][]*domain.Signal{
		domain.KindAttendance: signals,
	}
}

func TestScoreDeterminism(t *testing.T) {
	cfg := testConfig()
	log := attendanceLog(85, 70, 58)

	first := Score("student-001", log, cfg)
	second := Score("student-001", log, cfg)

	if first.Score != second.Score {
		t.Errorf("same log produced different scores: %f vs %f", first.Score, second.Score)
	}
	if len(first.Factors) != len(second.Factors) {
		t.Errorf("same log produced different factor counts: %d vs %d",
			len(first.Factors), len(second.Factors))
	}
	for i := range first.Factors {
		if first.Factors[i] != second.Factors[i] {
			t.Errorf("factor %d differs between runs", i)
		}
	}
}

func TestScoreDeterminismAcrossKinds(t *testing.T) {
	// With several kinds in play the weighted sum must accumulate in a
	// fixed order; replaying the same log yields the bit-identical
	// score regardless of map insertion order.
	cfg := testConfig()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	signal := func(kind domain.SignalKind, day int, value float64) *domain.Signal {
		return &domain.Signal{
			StudentID:  "student-001",
			Kind:       kind,
			Value:      value,
			Confidence: 1.0,
			ObservedAt: base.AddDate(0, 0, day),
		}
	}

	reference := Score("student-001", map[domain.SignalKind][]*domain.Signal{
		domain.KindAttendance: {signal(domain.KindAttendance, 0, 72), signal(domain.KindAttendance, 1, 64)},
		domain.KindGrade:      {signal(domain.KindGrade, 0, 55)},
		domain.KindFee:        {signal(domain.KindFee, 0, 40)},
		domain.KindSentiment:  {signal(domain.KindSentiment, 0, -0.4)},
	}, cfg)

	for i := 0; i < 100; i++ {
		// Rebuild the map each run so insertion order varies.
		log := make(map[domain.SignalKind][]*domain.Signal)
		for _, kind := range []domain.SignalKind{domain.KindSentiment, domain.KindFee, domain.KindGrade, domain.KindAttendance} {
			switch kind {
			case domain.KindAttendance:
				log[kind] = []*domain.Signal{signal(kind, 0, 72), signal(kind, 1, 64)}
			case domain.KindGrade:
				log[kind] = []*domain.Signal{signal(kind, 0, 55)}
			case domain.KindFee:
				log[kind] = []*domain.Signal{signal(kind, 0, 40)}
			case domain.KindSentiment:
				log[kind] = []*domain.Signal{signal(kind, 0, -0.4)}
			}
		}
		got := Score("student-001", log, cfg)
		if got.Score != reference.Score {
			t.Fatalf("run %d produced score %v, want %v", i, got.Score, reference.Score)
		}
		for j := range got.Factors {
			if got.Factors[j].Kind != reference.Factors[j].Kind {
				t.Fatalf("run %d factor %d is %s, want %s",
					i, j, got.Factors[j].Kind, reference.Factors[j].Kind)
			}
		}
	}
}

func TestScoreDecliningAttendance(t *testing.T) {
	// Steep attendance decline: the latest value plus the falling trend
	// must land in the high band, not critical.
	a := Score("student-001", attendanceLog(85, 70, 58), testConfig())

	if a.Score < 70 {
		t.Errorf("expected score >= 70 for steep decline, got %f", a.Score)
	}
	if a.Score >= 85 {
		t.Errorf("expected score < 85 for steep decline, got %f", a.Score)
	}

	if len(a.Factors) != 1 {
		t.Fatalf("expected 1 factor, got %d", len(a.Factors))
	}
	f := a.Factors[0]
	if f.Kind != domain.KindAttendance {
		t.Errorf("expected attendance factor, got %s", f.Kind)
	}
	if f.Trend >= 0 {
		t.Errorf("expected negative trend, got %f", f.Trend)
	}
}

func TestScoreSustainedHealthy(t *testing.T) {
	a := Score("student-001", attendanceLog(80, 82, 84), testConfig())

	if a.Score >= 30 {
		t.Errorf("expected score below recovery threshold for healthy attendance, got %f", a.Score)
	}
}

func TestScoreEmptyLog(t *testing.T) {
	a := Score("student-001", nil, testConfig())

	if a.Score != 0 {
		t.Errorf("expected zero score for empty log, got %f", a.Score)
	}
	if len(a.Factors) != 0 {
		t.Errorf("expected no factors for empty log, got %d", len(a.Factors))
	}
}

func TestScoreWeightRenormalization(t *testing.T) {
	cfg := testConfig()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	// Only attendance signals exist. The missing kinds must be
	// renormalized away, so a fully failing attendance still reaches
	// the top of the scale.
	log := map[domain.SignalKind][]*domain.Signal{
		domain.KindAttendance: {
			{StudentID: "s", Kind: domain.KindAttendance, Value: 0, Confidence: 1, ObservedAt: base},
		},
	}
	a := Score("s", log, cfg)
	if a.Score != 100 {
		t.Errorf("expected score 100 for zero attendance alone, got %f", a.Score)
	}
}

func TestScoreFactorOrdering(t *testing.T) {
	cfg := testConfig()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	log := map[domain.SignalKind][]*domain.Signal{
		domain.KindAttendance: {
			{StudentID: "s", Kind: domain.KindAttendance, Value: 40, Confidence: 1, ObservedAt: base},
		},
		domain.KindFee: {
			{StudentID: "s", Kind: domain.KindFee, Value: 95, Confidence: 1, ObservedAt: base},
		},
	}

	a := Score("s", log, cfg)
	if len(a.Factors) != 2 {
		t.Fatalf("expected 2 factors, got %d", len(a.Factors))
	}
	if a.Factors[0].Kind != domain.KindAttendance {
		t.Errorf("expected attendance first (largest contribution), got %s", a.Factors[0].Kind)
	}
	if a.Factors[0].Contribution < a.Factors[1].Contribution {
		t.Error("factors not sorted by contribution descending")
	}
}

func TestScorePredictedConfidenceScaling(t *testing.T) {
	cfg := testConfig()
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

	full := map[domain.SignalKind][]*domain.Signal{
		domain.KindPredicted: {
			{StudentID: "s", Kind: domain.KindPredicted, Value: 30, Confidence: 1.0, ObservedAt: base},
		},
	}
	half := map[domain.SignalKind][]*domain.Signal{
		domain.KindPredicted: {
			{StudentID: "s", Kind: domain.KindPredicted, Value: 30, Confidence: 0.5, ObservedAt: base},
		},
	}

	fullScore := Score("s", full, cfg).Score
	halfScore := Score("s", half, cfg).Score

	if halfScore >= fullScore {
		t.Errorf("expected lower score at half confidence: full=%f half=%f", fullScore, halfScore)
	}
}

func TestSlope(t *testing.T) {
	base := time.Now().UTC()
	signals := []*domain.Signal{
		{Value: 85, ObservedAt: base},
		{Value: 70, ObservedAt: base.Add(time.Hour)},
		{Value: 58, ObservedAt: base.Add(2 * time.Hour)},
	}

	got := slope(signals)
	want := -13.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("slope = %f, want %f", got, want)
	}

	if s := slope(signals[:1]); s != 0 {
		t.Errorf("single observation should have no trend, got %f", s)
	}
}

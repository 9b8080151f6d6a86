// Package predictor runs the early-warning scan: a periodic linear
// regression over each student's recent attendance and grade history,
// extrapolated a few observations ahead. Projected failures re-enter
// the pipeline as predicted signals; the predictor itself never raises
// alerts or touches cases.
package predictor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
)

// Submitter accepts a raw event into the detection pipeline. The worker
// pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, raw ingest.RawEvent) error
}

// Predictor scans the student population on an interval.
type Predictor struct {
	repo      domain.Repository
	submitter Submitter
	cfg       domain.PredictorConfig

	stop chan struct{}
	done chan struct{}
}

// New creates a predictor.
func New(repo domain.Repository, submitter Submitter, cfg domain.PredictorConfig) *Predictor {
	return &Predictor{
		repo:      repo,
		submitter: submitter,
		cfg:       cfg,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the scan loop. No-op when disabled.
func (p *Predictor) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		close(p.done)
		return
	}
	go p.run(ctx)
}

// Stop terminates the scan loop and waits for it to exit.
func (p *Predictor) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Predictor) run(ctx context.Context) {
	defer close(p.done)

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Scan(ctx); err != nil {
				slog.Error("predictor scan failed", "error", err)
			}
		}
	}
}

// Scan runs one full pass over the student population.
func (p *Predictor) Scan(ctx context.Context) error {
	studentIDs, err := p.repo.ListStudentIDs(ctx)
	if err != nil {
		return err
	}

	emitted := 0
	for _, studentID := range studentIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.scanStudent(ctx, studentID) {
			emitted++
		}
	}

	slog.Info("predictor scan complete",
		"students", len(studentIDs), "predictions", emitted)
	return nil
}

// scanStudent projects attendance and grade trajectories; the worse
// projected outcome wins. Reports whether a prediction was emitted.
func (p *Predictor) scanStudent(ctx context.Context, studentID string) bool {
	best, ok := p.project(ctx, studentID, domain.KindAttendance)
	if grade, gok := p.project(ctx, studentID, domain.KindGrade); gok {
		if !ok || grade.value < best.value {
			best, ok = grade, true
		}
	}
	if !ok {
		return false
	}
	if best.value >= p.cfg.FailureThreshold || best.confidence < p.cfg.MinConfidence {
		return false
	}

	raw := ingest.RawEvent{
		StudentID:  studentID,
		Kind:       domain.KindPredicted,
		Value:      best.value,
		Confidence: best.confidence,
		ObservedAt: time.Now().UTC(),
		Source:     "predictor",
	}
	if err := p.submitter.Submit(ctx, raw); err != nil {
		slog.Warn("failed to submit prediction",
			"student_id", studentID, "error", err)
		return false
	}

	slog.Info("predicted failure emitted",
		"student_id", studentID,
		"kind", best.kind,
		"projected", best.value,
		"confidence", best.confidence,
	)
	return true
}

type projection struct {
	kind       domain.SignalKind
	value      float64
	confidence float64
}

// project fits a least-squares line to the trailing window of one
// signal kind and extrapolates Horizon observations ahead. Confidence
// is the fit quality (r-squared).
func (p *Predictor) project(ctx context.Context, studentID string, kind domain.SignalKind) (projection, bool) {
	signals, err := p.repo.GetSignals(ctx, studentID, kind, time.Time{})
	if err != nil {
		slog.Warn("predictor signal fetch failed",
			"student_id", studentID, "kind", kind, "error", err)
		return projection{}, false
	}

	window := p.cfg.Window
	if window <= 0 {
		window = 14
	}
	if len(signals) > window {
		signals = signals[len(signals)-window:]
	}
	// A line through two points is noise, not a trajectory.
	if len(signals) < 3 {
		return projection{}, false
	}

	values := make([]float64, len(signals))
	for i, s := range signals {
		values[i] = s.Value
	}

	slope, intercept, r2 := fitLine(values)

	horizon := p.cfg.Horizon
	if horizon <= 0 {
		horizon = 3
	}
	projected := intercept + slope*float64(len(values)-1+horizon)

	lo, hi := kind.ValueRange()
	projected = math.Max(lo, math.Min(hi, projected))

	return projection{kind: kind, value: projected, confidence: r2}, true
}

// fitLine runs ordinary least squares over y indexed 0..n-1, returning
// slope, intercept and r-squared.
func fitLine(y []float64) (slope, intercept, r2 float64) {
	n := float64(len(y))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	mean := sumY / n
	var ssTot, ssRes float64
	for i, v := range y {
		fit := intercept + slope*float64(i)
		ssTot += (v - mean) * (v - mean)
		ssRes += (v - fit) * (v - fit)
	}
	if ssTot == 0 {
		// A perfectly flat series is a perfect fit.
		return slope, intercept, 1
	}
	r2 = 1 - ssRes/ssTot
	if r2 < 0 {
		r2 = 0
	}
	return slope, intercept, r2
}

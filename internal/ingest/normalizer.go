// Package ingest normalizes heterogeneous inbound events into canonical
// signals and owns the only write path to the per-student signal log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/domain"
)

// RawEvent is an unvalidated inbound observation from any upstream
// producer (live update, bulk ETL, chat sentiment, predictor).
type RawEvent struct {
	StudentID  string
	Kind       domain.SignalKind
	Value      float64
	Confidence float64
	ObservedAt time.Time
	Source     string
}

// Normalizer validates, clamps and appends signals. No other component
// may write to the signal log.
type Normalizer struct {
	repo      domain.Repository
	staleSkew time.Duration
}

// NewNormalizer creates a normalizer with the configured skew tolerance.
func NewNormalizer(repo domain.Repository, cfg domain.ScoringConfig) *Normalizer {
	skew := cfg.StaleSkew
	if skew <= 0 {
		skew = 48 * time.Hour
	}
	return &Normalizer{repo: repo, staleSkew: skew}
}

// Ingest converts a raw event into a canonical Signal and appends it to
// the student's log. Out-of-range values are clamped to the kind's
// domain; events arriving behind the stored log by more than the skew
// tolerance fail with ErrStaleSignal; exact replays fail with
// ErrDuplicateSignal so producers can treat retries as no-ops.
func (n *Normalizer) Ingest(ctx context.Context, raw RawEvent) (*domain.Signal, error) {
	if raw.StudentID == "" {
		return nil, fmt.Errorf("%w: studentId is required", domain.ErrInvalidInput)
	}
	if !raw.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidInput, raw.Kind)
	}
	if raw.ObservedAt.IsZero() {
		return nil, fmt.Errorf("%w: observedAt is required", domain.ErrInvalidInput)
	}

	confidence := raw.Confidence
	if raw.Kind == domain.KindPredicted {
		if confidence <= 0 || confidence > 1 {
			return nil, fmt.Errorf("%w: predicted signals require confidence in (0,1]", domain.ErrInvalidInput)
		}
	} else {
		confidence = 1.0
	}

	min, max := raw.Kind.ValueRange()
	value := raw.Value
	if value < min {
		value = min
	}
	if value > max {
		value = max
	}

	// Guard against out-of-order delivery from multiple producers:
	// a bulk upload must not rewind history behind a live update.
	latest, err := n.repo.GetLatestSignal(ctx, raw.StudentID, raw.Kind)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if latest != nil && latest.ObservedAt.Sub(raw.ObservedAt) > n.staleSkew {
		slog.Warn("stale signal dropped",
			"student_id", raw.StudentID,
			"kind", raw.Kind,
			"observed_at", raw.ObservedAt,
			"latest_at", latest.ObservedAt,
		)
		return nil, domain.ErrStaleSignal
	}

	sig := &domain.Signal{
		ID:         uuid.New().String(),
		StudentID:  raw.StudentID,
		Kind:       raw.Kind,
		Value:      value,
		Confidence: confidence,
		ObservedAt: raw.ObservedAt.UTC(),
		Source:     raw.Source,
		RecordedAt: time.Now().UTC(),
	}

	if err := n.repo.SaveSignal(ctx, sig); err != nil {
		return nil, err
	}

	return sig, nil
}

// Package worker runs the detection pipeline: normalize, recompute,
// evaluate, lifecycle, as one serialized unit per student.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/opencampus-edu/kestrel/internal/alerting"
	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
	"github.com/opencampus-edu/kestrel/internal/lifecycle"
	"github.com/opencampus-edu/kestrel/internal/scoring"
)

// lockStripes bounds lock memory while keeping cross-student collisions
// rare.
const lockStripes = 128

// Result is the outcome of one pipeline pass.
type Result struct {
	Signal     *domain.Signal         `json:"signal"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
	Alert      *domain.Alert          `json:"alert,omitempty"`
	Action     domain.AlertAction     `json:"action"`
	Case       *domain.Case           `json:"case,omitempty"`
}

// Pipeline serializes signal processing per student. Two signals for
// the same student never interleave; different students proceed
// concurrently.
type Pipeline struct {
	normalizer *ingest.Normalizer
	scorer     *scoring.Scorer
	alerts     *alerting.Manager
	cases      *lifecycle.Manager
	bus        domain.EventBus

	locks [lockStripes]sync.Mutex
}

// NewPipeline wires the pipeline stages together.
func NewPipeline(normalizer *ingest.Normalizer, scorer *scoring.Scorer, alerts *alerting.Manager, cases *lifecycle.Manager, bus domain.EventBus) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		scorer:     scorer,
		alerts:     alerts,
		cases:      cases,
		bus:        bus,
	}
}

// Process runs one raw event through the full pipeline under the
// student's stripe lock.
func (p *Pipeline) Process(ctx context.Context, raw ingest.RawEvent) (*Result, error) {
	lock := p.lockFor(raw.StudentID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	signal, err := p.normalizer.Ingest(ctx, raw)
	if err != nil {
		p.publishRejection(ctx, raw, err)
		return nil, err
	}
	p.publishActivity(ctx, domain.TopicSignalIngested, domain.ActivityEvent{
		Type:      "signal.ingested",
		StudentID: signal.StudentID,
		Detail: map[string]any{
			"kind":   string(signal.Kind),
			"value":  signal.Value,
			"source": signal.Source,
		},
	})

	assessment, err := p.scorer.Recompute(ctx, signal.StudentID)
	if err != nil {
		return nil, err
	}
	p.publishActivity(ctx, domain.TopicAssessmentComputed, domain.ActivityEvent{
		Type:      "assessment.computed",
		StudentID: assessment.StudentID,
		Detail: map[string]any{
			"score": assessment.Score,
		},
	})

	alert, action, err := p.alerts.Evaluate(ctx, assessment)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Signal:     signal,
		Assessment: assessment,
		Alert:      alert,
		Action:     action,
	}

	switch action {
	case domain.ActionOpened, domain.ActionEscalated:
		c, err := p.cases.AttachAlert(ctx, alert)
		if err != nil {
			return nil, err
		}
		result.Case = c
		p.publishActivity(ctx, domain.TopicAlertRaised, domain.ActivityEvent{
			Type:      "alert.raised",
			StudentID: alert.StudentID,
			CaseID:    c.ID,
			AlertID:   alert.ID,
			Detail: map[string]any{
				"severity": string(alert.Severity),
				"score":    alert.Score,
				"action":   string(action),
			},
		})

	case domain.ActionResolved:
		p.publishActivity(ctx, domain.TopicAlertResolved, domain.ActivityEvent{
			Type:      "alert.resolved",
			StudentID: assessment.StudentID,
			Detail: map[string]any{
				"score": assessment.Score,
			},
		})
		c, err := p.cases.AutoResolve(ctx, assessment.StudentID)
		if err != nil {
			return nil, err
		}
		result.Case = c
	}

	slog.Debug("pipeline pass complete",
		"student_id", signal.StudentID,
		"kind", signal.Kind,
		"score", assessment.Score,
		"action", action,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// EscalateOverdue handles a case that blew its SLA deadline: the
// highest open alert moves up one bucket and the case absorbs the new
// severity, under the same per-student serialization as Process.
func (p *Pipeline) EscalateOverdue(ctx context.Context, studentID, caseID string) error {
	lock := p.lockFor(studentID)
	lock.Lock()
	defer lock.Unlock()

	alert, action, err := p.alerts.EscalateOverdue(ctx, caseID)
	if err != nil {
		return err
	}
	if action != domain.ActionEscalated {
		return nil
	}

	c, err := p.cases.AttachAlert(ctx, alert)
	if err != nil {
		return err
	}

	p.publishActivity(ctx, domain.TopicAlertRaised, domain.ActivityEvent{
		Type:      "alert.raised",
		StudentID: alert.StudentID,
		CaseID:    c.ID,
		AlertID:   alert.ID,
		Detail: map[string]any{
			"severity": string(alert.Severity),
			"score":    alert.Score,
			"action":   string(action),
			"reason":   "sla_overdue",
		},
	})
	return nil
}

// Submit runs Process for callers that only care about failure, such
// as the predictor and the async worker.
func (p *Pipeline) Submit(ctx context.Context, raw ingest.RawEvent) error {
	_, err := p.Process(ctx, raw)
	// A duplicate from a replaying producer is not a failure.
	if errors.Is(err, domain.ErrDuplicateSignal) {
		return nil
	}
	return err
}

func (p *Pipeline) lockFor(studentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(studentID))
	return &p.locks[h.Sum32()%lockStripes]
}

func (p *Pipeline) publishRejection(ctx context.Context, raw ingest.RawEvent, cause error) {
	p.publishActivity(ctx, domain.TopicSignalRejected, domain.ActivityEvent{
		Type:      "signal.rejected",
		StudentID: raw.StudentID,
		Detail: map[string]any{
			"kind":   string(raw.Kind),
			"source": raw.Source,
			"reason": cause.Error(),
		},
	})
}

func (p *Pipeline) publishActivity(ctx context.Context, topic string, event domain.ActivityEvent) {
	if p.bus == nil {
		return
	}
	event.At = time.Now().UnixMilli()
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish activity event",
			"topic", topic, "error", err)
	}
}

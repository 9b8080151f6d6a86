package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opencampus-edu/kestrel/internal/domain"
	"github.com/opencampus-edu/kestrel/internal/ingest"
)

// Worker consumes raw signals from the EventBus and feeds them through
// the pipeline. Bulk producers publish to the received topic instead of
// calling the API per signal. It also consumes overdue events from the
// SLA sweeper and turns them into escalation proposals.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates an async signal worker.
func NewWorker(bus domain.EventBus, pipeline *Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the raw signal and overdue topics.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicSignalReceived, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	overdueSub, err := w.bus.Subscribe(w.ctx, domain.TopicCaseOverdue, w.handleOverdue)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, overdueSub)

	slog.Info("signal worker started",
		"topics", []string{domain.TopicSignalReceived, domain.TopicCaseOverdue})
	return nil
}

// handleMessage parses one raw signal message and runs the pipeline.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var req domain.SignalRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse signal message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	raw := ingest.RawEvent{
		StudentID:  req.StudentID,
		Kind:       domain.SignalKind(req.Kind),
		Value:      req.Value,
		ObservedAt: req.ObservedAt,
		Source:     req.Source,
	}

	if err := w.pipeline.Submit(ctx, raw); err != nil {
		slog.Warn("async signal rejected",
			"message_id", msg.ID,
			"student_id", req.StudentID,
			"kind", req.Kind,
			"error", err,
		)
		// Rejections are terminal; redelivery cannot fix them.
	}
	return nil
}

// handleOverdue parses one overdue event from the sweeper and proposes
// escalation through the pipeline.
func (w *Worker) handleOverdue(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var event domain.ActivityEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse overdue event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.StudentID == "" || event.CaseID == "" {
		return nil
	}

	if err := w.pipeline.EscalateOverdue(ctx, event.StudentID, event.CaseID); err != nil {
		slog.Warn("overdue escalation failed",
			"case_id", event.CaseID,
			"student_id", event.StudentID,
			"error", err,
		)
	}
	return nil
}

// Stop unsubscribes and waits for in-flight work.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("signal worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

// Package dispatch queues outbound notifications and delivers them
// asynchronously with bounded retry. Delivery failure never blocks or
// mutates the case that triggered the notification.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencampus-edu/kestrel/internal/domain"
)

// ErrQueueFull is returned when the delivery queue cannot accept more
// notifications.
var ErrQueueFull = errors.New("dispatch queue full")

// Dispatcher persists notifications and pushes them through the
// gateway with exponential backoff.
type Dispatcher struct {
	repo    domain.Repository
	bus     domain.EventBus
	gateway Gateway
	cfg     domain.DispatchConfig

	queue chan *domain.Notification
	stop  chan struct{}
	wg    sync.WaitGroup

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(repo domain.Repository, bus domain.EventBus, gateway Gateway, cfg domain.DispatchConfig) *Dispatcher {
	if gateway == nil {
		gateway = LogGateway{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	return &Dispatcher{
		repo:    repo,
		bus:     bus,
		gateway: gateway,
		cfg:     cfg,
		queue:   make(chan *domain.Notification, size),
		stop:    make(chan struct{}),
		sleep:   sleepCtx,
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop drains the worker and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// NotifyRequest is an outbound notification submission.
type NotifyRequest struct {
	Channel   domain.Channel `json:"channel"`
	Recipient string         `json:"recipient"`
	Payload   string         `json:"payload"`
}

// Notify records a notification against a case and enqueues it for
// asynchronous delivery. Resolved cases accept no further outreach.
func (d *Dispatcher) Notify(ctx context.Context, caseID string, req NotifyRequest) (*domain.Notification, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalidInput, req.Channel)
	}
	if req.Recipient == "" {
		return nil, fmt.Errorf("%w: empty recipient", domain.ErrInvalidInput)
	}

	c, err := d.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Stage.Terminal() {
		return nil, fmt.Errorf("%w: case %s", domain.ErrCaseResolved, caseID)
	}

	now := time.Now().UTC()
	n := &domain.Notification{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Channel:   req.Channel,
		Recipient: req.Recipient,
		Payload:   req.Payload,
		Status:    domain.NotificationQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.repo.SaveNotification(ctx, n); err != nil {
		return nil, err
	}

	select {
	case d.queue <- n:
		return n, nil
	default:
		return nil, ErrQueueFull
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case n := <-d.queue:
					d.deliver(ctx, n)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

// deliver retries through the gateway until success or MaxAttempts,
// doubling the backoff each attempt up to BackoffMax.
func (d *Dispatcher) deliver(ctx context.Context, n *domain.Notification) {
	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := d.cfg.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		n.Attempts = attempt
		lastErr = d.send(ctx, n)
		if lastErr == nil {
			n.Status = domain.NotificationSent
			n.LastError = ""
			n.UpdatedAt = time.Now().UTC()
			if err := d.repo.SaveNotification(ctx, n); err != nil {
				slog.Error("failed to persist sent notification",
					"notification_id", n.ID, "error", err)
			}
			return
		}

		slog.Warn("notification delivery attempt failed",
			"notification_id", n.ID,
			"channel", n.Channel,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < maxAttempts {
			if err := d.sleep(ctx, backoff); err != nil {
				break
			}
			backoff *= 2
			if d.cfg.BackoffMax > 0 && backoff > d.cfg.BackoffMax {
				backoff = d.cfg.BackoffMax
			}
		}
	}

	n.Status = domain.NotificationFailed
	n.LastError = lastErr.Error()
	n.UpdatedAt = time.Now().UTC()
	if err := d.repo.SaveNotification(ctx, n); err != nil {
		slog.Error("failed to persist failed notification",
			"notification_id", n.ID, "error", err)
	}

	slog.Error("notification delivery exhausted",
		"notification_id", n.ID,
		"case_id", n.CaseID,
		"channel", n.Channel,
		"attempts", n.Attempts,
		"error", lastErr,
	)
	d.publishFailure(ctx, n)
}

func (d *Dispatcher) send(ctx context.Context, n *domain.Notification) error {
	timeout := d.cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.gateway.Send(sendCtx, n)
}

func (d *Dispatcher) publishFailure(ctx context.Context, n *domain.Notification) {
	if d.bus == nil {
		return
	}
	event := domain.ActivityEvent{
		Type:   "notification.failed",
		CaseID: n.CaseID,
		Detail: map[string]any{
			"notificationId": n.ID,
			"channel":        string(n.Channel),
			"attempts":       n.Attempts,
			"error":          n.LastError,
		},
		At: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, domain.TopicNotificationFailed, payload); err != nil {
		slog.Warn("failed to publish notification failure",
			"notification_id", n.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

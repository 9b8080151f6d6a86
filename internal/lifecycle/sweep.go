package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencampus-edu/kestrel/internal/domain"
)

// Sweeper periodically scans for cases past their SLA deadline and
// publishes overdue events for the dashboards. It never mutates cases;
// overdue is a derived property.
type Sweeper struct {
	repo  domain.Repository
	bus   domain.EventBus
	cache domain.Cache
	cfg   domain.LifecycleConfig

	stop chan struct{}
	done chan struct{}
}

// NewSweeper creates an overdue sweeper.
func NewSweeper(repo domain.Repository, bus domain.EventBus, cache domain.Cache, cfg domain.LifecycleConfig) *Sweeper {
	return &Sweeper{
		repo:  repo,
		bus:   bus,
		cache: cache,
		cfg:   cfg,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("overdue sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one scan. Each overdue case publishes at most one
// event per deadline; the cache suppresses repeats across ticks.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	overdue, err := s.repo.ListCasesPastDeadline(ctx, now)
	if err != nil {
		return err
	}

	for _, c := range overdue {
		if s.alreadyReported(ctx, c) {
			continue
		}

		slog.Warn("case past SLA deadline",
			"case_id", c.ID,
			"student_id", c.StudentID,
			"severity", c.Severity,
			"stage", c.Stage,
			"deadline", c.SLADeadline,
		)

		event := domain.ActivityEvent{
			Type:      "case.overdue",
			StudentID: c.StudentID,
			CaseID:    c.ID,
			Detail: map[string]any{
				"severity": string(c.Severity),
				"stage":    string(c.Stage),
				"deadline": c.SLADeadline.Format(time.RFC3339),
			},
			At: now.UnixMilli(),
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := s.bus.Publish(ctx, domain.TopicCaseOverdue, payload); err != nil {
			slog.Warn("failed to publish overdue event", "case_id", c.ID, "error", err)
		}
	}
	return nil
}

// alreadyReported marks the (case, deadline) pair in the cache so the
// event fires once per blown deadline, not once per tick.
func (s *Sweeper) alreadyReported(ctx context.Context, c *domain.Case) bool {
	if s.cache == nil || c.SLADeadline == nil {
		return false
	}
	key := fmt.Sprintf("overdue:%s:%d", c.ID, c.SLADeadline.Unix())
	count, err := s.cache.IncrementCounter(ctx, key, 24*time.Hour)
	if err != nil {
		return false
	}
	return count > 1
}

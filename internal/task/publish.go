package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"emworker/internal/coordinator"
	"emworker/internal/logging"
	"emworker/internal/services"
)

// EventPublisher posts events for one task, retrying transient failures.
// Events for a task are serialized through a single publisher so the
// coordinator observes them in order; once a done event is accepted,
// further publishes are rejected.
type EventPublisher struct {
	client *coordinator.Client
	taskID int64
	wait   time.Duration
	// maxTries caps retries; zero retries until the context is cancelled.
	maxTries int
	logger   *slog.Logger

	mu   sync.Mutex
	done bool
}

// PublisherOption adjusts an EventPublisher.
type PublisherOption func(*EventPublisher)

// WithMaxTries bounds the number of delivery attempts per event.
func WithMaxTries(tries int) PublisherOption {
	return func(p *EventPublisher) {
		p.maxTries = tries
	}
}

// WithRetryWait sets the pause between delivery attempts.
func WithRetryWait(wait time.Duration) PublisherOption {
	return func(p *EventPublisher) {
		p.wait = wait
	}
}

// NewEventPublisher builds a publisher for the given task.
func NewEventPublisher(client *coordinator.Client, taskID int64, logger *slog.Logger, opts ...PublisherOption) *EventPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &EventPublisher{
		client: client,
		taskID: taskID,
		wait:   10 * time.Second,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers one event, retrying on transient network failures until
// it is accepted, the retry budget is exhausted, or the context ends.
// Contract errors from the coordinator are returned immediately.
func (p *EventPublisher) Publish(ctx context.Context, event coordinator.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return services.Wrap(services.ErrContract, "task", "publish",
			"event after terminal event suppressed", nil)
	}

	attempt := 0
	for {
		attempt++
		err := p.client.UpdateTask(ctx, p.taskID, event)
		if err == nil {
			if event.Done() {
				p.done = true
			}
			return nil
		}
		if !services.Retryable(err) {
			return err
		}
		if p.maxTries > 0 && attempt >= p.maxTries {
			return services.Wrap(services.ErrTimeout, "task", "publish",
				"retry budget exhausted", err)
		}

		p.logger.Warn("event delivery failed, retrying",
			logging.Int64(logging.FieldTaskID, p.taskID),
			logging.Int("attempt", attempt),
			logging.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.wait):
		}
	}
}

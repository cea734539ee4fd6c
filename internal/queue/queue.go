package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicCampaignDispatch carries one job per campaign that needs dispatching.
const TopicCampaignDispatch = "campaign_dispatch"

// Job is the payload of a dispatch request.
type Job struct {
	CampaignID string `json:"campaign_id"`
}

// Handler processes a job. A non-nil error triggers a retry.
type Handler func(ctx context.Context, job Job) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, job Job) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// InMemoryQueue runs every published job on its own goroutine, retrying
// failed handlers with linear backoff.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *zap.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		log:        log,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// jobAttempt wraps a message payload with retry info
type jobAttempt struct {
	Job        Job
	RetryCount int
	MaxRetries int
}

// Publish sends a job to all subscribers. Handlers run detached from the
// caller's context.
func (q *InMemoryQueue) Publish(_ context.Context, topic string, job Job) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	if q.ctx.Err() != nil {
		return fmt.Errorf("queue closed")
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, jobAttempt{Job: job, MaxRetries: q.maxRetries})
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job jobAttempt) {
	defer q.wg.Done()

	for job.RetryCount <= job.MaxRetries {
		err := handler(q.ctx, job.Job)
		if err == nil {
			q.log.Debug("job processed", zap.String("campaign_id", job.Job.CampaignID))
			return
		}

		job.RetryCount++
		q.log.Warn("job failed",
			zap.String("campaign_id", job.Job.CampaignID),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err))

		if job.RetryCount > job.MaxRetries {
			q.log.Error("job permanently failed", zap.String("campaign_id", job.Job.CampaignID))
			return
		}

		select {
		case <-time.After(time.Duration(job.RetryCount) * q.backoff):
		case <-q.ctx.Done():
			return
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Shutdown waits for running handlers until ctx ends, then cancels them.
func (q *InMemoryQueue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels running handlers and waits for them to return.
func (q *InMemoryQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)

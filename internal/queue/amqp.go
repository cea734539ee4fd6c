package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue maps topics onto durable RabbitMQ queues named
// "<prefix>.<topic>". Failed jobs are republished with an incremented
// x-retry-count header until MaxRetries is exceeded.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	mu         sync.Mutex
	prefix     string
	log        *zap.Logger
	MaxRetries int
	Prefetch   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAMQPQueue(url, prefix string, log *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		prefix:     prefix,
		log:        log,
		MaxRetries: 3,
		Prefetch:   4,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (q *AMQPQueue) queueName(topic string) string {
	return q.prefix + "." + topic
}

func (q *AMQPQueue) declare(topic string) (amqp.Queue, error) {
	return q.ch.QueueDeclare(
		q.queueName(topic), // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
}

func (q *AMQPQueue) Publish(_ context.Context, topic string, job Job) error {
	return q.publish(topic, job, 0)
}

func (q *AMQPQueue) publish(topic string, job Job, retries int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.declare(topic); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = q.ch.Publish(
		"",
		q.queueName(topic),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Subscribe starts consuming topic in the background. Handlers receive a
// context that is cancelled by Close.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	if err := q.ch.Qos(q.Prefetch, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("set qos: %w", err)
	}
	queue, err := q.declare(topic)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("declare queue: %w", err)
	}
	msgs, err := q.ch.Consume(
		queue.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handleDelivery(q.ctx, topic, d, handler)
		}
	}()
	return nil
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, topic string, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.log.Warn("dropping invalid job", zap.Error(err))
		d.Ack(false)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	q.log.Warn("job failed",
		zap.String("campaign_id", job.CampaignID),
		zap.Int("attempt", retries+1),
		zap.Error(err))

	if retries < q.MaxRetries {
		if perr := q.publish(topic, job, retries+1); perr != nil {
			q.log.Error("requeue failed, returning job to broker", zap.Error(perr))
			d.Nack(false, true)
			return
		}
	} else {
		q.log.Error("job permanently failed", zap.String("campaign_id", job.CampaignID))
	}
	d.Ack(false)
}

func retryCount(headers amqp.Table) int {
	switch v := headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close cancels running handlers, waits for them to return and tears down
// the connection.
func (q *AMQPQueue) Close() error {
	q.cancel()
	q.mu.Lock()
	err := q.ch.Close()
	q.mu.Unlock()
	q.wg.Wait()
	if cerr := q.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Queue = (*AMQPQueue)(nil)

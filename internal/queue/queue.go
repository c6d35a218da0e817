package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/pkg/models"
)

const (
	JobQueueName       = "transcode_jobs"
	ExchangeName       = "pipeline"
	DeadLetterQueue    = "transcode_jobs_dead"
	DeadLetterExchange = "pipeline_dead"
)

// Queue provides durable job intake over AMQP. The API process publishes
// submitted jobs; worker processes consume them into their local
// scheduler. Broker-level priority mirrors the scheduler's weights so a
// restart replays high-priority work first.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New creates a new queue client and declares the exchange and queues
func New(cfg config.QueueConfig) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{conn: conn, channel: channel}
	if err := q.declare(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(
		JobQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(10)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = q.channel.QueueBind(JobQueueName, JobQueueName, ExchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// Dead letter infrastructure for jobs that exhaust their retries.
	err = q.channel.ExchangeDeclare(
		DeadLetterExchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}

	_, err = q.channel.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	err = q.channel.QueueBind(DeadLetterQueue, DeadLetterQueue, DeadLetterExchange, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishJob publishes a transcoding job for worker pickup
func (q *Queue) PublishJob(ctx context.Context, job *models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		JobQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Priority:     uint8(models.PriorityWeight(job.Priority)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	return nil
}

// deadLetter is a permanently failed job with the reason it died.
type deadLetter struct {
	Job    *models.Job `json:"job"`
	Reason string      `json:"reason"`
	DiedAt time.Time   `json:"died_at"`
}

// PublishDeadLetter parks a job that exhausted its retries so it can be
// inspected or replayed out of band.
func (q *Queue) PublishDeadLetter(ctx context.Context, job *models.Job, reason string) error {
	body, err := json.Marshal(deadLetter{Job: job, Reason: reason, DiedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		DeadLetterExchange,
		DeadLetterQueue,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	return nil
}

// ConsumeJobs delivers published jobs to the handler until the context
// is cancelled. A handler error requeues the delivery.
func (q *Queue) ConsumeJobs(ctx context.Context, prefetch int, handler func(*models.Job) error) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		JobQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var job models.Job
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					msg.Nack(false, false)
					continue
				}

				if err := handler(&job); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// Depth returns the number of messages waiting in the job queue
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(JobQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

// DeadLetterDepth returns the number of parked jobs
func (q *Queue) DeadLetterDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect dead letter queue: %w", err)
	}

	return info.Messages, nil
}

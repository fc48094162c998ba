package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

type publishFunc func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error

// RabbitSource consumes job requests from the main queue with manual ack
type RabbitSource struct {
	client      *rabbitmq.Client
	consumerTag string
	logger      *slog.Logger
	cancel      func(consumerTag string) error
	publish     publishFunc
}

func NewRabbitSource(client *rabbitmq.Client, consumerTag string, logger *slog.Logger) *RabbitSource {
	return &RabbitSource{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
		cancel:      client.Cancel,
		publish:     client.PublishTo,
	}
}

// Run consumes until ctx is done. A lost connection is re-dialed; deliveries
// that were unacked on the old channel are redelivered by the broker.
func (s *RabbitSource) Run(ctx context.Context, handle Handler) error {
	cfg := s.client.Config()
	for {
		deliveries, err := s.client.Consume(s.consumerTag)
		if err != nil {
			return wrapTransient("start consuming", err)
		}

		s.dispatch(ctx, deliveries, handle, cfg.RetryQueueName)

		if ctx.Err() != nil {
			s.logger.Info("Message dispatcher stopped - context canceled")
			return nil
		}

		s.logger.Warn("RabbitMQ delivery channel closed, reconnecting")
		if err := s.client.Reconnect(); err != nil {
			return wrapTransient("reconnect to RabbitMQ", err)
		}
	}
}

func (s *RabbitSource) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, handle Handler, retryQueue string) {
	for {
		select {
		case <-ctx.Done():
			s.requeuePrefetched(deliveries)
			return

		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// shutdown won the race with a ready delivery
				if err := d.Nack(false, true); err != nil {
					s.logger.Warn("Failed to requeue message", slog.Any("error", err))
				}
				s.requeuePrefetched(deliveries)
				return
			}
			handle(ctx, &rabbitDelivery{
				d:          d,
				retryQueue: retryQueue,
				publish:    s.publish,
			})
		}
	}
}

// requeuePrefetched cancels the consumer and gives messages that were never
// handed out back to the queue. The broker closes deliveries once the cancel lands.
func (s *RabbitSource) requeuePrefetched(deliveries <-chan amqp.Delivery) {
	if err := s.cancel(s.consumerTag); err != nil {
		s.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
	}
	for d := range deliveries {
		if err := d.Nack(false, true); err != nil {
			break
		}
	}
}

func (s *RabbitSource) Connected() bool {
	return s.client.IsConnected()
}

func (s *RabbitSource) Close() error {
	return s.client.Close()
}

type rabbitDelivery struct {
	d          amqp.Delivery
	retryQueue string
	publish    publishFunc
}

func (r *rabbitDelivery) Body() []byte { return r.d.Body }

func (r *rabbitDelivery) Partition() string {
	return r.d.RoutingKey
}

func (r *rabbitDelivery) Attempt() int {
	return parseAttempt(r.d.Headers[HeaderAttempt])
}

// NotBefore is always zero; the retry queue TTL delays redelivery
func (r *rabbitDelivery) NotBefore() time.Time { return time.Time{} }

func (r *rabbitDelivery) Ack(context.Context) error {
	if err := r.d.Ack(false); err != nil {
		return wrapTransient("ack message", err)
	}
	return nil
}

func (r *rabbitDelivery) Retry(ctx context.Context, delay time.Duration) error {
	if r.retryQueue == "" {
		return fmt.Errorf("no retry queue configured")
	}

	headers := amqp.Table{}
	for k, v := range r.d.Headers {
		headers[k] = v
	}
	headers[HeaderAttempt] = int32(r.Attempt() + 1)

	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	msg := amqp.Publishing{
		ContentType:  r.d.ContentType,
		Body:         r.d.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(ms, 10),
		MessageId:    r.d.MessageId,
	}
	// the default exchange routes straight to the retry queue
	if err := r.publish(ctx, "", r.retryQueue, msg); err != nil {
		return wrapTransient("schedule retry", err)
	}
	return r.Ack(ctx)
}

func (r *rabbitDelivery) Release(context.Context) error {
	if err := r.d.Nack(false, true); err != nil {
		return wrapTransient("release message", err)
	}
	return nil
}

// RabbitPublisher publishes to the worker exchange with confirms
type RabbitPublisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

func NewRabbitPublisher(client *rabbitmq.Client, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{client: client, logger: logger}
}

func (p *RabbitPublisher) PublishCompletion(ctx context.Context, ev *domain.CompletionEvent) error {
	return p.publishJSON(ctx, p.client.Config().CompletedRoutingKey, ev.JobID, ev)
}

func (p *RabbitPublisher) PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	return p.publishJSON(ctx, p.client.Config().DeadLetterRoutingKey, dl.JobID, dl)
}

func (p *RabbitPublisher) PublishRequest(ctx context.Context, body []byte) error {
	cfg := p.client.Config()
	err := p.client.PublishWithRetry(ctx, cfg.ExchangeName, cfg.RoutingKey, amqp.Publishing{
		ContentType: ContentTypeJSON,
		Body:        body,
		Headers:     amqp.Table{HeaderAttempt: int32(1)},
	})
	if err != nil {
		return wrapTransient("publish request", err)
	}
	return nil
}

func (p *RabbitPublisher) publishJSON(ctx context.Context, routingKey, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", routingKey, err)
	}
	err = p.client.PublishWithRetry(ctx, p.client.Config().ExchangeName, routingKey, amqp.Publishing{
		ContentType: ContentTypeJSON,
		Body:        body,
		MessageId:   messageID,
	})
	if err != nil {
		return wrapTransient("publish "+routingKey, err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by the source
func (p *RabbitPublisher) Close() error {
	return nil
}

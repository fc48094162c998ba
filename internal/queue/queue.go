// Package queue adapts the message brokers the worker consumes from and
// publishes to. RabbitMQ and Kafka are supported.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
)

const (
	DriverRabbitMQ = "rabbitmq"
	DriverKafka    = "kafka"

	// HeaderAttempt carries the 1-based attempt number of a republished request
	HeaderAttempt = "x-attempt"
	// HeaderNotBefore holds the earliest time (unix millis) a retried request may start
	HeaderNotBefore = "x-not-before"

	ContentTypeJSON = "application/json"
)

// Delivery is one received job request. Exactly one of Ack, Retry or Release
// should be called.
type Delivery interface {
	Body() []byte
	// Partition names the ordering domain of the message, for logs and the in-flight view
	Partition() string
	Attempt() int
	// NotBefore is zero unless the broker cannot delay redelivery itself
	NotBefore() time.Time
	// Ack removes the message permanently
	Ack(ctx context.Context) error
	// Retry schedules the request again after delay with the attempt counter
	// incremented, then removes the current message
	Retry(ctx context.Context, delay time.Duration) error
	// Release gives the message back to the broker unprocessed
	Release(ctx context.Context) error
}

// Handler is called once per delivery. It blocks while the worker has no
// free capacity, which stops the source from pulling more messages.
type Handler func(ctx context.Context, d Delivery)

// Source delivers job requests
type Source interface {
	Run(ctx context.Context, handle Handler) error
	Connected() bool
	Close() error
}

// Publisher emits results and requests
type Publisher interface {
	PublishCompletion(ctx context.Context, ev *domain.CompletionEvent) error
	PublishDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	// PublishRequest puts a job request on the primary queue
	PublishRequest(ctx context.Context, body []byte) error
	Close() error
}

// parseAttempt reads an attempt header value; anything unusable counts as the first attempt
func parseAttempt(v any) int {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint8:
		n = int64(t)
	case string:
		n, _ = strconv.ParseInt(t, 10, 64)
	case []byte:
		n, _ = strconv.ParseInt(string(t), 10, 64)
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

func parseNotBefore(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatNotBefore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// requestKey is the partition key for a request body: the source identity,
// so all profiles of one source land on the same partition
func requestKey(body []byte) []byte {
	req, err := domain.ParseJobRequest(body)
	if err != nil {
		return nil
	}
	return []byte(req.SourceIdentity())
}

func unsupportedDriver(driver string) error {
	return domain.NewConfigError("unsupported queue driver %q", driver)
}

func wrapTransient(op string, err error) error {
	return domain.NewRetryableError(fmt.Errorf("failed to %s: %w", op, err))
}

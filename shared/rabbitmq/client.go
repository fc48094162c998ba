package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryQueueName     string
	// Result queues bound to the exchange so completion and dead-letter
	// messages are kept until someone reads them
	CompletedQueue       string
	CompletedRoutingKey  string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
	PrefetchCount        int
	RetryAttempts        int
	RetryInterval        time.Duration
	Heartbeat            time.Duration
	ConnectionTimeout    time.Duration
	PublishRetries       int
	PublishRetryDelay    time.Duration
	PublishBackoffMult   float64
}

// Client represents a RabbitMQ client. Deliveries arrive on the consume
// channel; publishes go through a separate channel in confirm mode.
type Client struct {
	config      *Config
	logger      *slog.Logger
	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	pubChannel  *amqp.Channel
	pubMu       sync.Mutex
	isConnected atomic.Bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var (
		conn *amqp.Connection
		err  error
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	pubChannel, err := conn.Channel()
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to create publish channel: %w", err)
	}
	if err := pubChannel.Confirm(false); err != nil {
		pubChannel.Close()
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.pubChannel = pubChannel
	c.mu.Unlock()

	// Monitor connection
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.isConnected.Store(true)
	go func() {
		if amqpErr, ok := <-closeChan; ok && amqpErr != nil {
			c.logger.Warn("RabbitMQ connection lost", slog.Any("error", amqpErr))
		}
		c.mu.Lock()
		if c.conn == conn {
			c.isConnected.Store(false)
		}
		c.mu.Unlock()
	}()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("retry_queue", c.config.RetryQueueName),
	)

	return nil
}

// Reconnect drops the current connection and dials again
func (c *Client) Reconnect() error {
	c.closeChannels()
	return c.connect()
}

// setup declares exchange, queues, and bindings
func (c *Client) setup(channel *amqp.Channel) error {
	err := channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := c.declareBound(channel, c.config.QueueName, c.config.RoutingKey, nil); err != nil {
		return err
	}

	// Messages parked here expire back into the main queue through the exchange
	if c.config.RetryQueueName != "" {
		_, err = channel.QueueDeclare(
			c.config.RetryQueueName,
			c.config.QueueDurable,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange":    c.config.ExchangeName,
				"x-dead-letter-routing-key": c.config.RoutingKey,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare retry queue: %w", err)
		}
	}

	if c.config.CompletedQueue != "" {
		if err := c.declareBound(channel, c.config.CompletedQueue, c.config.CompletedRoutingKey, nil); err != nil {
			return err
		}
	}
	if c.config.DeadLetterQueue != "" {
		if err := c.declareBound(channel, c.config.DeadLetterQueue, c.config.DeadLetterRoutingKey, nil); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) declareBound(channel *amqp.Channel, queue, routingKey string, args amqp.Table) error {
	_, err := channel.QueueDeclare(
		queue,                    // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		args,                     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	err = channel.QueueBind(
		queue,                 // queue name
		routingKey,            // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// PublishTo publishes msg and waits for the broker confirm
func (c *Client) PublishTo(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	c.mu.Lock()
	pub := c.pubChannel
	c.mu.Unlock()

	c.pubMu.Lock()
	confirm, err := pub.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	c.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message for %s", routingKey)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)
	return nil
}

// PublishWithRetry publishes a message with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	delay := float64(baseDelay)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.PublishTo(ctx, exchange, routingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", routingKey),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(delay)
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			}
			delay *= backoffMult
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume starts consuming messages from the main queue with manual ack
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	if c.config.PrefetchCount > 0 {
		// per-consumer limit on unacknowledged messages
		if err := channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", c.config.PrefetchCount),
	)

	return messages, nil
}

// Cancel stops delivery to consumerTag without closing the connection
func (c *Client) Cancel(consumerTag string) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.Cancel(consumerTag, false)
}

func (c *Client) closeChannels() {
	c.isConnected.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubChannel != nil {
		c.pubChannel.Close()
		c.pubChannel = nil
	}
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubChannel != nil {
		if err := c.pubChannel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ publish channel",
				slog.Any("error", err),
			)
		}
	}
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return c.isConnected.Load() && conn != nil && !conn.IsClosed()
}

// Config returns the topology the client declared
func (c *Client) Config() *Config {
	return c.config
}

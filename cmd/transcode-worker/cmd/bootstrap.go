package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/config"
	"github.com/cuongbtq/transcode-worker/internal/dedup"
	"github.com/cuongbtq/transcode-worker/internal/encoder"
	"github.com/cuongbtq/transcode-worker/internal/gate"
	"github.com/cuongbtq/transcode-worker/internal/objectstore"
	"github.com/cuongbtq/transcode-worker/internal/queue"
	"github.com/cuongbtq/transcode-worker/internal/registry"
	"github.com/cuongbtq/transcode-worker/shared/database"
	"github.com/cuongbtq/transcode-worker/shared/logger"
	"github.com/cuongbtq/transcode-worker/shared/rabbitmq"
	"github.com/cuongbtq/transcode-worker/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initDatabase opens the metadata database
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initStore builds the object store for the configured driver
func initStore(ctx context.Context, cfg *config.StorageConfig) (objectstore.Store, error) {
	return objectstore.New(ctx, objectstore.Config{
		Driver:        cfg.Driver,
		PublicBaseURL: cfg.PublicBaseURL,
		LocalRoot:     cfg.Local.Root,
		S3: objectstore.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		},
		Minio: objectstore.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			UseSSL:    cfg.Minio.UseSSL,
			Region:    cfg.Minio.Region,
		},
	})
}

// coordination is the cross-node state: the dedup window and the node registry
type coordination struct {
	window   dedup.Window
	registry registry.Registry
	client   *goredis.Client
}

func (c *coordination) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// initCoordination uses Redis when enabled and falls back to process-local
// state, which only deduplicates redeliveries to this node
func initCoordination(cfg *config.Config, logger *slog.Logger) (*coordination, error) {
	if !cfg.Redis.Enabled {
		logger.Warn("Redis disabled, dedup window and node registry are local to this process")
		return &coordination{
			window:   dedup.NewMemoryWindow(),
			registry: registry.NewLocalRegistry(),
		}, nil
	}

	client, err := redis.NewClient(&redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &coordination{
		window:   dedup.NewRedisWindow(client, cfg.Redis.KeyPrefix),
		registry: registry.NewRedisRegistry(client, cfg.Redis.KeyPrefix, 3*cfg.Worker.HeartbeatInterval),
		client:   client,
	}, nil
}

// initEncoder resolves the hardware device once and builds the adapter
func initEncoder(ctx context.Context, cfg *config.EncoderConfig, logger *slog.Logger) (*encoder.Adapter, error) {
	runner := encoder.ExecRunner{}

	settings := encoder.HardwareSettings{
		Enabled:      cfg.Hardware.Enabled,
		Mode:         cfg.Hardware.Mode,
		DeviceType:   cfg.Hardware.DeviceType,
		RenderDevice: cfg.Hardware.RenderDevice,
		FFmpegPath:   cfg.FFmpegPath,
	}
	device, caps, err := encoder.ResolveDevice(ctx, runner, settings)
	if err != nil {
		return nil, err
	}
	if caps != nil {
		for _, d := range caps.Devices {
			logger.Debug("Hardware device probed",
				slog.String("device", d.Device),
				slog.Bool("available", d.Available),
				slog.String("reason", d.Reason),
			)
		}
	}

	var sessions *gate.Gate
	if device != "" && cfg.Hardware.MaxSessions > 0 {
		sessions = gate.New("hw_sessions", cfg.Hardware.MaxSessions)
	}

	adapter, err := encoder.NewAdapter(encoder.Config{
		FFmpegPath:   cfg.FFmpegPath,
		FFprobePath:  cfg.FFprobePath,
		Device:       device,
		RenderDevice: cfg.Hardware.RenderDevice,
		Sessions:     sessions,
		SessionWait:  cfg.Hardware.SessionWait,

		HardwareRequested: settings.Requested(),
		UnavailableReason: caps.UnavailableReason(),
	}, runner, logger)
	if err != nil {
		return nil, err
	}

	switch {
	case adapter.HardwareDevice() == "" && settings.Requested():
		logger.Warn("Hardware encoding requested but unavailable, renditions fall back to software",
			slog.String("reason", caps.UnavailableReason()),
		)
	case adapter.HardwareDevice() == "":
		logger.Info("Encoding in software")
	default:
		logger.Info("Hardware encoder selected",
			slog.String("device", adapter.HardwareDevice()),
			slog.Int("max_sessions", adapter.Sessions().Capacity()),
		)
	}
	return adapter, nil
}

// initQueue connects to the configured broker
func initQueue(cfg *config.Config, logger *slog.Logger) (queue.Source, queue.Publisher, error) {
	qc := queue.Config{
		Driver:      cfg.Queue.Driver,
		ConsumerTag: cfg.Queue.RabbitMQ.Consumer.Tag,
	}

	switch cfg.Queue.Driver {
	case queue.DriverRabbitMQ:
		rmq := &cfg.Queue.RabbitMQ
		qc.RabbitMQ = &rabbitmq.Config{
			Host:                 rmq.Host,
			Port:                 rmq.Port,
			User:                 rmq.User,
			Password:             rmq.Password,
			VHost:                rmq.VHost,
			ExchangeName:         rmq.Exchange.Name,
			ExchangeType:         rmq.Exchange.Type,
			ExchangeDurable:      rmq.Exchange.Durable,
			ExchangeAutoDelete:   rmq.Exchange.AutoDelete,
			QueueName:            rmq.Queue.Name,
			QueueDurable:         rmq.Queue.Durable,
			QueueAutoDelete:      rmq.Queue.AutoDelete,
			QueueExclusive:       rmq.Queue.Exclusive,
			RoutingKey:           rmq.RoutingKey,
			RetryQueueName:       rmq.RetryQueue,
			CompletedQueue:       rmq.Completed.Queue,
			CompletedRoutingKey:  rmq.Completed.RoutingKey,
			DeadLetterQueue:      rmq.DeadLetter.Queue,
			DeadLetterRoutingKey: rmq.DeadLetter.RoutingKey,
			PrefetchCount:        rmq.Consumer.PrefetchCount,
			RetryAttempts:        rmq.Connection.RetryAttempts,
			RetryInterval:        rmq.Connection.RetryInterval,
			Heartbeat:            rmq.Connection.Heartbeat,
			ConnectionTimeout:    rmq.Connection.ConnectionTimeout,
			PublishRetries:       rmq.Publish.RetryAttempts,
			PublishRetryDelay:    rmq.Publish.RetryInterval,
			PublishBackoffMult:   rmq.Publish.BackoffMultiplier,
		}
	case queue.DriverKafka:
		k := &cfg.Queue.Kafka
		clientID := k.ClientID
		if clientID == "" {
			clientID = cfg.Worker.NodeID
		}
		qc.Kafka = &queue.KafkaConfig{
			Brokers:         k.Brokers,
			GroupID:         k.GroupID,
			ClientID:        clientID,
			RequestTopic:    k.RequestTopic,
			CompletedTopic:  k.CompletedTopic,
			DeadLetterTopic: k.DeadLetterTopic,
			Version:         k.Version,
		}
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}

	return queue.Open(qc, logger)
}

package queue

import (
	"log/slog"

	"github.com/cuongbtq/transcode-worker/shared/rabbitmq"
)

// Config selects and configures the broker
type Config struct {
	Driver      string
	RabbitMQ    *rabbitmq.Config
	ConsumerTag string
	Kafka       *KafkaConfig
}

// Open connects to the configured broker and returns its source and publisher
func Open(cfg Config, logger *slog.Logger) (Source, Publisher, error) {
	logger = logger.With(slog.String("queue_driver", cfg.Driver))

	switch cfg.Driver {
	case DriverRabbitMQ:
		if cfg.RabbitMQ == nil {
			return nil, nil, unsupportedDriver(cfg.Driver + " without settings")
		}
		client, err := rabbitmq.NewClient(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, nil, wrapTransient("connect to RabbitMQ", err)
		}
		return NewRabbitSource(client, cfg.ConsumerTag, logger), NewRabbitPublisher(client, logger), nil

	case DriverKafka:
		if cfg.Kafka == nil {
			return nil, nil, unsupportedDriver(cfg.Driver + " without settings")
		}
		producer, err := NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		source, err := NewKafkaSource(cfg.Kafka, producer, logger)
		if err != nil {
			producer.Close()
			return nil, nil, err
		}
		return source, NewKafkaPublisher(cfg.Kafka, producer), nil

	default:
		return nil, nil, unsupportedDriver(cfg.Driver)
	}
}

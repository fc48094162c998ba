package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cuongbtq/transcode-worker/internal/domain"
)

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers         []string
	GroupID         string
	ClientID        string
	RequestTopic    string
	CompletedTopic  string
	DeadLetterTopic string
	Version         string
}

func (c *KafkaConfig) saramaConfig() (*sarama.Config, error) {
	config := sarama.NewConfig()
	if c.ClientID != "" {
		config.ClientID = c.ClientID
	}
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, domain.NewConfigError("invalid kafka version %q: %v", c.Version, err)
		}
		config.Version = v
	}
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	return config, nil
}

// NewKafkaProducer creates the sync producer shared by the source (retries) and publisher
func NewKafkaProducer(cfg *KafkaConfig) (sarama.SyncProducer, error) {
	config, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, wrapTransient("create kafka producer", err)
	}
	return producer, nil
}

// KafkaSource consumes job requests as a member of a consumer group
type KafkaSource struct {
	group     sarama.ConsumerGroup
	producer  sarama.SyncProducer
	topic     string
	logger    *slog.Logger
	connected atomic.Bool
}

func NewKafkaSource(cfg *KafkaConfig, producer sarama.SyncProducer, logger *slog.Logger) (*KafkaSource, error) {
	config, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, wrapTransient("create consumer group", err)
	}
	return &KafkaSource{
		group:    group,
		producer: producer,
		topic:    cfg.RequestTopic,
		logger:   logger,
	}, nil
}

// Run joins the group and consumes until ctx is done. Each rebalance starts a
// new session; sarama runs one ConsumeClaim per assigned partition.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) error {
	go func() {
		for err := range s.group.Errors() {
			s.logger.Error("Kafka consumer group error", slog.Any("error", err))
		}
	}()

	h := &groupHandler{source: s, handle: handle}
	for {
		if err := s.group.Consume(ctx, []string{s.topic}, h); err != nil {
			s.connected.Store(false)
			if ctx.Err() != nil {
				return nil
			}
			return wrapTransient("consume kafka messages", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *KafkaSource) Connected() bool {
	return s.connected.Load()
}

func (s *KafkaSource) Close() error {
	return s.group.Close()
}

type groupHandler struct {
	source *KafkaSource
	handle Handler
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.source.connected.Store(true)
	h.source.logger.Info("Kafka consumer group session started",
		slog.Int("generation", int(session.GenerationID())),
		slog.String("member_id", session.MemberID()),
	)
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.source.logger.Info("Kafka consumer group session ended",
		slog.Int("generation", int(session.GenerationID())),
	)
	return nil
}

// ConsumeClaim hands messages of one partition to the handler in order. Only
// the highest contiguous finished offset is committed, so a crash redelivers
// everything that was not finished.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tracker := NewOffsetTracker()
	ctx := session.Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			tracker.Add(msg.Offset)
			h.handle(ctx, &kafkaDelivery{
				msg:      msg,
				tracker:  tracker,
				mark:     session.MarkOffset,
				producer: h.source.producer,
			})
		}
	}
}

type kafkaDelivery struct {
	msg      *sarama.ConsumerMessage
	tracker  *OffsetTracker
	mark     func(topic string, partition int32, offset int64, metadata string)
	producer sarama.SyncProducer
}

func (k *kafkaDelivery) Body() []byte { return k.msg.Value }

func (k *kafkaDelivery) Partition() string {
	return k.msg.Topic + "/" + strconv.Itoa(int(k.msg.Partition))
}

func (k *kafkaDelivery) header(name string) (string, bool) {
	for _, h := range k.msg.Headers {
		if h != nil && string(h.Key) == name {
			return string(h.Value), true
		}
	}
	return "", false
}

func (k *kafkaDelivery) Attempt() int {
	v, _ := k.header(HeaderAttempt)
	return parseAttempt(v)
}

func (k *kafkaDelivery) NotBefore() time.Time {
	v, _ := k.header(HeaderNotBefore)
	return parseNotBefore(v)
}

func (k *kafkaDelivery) Ack(context.Context) error {
	if highest, advanced := k.tracker.Done(k.msg.Offset); advanced {
		// the committed offset is the next one to read
		k.mark(k.msg.Topic, k.msg.Partition, highest+1, "")
	}
	return nil
}

func (k *kafkaDelivery) Retry(ctx context.Context, delay time.Duration) error {
	headers := make([]sarama.RecordHeader, 0, len(k.msg.Headers)+2)
	for _, h := range k.msg.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case HeaderAttempt, HeaderNotBefore:
			continue
		}
		headers = append(headers, *h)
	}
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderAttempt), Value: []byte(strconv.Itoa(k.Attempt() + 1))},
		sarama.RecordHeader{Key: []byte(HeaderNotBefore), Value: []byte(formatNotBefore(time.Now().Add(delay)))},
	)

	out := &sarama.ProducerMessage{
		Topic:   k.msg.Topic,
		Value:   sarama.ByteEncoder(k.msg.Value),
		Headers: headers,
	}
	if len(k.msg.Key) > 0 {
		out.Key = sarama.ByteEncoder(k.msg.Key)
	}
	if _, _, err := k.producer.SendMessage(out); err != nil {
		return wrapTransient("schedule retry", err)
	}
	return k.Ack(ctx)
}

// Release leaves the offset unmarked; the message is read again after the
// next rebalance or restart
func (k *kafkaDelivery) Release(context.Context) error {
	return nil
}

// KafkaPublisher publishes results and requests to their topics
type KafkaPublisher struct {
	producer        sarama.SyncProducer
	requestTopic    string
	completedTopic  string
	deadLetterTopic string
}

func NewKafkaPublisher(cfg *KafkaConfig, producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{
		producer:        producer,
		requestTopic:    cfg.RequestTopic,
		completedTopic:  cfg.CompletedTopic,
		deadLetterTopic: cfg.DeadLetterTopic,
	}
}

func (p *KafkaPublisher) PublishCompletion(_ context.Context, ev *domain.CompletionEvent) error {
	return p.publishJSON(p.completedTopic, ev.JobID, ev)
}

func (p *KafkaPublisher) PublishDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	return p.publishJSON(p.deadLetterTopic, dl.JobID, dl)
}

func (p *KafkaPublisher) PublishRequest(_ context.Context, body []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.requestTopic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderAttempt), Value: []byte("1")},
		},
	}
	if key := requestKey(body); key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return wrapTransient("publish request", err)
	}
	return nil
}

func (p *KafkaPublisher) publishJSON(topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content_type"), Value: []byte(ContentTypeJSON)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return wrapTransient("publish to "+topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

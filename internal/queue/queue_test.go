package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cuongbtq/transcode-worker/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsetTracker(t *testing.T) {
	tests := []struct {
		name     string
		added    []int64
		done     []int64
		wantLast int64
		wantAdv  []bool
	}{
		{
			name:     "in order",
			added:    []int64{10, 11, 12},
			done:     []int64{10, 11, 12},
			wantLast: 12,
			wantAdv:  []bool{true, true, true},
		},
		{
			name:     "gap holds the commit back",
			added:    []int64{10, 11, 12},
			done:     []int64{11, 12, 10},
			wantLast: 12,
			wantAdv:  []bool{false, false, true},
		},
		{
			name:     "sparse offsets after compaction",
			added:    []int64{5, 9, 40},
			done:     []int64{9, 5},
			wantLast: 9,
			wantAdv:  []bool{false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewOffsetTracker()
			for _, o := range tt.added {
				tr.Add(o)
			}
			var last int64
			for i, o := range tt.done {
				h, adv := tr.Done(o)
				assert.Equal(t, tt.wantAdv[i], adv, "done(%d)", o)
				if adv {
					last = h
				}
			}
			assert.Equal(t, tt.wantLast, last)
			assert.Equal(t, len(tt.added)-len(tt.done), tr.Pending())
		})
	}
}

func TestParseAttempt(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{nil, 1},
		{int32(3), 3},
		{int64(2), 2},
		{"4", 4},
		{[]byte("5"), 5},
		{"junk", 1},
		{int32(0), 1},
		{-2, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseAttempt(tt.in), "%#v", tt.in)
	}
}

func TestNotBeforeRoundTrip(t *testing.T) {
	at := time.UnixMilli(1767225600123)
	assert.True(t, at.Equal(parseNotBefore(formatNotBefore(at))))
	assert.True(t, parseNotBefore("").IsZero())
	assert.True(t, parseNotBefore("nope").IsZero())
}

func TestRequestKey(t *testing.T) {
	body := []byte(`{"bucket":"b1","key":"v.mp4","etag":"\"abc\"","profile":"h264_720p","size_bytes":1}`)
	assert.Equal(t, "b1:v.mp4:abc", string(requestKey(body)))
	assert.Nil(t, requestKey([]byte("not json")))
}

type fakeAcker struct {
	acked   []uint64
	nacked  []uint64
	requeue []bool
	err     error
}

func (f *fakeAcker) Ack(tag uint64, _ bool) error {
	f.acked = append(f.acked, tag)
	return f.err
}

func (f *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return f.err
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

func newRabbitDelivery(acker *fakeAcker, headers amqp.Table, sent *[]published, publishErr error) *rabbitDelivery {
	return &rabbitDelivery{
		d: amqp.Delivery{
			Acknowledger: acker,
			DeliveryTag:  7,
			Headers:      headers,
			Body:         []byte(`{"bucket":"b1"}`),
			ContentType:  ContentTypeJSON,
			RoutingKey:   "transcode.request",
		},
		retryQueue: "transcode.jobs.retry",
		publish: func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
			if publishErr != nil {
				return publishErr
			}
			*sent = append(*sent, published{exchange: exchange, key: key, msg: msg})
			return nil
		},
	}
}

func TestRabbitDelivery_AckAndRelease(t *testing.T) {
	acker := &fakeAcker{}
	var sent []published
	d := newRabbitDelivery(acker, nil, &sent, nil)

	assert.Equal(t, 1, d.Attempt())
	assert.True(t, d.NotBefore().IsZero())
	assert.Equal(t, "transcode.request", d.Partition())

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, []uint64{7}, acker.acked)

	require.NoError(t, d.Release(context.Background()))
	assert.Equal(t, []uint64{7}, acker.nacked)
	assert.Equal(t, []bool{true}, acker.requeue)
}

func TestRabbitDelivery_Retry(t *testing.T) {
	acker := &fakeAcker{}
	var sent []published
	d := newRabbitDelivery(acker, amqp.Table{HeaderAttempt: int32(2), "trace": "x"}, &sent, nil)

	require.NoError(t, d.Retry(context.Background(), 1500*time.Millisecond))

	require.Len(t, sent, 1)
	assert.Equal(t, "", sent[0].exchange)
	assert.Equal(t, "transcode.jobs.retry", sent[0].key)
	assert.Equal(t, "1500", sent[0].msg.Expiration)
	assert.Equal(t, int32(3), sent[0].msg.Headers[HeaderAttempt])
	assert.Equal(t, "x", sent[0].msg.Headers["trace"])
	assert.Equal(t, d.d.Body, sent[0].msg.Body)
	assert.Equal(t, []uint64{7}, acker.acked, "original is acked after the retry is confirmed")
}

func TestRabbitDelivery_RetryPublishFails(t *testing.T) {
	acker := &fakeAcker{}
	var sent []published
	d := newRabbitDelivery(acker, nil, &sent, errors.New("channel closed"))

	err := d.Retry(context.Background(), time.Second)
	require.Error(t, err)
	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)
	assert.Empty(t, acker.acked, "never ack when the retry was not published")
}

func newKafkaDelivery(t *testing.T, offset int64, headers []*sarama.RecordHeader, producer sarama.SyncProducer, tracker *OffsetTracker, marks *[]int64) *kafkaDelivery {
	t.Helper()
	tracker.Add(offset)
	return &kafkaDelivery{
		msg: &sarama.ConsumerMessage{
			Topic:     "transcode.requests",
			Partition: 2,
			Offset:    offset,
			Key:       []byte("b1:v.mp4:abc"),
			Value:     []byte(`{"bucket":"b1"}`),
			Headers:   headers,
		},
		tracker: tracker,
		mark: func(_ string, _ int32, off int64, _ string) {
			*marks = append(*marks, off)
		},
		producer: producer,
	}
}

func TestKafkaDelivery_AckCommitsContiguous(t *testing.T) {
	tracker := NewOffsetTracker()
	var marks []int64

	d1 := newKafkaDelivery(t, 100, nil, nil, tracker, &marks)
	d2 := newKafkaDelivery(t, 101, nil, nil, tracker, &marks)
	d3 := newKafkaDelivery(t, 102, nil, nil, tracker, &marks)

	assert.Equal(t, "transcode.requests/2", d1.Partition())

	require.NoError(t, d2.Ack(context.Background()))
	assert.Empty(t, marks)

	require.NoError(t, d3.Release(context.Background()))
	require.NoError(t, d1.Ack(context.Background()))
	assert.Equal(t, []int64{102}, marks, "released offset 102 stays uncommitted")
}

func TestKafkaDelivery_Retry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "transcode.requests" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "b1:v.mp4:abc" {
			return errors.New("wrong key " + string(key))
		}
		var attempt, notBefore string
		for _, h := range msg.Headers {
			switch string(h.Key) {
			case HeaderAttempt:
				attempt = string(h.Value)
			case HeaderNotBefore:
				notBefore = string(h.Value)
			}
		}
		if attempt != "3" {
			return errors.New("wrong attempt " + attempt)
		}
		ms, err := strconv.ParseInt(notBefore, 10, 64)
		if err != nil || time.UnixMilli(ms).Before(time.Now()) {
			return errors.New("not-before must be in the future")
		}
		return nil
	})
	t.Cleanup(func() { producer.Close() })

	tracker := NewOffsetTracker()
	var marks []int64
	headers := []*sarama.RecordHeader{{Key: []byte(HeaderAttempt), Value: []byte("2")}}
	d := newKafkaDelivery(t, 5, headers, producer, tracker, &marks)

	assert.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Retry(context.Background(), time.Minute))
	assert.Equal(t, []int64{6}, marks)
}

func TestKafkaDelivery_RetryProduceFails(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	t.Cleanup(func() { producer.Close() })

	tracker := NewOffsetTracker()
	var marks []int64
	d := newKafkaDelivery(t, 5, nil, producer, tracker, &marks)

	require.Error(t, d.Retry(context.Background(), time.Second))
	assert.Empty(t, marks)
	assert.Equal(t, 1, tracker.Pending())
}

func TestKafkaDelivery_NotBefore(t *testing.T) {
	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	headers := []*sarama.RecordHeader{{Key: []byte(HeaderNotBefore), Value: []byte(formatNotBefore(at))}}
	var marks []int64
	d := newKafkaDelivery(t, 1, headers, nil, NewOffsetTracker(), &marks)
	assert.True(t, at.Equal(d.NotBefore()))
}

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	cfg := &KafkaConfig{RequestTopic: "req", CompletedTopic: "done", DeadLetterTopic: "dlq"}
	p := NewKafkaPublisher(cfg, producer)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "done" {
			return errors.New("wrong topic")
		}
		value, _ := msg.Value.Encode()
		var ev domain.CompletionEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return err
		}
		if ev.JobID != "b1:v.mp4:abc:h264_720p" {
			return errors.New("wrong job id")
		}
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "dlq" {
			return errors.New("wrong topic")
		}
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "req" {
			return errors.New("wrong topic")
		}
		key, _ := msg.Key.Encode()
		if string(key) != "b1:v.mp4:abc" {
			return errors.New("request must be keyed by source identity")
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, p.PublishCompletion(ctx, &domain.CompletionEvent{JobID: "b1:v.mp4:abc:h264_720p"}))
	require.NoError(t, p.PublishDeadLetter(ctx, &domain.DeadLetter{JobRequest: domain.JobRequest{JobID: "x"}}))
	require.NoError(t, p.PublishRequest(ctx, []byte(`{"bucket":"b1","key":"v.mp4","etag":"abc","profile":"h264_720p"}`)))
	require.NoError(t, p.Close())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, _, err := Open(Config{Driver: "sqs"}, logger)
	require.Error(t, err)
	assert.True(t, domain.IsConfigurationFatal(err))

	_, _, err = Open(Config{Driver: DriverKafka}, logger)
	assert.True(t, domain.IsConfigurationFatal(err))
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx   context.Context
	marks []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, _ int32, offset int64, _ string) {
	s.marks = append(s.marks, offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestGroupHandler_ConsumeClaim(t *testing.T) {
	tests := []struct {
		name      string
		offsets   []int64
		release   map[int64]bool
		wantMarks []int64
	}{
		{
			name:      "acked messages commit in order",
			offsets:   []int64{10, 11, 12},
			wantMarks: []int64{11, 12, 13},
		},
		{
			name:      "released message holds back the commit",
			offsets:   []int64{10, 11, 12},
			release:   map[int64]bool{11: true},
			wantMarks: []int64{11},
		},
		{
			name:      "first message released commits nothing",
			offsets:   []int64{10, 11},
			release:   map[int64]bool{10: true},
			wantMarks: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(tt.offsets))}
			for _, off := range tt.offsets {
				claim.messages <- &sarama.ConsumerMessage{Topic: "transcode.requests", Partition: 1, Offset: off}
			}
			close(claim.messages)
			session := &fakeSession{ctx: context.Background()}

			var handled []int64
			h := &groupHandler{source: &KafkaSource{}, handle: func(ctx context.Context, d Delivery) {
				kd := d.(*kafkaDelivery)
				handled = append(handled, kd.msg.Offset)
				if tt.release[kd.msg.Offset] {
					require.NoError(t, d.Release(ctx))
					return
				}
				require.NoError(t, d.Ack(ctx))
			}}

			require.NoError(t, h.ConsumeClaim(session, claim))
			assert.Equal(t, tt.offsets, handled, "partition order preserved")
			assert.Equal(t, tt.wantMarks, session.marks)
		})
	}
}

func TestGroupHandler_ConsumeClaimStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	called := false
	h := &groupHandler{source: &KafkaSource{}, handle: func(context.Context, Delivery) { called = true }}

	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.False(t, called)
	assert.Empty(t, session.marks)
}

func TestRabbitSource_Dispatch(t *testing.T) {
	tests := []struct {
		name        string
		canceled    bool
		wantHandled []uint64
		wantAcked   []uint64
		wantNacked  []uint64
		wantCancel  []string
	}{
		{
			name:        "deliveries handed out until the channel closes",
			wantHandled: []uint64{1, 2, 3},
			wantAcked:   []uint64{1, 2, 3},
		},
		{
			name:       "shutdown requeues prefetched messages",
			canceled:   true,
			wantNacked: []uint64{1, 2, 3},
			wantCancel: []string{"worker-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acker := &fakeAcker{}
			deliveries := make(chan amqp.Delivery, 3)
			for tag := uint64(1); tag <= 3; tag++ {
				deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: tag}
			}
			close(deliveries)

			var canceledTags []string
			s := &RabbitSource{
				consumerTag: "worker-1",
				logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
				cancel: func(tag string) error {
					canceledTags = append(canceledTags, tag)
					return nil
				},
				publish: func(context.Context, string, string, amqp.Publishing) error { return nil },
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.canceled {
				cancel()
			}

			var handled []uint64
			s.dispatch(ctx, deliveries, func(ctx context.Context, d Delivery) {
				rd := d.(*rabbitDelivery)
				handled = append(handled, rd.d.DeliveryTag)
				assert.Equal(t, "transcode.jobs.retry", rd.retryQueue)
				require.NoError(t, d.Ack(ctx))
			}, "transcode.jobs.retry")

			assert.Equal(t, tt.wantHandled, handled)
			assert.Equal(t, tt.wantAcked, acker.acked)
			assert.Equal(t, tt.wantNacked, acker.nacked)
			for _, requeue := range acker.requeue {
				assert.True(t, requeue)
			}
			assert.Equal(t, tt.wantCancel, canceledTags)
		})
	}
}

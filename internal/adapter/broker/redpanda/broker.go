// Package redpanda implements the broker contract on Redpanda/Kafka via
// franz-go. Each queue maps to one topic; acknowledgement maps to marked
// offset commits, so a crashed worker re-receives its unacked deliveries on
// rebalance.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/celerity/internal/domain"
)

// Config carries the connection settings for the Redpanda broker adapter.
type Config struct {
	Brokers    []string
	GroupID    string
	Partitions int32
	// TopicPrefix namespaces queue topics, e.g. "celerity." turns queue
	// "celery" into topic "celerity.celery".
	TopicPrefix string
}

// Broker is the Kafka-backed message transport.
type Broker struct {
	cfg      Config
	producer *kgo.Client
	clock    domain.Clock

	mu      sync.Mutex
	pending map[string]pendingRecord
	tagSeq  int64
}

type pendingRecord struct {
	record   *kgo.Record
	consumer *kgo.Client
	queue    string
	release  func()
}

// New connects a producer client and ensures nothing else; consumer clients
// are created per Consume call so each worker gets its own group session.
func New(ctx context.Context, cfg Config, clock domain.Clock) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new: no seed brokers")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if clock == nil {
		clock = time.Now
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("op=redpanda.new ping: %w", err)
	}
	slog.Info("redpanda broker connected", slog.Any("brokers", cfg.Brokers))
	return &Broker{
		cfg:      cfg,
		producer: producer,
		clock:    clock,
		pending:  make(map[string]pendingRecord),
	}, nil
}

func (b *Broker) topic(queue string) string {
	return b.cfg.TopicPrefix + queue
}

// Publish implements domain.Broker. The message id keys the record so
// redeliveries of the same task land on the same partition.
func (b *Broker) Publish(ctx context.Context, queue string, msg domain.TaskMessage) error {
	topic := b.topic(queue)
	if err := ensureTopic(ctx, b.producer, topic, b.cfg.Partitions, 1); err != nil {
		slog.Warn("topic ensure failed, producing anyway",
			slog.String("topic", topic), slog.Any("error", err))
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish queue=%s task_id=%s: %w", queue, msg.ID, err)
	}
	key := []byte(msg.ID)
	if pk := msg.PartitionKey(); pk != "" {
		key = []byte(pk)
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "task", Value: []byte(msg.Task)},
			{Key: "task_id", Value: []byte(msg.ID)},
		},
	}
	if err := b.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.publish queue=%s task_id=%s: %w", queue, msg.ID, err)
	}
	return nil
}

// Consume implements domain.Broker. Offsets are committed only for marked
// (acked) records; prefetch bounds the deliveries held unmarked.
func (b *Broker) Consume(ctx context.Context, queues []string, prefetch int) (<-chan domain.BrokerMessage, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	topics := make([]string, len(queues))
	byTopic := make(map[string]string, len(queues))
	for i, q := range queues {
		topics[i] = b.topic(q)
		byTopic[topics[i]] = q
		if err := ensureTopic(ctx, b.producer, topics[i], b.cfg.Partitions, 1); err != nil {
			slog.Warn("topic ensure failed", slog.String("topic", topics[i]), slog.Any("error", err))
		}
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ConsumerGroup(b.cfg.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.consume group=%s: %w", b.cfg.GroupID, err)
	}

	out := make(chan domain.BrokerMessage)
	slots := make(chan struct{}, prefetch)
	go func() {
		defer close(out)
		defer consumer.Close()
		for {
			fetches := consumer.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				slog.Error("fetch error",
					slog.String("topic", topic),
					slog.Int("partition", int(partition)),
					slog.Any("error", err))
			})
			for _, record := range fetches.Records() {
				var msg domain.TaskMessage
				if err := json.Unmarshal(record.Value, &msg); err != nil {
					slog.Error("undecodable record skipped",
						slog.String("topic", record.Topic),
						slog.Any("error", err))
					consumer.MarkCommitRecords(record)
					continue
				}
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				tag := b.track(record, consumer, byTopic[record.Topic], releaseOnce(slots))
				select {
				case out <- domain.BrokerMessage{
					Message:     msg,
					DeliveryTag: tag,
					Queue:       byTopic[record.Topic],
					ReceivedAt:  b.clock(),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Broker) track(record *kgo.Record, consumer *kgo.Client, queue string, release func()) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tagSeq++
	tag := fmt.Sprintf("%s@%d@%d#%d", record.Topic, record.Partition, record.Offset, b.tagSeq)
	b.pending[tag] = pendingRecord{record: record, consumer: consumer, queue: queue, release: release}
	return tag
}

func (b *Broker) take(deliveryTag string) (pendingRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[deliveryTag]
	if ok {
		delete(b.pending, deliveryTag)
	}
	return entry, ok
}

// Ack implements domain.Broker: mark the record so its offset commits.
func (b *Broker) Ack(_ context.Context, deliveryTag string) error {
	entry, ok := b.take(deliveryTag)
	if !ok {
		return fmt.Errorf("op=redpanda.ack tag=%s: %w", deliveryTag, domain.ErrNotFound)
	}
	entry.release()
	entry.consumer.MarkCommitRecords(entry.record)
	return nil
}

// Nack implements domain.Broker. Kafka has no broker-side requeue, so a
// requeued delivery is marked and republished; a dropped one is only marked.
func (b *Broker) Nack(ctx context.Context, deliveryTag string, requeue bool) error {
	entry, ok := b.take(deliveryTag)
	if !ok {
		return fmt.Errorf("op=redpanda.nack tag=%s: %w", deliveryTag, domain.ErrNotFound)
	}
	entry.release()
	entry.consumer.MarkCommitRecords(entry.record)
	if !requeue {
		return nil
	}
	var msg domain.TaskMessage
	if err := json.Unmarshal(entry.record.Value, &msg); err != nil {
		return fmt.Errorf("op=redpanda.nack tag=%s: %w", deliveryTag, err)
	}
	return b.Publish(ctx, entry.queue, msg)
}

// Requeue implements domain.Broker: republish after delay on a timer. The
// delay is best-effort; a crash before the timer fires loses only the delay,
// not the retry, because retries are re-driven from the result backend state.
func (b *Broker) Requeue(ctx context.Context, queue string, msg domain.TaskMessage, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, queue, msg)
	}
	time.AfterFunc(delay, func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Publish(pubCtx, queue, msg); err != nil {
			slog.Error("delayed republish failed",
				slog.String("queue", queue),
				slog.String("task_id", msg.ID),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close releases the producer client.
func (b *Broker) Close() {
	b.producer.Close()
}

func releaseOnce(slots chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { <-slots }) }
}

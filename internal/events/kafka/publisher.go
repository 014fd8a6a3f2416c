// Package kafka carries patient events over Kafka with franz-go.
package kafka

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"careflow/internal/events"
	"careflow/internal/platform/config"
	platformkafka "careflow/internal/platform/kafka"
)

// Publisher produces envelopes synchronously with acks from all in-sync
// replicas. Keyed records are hash-partitioned, so one patient's events share
// a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	client, err := platformkafka.NewClient(cfg,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, env events.Envelope) (events.Position, error) {
	value, err := env.Encode()
	if err != nil {
		return events.Position{}, err
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: events.HeaderEventType, Value: []byte(env.Type)},
			{Key: events.HeaderEventID, Value: []byte(env.ID.String())},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.WarnContext(ctx, "kafka produce failed",
			"topic", p.topic,
			"event_id", env.ID.String(),
			"error", err,
		)
		return events.Position{}, events.BrokerUnavailable(err)
	}
	return events.Position{Partition: rec.Partition, Offset: rec.Offset}, nil
}

func (p *Publisher) Health(ctx context.Context) error {
	return platformkafka.Health(ctx, p.client)
}

func (p *Publisher) Close() {
	p.client.Close()
}

var _ events.Publisher = (*Publisher)(nil)

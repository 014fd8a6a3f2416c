package kafka

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"careflow/internal/events"
	"careflow/internal/platform/config"
	platformkafka "careflow/internal/platform/kafka"
)

var ErrClosed = events.ErrSourceClosed

// Source is a consumer-group member with manual commits. Offsets are Kafka's
// own; a commit stores the next offset to read.
//
// Rebalances are held off from the moment Poll returns a batch until the next
// Poll, so a batch is handled and committed by the member that owns its
// partitions. Commits that failed are retried once when their partitions are
// revoked and dropped when they are lost.
type Source struct {
	client *kgo.Client
	admin  *kadm.Client
	group  string
	topic  string
	failed *pendingCommits
}

func NewSource(cfg config.KafkaConfig, group string) (*Source, error) {
	failed := &pendingCommits{}
	client, err := platformkafka.NewClient(cfg,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			if recs := failed.take(revoked); len(recs) > 0 {
				_ = cl.CommitRecords(ctx, recs...)
			}
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			failed.take(lost)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Source{
		client: client,
		admin:  kadm.NewClient(client),
		group:  group,
		topic:  cfg.Topic,
		failed: failed,
	}, nil
}

// Poll lets any pending rebalance run, then fetches the next batch.
func (s *Source) Poll(ctx context.Context) ([]*events.Message, error) {
	s.client.AllowRebalance()
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		s.client.AllowRebalance()
		return nil, err
	}

	var msgs []*events.Message
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, toMessage(r))
	})
	if len(msgs) == 0 {
		s.client.AllowRebalance()
		var firstErr error
		fetches.EachError(func(_ string, _ int32, err error) {
			if firstErr == nil {
				firstErr = err
			}
		})
		if firstErr != nil {
			return nil, events.BrokerUnavailable(firstErr)
		}
	}
	return msgs, nil
}

func (s *Source) Commit(ctx context.Context, msgs []*events.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		recs[i] = &kgo.Record{
			Topic:       m.Topic,
			Partition:   m.Partition,
			Offset:      m.Offset,
			LeaderEpoch: m.LeaderEpoch,
		}
	}
	if err := s.client.CommitRecords(ctx, recs...); err != nil {
		s.failed.add(recs)
		return events.BrokerUnavailable(err)
	}
	s.failed.clear(recs)
	return nil
}

func (s *Source) Lag(ctx context.Context) (map[int32]int64, error) {
	lags, err := s.admin.Lag(ctx, s.group)
	if err != nil {
		return nil, events.BrokerUnavailable(err)
	}
	described, ok := lags[s.group]
	if !ok {
		return map[int32]int64{}, nil
	}
	if err := described.Error(); err != nil {
		return nil, events.BrokerUnavailable(err)
	}
	out := make(map[int32]int64)
	for p, ml := range described.Lag[s.topic] {
		out[p] = ml.Lag
	}
	return out, nil
}

func (s *Source) Close() error {
	s.client.CloseAllowingRebalance()
	return nil
}

type topicPartition struct {
	topic     string
	partition int32
}

// pendingCommits keeps the highest handled record per partition whose commit
// did not go through.
type pendingCommits struct {
	mu   sync.Mutex
	recs map[topicPartition]*kgo.Record
}

func (p *pendingCommits) add(recs []*kgo.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recs == nil {
		p.recs = make(map[topicPartition]*kgo.Record)
	}
	for _, r := range recs {
		tp := topicPartition{r.Topic, r.Partition}
		if cur, ok := p.recs[tp]; !ok || r.Offset > cur.Offset {
			p.recs[tp] = r
		}
	}
}

// clear forgets partitions a later commit has covered.
func (p *pendingCommits) clear(recs []*kgo.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range recs {
		tp := topicPartition{r.Topic, r.Partition}
		if cur, ok := p.recs[tp]; ok && cur.Offset <= r.Offset {
			delete(p.recs, tp)
		}
	}
}

// take removes and returns the records of the given partitions.
func (p *pendingCommits) take(partitions map[string][]int32) []*kgo.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*kgo.Record
	for topic, ps := range partitions {
		for _, partition := range ps {
			tp := topicPartition{topic, partition}
			if r, ok := p.recs[tp]; ok {
				out = append(out, r)
				delete(p.recs, tp)
			}
		}
	}
	return out
}

func toMessage(r *kgo.Record) *events.Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &events.Message{
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
		Key:         r.Key,
		Value:       r.Value,
		Headers:     headers,
		Timestamp:   r.Timestamp,
	}
}

var (
	_ events.Source      = (*Source)(nil)
	_ events.LagReporter = (*Source)(nil)
)

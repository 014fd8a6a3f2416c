// Package memlog is an in-process partitioned log with consumer-group offsets.
// It backs tests and single-process development; offsets are 1-based and a
// group's committed offset is the last record it finished processing.
package memlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"careflow/internal/events"
)

const (
	DefaultTopic      = "patients.events"
	defaultPartitions = 8
	defaultBatch      = 64
)

var ErrClosed = events.ErrSourceClosed

type Log struct {
	topic string
	now   func() time.Time

	mu         sync.Mutex
	partitions [][]*events.Message
	committed  map[string]map[int32]int64
	wake       chan struct{}
	down       bool
}

type Option func(*Log)

func WithTopic(topic string) Option {
	return func(l *Log) { l.topic = topic }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a log with n partitions (8 when n <= 0).
func New(n int, opts ...Option) *Log {
	if n <= 0 {
		n = defaultPartitions
	}
	l := &Log{
		topic:      DefaultTopic,
		now:        time.Now,
		partitions: make([][]*events.Message, n),
		committed:  make(map[string]map[int32]int64),
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) Partitions() int { return len(l.partitions) }

// PartitionFor maps a key to its partition with FNV-1a.
func (l *Log) PartitionFor(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(len(l.partitions)))
}

// SetAvailable toggles broker availability. While unavailable, Publish and Poll
// fail with events.ErrBrokerUnavailable.
func (l *Log) SetAvailable(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = !ok
}

func (l *Log) Publish(ctx context.Context, key string, env events.Envelope) (events.Position, error) {
	if err := ctx.Err(); err != nil {
		return events.Position{}, err
	}
	value, err := env.Encode()
	if err != nil {
		return events.Position{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return events.Position{}, events.BrokerUnavailable(errors.New("memlog: broker down"))
	}
	p := l.PartitionFor(key)
	msg := &events.Message{
		Topic:     l.topic,
		Partition: p,
		Offset:    int64(len(l.partitions[p])) + 1,
		Key:       []byte(key),
		Value:     value,
		Headers: map[string]string{
			events.HeaderEventType: string(env.Type),
			events.HeaderEventID:   env.ID.String(),
		},
		Timestamp: l.now(),
	}
	l.partitions[p] = append(l.partitions[p], msg)
	close(l.wake)
	l.wake = make(chan struct{})
	return msg.Position(), nil
}

// Head is the offset of the last record in partition p, 0 when empty.
func (l *Log) Head(p int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.partitions[p]))
}

func (l *Log) Committed(group string, p int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[group][p]
}

// Lag returns head minus committed for every non-empty partition.
func (l *Log) Lag(group string) map[int32]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	lag := make(map[int32]int64)
	for p, recs := range l.partitions {
		if len(recs) == 0 {
			continue
		}
		lag[int32(p)] = int64(len(recs)) - l.committed[group][int32(p)]
	}
	return lag
}

// Records returns a copy of partition p.
func (l *Log) Records(p int32) []events.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Message, len(l.partitions[p]))
	for i, m := range l.partitions[p] {
		out[i] = *m
	}
	return out
}

func (l *Log) commit(group string, p int32, offset int64) {
	offsets, ok := l.committed[group]
	if !ok {
		offsets = make(map[int32]int64)
		l.committed[group] = offsets
	}
	if offset > offsets[p] {
		offsets[p] = offset
	}
}

// Member is one consumer of a group. Its read position starts at the group's
// committed offsets, so joining again after a crash redelivers anything that
// was polled but not committed.
type Member struct {
	log      *Log
	group    string
	assigned []int32
	cursor   map[int32]int64
	batch    int

	closeOnce sync.Once
	closed    chan struct{}
}

type MemberOption func(*Member)

// WithPartitions restricts a member to the given partitions.
func WithPartitions(ps ...int32) MemberOption {
	return func(m *Member) { m.assigned = ps }
}

func WithBatchSize(n int) MemberOption {
	return func(m *Member) {
		if n > 0 {
			m.batch = n
		}
	}
}

// Join adds a member to group. It fails when an assigned partition does not
// exist in the log.
func (l *Log) Join(group string, opts ...MemberOption) (*Member, error) {
	m := &Member{
		log:    l,
		group:  group,
		cursor: make(map[int32]int64),
		batch:  defaultBatch,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if len(m.assigned) == 0 {
		for p := range l.partitions {
			m.assigned = append(m.assigned, int32(p))
		}
	}
	for _, p := range m.assigned {
		if p < 0 || int(p) >= len(l.partitions) {
			return nil, fmt.Errorf("memlog: partition %d out of range [0,%d)", p, len(l.partitions))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range m.assigned {
		m.cursor[p] = l.committed[group][p]
	}
	return m, nil
}

func (m *Member) Poll(ctx context.Context) ([]*events.Message, error) {
	for {
		m.log.mu.Lock()
		if m.log.down {
			m.log.mu.Unlock()
			return nil, events.BrokerUnavailable(errors.New("memlog: broker down"))
		}
		var out []*events.Message
		for _, p := range m.assigned {
			recs := m.log.partitions[p]
			from := m.cursor[p]
			to := min(from+int64(m.batch), int64(len(recs)))
			for _, msg := range recs[from:to] {
				cp := *msg
				out = append(out, &cp)
			}
			m.cursor[p] = to
		}
		wake := m.log.wake
		m.log.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		case <-wake:
		}
	}
}

func (m *Member) Commit(_ context.Context, msgs []*events.Message) error {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()
	for _, msg := range msgs {
		m.log.commit(m.group, msg.Partition, msg.Offset)
	}
	return nil
}

func (m *Member) Lag(context.Context) (map[int32]int64, error) {
	return m.log.Lag(m.group), nil
}

func (m *Member) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

var (
	_ events.Publisher   = (*Log)(nil)
	_ events.Source      = (*Member)(nil)
	_ events.LagReporter = (*Member)(nil)
)

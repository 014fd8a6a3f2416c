//go:build integration

package kafka

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"

	"careflow/internal/events"
	"careflow/internal/platform/config"
	platformkafka "careflow/internal/platform/kafka"
	"careflow/pkg/domain"
	"careflow/pkg/testutil/containers"
)

func TestPublishConsumeCommit(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.KafkaConfig{Brokers: []string{rp.Broker}, Topic: "patients.events.it", ClientID: "careflow-test"}
	adminClient, err := platformkafka.NewClient(cfg)
	require.NoError(t, err)
	defer adminClient.Close()
	_, err = kadm.NewClient(adminClient).CreateTopic(ctx, 3, 1, nil, cfg.Topic)
	require.NoError(t, err)

	pub, err := NewPublisher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Health(ctx))

	pid := domain.NewPatientID()
	var positions []events.Position
	for v := int64(1); v <= 3; v++ {
		pos, err := pub.Publish(ctx, pid.String(), events.Envelope{
			ID:         domain.NewEventID(),
			Type:       events.TypeUpdated,
			PatientID:  pid,
			Version:    v,
			Payload:    []byte(`{}`),
			ProducedAt: time.Now(),
		})
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	for _, pos := range positions[1:] {
		assert.Equal(t, positions[0].Partition, pos.Partition, "same key shares a partition")
	}

	src, err := NewSource(cfg, "analytics-it")
	require.NoError(t, err)

	var got []*events.Message
	for len(got) < 3 {
		batch, err := src.Poll(ctx)
		require.NoError(t, err)
		got = append(got, batch...)
	}
	for i, m := range got {
		env, err := events.Decode(m.Value)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), env.Version, "per-key order preserved")
		assert.Equal(t, string(events.TypeUpdated), m.Headers[events.HeaderEventType])
	}

	require.NoError(t, src.Commit(ctx, got))
	require.Eventually(t, func() bool {
		lag, err := src.Lag(ctx)
		return err == nil && lag[positions[0].Partition] == 0
	}, 10*time.Second, 200*time.Millisecond)
	require.NoError(t, src.Close())
}

func TestRebalanceWaitsForCommittedBatch(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := config.KafkaConfig{Brokers: []string{rp.Broker}, Topic: "patients.events.rebalance", ClientID: "careflow-test"}
	adminClient, err := platformkafka.NewClient(cfg)
	require.NoError(t, err)
	defer adminClient.Close()
	_, err = kadm.NewClient(adminClient).CreateTopic(ctx, 2, 1, nil, cfg.Topic)
	require.NoError(t, err)

	pub, err := NewPublisher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer pub.Close()
	sent := 0
	for range 2 {
		pid := domain.NewPatientID()
		for v := int64(1); v <= 5; v++ {
			_, err := pub.Publish(ctx, pid.String(), events.Envelope{
				ID: domain.NewEventID(), Type: events.TypeUpdated, PatientID: pid, Version: v,
				Payload: []byte(`{}`), ProducedAt: time.Now(),
			})
			require.NoError(t, err)
			sent++
		}
	}

	first, err := NewSource(cfg, "rebalance-it")
	require.NoError(t, err)
	defer first.Close()
	var batch []*events.Message
	for len(batch) == 0 {
		batch, err = first.Poll(ctx)
		require.NoError(t, err)
	}

	second, err := NewSource(cfg, "rebalance-it")
	require.NoError(t, err)
	defer second.Close()
	secondCtx, stopSecond := context.WithCancel(ctx)
	seen := make(chan []*events.Message, 16)
	go func() {
		defer close(seen)
		for secondCtx.Err() == nil {
			msgs, err := second.Poll(secondCtx)
			if err != nil {
				continue
			}
			seen <- msgs
			_ = second.Commit(secondCtx, msgs)
		}
	}()

	// the batch is still ours while the second member waits to join
	time.Sleep(2 * time.Second)
	require.NoError(t, first.Commit(ctx, batch))
	got := len(batch)

	deadline := time.After(30 * time.Second)
	for got < sent {
		pollCtx, stop := context.WithTimeout(ctx, 500*time.Millisecond)
		msgs, _ := first.Poll(pollCtx)
		stop()
		require.NoError(t, first.Commit(ctx, msgs))
		got += len(msgs)
		select {
		case msgs := <-seen:
			got += len(msgs)
		case <-deadline:
			t.Fatalf("consumed %d of %d records", got, sent)
		default:
		}
	}
	stopSecond()
	for msgs := range seen {
		got += len(msgs)
	}
	assert.Equal(t, sent, got, "each record is handled by exactly one member")
}

package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestPendingCommits(t *testing.T) {
	rec := func(partition int32, offset int64) *kgo.Record {
		return &kgo.Record{Topic: "patients.events", Partition: partition, Offset: offset}
	}
	var p pendingCommits
	p.add([]*kgo.Record{rec(0, 4), rec(0, 7), rec(1, 2)})
	p.add([]*kgo.Record{rec(0, 5)})

	// a later successful commit on partition 1 covers the failed one
	p.clear([]*kgo.Record{rec(1, 3)})
	assert.Empty(t, p.take(map[string][]int32{"patients.events": {1}}))

	got := p.take(map[string][]int32{"patients.events": {0, 2}, "other": {0}})
	if assert.Len(t, got, 1) {
		assert.Equal(t, int64(7), got[0].Offset, "highest handled offset is kept")
	}
	assert.Empty(t, p.take(map[string][]int32{"patients.events": {0}}), "taken records are forgotten")
}

func TestPendingCommits_ClearKeepsNewerFailures(t *testing.T) {
	var p pendingCommits
	p.add([]*kgo.Record{{Topic: "t", Partition: 0, Offset: 9}})
	p.clear([]*kgo.Record{{Topic: "t", Partition: 0, Offset: 3}})
	assert.Len(t, p.take(map[string][]int32{"t": {0}}), 1)
}

package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// step is one recorded outcome and what the breaker should answer.
type step struct {
	fail     bool
	fallback bool // RecordFailure: use fallback; RecordSuccess: inverse of "use primary"
	opened   bool
	closed   bool
}

func replay(t *testing.T, b *Breaker, steps []step) {
	t.Helper()
	for i, s := range steps {
		if s.fail {
			fallback, change := b.RecordFailure()
			assert.Equal(t, s.fallback, fallback, "step %d fallback", i)
			assert.Equal(t, s.opened, change.Opened, "step %d opened", i)
			continue
		}
		primary, change := b.RecordSuccess()
		assert.Equal(t, !s.fallback, primary, "step %d primary", i)
		assert.Equal(t, s.closed, change.Closed, "step %d closed", i)
	}
}

func TestBreaker(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		steps   []step
		endOpen bool
	}{
		{
			name: "publish failures open the event log circuit at the threshold",
			opts: []Option{WithFailureThreshold(3)},
			steps: []step{
				{fail: true},
				{fail: true},
				{fail: true, fallback: true, opened: true},
				{fail: true, fallback: true},
			},
			endOpen: true,
		},
		{
			name: "a success between failures restarts the count",
			opts: []Option{WithFailureThreshold(2)},
			steps: []step{
				{fail: true},
				{},
				{fail: true},
			},
		},
		{
			name: "closes after consecutive successes",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{fail: true, fallback: true, opened: true},
				{fallback: true},
				{closed: true},
				{},
			},
		},
		{
			name: "a failure while open restarts the success count",
			opts: []Option{WithFailureThreshold(1), WithSuccessThreshold(2)},
			steps: []step{
				{fail: true, fallback: true, opened: true},
				{fallback: true},
				{fail: true, fallback: true},
				{fallback: true},
			},
			endOpen: true,
		},
		{
			name: "non-positive thresholds keep the defaults",
			opts: []Option{WithFailureThreshold(0), WithSuccessThreshold(-1)},
			steps: []step{
				{fail: true}, {fail: true}, {fail: true}, {fail: true},
				{fail: true, fallback: true, opened: true},
			},
			endOpen: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("event-log", tt.opts...)
			assert.Equal(t, StateClosed, b.State())
			replay(t, b, tt.steps)
			assert.Equal(t, tt.endOpen, b.IsOpen())
		})
	}
}

func TestBreakerReset(t *testing.T) {
	b := New("event-log", WithFailureThreshold(1))
	b.RecordFailure()
	assert.Equal(t, "open", b.State().String())

	b.Reset()
	assert.Equal(t, "closed", b.State().String())
	assert.Equal(t, "event-log", b.Name())
}

package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endlessProbe(calls *atomic.Int32) Probe {
	return func(ctx context.Context) (*Progress, error) {
		calls.Add(1)
		return &Progress{Percent: 50, Status: StatusProcessing}, nil
	}
}

func TestRegistry_SecondStartCancelsFirst(t *testing.T) {
	r := NewRegistry()
	var firstCalls, secondCalls atomic.Int32

	first := r.Start(context.Background(), "import-42", endlessProbe(&firstCalls), fastOptions())
	second := r.Start(context.Background(), "import-42", endlessProbe(&secondCalls), fastOptions())
	defer second.Cancel()

	res := wait(t, first)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, second.Live())

	current, ok := r.Get("import-42")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_FinishedPollRemovesItself(t *testing.T) {
	r := NewRegistry()
	probe := func(ctx context.Context) (*Progress, error) {
		return &Progress{Percent: 100, Status: StatusCompleted}, nil
	}

	h := r.Start(context.Background(), "job-a", probe, fastOptions())
	assert.Equal(t, OutcomeCompleted, wait(t, h).Outcome)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
	_, ok := r.Get("job-a")
	assert.False(t, ok)
}

func TestRegistry_CancelledPollDoesNotEvictReplacement(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32

	first := r.Start(context.Background(), "job-b", endlessProbe(&calls), fastOptions())
	second := r.Start(context.Background(), "job-b", endlessProbe(&calls), fastOptions())
	defer second.Cancel()
	wait(t, first)

	// Give the cleanup goroutine of the first poll a chance to run.
	time.Sleep(10 * time.Millisecond)
	current, ok := r.Get("job-b")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestRegistry_CancelAndCancelAll(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32

	a := r.Start(context.Background(), "a", endlessProbe(&calls), fastOptions())
	b := r.Start(context.Background(), "b", endlessProbe(&calls), fastOptions())

	assert.True(t, r.Cancel("a"))
	assert.False(t, r.Cancel("missing"))
	assert.Equal(t, OutcomeCancelled, wait(t, a).Outcome)

	r.CancelAll()
	assert.Equal(t, OutcomeCancelled, wait(t, b).Outcome)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_JobIDDefaultsToKey(t *testing.T) {
	r := NewRegistry()
	probe := func(ctx context.Context) (*Progress, error) {
		return &Progress{Status: StatusCompleted}, nil
	}
	opts := fastOptions()
	opts.JobID = ""

	res := wait(t, r.Start(context.Background(), "settlement:bk-1", probe, opts))
	assert.Equal(t, "settlement:bk-1", res.State.JobID)
}

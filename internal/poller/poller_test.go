package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		JobID:                        "job-1",
		Interval:                     time.Millisecond,
		MaxConsecutiveErrors:         5,
		MaxConsecutiveEmptyResponses: 3,
	}
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err, "poll did not stop in time")
	return res
}

func sequenceProbe(responses ...*Progress) (Probe, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context) (*Progress, error) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			return responses[len(responses)-1], nil
		}
		return responses[n], nil
	}, &calls
}

func TestStart_ProbesImmediately(t *testing.T) {
	probed := make(chan struct{}, 1)
	probe := func(ctx context.Context) (*Progress, error) {
		probed <- struct{}{}
		return &Progress{Percent: 100, Status: StatusCompleted}, nil
	}

	opts := fastOptions()
	opts.Interval = time.Hour
	h := Start(context.Background(), probe, opts)

	select {
	case <-probed:
	case <-time.After(time.Second):
		t.Fatal("probe was not invoked immediately")
	}
	assert.Equal(t, OutcomeCompleted, wait(t, h).Outcome)
}

func TestStart_CompletesAndReportsProgress(t *testing.T) {
	probe, calls := sequenceProbe(
		&Progress{Percent: 10, Status: StatusPending},
		&Progress{Percent: 60, Status: StatusProcessing},
		&Progress{Percent: 100, Status: StatusCompleted},
	)

	var mu sync.Mutex
	var seen []int
	opts := fastOptions()
	opts.OnProgress = func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Progress)
	}

	res := wait(t, Start(context.Background(), probe, opts))

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 100, res.State.Progress)
	assert.Equal(t, StatusCompleted, res.State.Status)
	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	assert.Equal(t, []int{10, 60, 100}, seen)
	mu.Unlock()
}

func TestStart_ErrorStatusFails(t *testing.T) {
	probe, _ := sequenceProbe(
		&Progress{Percent: 30, Status: StatusProcessing},
		&Progress{Percent: 30, Status: StatusError},
	)

	res := wait(t, Start(context.Background(), probe, fastOptions()))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StatusError, res.State.Status)
}

func TestStart_StopsAfterExactlyMaxConsecutiveErrors(t *testing.T) {
	var calls atomic.Int32
	probeErr := errors.New("503 from progress endpoint")
	probe := func(ctx context.Context) (*Progress, error) {
		calls.Add(1)
		return nil, probeErr
	}

	h := Start(context.Background(), probe, fastOptions())
	res := wait(t, h)

	assert.Equal(t, OutcomeUnknown, res.Outcome, "exhausted error budget is unknown, not failure")
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, 5, res.State.ConsecutiveErrors)
	assert.ErrorIs(t, res.LastErr, probeErr)
	assert.False(t, h.Live())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(5), calls.Load(), "no probes after stopping")
}

func TestStart_SuccessResetsErrorCount(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) (*Progress, error) {
		n := calls.Add(1)
		switch {
		case n%4 == 0:
			return &Progress{Percent: int(n), Status: StatusProcessing}, nil
		case n > 20:
			return &Progress{Percent: 100, Status: StatusCompleted}, nil
		default:
			return nil, errors.New("flaky")
		}
	}

	res := wait(t, Start(context.Background(), probe, fastOptions()))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestStart_EmptyResponsesExhaustBudget(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) (*Progress, error) {
		calls.Add(1)
		return nil, nil
	}

	res := wait(t, Start(context.Background(), probe, fastOptions()))
	assert.Equal(t, OutcomeUnknown, res.Outcome)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.State.ConsecutiveEmpty)
}

func TestStart_MaxDurationTimesOut(t *testing.T) {
	probe := func(ctx context.Context) (*Progress, error) {
		return &Progress{Percent: 5, Status: StatusProcessing}, nil
	}

	opts := fastOptions()
	opts.Interval = 5 * time.Millisecond
	opts.MaxDuration = 30 * time.Millisecond

	res := wait(t, Start(context.Background(), probe, opts))
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.GreaterOrEqual(t, res.State.Attempts, 1)
}

func TestCancel_DiscardsInFlightResponse(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var progressCalls atomic.Int32

	probe := func(ctx context.Context) (*Progress, error) {
		close(entered)
		// Simulates a transport that cannot be aborted mid-flight.
		<-release
		return &Progress{Percent: 100, Status: StatusCompleted}, nil
	}

	opts := fastOptions()
	opts.OnProgress = func(State) { progressCalls.Add(1) }
	h := Start(context.Background(), probe, opts)

	<-entered
	h.Cancel()
	assert.False(t, h.Live())
	close(release)

	res := wait(t, h)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, int32(0), progressCalls.Load(), "stale response must not be acted on")
}

func TestCancel_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := func(ctx context.Context) (*Progress, error) {
		return &Progress{Status: StatusProcessing}, nil
	}

	opts := fastOptions()
	opts.Interval = time.Hour
	h := Start(ctx, probe, opts)
	cancel()

	assert.Equal(t, OutcomeCancelled, wait(t, h).Outcome)
}

func TestResultBeforeDone(t *testing.T) {
	block := make(chan struct{})
	probe := func(ctx context.Context) (*Progress, error) {
		<-block
		return nil, nil
	}
	h := Start(context.Background(), probe, fastOptions())
	assert.Equal(t, Result{}, h.Result())
	h.Cancel()
	close(block)
	wait(t, h)
	assert.Equal(t, OutcomeCancelled, h.Result().Outcome)
}

// Package poller repeatedly probes a long-running job until it reports a terminal
// status, its error or empty-response budget runs out, a deadline passes, or it is
// cancelled.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the job status reported by a probe.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Progress is one probe response.
type Progress struct {
	Percent int    `json:"progress"`
	Status  Status `json:"status"`
}

// Probe checks the job once. A nil Progress with a nil error is an empty response.
type Probe func(ctx context.Context) (*Progress, error)

// Outcome is how a poll ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeUnknown means the job could not be observed; it is not a failure.
	OutcomeUnknown   Outcome = "unknown"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// State is the in-memory progress of one poll.
type State struct {
	JobID             string
	Progress          int
	Status            Status
	ConsecutiveErrors int
	ConsecutiveEmpty  int
	Attempts          int
}

// Result is reported once the poll stops.
type Result struct {
	Outcome Outcome
	State   State
	// LastErr is the most recent probe error, if any.
	LastErr error
}

// Options configures a poll. Zero values fall back to DefaultOptions.
type Options struct {
	JobID                        string
	Interval                     time.Duration
	MaxConsecutiveErrors         int
	MaxConsecutiveEmptyResponses int
	// MaxDuration is optional; zero means no deadline.
	MaxDuration time.Duration
	OnProgress  func(State)
	Logger      logrus.FieldLogger
}

const (
	DefaultInterval                     = 2 * time.Second
	DefaultMaxConsecutiveErrors         = 5
	DefaultMaxConsecutiveEmptyResponses = 10
)

// DefaultOptions returns the bounded policy used for background jobs.
func DefaultOptions() Options {
	return Options{
		Interval:                     DefaultInterval,
		MaxConsecutiveErrors:         DefaultMaxConsecutiveErrors,
		MaxConsecutiveEmptyResponses: DefaultMaxConsecutiveEmptyResponses,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.MaxConsecutiveEmptyResponses <= 0 {
		o.MaxConsecutiveEmptyResponses = DefaultMaxConsecutiveEmptyResponses
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = l
	}
	return o
}

// Handle controls one running poll. It owns exactly one timer.
type Handle struct {
	live   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Start probes immediately and then on every interval until the poll stops.
func Start(ctx context.Context, probe Probe, opts Options) *Handle {
	h, run := newHandle(ctx, probe, opts)
	go run()
	return h
}

func newHandle(ctx context.Context, probe Probe, opts Options) (*Handle, func()) {
	opts = opts.withDefaults()
	var (
		pollCtx context.Context
		cancel  context.CancelFunc
	)
	if opts.MaxDuration > 0 {
		pollCtx, cancel = context.WithTimeout(ctx, opts.MaxDuration)
	} else {
		pollCtx, cancel = context.WithCancel(ctx)
	}
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	h.live.Store(true)
	return h, func() { h.run(pollCtx, probe, opts) }
}

// Cancel stops the poll. A probe already in flight completes but its response is ignored.
func (h *Handle) Cancel() {
	h.live.Store(false)
	h.cancel()
}

// Live reports whether the poll is still watching.
func (h *Handle) Live() bool { return h.live.Load() }

// Done is closed when the poll stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the final result. It is only meaningful after Done is closed.
func (h *Handle) Result() Result {
	select {
	case <-h.done:
		return h.result
	default:
		return Result{}
	}
}

// Wait blocks until the poll stops or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) run(ctx context.Context, probe Probe, opts Options) {
	defer close(h.done)
	defer h.cancel()

	log := opts.Logger.WithField("job_id", opts.JobID)
	state := State{JobID: opts.JobID, Status: StatusPending}
	var lastErr error

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.finish(h.stopOutcome(ctx), state, lastErr)
			return
		case <-timer.C:
		}

		p, err := probe(ctx)
		state.Attempts++

		// Stale response after Cancel or deadline.
		if !h.live.Load() || ctx.Err() != nil {
			h.finish(h.stopOutcome(ctx), state, lastErr)
			return
		}

		switch {
		case err != nil:
			lastErr = err
			state.ConsecutiveErrors++
			state.ConsecutiveEmpty = 0
			log.WithError(err).WithField("consecutive_errors", state.ConsecutiveErrors).Debug("probe failed")
			if state.ConsecutiveErrors >= opts.MaxConsecutiveErrors {
				log.Warn("error budget exhausted, no longer watching")
				h.finish(OutcomeUnknown, state, lastErr)
				return
			}
		case p == nil:
			state.ConsecutiveEmpty++
			state.ConsecutiveErrors = 0
			if state.ConsecutiveEmpty >= opts.MaxConsecutiveEmptyResponses {
				log.Warn("empty response budget exhausted, no longer watching")
				h.finish(OutcomeUnknown, state, lastErr)
				return
			}
		default:
			state.ConsecutiveErrors = 0
			state.ConsecutiveEmpty = 0
			state.Progress = clampPercent(p.Percent)
			state.Status = p.Status
			if opts.OnProgress != nil {
				opts.OnProgress(state)
			}
			switch p.Status {
			case StatusCompleted:
				state.Progress = 100
				h.finish(OutcomeCompleted, state, nil)
				return
			case StatusError:
				h.finish(OutcomeFailed, state, lastErr)
				return
			}
		}

		timer.Reset(opts.Interval)
	}
}

func (h *Handle) stopOutcome(ctx context.Context) Outcome {
	if h.live.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return OutcomeTimedOut
	}
	return OutcomeCancelled
}

func (h *Handle) finish(outcome Outcome, state State, lastErr error) {
	h.live.Store(false)
	h.result = Result{Outcome: outcome, State: state, LastErr: lastErr}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

package poller

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry keeps at most one live poll per job key.
type Registry struct {
	polls *xsync.MapOf[string, *Handle]
}

func NewRegistry() *Registry {
	return &Registry{polls: xsync.NewMapOf[string, *Handle]()}
}

// Start begins a poll for key, cancelling any poll already running for it.
func (r *Registry) Start(ctx context.Context, key string, probe Probe, opts Options) *Handle {
	if opts.JobID == "" {
		opts.JobID = key
	}
	h, run := newHandle(ctx, probe, opts)
	if prev, loaded := r.polls.LoadAndStore(key, h); loaded {
		prev.Cancel()
	}
	go run()
	go func() {
		<-h.Done()
		// Remove only if a newer poll has not replaced this one.
		r.polls.Compute(key, func(cur *Handle, loaded bool) (*Handle, bool) {
			return cur, !loaded || cur == h
		})
	}()
	return h
}

// Get returns the live poll for key, if any.
func (r *Registry) Get(key string) (*Handle, bool) {
	h, ok := r.polls.Load(key)
	if !ok || !h.Live() {
		return nil, false
	}
	return h, true
}

// Cancel stops the poll for key. It reports whether one was running.
func (r *Registry) Cancel(key string) bool {
	h, ok := r.polls.LoadAndDelete(key)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// CancelAll stops every poll.
func (r *Registry) CancelAll() {
	r.polls.Range(func(key string, h *Handle) bool {
		h.Cancel()
		r.polls.Delete(key)
		return true
	})
}

// Len is the number of tracked polls.
func (r *Registry) Len() int {
	return r.polls.Size()
}

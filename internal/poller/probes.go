package poller

import "context"

// JobSource reports background job progress. A nil Progress means the source had
// nothing to say yet.
type JobSource interface {
	GetBackgroundJobProgress(ctx context.Context, jobID string) (*Progress, error)
}

// JobProbe adapts a JobSource into a Probe for one job.
func JobProbe(src JobSource, jobID string) Probe {
	return func(ctx context.Context) (*Progress, error) {
		return src.GetBackgroundJobProgress(ctx, jobID)
	}
}

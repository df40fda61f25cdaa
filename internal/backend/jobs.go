package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/buildtall-systems/rentdesk/internal/poller"
)

// GetBackgroundJobProgress reads a job's progress from the side endpoint. A 204 or empty
// body is returned as (nil, nil), which the poller counts as an empty response.
func (c *Client) GetBackgroundJobProgress(ctx context.Context, jobID string) (*poller.Progress, error) {
	var p poller.Progress
	// The poller has its own error budget, so a single attempt per probe.
	err := c.do(ctx, "get job progress", http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/progress", nil, nil, &p)
	if errors.Is(err, errEmptyBody) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status == "" {
		return nil, nil
	}
	return &p, nil
}

// JobProbe adapts GetBackgroundJobProgress into a poller probe.
func (c *Client) JobProbe(jobID string) poller.Probe {
	return poller.JobProbe(c, jobID)
}

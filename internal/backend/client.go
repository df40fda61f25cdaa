// Package backend is the REST client for the rental backend that owns bookings and
// brokers payments.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/buildtall-systems/rentdesk/internal/booking"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultReadRetries = 3
	defaultRetryDelay  = 500 * time.Millisecond
	maxErrorBody       = 4 << 10
)

// errEmptyBody marks a successful response that carried no JSON body.
var errEmptyBody = errors.New("empty response body")

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// ReadRetries is how many times a failed GET is retried on network errors.
	ReadRetries uint64
	RetryDelay  time.Duration
	Logger      logrus.FieldLogger
}

// Client talks to the rental backend. Only reads are retried; writes that move money
// or change status are attempted once.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	readRetries uint64
	retryDelay  time.Duration
	logger      logrus.FieldLogger
}

// NewClient creates a backend client with reasonable defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := NewClientWithHTTP(cfg.BaseURL, cfg.APIToken, &http.Client{Timeout: timeout})
	if cfg.ReadRetries > 0 {
		c.readRetries = cfg.ReadRetries
	}
	if cfg.RetryDelay > 0 {
		c.retryDelay = cfg.RetryDelay
	}
	if cfg.Logger != nil {
		c.logger = cfg.Logger
	}
	return c, nil
}

// NewClientWithHTTP creates a client with a custom http.Client (for testing).
func NewClientWithHTTP(baseURL, token string, hc *http.Client) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  hc,
		readRetries: defaultReadRetries,
		retryDelay:  defaultRetryDelay,
		logger:      logrus.StandardLogger(),
	}
}

// SetRetryPolicy overrides how failed reads are retried.
func (c *Client) SetRetryPolicy(retries uint64, delay time.Duration) {
	c.readRetries = retries
	if delay > 0 {
		c.retryDelay = delay
	}
}

// read performs a GET, retrying network errors with a constant backoff.
func (c *Client) read(ctx context.Context, op, path string, out any) error {
	b := retry.WithMaxRetries(c.readRetries, retry.NewConstant(c.retryDelay))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, op, http.MethodGet, path, nil, nil, out)
		var netErr *booking.NetworkError
		if errors.As(err, &netErr) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
			}).Debug("backend read failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

// write performs a single non-retried request.
func (c *Client) write(ctx context.Context, op, method, path string, headers map[string]string, body, out any) error {
	return c.do(ctx, op, method, path, headers, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &booking.NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %s", ErrNotFound, op, msg)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &booking.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
		default:
			return fmt.Errorf("%w: %s: HTTP %d: %s", ErrRequestRejected, op, resp.StatusCode, msg)
		}
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return errEmptyBody
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, op, err)
	}
	return nil
}

// readErrorMessage extracts {"error": "..."} from an error body, or the raw text.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "no response body"
	}
	return text
}

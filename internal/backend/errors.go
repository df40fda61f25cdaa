package backend

import "errors"

// ErrNotFound indicates the backend has no such booking, session or job.
var ErrNotFound = errors.New("backend resource not found")

// ErrRequestRejected indicates the backend refused the request (4xx other than 404).
var ErrRequestRejected = errors.New("backend rejected request")

// ErrInvalidResponse indicates a response body that could not be decoded or is incomplete.
var ErrInvalidResponse = errors.New("invalid backend response")

// ErrMissingBaseURL indicates the client was configured without a backend URL.
var ErrMissingBaseURL = errors.New("backend base URL is required")

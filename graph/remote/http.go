package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPScheduler talks to a batch service over a small REST protocol:
//
//	POST   {base}/jobs        body: JobSpec       -> 201 {"id": "..."}
//	GET    {base}/jobs/{id}                       -> 200 JobStatus
//	DELETE {base}/jobs/{id}                       -> 2xx
//
// A 409 or 5xx answer to POST rejects the submission; a 404 answer to GET
// means the service lost the job. Submissions carry the job key in the
// Idempotency-Key header so the service can drop duplicates.
type HTTPScheduler struct {
	base   string
	client *http.Client
	header http.Header
}

// HTTPOption configures an HTTPScheduler.
type HTTPOption func(*HTTPScheduler)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPScheduler) { s.client = c }
}

// WithHeader adds a header to every request, for example Authorization.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPScheduler) { s.header.Set(key, value) }
}

// NewHTTPScheduler returns a scheduler for the service at baseURL.
func NewHTTPScheduler(baseURL string, opts ...HTTPOption) (*HTTPScheduler, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid scheduler url %q", baseURL)
	}
	s := &HTTPScheduler{
		base: strings.TrimRight(baseURL, "/"),
		// Timeout handled via context
		client: &http.Client{},
		header: http.Header{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements Scheduler.
func (s *HTTPScheduler) Name() string { return "http" }

// Submit implements Scheduler.
func (s *HTTPScheduler) Submit(ctx context.Context, spec JobSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	resp, err := s.do(ctx, http.MethodPost, s.base+"/jobs", bytes.NewReader(body), spec.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %v", ErrSubmitRejected, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("%w: %s: %s", ErrSubmitRejected, resp.Status, strings.TrimSpace(string(data)))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.ID == "" {
		return "", fmt.Errorf("%w: response carries no job id", ErrSubmitRejected)
	}
	return created.ID, nil
}

// Poll implements Scheduler.
func (s *HTTPScheduler) Poll(ctx context.Context, id string) (JobStatus, error) {
	resp, err := s.do(ctx, http.MethodGet, s.jobURL(id), nil, "")
	if err != nil {
		return JobStatus{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return JobStatus{State: StateLost}, fmt.Errorf("%w: %s unknown to %s", ErrJobLost, id, s.base)
	case resp.StatusCode != http.StatusOK:
		return JobStatus{}, fmt.Errorf("poll %s: %s", id, resp.Status)
	}

	var st JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return JobStatus{}, fmt.Errorf("failed to decode job status: %w", err)
	}
	switch st.State {
	case StatePending, StateRunning, StateDone, StateLost:
	default:
		return JobStatus{}, fmt.Errorf("poll %s: unknown state %q", id, st.State)
	}
	return st, nil
}

// Cancel implements Scheduler. Cancelling a job the service no longer
// knows succeeds.
func (s *HTTPScheduler) Cancel(ctx context.Context, id string) error {
	resp, err := s.do(ctx, http.MethodDelete, s.jobURL(id), nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("cancel %s: %s", id, resp.Status)
	}
	return nil
}

func (s *HTTPScheduler) jobURL(id string) string {
	return s.base + "/jobs/" + url.PathEscape(id)
}

func (s *HTTPScheduler) do(ctx context.Context, method, target string, body io.Reader, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

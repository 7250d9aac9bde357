// Package client is a typed HTTP client for the prediction service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cnpem/boltz-slurm/internal/files"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/pkg/backoff"
)

// DefaultServer is the service address used when none is configured.
const DefaultServer = "http://localhost:6969"

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one service instance.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	retry   backoff.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how GET requests are retried when the service is
// unreachable or answers 429, 502, 503 or 504. Other requests are never
// retried.
func WithRetry(p backoff.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 60 * time.Second},
		retry:   backoff.Policy{Attempts: 3},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit sends a prediction request.
func (c *Client) Submit(ctx context.Context, req *job.Request) (*job.SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.SubmitRaw(ctx, body)
}

// SubmitRaw sends an already encoded JSON prediction request.
func (c *Client) SubmitRaw(ctx context.Context, body []byte) (*job.SubmitResponse, error) {
	var resp job.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/predict", "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns job summaries, newest first.
func (c *Client) List(ctx context.Context) ([]job.Summary, error) {
	var resp job.ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Get returns one job.
func (c *Client) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), "", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Results returns a job and, once completed, its normalized results.
func (c *Client) Results(ctx context.Context, jobID string) (*job.ResultsResponse, error) {
	var resp job.ResultsResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/results", "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Wait polls a job every interval until it reaches a terminal status or
// ctx is done. onPoll, when set, sees every observed state.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration, onPoll func(*job.Job)) (*job.Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *job.Job
	for {
		j, err := c.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		last = j
		if onPoll != nil {
			onPoll(j)
		}
		if j.Status.IsTerminal() {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadAlignment uploads an .a3m file and returns its reference.
func (c *Client) UploadAlignment(ctx context.Context, path string) (*files.Upload, error) {
	return c.upload(ctx, "/upload_msa", path)
}

// UploadTemplate uploads a .cif or .pdb file and returns its reference.
func (c *Client) UploadTemplate(ctx context.Context, path string) (*files.Upload, error) {
	return c.upload(ctx, "/upload_template", path)
}

func (c *Client) upload(ctx context.Context, endpoint, path string) (*files.Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Stream the multipart body instead of buffering the file.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(fw, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var up files.Upload
	if err := c.do(ctx, http.MethodPost, endpoint, mw.FormDataContentType(), pr, &up); err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	return &up, nil
}

// DownloadArchive streams the tar.gz archive of a job into w.
func (c *Client) DownloadArchive(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	return c.download(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/archive", w)
}

// DownloadStructure streams the primary structure of a completed job into w.
func (c *Client) DownloadStructure(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	return c.download(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/pdb", w)
}

func (c *Client) download(ctx context.Context, path string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs a request and turns non-2xx responses into *APIError.
// GET requests are retried according to the client's retry policy.
func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if method != http.MethodGet {
		return c.sendOnce(ctx, method, path, contentType, body)
	}

	var resp *http.Response
	err := backoff.Retry(ctx, c.retry, transient, func() error {
		var err error
		resp, err = c.sendOnce(ctx, method, path, contentType, nil)
		return err
	})
	return resp, err
}

// transient reports whether a failed request may succeed if repeated.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func (c *Client) sendOnce(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}

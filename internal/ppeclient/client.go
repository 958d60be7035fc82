// Package ppeclient talks to the PPE item detector service over HTTP.
package ppeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

var (
	// ErrUnavailable covers connection failures, timeouts and non-2xx replies.
	ErrUnavailable = errors.New("ppe detector unavailable")
	// ErrMalformed covers 2xx replies whose body cannot be decoded.
	ErrMalformed = errors.New("ppe detector returned malformed response")
)

// StatusError is returned (wrapping ErrUnavailable) for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// DetectResponse is the body of POST /detect.
type DetectResponse struct {
	Detections []types.RawDetection  `json:"detections"`
	Summary    types.DetectorSummary `json:"summary,omitempty"`
}

type detectRequest struct {
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence"`
}

// Client is a PPE detector client. It is safe for concurrent use.
type Client struct {
	baseURL       string
	http          *http.Client
	healthTimeout time.Duration
	detectTimeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the probe and detect timeouts.
func WithTimeouts(health, detect time.Duration) Option {
	return func(c *Client) {
		if health > 0 {
			c.healthTimeout = health
		}
		if detect > 0 {
			c.detectTimeout = detect
		}
	}
}

// New returns a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{},
		healthTimeout: 5 * time.Second,
		detectTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes GET /health once. Only a 2xx reply counts as healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Detect posts an encoded image to POST /detect.
func (c *Client) Detect(ctx context.Context, image []byte, confidence float64) (*DetectResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.detectTimeout)
	defer cancel()

	body, err := json.Marshal(detectRequest{
		Image:      base64.StdEncoding.EncodeToString(image),
		Confidence: confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("encode detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out DetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Detections == nil {
		out.Detections = []types.RawDetection{}
	}
	return &out, nil
}

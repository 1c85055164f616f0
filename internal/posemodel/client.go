// Package posemodel talks to the landmark detection service that runs the
// pose model for reference videos. The model handle is an explicit
// process-wide singleton: Init before use, Shutdown on exit.
package posemodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
)

// Client calls the landmark detection service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new landmark service client
func NewClient(cfg config.PoseModelConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type uploadResponse struct {
	VideoID         string  `json:"videoId"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type detectRequest struct {
	TimestampMs int64 `json:"timestampMs"`
}

type detectResponse struct {
	Detected  bool           `json:"detected"`
	Landmarks pose.Landmarks `json:"landmarks"`
}

// Health checks that the model is loaded and serving.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.CapabilityUnavailable("pose model unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.CapabilityUnavailable("pose model not ready", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// OpenVideo uploads a video for decoding and returns a seekable source.
func (c *Client) OpenVideo(ctx context.Context, body io.Reader, contentType string) (*RemoteVideo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/videos", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.DurationSeconds <= 0 {
		return nil, errors.Input("video has no playable duration")
	}
	return &RemoteVideo{
		client:   c,
		ID:       out.VideoID,
		duration: time.Duration(out.DurationSeconds * float64(time.Second)),
	}, nil
}

func (c *Client) detect(ctx context.Context, videoID string, at time.Duration) (pose.Landmarks, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(detectRequest{TimestampMs: at.Milliseconds()})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/videos/%s/pose", c.baseURL, url.PathEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out detectResponse
	if err := c.do(req, &out); err != nil {
		return nil, false, err
	}
	if !out.Detected || len(out.Landmarks) == 0 {
		return nil, false, nil
	}
	return out.Landmarks, true, nil
}

func (c *Client) closeVideo(ctx context.Context, videoID string) error {
	endpoint := fmt.Sprintf("%s/v1/videos/%s", c.baseURL, url.PathEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.CapabilityUnavailable("pose model unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Input(fmt.Sprintf("pose model rejected video: %s", bytes.TrimSpace(msg)))
	case resp.StatusCode >= 300:
		return errors.CapabilityUnavailable("pose model request failed", fmt.Errorf("status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// RemoteVideo is a video decoded by the landmark service. It satisfies
// capture.RecordedVideoSource.
type RemoteVideo struct {
	client   *Client
	ID       string
	duration time.Duration
}

// Duration returns the decoded video length.
func (v *RemoteVideo) Duration() time.Duration {
	return v.duration
}

// Detect seeks to at and runs the model on that frame.
func (v *RemoteVideo) Detect(ctx context.Context, at time.Duration) (pose.Landmarks, bool, error) {
	return v.client.detect(ctx, v.ID, at)
}

// Close discards the decoded video on the service.
func (v *RemoteVideo) Close(ctx context.Context) error {
	return v.client.closeVideo(ctx, v.ID)
}

var (
	sharedMu sync.Mutex
	shared   *Client
)

// Init installs the process-wide model client. Calling Init twice without
// Shutdown is an error.
func Init(cfg config.PoseModelConfig) (*Client, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return nil, fmt.Errorf("pose model already initialized")
	}
	if cfg.URL == "" {
		return nil, errors.CapabilityUnavailable("pose model not configured", fmt.Errorf("empty URL"))
	}
	shared = NewClient(cfg)
	return shared, nil
}

// Shared returns the installed client.
func Shared() (*Client, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil, errors.CapabilityUnavailable("pose model not initialized", fmt.Errorf("Init not called"))
	}
	return shared, nil
}

// Shutdown drops the installed client and its idle connections.
func Shutdown() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return
	}
	shared.httpClient.CloseIdleConnections()
	shared = nil
}

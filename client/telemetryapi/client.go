// Package telemetryapi posts metric events to an HTTP telemetry backend.
package telemetryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"codepercent/logger"
	"codepercent/metrics"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

// MetricsRequest is the body of a metrics post
type MetricsRequest struct {
	ClientID string          `json:"client_id"`
	Product  string          `json:"product"`
	Events   []metrics.Event `json:"events"`
}

// Product identifies this server in metrics requests
const Product = "codepercent"

// Client is the HTTP client for the telemetry endpoint
type Client struct {
	HTTPClient *http.Client
	URL        string
	ClientID   string
	UserAgent  string
}

// NewClient creates a telemetry client for url. A non-positive timeout means
// no client-side timeout.
func NewClient(url, clientID string, timeout time.Duration) *Client {
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		URL:       url,
		ClientID:  clientID,
		UserAgent: Product,
	}
}

// TrackMetrics sends events as one brotli-compressed JSON request.
func (c *Client) TrackMetrics(ctx context.Context, events []metrics.Event) error {
	defer logger.Trace("telemetryapi.TrackMetrics")()

	jsonData, err := json.Marshal(&MetricsRequest{
		ClientID: c.ClientID,
		Product:  Product,
		Events:   events,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metrics request: %w", err)
	}

	// quality 1 for speed
	var compressedBuf bytes.Buffer
	brotliWriter := brotli.NewWriterLevel(&compressedBuf, 1)
	if _, err := brotliWriter.Write(jsonData); err != nil {
		return fmt.Errorf("failed to compress metrics request: %w", err)
	}
	if err := brotliWriter.Close(); err != nil {
		return fmt.Errorf("failed to close brotli writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &compressedBuf)
	if err != nil {
		return fmt.Errorf("failed to create metrics request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Content-Encoding", "br")
	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send metrics request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("metrics request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Sender delivers events one request each on background goroutines, dropping
// events beyond its rate limit.
type Sender struct {
	client  *Client
	limiter *rate.Limiter
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewSender creates a Sender. perSecond <= 0 disables rate limiting.
func NewSender(client *Client, perSecond float64, timeout time.Duration) *Sender {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Sender{
		client:  client,
		limiter: rate.NewLimiter(limit, max(1, int(perSecond))),
		timeout: timeout,
	}
}

// SendMetric implements metrics.Sender
func (s *Sender) SendMetric(ctx context.Context, event metrics.Event) {
	if !s.limiter.Allow() {
		logger.Warn("telemetryapi: rate limit reached, dropping %s", event.Name)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// detach from the caller so a finished flush doesn't cancel delivery
		sendCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(sendCtx, s.timeout)
			defer cancel()
		}

		if err := s.client.TrackMetrics(sendCtx, []metrics.Event{event}); err != nil {
			logger.Warn("telemetryapi: failed to send %s: %v", event.Name, err)
			return
		}
		logger.Debug("telemetryapi: sent %s %s", event.Name, event.ID)
	}()
}

// Wait blocks until in-flight sends have finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

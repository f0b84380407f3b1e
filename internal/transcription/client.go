package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/skypro1111/stt-pipeline/internal/metrics"
)

// Client provides HTTP client functionality for transcription API requests
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	OutputFormat  string        // "json" or "text"
	Language      string        // sent with every request when set
	Model         string        // sent with every request when set
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
}

// Request is one utterance to transcribe
type Request struct {
	UtteranceID string
	Audio       []byte // WAV encoded
	SampleRate  int
	Duration    time.Duration
	Confidence  float32
	Prompt      string
	RequestID   string
	Timestamp   time.Time
}

// Response represents the response from the transcription API
type Response struct {
	Text        string    `json:"text"`
	Confidence  float32   `json:"confidence"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// StatusError is a non-2xx answer from the API
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Transcribe sends an utterance for transcription
func (c *Client) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := c.config.RetryBackoff << (attempt - 1)
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			timer := time.NewTimer(backoffTime)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				c.incrementFailedRequests(time.Since(startTime))
				return nil, ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, request)
		if err == nil {
			c.incrementSuccessRequests(time.Since(startTime))
			return response, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests(time.Since(startTime))
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, request *Request) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "stt-pipeline/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var transcriptionResp Response
	if c.config.OutputFormat == "text" {
		transcriptionResp.Text = string(bytes.TrimSpace(respBody))
	} else if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	transcriptionResp.ProcessedAt = time.Now()

	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request *Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if len(request.Audio) > 0 {
		fileWriter, err := writer.CreateFormFile("file", request.UtteranceID+".wav")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}

		if _, err := fileWriter.Write(request.Audio); err != nil {
			return nil, "", fmt.Errorf("failed to write audio data: %w", err)
		}
	}

	fields := [][2]string{
		{"utterance_id", request.UtteranceID},
		{"sample_rate", strconv.Itoa(request.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", request.Duration.Seconds())},
		{"confidence", fmt.Sprintf("%.3f", request.Confidence)},
		{"request_id", request.RequestID},
		{"request_timestamp", request.Timestamp.Format(time.RFC3339)},
		{"response_format", c.config.OutputFormat},
	}
	if c.config.Language != "" {
		fields = append(fields, [2]string{"language", c.config.Language})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}
	if request.Prompt != "" {
		fields = append(fields, [2]string{"prompt", request.Prompt})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError reports whether err is a timeout, a network failure, a
// rate limit or a server error
func isRetryableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTranscriptionRequest()
	}
}

func (c *Client) incrementSuccessRequests(responseTime time.Duration) {
	c.mu.Lock()
	c.successRequests++
	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTranscriptionSuccess(responseTime.Seconds())
	}
}

func (c *Client) incrementFailedRequests(responseTime time.Duration) {
	c.mu.Lock()
	c.failedRequests++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTranscriptionFailure(responseTime.Seconds())
	}
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	c.totalRetries++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTranscriptionRetry()
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for active requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/recovery"
)

// maxErrorBody caps how much of an error response ends up in messages.
const maxErrorBody = 512

// Endpoint configures one HTTP worker.
type Endpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// HTTPWorker implements Worker by posting the request as JSON.
type HTTPWorker struct {
	name       string
	endpoint   string
	headers    map[string]string
	httpClient *http.Client

	mu             sync.RWMutex
	health         HealthStatus
	totalLatency   time.Duration
	successCount   int
	failureCount   int
	throttledUntil time.Time
}

type response struct {
	Content      domain.Content      `json:"content"`
	Valid        *bool               `json:"valid"`
	QualityScore float64             `json:"quality_score"`
	Declares     domain.Declarations `json:"declares"`
	Error        *responseError      `json:"error"`
}

type responseError struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// NewHTTPWorker creates a worker for ep.
func NewHTTPWorker(ep Endpoint) *HTTPWorker {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPWorker{
		name:     ep.Name,
		endpoint: ep.URL,
		headers:  ep.Headers,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Name:          ep.Name,
			Available:     true,
			LastSuccessAt: time.Now(),
		},
	}
}

// Name returns the worker identity.
func (w *HTTPWorker) Name() string {
	return w.name
}

// Execute posts req and decodes the produced output.
func (w *HTTPWorker) Execute(ctx context.Context, req Request) (domain.StageOutput, error) {
	start := time.Now()

	if wait := w.retryAfter(); wait > 0 {
		return domain.StageOutput{}, recovery.WithKind(domain.ErrorKindAPIRateLimit,
			fmt.Errorf("worker %s rate limited, retry after %s", w.name, wait))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		w.recordFailure()
		return domain.StageOutput{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		w.recordFailure()
		return domain.StageOutput{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		w.recordFailure()
		return domain.StageOutput{}, transportError(w.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.recordFailure()
		return domain.StageOutput{}, recovery.WithKind(domain.ErrorKindNetwork,
			fmt.Errorf("worker %s connection dropped: %w", w.name, err))
	}

	if resp.StatusCode != http.StatusOK {
		w.recordFailure()
		return domain.StageOutput{}, w.statusError(resp, body)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		w.recordFailure()
		return domain.StageOutput{}, recovery.WithKind(domain.ErrorKindAPIInvalidResponse,
			fmt.Errorf("worker %s returned undecodable body: %w", w.name, err))
	}

	if out.Error != nil {
		w.recordFailure()
		err := fmt.Errorf("worker %s: %s", w.name, out.Error.Message)
		if out.Error.Kind.IsValid() {
			return domain.StageOutput{}, recovery.WithKind(out.Error.Kind, err)
		}
		return domain.StageOutput{}, err
	}

	w.recordSuccess(time.Since(start))

	valid := true
	if out.Valid != nil {
		valid = *out.Valid
	}
	if out.Content.Kind == "" {
		out.Content.Kind = domain.ContentText
	}
	return domain.StageOutput{
		Stage:        req.Stage,
		Worker:       w.name,
		Content:      out.Content,
		Valid:        valid,
		QualityScore: out.QualityScore,
		Declares:     out.Declares,
	}, nil
}

// statusError tags a non-200 response with the error kind it stands for.
func (w *HTTPWorker) statusError(resp *http.Response, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		w.recordThrottle(wait)
		return recovery.WithKind(domain.ErrorKindAPIRateLimit,
			fmt.Errorf("worker %s rate limited (429): too many requests, retry after %s", w.name, wait))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return recovery.WithKind(domain.ErrorKindAuthentication,
			fmt.Errorf("worker %s unauthorized (%d): %s", w.name, code, text))
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return recovery.WithKind(domain.ErrorKindAPITimeout,
			fmt.Errorf("worker %s timeout (%d)", w.name, code))
	case code == http.StatusUnprocessableEntity:
		return recovery.WithKind(domain.ErrorKindFormatValidation,
			fmt.Errorf("worker %s output failed validation (422): %s", w.name, text))
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable:
		return recovery.WithKind(domain.ErrorKindNetwork,
			fmt.Errorf("worker %s unavailable (%d): %s", w.name, code, text))
	default:
		return recovery.WithKind(domain.ErrorKindAPIInvalidResponse,
			fmt.Errorf("worker %s http %d: %s", w.name, code, text))
	}
}

func transportError(name string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return recovery.WithKind(domain.ErrorKindAPITimeout,
			fmt.Errorf("worker %s timeout: %w", name, err))
	}
	return recovery.WithKind(domain.ErrorKindNetwork,
		fmt.Errorf("worker %s connection failed: %w", name, err))
}

// parseRetryAfter reads delta-seconds or an HTTP date, defaulting to one minute.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return time.Minute
}

// Health returns the worker's health status.
func (w *HTTPWorker) Health() HealthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.health
}

// Close cleans up resources.
func (w *HTTPWorker) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}

func (w *HTTPWorker) retryAfter() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Until(w.throttledUntil)
}

func (w *HTTPWorker) recordThrottle(wait time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.Throttled++
	w.throttledUntil = time.Now().Add(wait)
}

func (w *HTTPWorker) recordSuccess(latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.successCount++
	w.health.Requests++
	w.totalLatency += latency
	w.health.LastSuccessAt = time.Now()
	w.health.Available = true

	w.health.ErrorRate = float64(w.failureCount) / float64(w.health.Requests)
	w.health.Latency = w.totalLatency / time.Duration(w.successCount)
}

func (w *HTTPWorker) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failureCount++
	w.health.Requests++
	w.health.LastFailureAt = time.Now()
	w.health.ErrorRate = float64(w.failureCount) / float64(w.health.Requests)

	if w.health.ErrorRate > 0.5 {
		w.health.Available = false
	}
}

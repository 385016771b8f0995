package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPWorker executes operations against a remote agent service over
// HTTP. Each registered agent type points at the base URL of the
// service implementing that capability; the orchestration core treats
// request and response payloads as opaque structured values.
type HTTPWorker struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPWorkerOptions configures an HTTP-backed worker
type HTTPWorkerOptions struct {
	Timeout time.Duration
}

// executeRequest is the wire envelope sent to an agent service
type executeRequest struct {
	Operation string                 `json:"operation"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// executeResponse is the wire envelope returned by an agent service
type executeResponse struct {
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// NewHTTPWorker creates a worker that forwards operations to a remote
// agent service
func NewHTTPWorker(baseURL string, options *HTTPWorkerOptions) *HTTPWorker {
	if options == nil {
		options = &HTTPWorkerOptions{
			Timeout: 2 * time.Minute,
		}
	}

	return &HTTPWorker{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: options.Timeout,
		},
	}
}

// Execute implements domain.Worker
func (w *HTTPWorker) Execute(ctx context.Context, operation string, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(executeRequest{
		Operation: operation,
		Input:     input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/execute", w.baseURL),
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out executeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if out.Error != "" {
		return nil, fmt.Errorf("agent service error: %s", out.Error)
	}

	return out.Output, nil
}

// CheckHealth verifies the remote agent service is reachable
func (w *HTTPWorker) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/health", w.baseURL),
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

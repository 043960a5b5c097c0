package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	HTTPService    = "http"
	HTTPPingMethod = "ping"
)

// maxBodyPreview bounds how much of the response is kept in the result
const maxBodyPreview = 512

// HTTPPingHandler checks an HTTP endpoint described by the job config:
// url (required), method, headers, body and expected_status.
type HTTPPingHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPPingHandler creates a new HTTP ping handler
func NewHTTPPingHandler(logger *zap.Logger) *HTTPPingHandler {
	return &HTTPPingHandler{
		logger: logger.Named("http-ping"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execute performs the HTTP request
func (h *HTTPPingHandler) Execute(ctx context.Context, ec *ExecutionContext) (map[string]any, error) {
	url := cast.ToString(ec.Config["url"])
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(cast.ToString(ec.Config["method"]))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := cast.ToString(ec.Config["body"]); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range cast.ToStringMapString(ec.Config["headers"]) {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("job_name", ec.JobName),
		zap.String("method", method),
		zap.String("url", url))

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := map[string]any{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"body":        string(preview),
	}

	if expected := cast.ToInt(ec.Config["expected_status"]); expected > 0 {
		if resp.StatusCode != expected {
			return result, fmt.Errorf("HTTP request returned status %d, expected %d", resp.StatusCode, expected)
		}
		return result, nil
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	return result, nil
}

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config configures the HTTP capacity broker client.
type Config struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Timeout  time.Duration
}

// HTTPBroker talks to an external capacity broker service over HTTP.
type HTTPBroker struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPBroker creates a broker client.
func NewHTTPBroker(cfg Config, logger *zap.Logger) *HTTPBroker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPBroker{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Execute posts the request to the broker. HTTP 429 maps to ErrRateLimited
// so the executor retries it like any transient failure.
func (b *HTTPBroker) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.config.Endpoint+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		b.logger.Warn("capacity broker throttled",
			zap.String("run", req.RunID), zap.String("step", req.StepID))
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("broker error %d: %s", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

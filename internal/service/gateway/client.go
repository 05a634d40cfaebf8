package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/trace"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.5-flash"
	DefaultTimeout = 30 * time.Second

	pingPrompt  = "Test connection. Respond with: OK"
	pingTimeout = 10 * time.Second
	maxDetail   = 1000
)

type Config struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// Client sends single-prompt generateContent requests.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/models/%s:generateContent?%s",
		base, url.PathEscape(c.cfg.Model), url.Values{"key": {c.cfg.APIKey}}.Encode())
}

// Call sends prompt and returns the model's text. Every failure is an
// errs.ErrGateway with code NETWORK, AUTH, QUOTA, API or BAD_RESPONSE.
func (c *Client) Call(ctx context.Context, prompt string) (string, error) {
	log := logger.WithTrace(ctx, c.logger)

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", errs.Gateway(errs.CodeNetwork, "Network error calling LLM", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordGatewayCallLatency(c.cfg.Model, "error", latency)
		log.Warn("Model call failed", zap.String("model", c.cfg.Model), zap.Duration("latency", latency), zap.Error(err))
		return "", errs.Gateway(errs.CodeNetwork, "Network error calling LLM", redactKey(err, c.cfg.APIKey))
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	metrics.RecordGatewayCallLatency(c.cfg.Model, fmt.Sprintf("%d", resp.StatusCode), latency)

	log.Debug("Model call finished",
		zap.String("model", c.cfg.Model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
		zap.Int("response_size", len(raw)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errs.Gateway(errs.CodeAuth,
			fmt.Sprintf("Authentication error (status %d). Check API key and billing.", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errs.Gateway(errs.CodeQuota, "Quota exceeded (429).", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", errs.Gateway(errs.CodeAPI,
			fmt.Sprintf("API error %d: %s", resp.StatusCode, errorDetail(raw)), nil)
	}
	if readErr != nil {
		return "", errs.Gateway(errs.CodeNetwork, "Network error calling LLM", readErr)
	}

	text, err := ExtractText(raw)
	if err != nil {
		return "", errs.Gateway(errs.CodeBadResponse, "Failed to parse API response", err)
	}
	return text, nil
}

// Ping sends a tiny prompt and returns whatever the model answered.
func (c *Client) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	out, err := c.Call(ctx, pingPrompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if len(out) > 200 {
		out = out[:200]
	}
	return out, nil
}

func errorDetail(raw []byte) string {
	var buf bytes.Buffer
	if json.Valid(raw) && json.Compact(&buf, raw) == nil {
		raw = buf.Bytes()
	}
	if len(raw) > maxDetail {
		raw = raw[:maxDetail]
	}
	return string(raw)
}

// redactKey keeps the API key out of error messages, which end up in logs and
// in the error signal file.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), key, "REDACTED"))
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/tracing"
)

// ServiceConfig configures an HTTP model sidecar.
type ServiceConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServiceProvider talks to a model sidecar over its JSON /v1/complete
// endpoint. Any provider (anthropic, google, local) can sit behind one.
type ServiceProvider struct {
	name   string
	base   string
	apiKey string
	httpw  *circuitbreaker.HTTPClient
	log    *zap.Logger
}

// NewServiceProvider builds a sidecar-backed provider.
func NewServiceProvider(cfg ServiceConfig, logger *zap.Logger) *ServiceProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &ServiceProvider{
		name:   cfg.Name,
		base:   base,
		apiKey: cfg.APIKey,
		httpw:  circuitbreaker.NewHTTPClient(httpClient, "llm-"+cfg.Name, circuitbreaker.HTTPConfig(), logger),
		log:    logger,
	}
}

func (p *ServiceProvider) Name() string { return p.name }

type completeRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	JSON        bool      `json:"json,omitempty"`
}

type completeResponse struct {
	Text         string          `json:"text"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
}

// Complete posts the request to the sidecar and tags the result.
func (p *ServiceProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	url := p.base + "/v1/complete"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body := completeRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		JSON:        req.ForceJSON,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := p.httpw.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model service %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg := readErrorBody(resp.Body)
		return nil, &TerminalProviderError{
			Provider: p.name,
			Model:    req.Model,
			Status:   resp.StatusCode,
			Message:  msg,
		}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("model service %s: HTTP %d", p.name, resp.StatusCode)
	}

	var out completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}

	result := &Result{
		Text:       out.Text,
		Structured: out.Structured,
		Usage: Usage{
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
		},
	}
	result.Normalize()
	return result, nil
}

// readErrorBody extracts a short error message from a rejection body.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

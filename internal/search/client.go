// Package search provides the document/web search and rerank capability
// clients consumed by the exploration, research, and curation engines.
package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/tracing"
)

// Config holds the search service connection settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	TopK    int           `mapstructure:"top_k"`
}

// Snippet is one ranked search hit.
type Snippet struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title"`
	URL      string  `json:"url,omitempty"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// RerankItem pairs an id with the text scored against the query.
type RerankItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// RankedItem is one rerank result, highest score first.
type RankedItem struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Client is the HTTP search service client.
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPClient
	log   *zap.Logger
}

// NewClient builds a breaker-wrapped search client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TopK == 0 {
		cfg.TopK = 8
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		httpw: circuitbreaker.NewHTTPClient(httpClient, "search", circuitbreaker.HTTPConfig(), logger),
		log:   logger,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []Snippet `json:"results"`
}

// Search returns ranked snippets for the query. topK falls back to the
// configured default when zero.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	if topK <= 0 {
		topK = c.cfg.TopK
	}

	start := time.Now()
	var out searchResponse
	err := c.post(ctx, "/v1/search", searchRequest{Query: query, TopK: topK}, &out)
	if err != nil {
		metrics.RecordSearch("search", "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordSearch("search", "ok", time.Since(start).Seconds())

	for i := range out.Results {
		if out.Results[i].SourceID == "" {
			out.Results[i].SourceID = SourceIDForURL(out.Results[i].URL)
		}
	}
	return out.Results, nil
}

type rerankRequest struct {
	Query string       `json:"query"`
	Items []RerankItem `json:"items"`
	TopN  int          `json:"top_n"`
}

type rerankResponse struct {
	Results []RankedItem `json:"results"`
}

// Rerank orders items by relevance to the query and returns at most
// topN of them, highest score first.
func (c *Client) Rerank(ctx context.Context, query string, items []RerankItem, topN int) ([]RankedItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(items) {
		topN = len(items)
	}

	start := time.Now()
	var out rerankResponse
	err := c.post(ctx, "/v1/rerank", rerankRequest{Query: query, Items: items, TopN: topN}, &out)
	if err != nil {
		metrics.RecordSearch("rerank", "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordSearch("rerank", "ok", time.Since(start).Seconds())

	if len(out.Results) > topN {
		out.Results = out.Results[:topN]
	}
	return out.Results, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	url := c.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return fmt.Errorf("search service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("search service %s: HTTP %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// SourceIDForURL derives a stable short source id for a web document.
func SourceIDForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("web-%x", sum[:6])
}

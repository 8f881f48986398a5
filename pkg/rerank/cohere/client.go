package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cortex-mem/cortex-go/pkg/rerank"
)

// Client is a Cohere rerank client.
// It implements the rerank.Provider interface on top of the Cohere v1 rerank
// API.
type Client struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

// Config is the configuration for the Cohere reranker.
// APIKey: Cohere API key (required)
// Model: Rerank model name, defaults to "rerank-english-v3.0"
// BaseURL: API base URL, defaults to "https://api.cohere.com"
// HTTPClient: Custom HTTP client, if nil uses a default with a 30s timeout
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new Cohere rerank client.
func NewClient(cfg *Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}

	model := cfg.Model
	if model == "" {
		model = "rerank-english-v3.0"
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		client:  client,
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
	}, nil
}

// Rerank reorders documents by relevance to the query.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]rerank.Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN > len(documents) {
		topN = len(documents)
	}

	reqBody := map[string]interface{}{
		"model":     c.model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rerank", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]rerank.Result, 0, len(response.Results))
	for _, r := range response.Results {
		results = append(results, rerank.Result{
			Index:          r.Index,
			RelevanceScore: r.RelevanceScore,
		})
	}

	return results, nil
}

// Close closes the client connection.
// The HTTP client does not require explicit closing; this method is retained
// for interface compatibility.
func (c *Client) Close() error {
	return nil
}

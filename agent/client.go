package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"toolguard/types"
)

// CompletionClient is the correction agent's view of the LLM provider.
type CompletionClient interface {
	Complete(ctx context.Context, req types.OpenAIRequest) (*types.OpenAIResponse, error)
}

// HTTPCompletionClient talks to an OpenAI-compatible chat completions
// endpoint configured via .env.
type HTTPCompletionClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCompletionClient builds a client. timeout <= 0 means 10s.
func NewHTTPCompletionClient(endpoint, apiKey string, timeout time.Duration) *HTTPCompletionClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCompletionClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Complete sends the request and decodes the provider response.
func (c *HTTPCompletionClient) Complete(ctx context.Context, req types.OpenAIRequest) (*types.OpenAIResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion endpoint returned status %d", resp.StatusCode)
	}

	var response types.OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	return &response, nil
}

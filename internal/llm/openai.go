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

	"github.com/coilworks/coil/internal/errdefs"
)

// OpenAIClient implements Client against any OpenAI-compatible chat
// completion endpoint (OpenAI, Ollama's /v1, vLLM, llama.cpp server, ...).
type OpenAIClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAIClient creates a client for the given endpoint.
func NewOpenAIClient(endpoint, apiKey string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", errdefs.ErrValidation)
	}

	apiReq := struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		Stream      bool      `json:"stream"`
	}{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &errdefs.ProviderError{
			Provider: c.endpoint,
			Message:  "request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errdefs.ProviderError{
			Provider: c.endpoint,
			Message:  "failed to read response body",
			Err:      err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &errdefs.ProviderError{
			Provider:   c.endpoint,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(respBody), 512),
		}
	}

	var apiResp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message Message `json:"message"`
			Finish  string  `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errdefs.ProviderError{
			Provider: c.endpoint,
			Message:  "failed to unmarshal response",
			Err:      err,
		}
	}

	if len(apiResp.Choices) == 0 {
		return nil, &errdefs.ProviderError{
			Provider: c.endpoint,
			Message:  "response contained no choices",
		}
	}

	return &Response{
		Text:  apiResp.Choices[0].Message.Content,
		Model: apiResp.Model,
		Usage: apiResp.Usage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints. Every model in the roster (OpenAI, Anthropic, Google, DeepSeek,
// Qwen, Moonshot) is reached through the same wire format, so one client
// covers the whole roster with per-model base URLs and keys.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// defaultTimeout is a generous transport-level ceiling. Callers bound each
// request with their own context deadline, which is always shorter.
const defaultTimeout = 300 * time.Second

// HTTPError carries the upstream status code so callers can distinguish
// rate limits and auth failures from transport errors.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func NewHTTPError(statusCode int, body string, err error) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Body:       body,
		Err:        err,
	}
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm request failed (%d %s): %v", e.StatusCode, e.Status, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("llm request failed (%d %s): %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("llm request failed (%d %s)", e.StatusCode, e.Status)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Message is a single chat turn. Assistant turns may carry tool calls,
// tool turns carry the result keyed by ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its arguments as a JSON string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a callable function to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a tool function with a JSON Schema for its
// parameters.
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ChatRequest is the chat completions request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the chat completions response body.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a client for the given endpoint. baseURL is the API root
// without the /chat/completions suffix, e.g. "https://api.openai.com/v1".
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     log.With().Str("client", "llm").Logger(),
	}
}

// ChatCompletion sends one chat completions request. The context deadline
// bounds the whole round trip, including model inference time.
func (c *Client) ChatCompletion(ctx context.Context, chatReq ChatRequest) (*ChatResponse, error) {
	reqBody, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		return nil, NewHTTPError(res.StatusCode, snippet, nil)
	}

	var chatRes ChatResponse
	if err := json.Unmarshal(body, &chatRes); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}

	if len(chatRes.Choices) == 0 {
		return nil, fmt.Errorf("chat response contained no choices")
	}

	c.log.Debug().
		Str("model", chatReq.Model).
		Int("prompt_tokens", chatRes.Usage.PromptTokens).
		Int("completion_tokens", chatRes.Usage.CompletionTokens).
		Dur("latency", time.Since(start)).
		Msg("Chat completion finished")

	return &chatRes, nil
}

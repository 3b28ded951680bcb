// Package llm talks to OpenAI-compatible chat-completion endpoints. The
// planner uses text completions for intent analysis and protocol generation;
// the navigator sends screenshots through the vision variant.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Client is the completion surface the planner and navigator depend on.
// Both calls return the assistant's raw text plus token usage.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, Usage, error)
	CompleteVision(ctx context.Context, system, user string, imageJPEG []byte) (string, Usage, error)
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds connection settings for one endpoint tier.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Label is the tier name used in log lines (e.g. "PLANNER", "VISION").
	Label string
	// EnableThinking sends "enable_thinking":true in the request body for
	// providers that gate reasoning behind it.
	EnableThinking bool
	// Timeout is the per-request HTTP timeout. Zero means 120s.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// FromEnv resolves a Config for a named tier (e.g. "PLANNER", "VISION").
// For each key it tries {prefix}_{KEY}, then DESKPILOT_{KEY}, then the
// shared OPENAI_{KEY}, so one set of shared credentials serves both tiers
// while either can be pointed at its own provider.
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to DESKPILOT_*, then OPENAI_*, for any unset tier var
//   - Sets EnableThinking when {prefix}_ENABLE_THINKING == "true"
//   - Empty prefix skips the tier lookup and reads only the shared vars
func FromEnv(prefix string) Config {
	get := func(suffix string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		if v := os.Getenv("DESKPILOT_" + suffix); v != "" {
			return v
		}
		return os.Getenv("OPENAI_" + suffix)
	}
	label := prefix
	if label == "" {
		label = "LLM"
	}
	return Config{
		BaseURL:        get("BASE_URL"),
		APIKey:         get("API_KEY"),
		Model:          get("MODEL"),
		Label:          label,
		EnableThinking: prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true",
	}
}

// HTTPClient is the production Client backed by an OpenAI-compatible HTTP
// endpoint. Transient failures (429, 5xx, network errors) are retried once.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	model          string
	label          string
	enableThinking bool
	httpClient     *http.Client
	logger         *slog.Logger
	retryDelay     time.Duration
}

// NewHTTP builds an HTTPClient from cfg. The base URL is normalized so a
// value that already ends in "/chat/completions" does not double the path.
func NewHTTP(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := cfg.Label
	if label == "" {
		label = "LLM"
	}
	return &HTTPClient{
		baseURL:        normalizeBaseURL(cfg.BaseURL),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		label:          label,
		enableThinking: cfg.EnableThinking,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
		retryDelay:     2 * time.Second,
	}
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw base-URL value so the path is never doubled when the client
// appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// Validate reports which connection fields are missing so a bad environment
// fails at startup rather than on the first request.
//
// Expectations:
//   - Returns nil when all three fields (baseURL, apiKey, model) are non-empty
//   - Returns an error listing every missing field, comma-separated
//   - The error message includes the tier label
func (c *HTTPClient) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: %s: missing %s", c.label, strings.Join(missing, ", "))
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	EnableThinking bool          `json:"enable_thinking,omitempty"`
}

// chatMessage content is a plain string for text calls and a []contentPart
// for vision calls.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a system + user prompt and returns the assistant's text.
func (c *HTTPClient) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		EnableThinking: c.enableThinking,
	}
	return c.send(ctx, payload, len(system)+len(user), 0)
}

// CompleteVision sends a system prompt plus a user message carrying both
// text and a JPEG screenshot, encoded as a base64 data URL per the
// OpenAI-compatible vision format.
func (c *HTTPClient) CompleteVision(ctx context.Context, system, user string, imageJPEG []byte) (string, Usage, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageJPEG)
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: user},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		EnableThinking: c.enableThinking,
	}
	return c.send(ctx, payload, len(system)+len(user), len(imageJPEG))
}

// send marshals the request, posts it with a single retry on transient
// failures, and extracts the first choice.
func (c *HTTPClient) send(ctx context.Context, payload chatRequest, promptBytes, imageBytes int) (string, Usage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}
	c.logger.Debug(fmt.Sprintf("[%s] request", c.label),
		"model", c.model, "prompt_bytes", promptBytes, "image_bytes", imageBytes)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn(fmt.Sprintf("[%s] retrying after transient error", c.label), "error", lastErr)
			select {
			case <-ctx.Done():
				return "", Usage{}, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		content, usage, err := c.post(ctx, body)
		if err == nil {
			c.logger.Debug(fmt.Sprintf("[%s] response", c.label),
				"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens,
				"content", headTail(content, 400))
			return content, usage, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return "", Usage{}, lastErr
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (string, Usage, error) {
	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, &statusError{code: resp.StatusCode, body: headTail(string(respBody), 300)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}
	return chatResp.Choices[0].Message.Content, chatResp.Usage, nil
}

// statusError is a non-200 HTTP response. Kept as a type so the retry loop
// can distinguish 429/5xx from payload-level failures.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s", e.code, e.body)
}

// isTransient reports whether one more attempt is worth making: rate limits,
// server-side errors, and network-level failures qualify; context
// cancellation and malformed payloads do not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// headTail clips s to roughly n bytes, keeping the start and end with an
// ellipsis between. Long prompts and responses stay greppable in logs
// without flooding them.
func headTail(s string, n int) string {
	if len(s) <= n || n < 8 {
		return s
	}
	half := n / 2
	return s[:half] + " … " + s[len(s)-half:]
}

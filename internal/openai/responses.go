package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"transpad/internal/backend"
	"transpad/internal/prompt"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	maxErrBody        = 2048
	defaultMaxRetries = 1
)

// Client talks to the OpenAI Responses API. maxRetries only covers rate
// limits and server errors on the HTTP level; the request controller owns
// the user facing retry policy.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	maxRetries int
	logger     *zap.Logger
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Available    bool
}

func NewClient(apiKey, baseURL, model string, httpClient *http.Client, maxRetries int, logger *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(baseURL, "/v1") {
		baseURL = strings.TrimSuffix(baseURL, "/v1")
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:     apiKey,
		model:      model,
		endpoint:   baseURL + "/v1/responses",
		httpClient: httpClient,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

var _ backend.Translator = (*Client)(nil)

func (c *Client) SingleShot(ctx context.Context, text string, opts backend.Options) (string, error) {
	translated, _, err := c.TranslateWithUsage(ctx, text, opts)
	return translated, err
}

func (c *Client) TranslateWithUsage(ctx context.Context, text string, opts backend.Options) (string, Usage, error) {
	body, err := json.Marshal(c.buildPayload(text, opts, false))
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal OpenAI request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		translated, usage, retry, err := c.callResponses(ctx, body)
		if err == nil {
			if usage.Available {
				c.logger.Debug("responses usage",
					zap.String("model", c.model),
					zap.Int64("input_tokens", usage.InputTokens),
					zap.Int64("output_tokens", usage.OutputTokens),
				)
			}
			return translated, usage, nil
		}

		lastErr = err
		if !retry || attempt == c.maxRetries {
			break
		}

		delay := backoffDelay(attempt)
		c.logger.Debug("responses retry", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown translation error")
	}
	return "", Usage{}, lastErr
}

func (c *Client) buildPayload(text string, opts backend.Options, stream bool) map[string]any {
	userPrompt := opts.Prompt
	if strings.TrimSpace(userPrompt) == "" {
		userPrompt = prompt.Render("", prompt.Vars{Text: text, TargetLanguage: opts.TargetLanguage})
	}

	userContent := []map[string]any{
		{
			"type": "input_text",
			"text": userPrompt,
		},
	}
	for _, img := range opts.Images {
		userContent = append(userContent, map[string]any{
			"type":      "input_image",
			"image_url": dataURL(img),
		})
	}

	payload := map[string]any{
		"model": c.model,
		"input": []map[string]any{
			{
				"type": "message",
				"role": "developer",
				"content": []map[string]any{
					{
						"type": "input_text",
						"text": prompt.SystemInstructions(),
					},
				},
			},
			{
				"type":    "message",
				"role":    "user",
				"content": userContent,
			},
		},
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build OpenAI request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) callResponses(ctx context.Context, body []byte) (translated string, usage Usage, retry bool, err error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return "", Usage{}, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, false, ctx.Err()
		}
		return "", Usage{}, true, &backend.Error{Message: "request OpenAI Responses API: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, false, ctx.Err()
		}
		return "", Usage{}, true, &backend.Error{Message: "read OpenAI response body: " + err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return "", Usage{}, false, ctx.Err()
				}
			}
			return "", Usage{}, true, err
		}
		return "", Usage{}, false, err
	}

	output, err := extractOutputText(respBody)
	if err != nil {
		return "", Usage{}, false, err
	}
	usage = extractUsage(respBody)
	return output, usage, false, nil
}

func statusError(status int, body []byte) *backend.Error {
	message := parseAPIError(body)
	return backend.StatusError(status, fmt.Sprintf("OpenAI Responses API status %d: %s", status, message))
}

func dataURL(img backend.Image) string {
	var buf strings.Builder
	buf.WriteString("data:")
	buf.WriteString(img.MIMEType)
	buf.WriteString(";base64,")
	buf.WriteString(encodeBase64(img.Data))
	return buf.String()
}

func parseAPIError(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrBody {
		snippet = snippet[:maxErrBody] + "..."
	}
	if snippet == "" {
		return "empty error response"
	}
	return snippet
}

func extractOutputText(body []byte) (string, error) {
	var parsed struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse OpenAI response JSON: %w", err)
	}

	if text := strings.TrimSpace(parsed.OutputText); text != "" {
		return text, nil
	}

	var builder strings.Builder
	for _, item := range parsed.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				if builder.Len() > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(content.Text)
			}
		}
	}

	if builder.Len() == 0 {
		return "", fmt.Errorf("OpenAI response missing output_text")
	}

	return strings.TrimSpace(builder.String()), nil
}

func extractUsage(body []byte) Usage {
	var parsed struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return Usage{}
	}

	if parsed.Usage.InputTokens == 0 && parsed.Usage.OutputTokens == 0 && parsed.Usage.TotalTokens == 0 {
		return Usage{}
	}

	return Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
		Available:    true,
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if ts, err := http.ParseTime(value); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}

	return 0
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second
	delay := base * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	max := 30 * time.Second
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

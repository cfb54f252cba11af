package provider

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"transpad/internal/backend"
	"transpad/internal/prompt"
)

// Chat speaks the OpenAI chat completions protocol, which most hosted and
// self-hosted gateways also accept.
type Chat struct {
	client *goopenai.Client
	model  string
}

func NewChat(apiKey, baseURL, model string, httpClient *http.Client) *Chat {
	cfg := goopenai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &Chat{client: goopenai.NewClientWithConfig(cfg), model: model}
}

func (c *Chat) request(text string, opts backend.Options) goopenai.ChatCompletionRequest {
	user := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser}
	userPrompt := renderedPrompt(text, opts)
	if len(opts.Images) == 0 {
		user.Content = userPrompt
	} else {
		user.MultiContent = []goopenai.ChatMessagePart{{
			Type: goopenai.ChatMessagePartTypeText,
			Text: userPrompt,
		}}
		for _, img := range opts.Images {
			user.MultiContent = append(user.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    dataURL(img),
					Detail: goopenai.ImageURLDetailAuto,
				},
			})
		}
	}

	return goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: prompt.SystemInstructions()},
			user,
		},
	}
}

func (c *Chat) SingleShot(ctx context.Context, text string, opts backend.Options) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(text, opts))
	if err != nil {
		return "", chatError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &backend.Error{Message: "chat completion returned no choices"}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Chat) Stream(ctx context.Context, text string, opts backend.Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := c.request(text, opts)
		req.Stream = true

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", chatError(ctx, err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", chatError(ctx, err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func chatError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		be := backend.StatusError(apiErr.HTTPStatusCode, "chat completion: "+apiErr.Message)
		be.Err = err
		return be
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		be := backend.StatusError(reqErr.HTTPStatusCode, "chat completion: "+reqErr.Error())
		be.Err = err
		return be
	}
	return &backend.Error{Message: "chat completion: " + err.Error(), Err: err}
}

func renderedPrompt(text string, opts backend.Options) string {
	if strings.TrimSpace(opts.Prompt) != "" {
		return opts.Prompt
	}
	return prompt.Render("", prompt.Vars{Text: text, TargetLanguage: opts.TargetLanguage})
}

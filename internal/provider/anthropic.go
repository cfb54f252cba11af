package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"transpad/internal/backend"
	"transpad/internal/prompt"
)

const anthropicMaxTokens = 8192

type Anthropic struct {
	client anthropic.Client
	model  string
}

func NewAnthropic(apiKey, baseURL, model string, httpClient *http.Client) *Anthropic {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(apiKey),
		anthropicopt.WithMaxRetries(transportRetries),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, anthropicopt.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	if httpClient != nil {
		opts = append(opts, anthropicopt.WithHTTPClient(httpClient))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

func (a *Anthropic) params(text string, opts backend.Options) anthropic.MessageNewParams {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(renderedPrompt(text, opts))}
	for _, img := range opts.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, base64.StdEncoding.EncodeToString(img.Data)))
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: prompt.SystemInstructions()}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
}

func (a *Anthropic) SingleShot(ctx context.Context, text string, opts backend.Options) (string, error) {
	msg, err := a.client.Messages.New(ctx, a.params(text, opts))
	if err != nil {
		return "", anthropicError(ctx, err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (a *Anthropic) Stream(ctx context.Context, text string, opts backend.Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := a.client.Messages.NewStreaming(ctx, a.params(text, opts))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if !yield(event.Delta.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", anthropicError(ctx, err))
		}
	}
}

func anthropicError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		be := backend.StatusError(apiErr.StatusCode, "anthropic: "+apiErr.Error())
		be.Err = err
		return be
	}
	return &backend.Error{Message: "anthropic: " + err.Error(), Err: err}
}

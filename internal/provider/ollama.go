package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"

	"transpad/internal/backend"
	"transpad/internal/prompt"
)

const defaultOllamaHost = "http://localhost:11434"

type Ollama struct {
	client *ollama.Client
	model  string
}

func NewOllama(host, model string, httpClient *http.Client) (*Ollama, error) {
	if strings.TrimSpace(host) == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil {
		return nil, backend.ConfigError("invalid ollama host %q: %v", host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{client: ollama.NewClient(u, httpClient), model: model}, nil
}

func (o *Ollama) request(text string, opts backend.Options, stream bool) *ollama.GenerateRequest {
	req := &ollama.GenerateRequest{
		Model:  o.model,
		System: prompt.SystemInstructions(),
		Prompt: renderedPrompt(text, opts),
		Stream: &stream,
	}
	for _, img := range opts.Images {
		req.Images = append(req.Images, ollama.ImageData(img.Data))
	}
	return req
}

func (o *Ollama) SingleShot(ctx context.Context, text string, opts backend.Options) (string, error) {
	var b strings.Builder
	err := o.client.Generate(ctx, o.request(text, opts, false), func(gr ollama.GenerateResponse) error {
		b.WriteString(gr.Response)
		return nil
	})
	if err != nil {
		return "", ollamaError(ctx, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Stream forwards each generate callback to the consumer. Stopping the
// consumer aborts Generate through errStopStream.
func (o *Ollama) Stream(ctx context.Context, text string, opts backend.Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := o.client.Generate(ctx, o.request(text, opts, true), func(gr ollama.GenerateResponse) error {
			if gr.Response == "" {
				return nil
			}
			if !yield(gr.Response, nil) {
				return errStopStream
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopStream) {
			yield("", ollamaError(ctx, err))
		}
	}
}

func ollamaError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var statusErr ollama.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		be := backend.StatusError(statusErr.StatusCode, fmt.Sprintf("ollama: %s", msg))
		be.Err = err
		return be
	}
	if strings.Contains(err.Error(), "not found") {
		return &backend.Error{Category: backend.CategoryConfig, Message: "ollama: " + err.Error(), Err: err}
	}
	return &backend.Error{Message: "ollama: " + err.Error(), Err: err}
}

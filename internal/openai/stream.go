package openai

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"transpad/internal/backend"
)

const maxSSELine = 1 << 20

type streamEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func (e streamEvent) failure() string {
	switch {
	case e.Response != nil && e.Response.Error != nil && e.Response.Error.Message != "":
		return e.Response.Error.Message
	case e.Error != nil && e.Error.Message != "":
		return e.Error.Message
	case e.Message != "":
		return e.Message
	}
	return "stream failed"
}

// Stream requests a server-sent event stream and yields every
// response.output_text.delta. The sequence ends after response.completed or
// at the end of the body.
func (c *Client) Stream(ctx context.Context, text string, opts backend.Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(c.buildPayload(text, opts, true))
		if err != nil {
			yield("", fmt.Errorf("marshal OpenAI request: %w", err))
			return
		}

		req, err := c.newRequest(ctx, body)
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			yield("", &backend.Error{Message: "request OpenAI Responses API: " + err.Error(), Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
			yield("", statusError(resp.StatusCode, respBody))
			return
		}

		for data, err := range sseData(resp.Body) {
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield("", err)
				return
			}
			if data == "[DONE]" {
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				yield("", fmt.Errorf("parse stream event: %w", err))
				return
			}

			switch event.Type {
			case "response.output_text.delta":
				if event.Delta == "" {
					continue
				}
				if !yield(event.Delta, nil) {
					return
				}
			case "response.completed":
				return
			case "response.failed", "response.incomplete", "error":
				yield("", &backend.Error{Message: "OpenAI stream: " + event.failure()})
				return
			}
		}
	}
}

// sseData yields the data field of each event in an SSE body.
func sseData(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxSSELine)

		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				if len(data) > 0 {
					if !yield(strings.Join(data, "\n"), nil) {
						return
					}
					data = data[:0]
				}
				continue
			}
			if value, ok := strings.CutPrefix(line, "data:"); ok {
				data = append(data, strings.TrimPrefix(value, " "))
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", &backend.Error{Message: "read OpenAI stream: " + err.Error(), Err: err})
			return
		}
		if len(data) > 0 {
			yield(strings.Join(data, "\n"), nil)
		}
	}
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Package fetch downloads a web page and reduces it to translatable
// Markdown.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"transpad/internal/markdown"
)

const (
	maxErrBody   = 1024
	maxPageBytes = 8 << 20
	userAgent    = "transpad/1.0"
)

type Page struct {
	Title    string
	FinalURL string
	// HTML is the readable article body, or the raw body when the page is
	// not HTML.
	HTML     string
	Markdown string
}

// Get downloads rawURL. HTML pages go through readability and are converted
// to Markdown; text responses are returned as they are.
func Get(ctx context.Context, httpClient *http.Client, rawURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/markdown;q=0.9,text/plain;q=0.8")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("download URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes+1))
	if err != nil {
		return Page{}, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxPageBytes {
		return Page{}, fmt.Errorf("page larger than %d MiB", maxPageBytes>>20)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errSnippet := strings.TrimSpace(string(body))
		if len(errSnippet) > maxErrBody {
			errSnippet = errSnippet[:maxErrBody] + "..."
		}
		return Page{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errSnippet)
	}

	body = toUTF8(body, resp.Header.Get("Content-Type"))

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	raw := string(body)
	page := Page{HTML: raw, FinalURL: finalURL}
	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		page.Markdown = strings.TrimSpace(raw)
		return page, nil
	}

	page.Title = normalizeTitle(extractTitle(raw))
	if parsedURL, err := url.Parse(finalURL); err == nil {
		if article, err := readability.FromReader(bytes.NewReader(body), parsedURL); err == nil {
			if content := strings.TrimSpace(article.Content); content != "" {
				page.HTML = content
			}
			if title := strings.TrimSpace(article.Title); title != "" {
				page.Title = normalizeTitle(title)
			}
		}
	}

	md, err := markdown.FromArticleHTML(page.HTML)
	if err != nil {
		return Page{}, fmt.Errorf("convert page: %w", err)
	}
	page.Markdown = md
	return page, nil
}

// toUTF8 transcodes legacy charsets announced by the header or a meta tag.
func toUTF8(body []byte, contentType string) []byte {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return body
	}
	return out
}

func isHTMLContentType(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(contentType)
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func extractTitle(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(title), " ")
}

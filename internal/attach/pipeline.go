package attach

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type outcomeKind int

const (
	outcomeAdded outcomeKind = iota
	outcomeTooLarge
	outcomeBroken
)

type outcome struct {
	kind outcomeKind
	att  Attachment
}

func process(src Source, compress bool, quality float64) outcome {
	if src.fromDataURL() && EstimateDataURLSize(src.DataURL) > MaxSourceBytes {
		return outcome{kind: outcomeTooLarge}
	}
	raw, mimeType, err := src.bytes()
	if err != nil {
		return outcome{kind: outcomeBroken}
	}
	if len(raw) > MaxSourceBytes {
		return outcome{kind: outcomeTooLarge}
	}

	if !compress {
		if len(raw) > MaxImageBytes {
			return outcome{kind: outcomeTooLarge}
		}
		return outcome{att: Attachment{MIMEType: mimeType, Size: len(raw), Data: raw}}
	}

	out, err := Compress(raw, quality)
	if errors.Is(err, ErrImageTooLarge) {
		return outcome{kind: outcomeTooLarge}
	}
	if err != nil {
		return outcome{kind: outcomeBroken}
	}
	if len(out) > MaxImageBytes {
		return outcome{kind: outcomeTooLarge}
	}
	return outcome{att: Attachment{MIMEType: "image/jpeg", Size: len(out), Data: out}}
}

func (s Source) bytes() ([]byte, string, error) {
	if s.fromDataURL() {
		return ParseDataURL(s.DataURL)
	}
	if len(s.Data) == 0 {
		return nil, "", errors.New("empty image file")
	}
	mimeType := s.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return s.Data, mimeType, nil
}

// ParseDataURL decodes a data:image/... URL. Base64 and percent encoded
// payloads are accepted; the MIME type defaults to image/png.
func ParseDataURL(raw string) ([]byte, string, error) {
	if !strings.HasPrefix(raw, "data:image/") {
		return nil, "", errors.New("not an image data URL")
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || payload == "" {
		return nil, "", errors.New("data URL has no payload")
	}

	params := strings.Split(header, ";")
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	if mimeType == "" {
		mimeType = "image/png"
	}

	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	if !isBase64 {
		data, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("unescape data URL: %w", err)
		}
		return []byte(data), mimeType, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(payload), "="))
		if err != nil {
			return nil, "", fmt.Errorf("decode data URL: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, "", errors.New("data URL has no payload")
	}
	return data, mimeType, nil
}

// EstimateDataURLSize returns the decoded byte size of a base64 payload
// without decoding it.
func EstimateDataURLSize(raw string) int {
	_, payload, ok := strings.Cut(raw, ",")
	if !ok {
		return 0
	}
	n := len(payload)*3/4 - strings.Count(payload, "=")
	return max(n, 0)
}

// Compress decodes an image, flattens it onto a white background and
// re-encodes it as JPEG at the given quality in [0.1, 1.0]. Images over
// MaxImagePixels fail with ErrImageTooLarge before any pixel is decoded.
func Compress(raw []byte, quality float64) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.New("image has no pixels")
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), src, bounds.Min, draw.Over)

	var buf bytes.Buffer
	q := int(ClampQuality(quality)*100 + 0.5)
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

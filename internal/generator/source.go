package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// SourceFetcher downloads design screenshots and shrinks them before they are sent to a model.
type SourceFetcher struct {
	client       *http.Client
	maxBytes     int64
	maxDimension int
}

func NewSourceFetcher(client *http.Client, maxBytes int64, maxDimension int) *SourceFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	if maxDimension <= 0 {
		maxDimension = 1024
	}
	return &SourceFetcher{client: client, maxBytes: maxBytes, maxDimension: maxDimension}
}

// IsRemote reports whether a source asset id is something Fetch can download.
func IsRemote(assetID string) bool {
	lower := strings.ToLower(strings.TrimSpace(assetID))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Fetch downloads url, fits it within maxDimension on both sides and returns a PNG data URL.
func (f *SourceFetcher) Fetch(ctx context.Context, url string) (string, error) {
	data, err := f.download(ctx, url)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > f.maxDimension || b.Dy() > f.maxDimension {
		img = imaging.Fit(img, f.maxDimension, f.maxDimension, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (f *SourceFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("source image too large (>%d bytes)", f.maxBytes)
	}
	return body, nil
}

package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"design-job-queue/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestParseCode(t *testing.T) {
	text := "Here you go.\n```html\n<h1>Hi</h1>\n```\n```css\nh1 { color: red; }\n```\n```javascript\nconsole.log(1)\n```\nEnjoy."
	code, msg := ParseCode(text)
	if code.HTML != "<h1>Hi</h1>" {
		t.Fatalf("html = %q", code.HTML)
	}
	if code.CSS != "h1 { color: red; }" {
		t.Fatalf("css = %q", code.CSS)
	}
	if code.JS != "console.log(1)" {
		t.Fatalf("js = %q", code.JS)
	}
	if !strings.HasPrefix(msg, "Here you go.") || !strings.HasSuffix(msg, "Enjoy.") {
		t.Fatalf("message = %q", msg)
	}
}

func TestParseCodeWithoutFences(t *testing.T) {
	code, msg := ParseCode("no code here")
	if !code.Empty() {
		t.Fatalf("expected empty bundle, got %+v", code)
	}
	if msg != "no code here" {
		t.Fatalf("message = %q", msg)
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = io.WriteString(w, `{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"`+
			"```html\\n<p>ok</p>\\n```\\n```css\\np{}\\n```"+`"}}],"usage":{"total_tokens":42}}`)
	}))
	defer srv.Close()

	gen := NewOpenAI(OpenAIOptions{APIKey: "key", BaseURL: srv.URL + "/v1/"})
	out, err := gen.Generate(context.Background(), Request{
		Type:  models.TypeGenerate,
		Input: models.Input{Prompt: "landing page"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Result.Code == nil || out.Result.Code.HTML != "<p>ok</p>" || out.Result.Code.CSS != "p{}" {
		t.Fatalf("unexpected code %+v", out.Result.Code)
	}
	if out.Tokens != 42 || out.Model != "gpt-4o-mini-2024" {
		t.Fatalf("unexpected usage tokens=%d model=%q", out.Tokens, out.Model)
	}
	if captured.Model != defaultOpenAIModel || len(captured.Messages) != 2 {
		t.Fatalf("unexpected request %+v", captured)
	}
	if s, ok := captured.Messages[1].Content.(string); !ok || !strings.Contains(s, "landing page") {
		t.Fatalf("prompt not forwarded: %#v", captured.Messages[1].Content)
	}
}

func TestOpenAIGenerateErrors(t *testing.T) {
	cases := []struct {
		name string
		rt   roundTripFunc
	}{
		{
			name: "transport",
			rt: func(*http.Request) (*http.Response, error) {
				return nil, errors.New("boom")
			},
		},
		{
			name: "status",
			rt: func(*http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader("down"))}, nil
			},
		},
		{
			name: "no_code",
			rt: func(*http.Request) (*http.Response, error) {
				body := `{"choices":[{"message":{"content":"sorry"}}]}`
				return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := NewOpenAI(OpenAIOptions{APIKey: "key", HTTPClient: &http.Client{Transport: tc.rt}})
			if _, err := gen.Generate(context.Background(), Request{Type: models.TypeGenerate, Input: models.Input{Prompt: "x"}}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestUserContentAttachesImage(t *testing.T) {
	content := userContent(Request{Type: models.TypeDesign2Code, SourceImage: "data:image/png;base64,AAAA"})
	parts, ok := content.([]contentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %#v", content)
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Fatalf("image part missing: %#v", parts[1])
	}
}

func TestSyntheticGenerate(t *testing.T) {
	gen := NewSynthetic()
	ctx := context.Background()

	out, err := gen.Generate(ctx, Request{Type: models.TypeGenerate, Input: models.Input{Prompt: "<b>shop</b>"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out.Result.Code.HTML, "&lt;b&gt;shop&lt;/b&gt;") {
		t.Fatalf("prompt not escaped: %s", out.Result.Code.HTML)
	}

	in := &models.CodeBundle{HTML: "<p>a</p>", CSS: "p{}"}
	out, err = gen.Generate(ctx, Request{Type: models.TypeAnimation, Input: models.Input{Code: in}})
	if err != nil {
		t.Fatalf("animate: %v", err)
	}
	if !strings.Contains(out.Result.Code.CSS, "@keyframes") || !strings.HasPrefix(out.Result.Code.CSS, "p{}") {
		t.Fatalf("animation css = %q", out.Result.Code.CSS)
	}
	if in.CSS != "p{}" {
		t.Fatalf("input bundle was mutated")
	}

	if _, err := gen.Generate(ctx, Request{Type: models.TypeRefine}); err == nil {
		t.Fatalf("refine without code should fail")
	}
}

func TestSourceFetcherDownscales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	fetcher := NewSourceFetcher(srv.Client(), 1024*1024, 100)
	dataURL, err := fetcher.Fetch(context.Background(), srv.URL+"/shot.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(dataURL, prefix) {
		t.Fatalf("unexpected data url prefix: %.40s", dataURL)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Bounds().Dx() != 100 || out.Bounds().Dy() != 50 {
		t.Fatalf("expected 100x50, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestSourceFetcherRejectsLargeBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	fetcher := NewSourceFetcher(srv.Client(), 32, 100)
	if _, err := fetcher.Fetch(context.Background(), srv.URL); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestIsRemote(t *testing.T) {
	if !IsRemote("https://cdn.example.com/a.png") || !IsRemote("HTTP://x") {
		t.Fatalf("http urls should be remote")
	}
	if IsRemote("asset-123") {
		t.Fatalf("plain asset ids are not remote")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"héllo", 10, "héllo"},
		{"héllo", 3, "hé"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
		{"日本語", 2, ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) produced invalid utf-8", tc.in, tc.n)
		}
	}
}

package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"design-job-queue/internal/models"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	openAIDefaultTimeout = 90 * time.Second
)

const systemPrompt = "You are a front-end engineer. Reply with exactly one ```html block, one ```css block " +
	"and one ```js block. Keep any explanation short and outside the code blocks."

type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAI calls an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

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
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAI{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		model:   model,
		client:  client,
	}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Output, error) {
	payload := chatRequest{
		Model:       o.model,
		Temperature: 0.4,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent(req)},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return Output{}, fmt.Errorf("encode request: %w", err)
	}

	endpoint := o.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Output{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Output{}, fmt.Errorf("call model: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Output{}, fmt.Errorf("model returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Output{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Output{}, errors.New("model returned no choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	code, message := ParseCode(text)
	if code.Empty() {
		return Output{}, errors.New("model returned no code blocks")
	}

	model := out.Model
	if model == "" {
		model = o.model
	}
	return Output{
		Result: models.Result{Code: &code, Message: truncate(message, 2000)},
		Tokens: out.Usage.TotalTokens,
		Model:  model,
	}, nil
}

func userContent(req Request) any {
	var b strings.Builder
	switch req.Type {
	case models.TypeDesign2Code:
		b.WriteString("Convert this design into a single responsive web page.\n")
	case models.TypeRefine:
		b.WriteString("Improve the following page.\n")
	case models.TypeAnimation:
		b.WriteString("Add tasteful CSS/JS animations to the following page.\n")
	case models.TypeGenerate:
		b.WriteString("Build a web page for this request.\n")
	}
	if p := strings.TrimSpace(req.Input.Prompt); p != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", p)
	}
	if !req.Input.Code.Empty() {
		c := req.Input.Code
		fmt.Fprintf(&b, "\n```html\n%s\n```\n```css\n%s\n```\n```js\n%s\n```\n", c.HTML, c.CSS, c.JS)
	}
	if len(req.Input.Design) > 0 {
		fmt.Fprintf(&b, "\nDesign document (JSON):\n%s\n", req.Input.Design)
	}

	if req.SourceImage == "" {
		return b.String()
	}
	return []contentPart{
		{Type: "text", Text: b.String()},
		{Type: "image_url", ImageURL: &imageURL{URL: req.SourceImage}},
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

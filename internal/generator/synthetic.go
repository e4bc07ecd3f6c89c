package generator

import (
	"context"
	"fmt"
	"html"
	"strings"

	"design-job-queue/internal/models"
)

const syntheticModel = "synthetic"

// Synthetic produces deterministic placeholder code without calling a model. It
// lets the pipeline run end to end in development and tests.
type Synthetic struct{}

func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Generate(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var code models.CodeBundle
	switch req.Type {
	case models.TypeRefine:
		if req.Input.Code.Empty() {
			return Output{}, fmt.Errorf("refine requires code input")
		}
		code = *req.Input.Code
		note := strings.TrimSpace(req.Input.Prompt)
		if note == "" {
			note = "refined"
		}
		code.HTML = fmt.Sprintf("<!-- %s -->\n%s", html.EscapeString(note), code.HTML)
	case models.TypeAnimation:
		if !req.Input.Code.Empty() {
			code = *req.Input.Code
		} else {
			code.HTML = `<div class="animated">design</div>`
		}
		code.CSS = strings.TrimSpace(code.CSS + "\n" + syntheticKeyframes)
	default:
		title := strings.TrimSpace(req.Input.Prompt)
		switch {
		case req.SourceImage != "":
			title = "Screenshot"
		case len(req.Input.Design) > 0:
			title = "Design"
		case title == "":
			title = "Untitled"
		}
		code.HTML = fmt.Sprintf("<main class=\"page\">\n  <h1>%s</h1>\n</main>", html.EscapeString(title))
		code.CSS = ".page { font-family: sans-serif; margin: 0 auto; max-width: 960px; }"
		code.JS = "document.documentElement.dataset.ready = \"true\";"
	}

	return Output{
		Result: models.Result{Code: &code, Message: "generated by synthetic model"},
		Model:  syntheticModel,
	}, nil
}

const syntheticKeyframes = `@keyframes fade-in { from { opacity: 0; } to { opacity: 1; } }
.animated, main, body > * { animation: fade-in 0.6s ease-out both; }`

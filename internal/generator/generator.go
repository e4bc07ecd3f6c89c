package generator

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"design-job-queue/internal/config"
	"design-job-queue/internal/models"
)

// Request is everything a generator needs to produce a result for one job.
type Request struct {
	JobID string
	Type  models.JobType
	Input models.Input

	// SourceImage is a data URL of the downscaled design screenshot, when one was fetched.
	SourceImage string
}

// Output is the generated result plus usage details for job meta.
type Output struct {
	Result models.Result
	Tokens int
	Model  string
}

// Generator turns a job's input into code.
type Generator interface {
	Generate(ctx context.Context, req Request) (Output, error)
}

// New returns an OpenAI-compatible generator when an API key is configured and
// the synthetic generator otherwise.
func New(cfg config.Config, logger zerolog.Logger) Generator {
	if cfg.GeneratorAPIKey == "" {
		logger.Warn().Msg("GENERATOR_API_KEY not set, using synthetic generator")
		return NewSynthetic()
	}
	return NewOpenAI(OpenAIOptions{
		APIKey:     cfg.GeneratorAPIKey,
		BaseURL:    cfg.GeneratorBaseURL,
		Model:      cfg.GeneratorModel,
		HTTPClient: &http.Client{Timeout: cfg.GeneratorTimeout},
	})
}

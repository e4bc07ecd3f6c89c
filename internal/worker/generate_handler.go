package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"design-job-queue/internal/artifacts"
	"design-job-queue/internal/generator"
	"design-job-queue/internal/models"
)

// GenerateHandler runs every job type through a generator, fetching design
// screenshots first and storing the output as a downloadable bundle.
type GenerateHandler struct {
	gen       generator.Generator
	sources   *generator.SourceFetcher
	artifacts artifacts.Store
	logger    zerolog.Logger
}

// NewGenerateHandler wires a handler. sources and store may be nil to skip
// screenshot fetching and artifact upload.
func NewGenerateHandler(gen generator.Generator, sources *generator.SourceFetcher, store artifacts.Store, logger zerolog.Logger) *GenerateHandler {
	return &GenerateHandler{gen: gen, sources: sources, artifacts: store, logger: logger}
}

// Register binds the handler to every job type on p.
func (h *GenerateHandler) Register(p *Processor) {
	for _, t := range models.JobTypes {
		p.RegisterHandler(t, h.Handle)
	}
}

func (h *GenerateHandler) Handle(ctx context.Context, job models.Job) (models.Result, *models.Meta, error) {
	req := generator.Request{JobID: job.ID, Type: job.Type, Input: job.Input}

	if job.Type == models.TypeDesign2Code && generator.IsRemote(job.Input.SourceAssetID) {
		if h.sources == nil {
			return models.Result{}, nil, fmt.Errorf("source fetching is not configured")
		}
		img, err := h.sources.Fetch(ctx, job.Input.SourceAssetID)
		if err != nil {
			return models.Result{}, nil, fmt.Errorf("fetch source asset: %w", err)
		}
		req.SourceImage = img
	}

	out, err := h.gen.Generate(ctx, req)
	if err != nil {
		return models.Result{}, nil, fmt.Errorf("generate: %w", err)
	}
	meta := &models.Meta{Tokens: out.Tokens, Model: out.Model}

	result := out.Result
	if h.artifacts != nil && (!result.Code.Empty() || len(result.Design) > 0) {
		bundle, err := artifacts.Bundle(result.Code, result.Design)
		if err != nil {
			return models.Result{}, meta, fmt.Errorf("bundle artifact: %w", err)
		}
		key := fmt.Sprintf("jobs/%s/bundle.zip", job.ID)
		ref, err := h.artifacts.Put(ctx, key, bundle, artifacts.BundleContentType)
		if err != nil {
			return models.Result{}, meta, fmt.Errorf("store artifact: %w", err)
		}
		result.AssetID = ref
		h.logger.Debug().Str("job_id", job.ID).Str("asset_id", ref).Msg("artifact stored")
	}
	return result, meta, nil
}

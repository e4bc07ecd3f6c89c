package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"design-job-queue/internal/models"
)

const (
	MinPriority = -1000
	MaxPriority = 1000

	defaultListLimit = 50
	maxListLimit     = 200
)

// SubmitRequest carries everything needed to create a job.
type SubmitRequest struct {
	Type      models.JobType `json:"type" validate:"required,max=32"`
	OwnerID   string         `json:"owner_id" validate:"required,max=128"`
	ProjectID *string        `json:"project_id" validate:"omitempty,min=1,max=128"`
	Priority  int            `json:"priority" validate:"gte=-1000,lte=1000"`
	Input     models.Input   `json:"input"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateSubmit(req SubmitRequest) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", models.ErrValidation, describe(verrs))
		}
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if req.ProjectID != nil && strings.TrimSpace(*req.ProjectID) == "" {
		return fmt.Errorf("%w: ProjectID must not be blank", models.ErrValidation)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown job type %q", models.ErrValidation, req.Type)
	}
	if err := validateShape(req.Type, req.Input); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// validateShape enforces the input variant each job type accepts:
//
//	design2code  exactly one of source_asset_id, prompt, design
//	refine       code (required), prompt (optional instruction)
//	animation    exactly one of code, design; prompt optional
//	generate     prompt only
func validateShape(t models.JobType, in models.Input) error {
	hasSource := strings.TrimSpace(in.SourceAssetID) != ""
	hasPrompt := strings.TrimSpace(in.Prompt) != ""
	hasCode := !in.Code.Empty()
	hasDesign, err := designPresent(in.Design)
	if err != nil {
		return err
	}

	switch t {
	case models.TypeDesign2Code:
		if hasCode {
			return errors.New("design2code does not accept code input")
		}
		if count(hasSource, hasPrompt, hasDesign) != 1 {
			return errors.New("design2code requires exactly one of source_asset_id, prompt or design")
		}
	case models.TypeRefine:
		if !hasCode {
			return errors.New("refine requires a code payload with html, css or js")
		}
		if hasSource || hasDesign {
			return errors.New("refine accepts only code and an optional prompt")
		}
	case models.TypeAnimation:
		if hasSource {
			return errors.New("animation does not accept source_asset_id")
		}
		if count(hasCode, hasDesign) != 1 {
			return errors.New("animation requires exactly one of code or design")
		}
	case models.TypeGenerate:
		if !hasPrompt {
			return errors.New("generate requires a prompt")
		}
		if hasSource || hasCode || hasDesign {
			return errors.New("generate accepts only a prompt")
		}
	default:
		return fmt.Errorf("unknown job type %q", t)
	}
	return nil
}

func designPresent(raw json.RawMessage) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, nil
	}
	if !json.Valid(trimmed) {
		return false, errors.New("design must be valid JSON")
	}
	if trimmed[0] != '{' {
		return false, errors.New("design must be a JSON object")
	}
	return true, nil
}

func count(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func normalizeFilter(f ListFilter) (ListFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", models.ErrValidation, f.Status)
	}
	if f.Type != "" && !f.Type.Valid() {
		return f, fmt.Errorf("%w: unknown job type %q", models.ErrValidation, f.Type)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return f, nil
}

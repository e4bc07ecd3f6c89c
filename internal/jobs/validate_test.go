package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"design-job-queue/internal/models"
)

func TestValidateSubmitShapes(t *testing.T) {
	code := &models.CodeBundle{HTML: "<p>hi</p>"}
	design := json.RawMessage(`{"frames":[]}`)

	cases := []struct {
		name  string
		typ   models.JobType
		input models.Input
		ok    bool
	}{
		{name: "design2code_source", typ: models.TypeDesign2Code, input: models.Input{SourceAssetID: "https://x/y.png"}, ok: true},
		{name: "design2code_prompt", typ: models.TypeDesign2Code, input: models.Input{Prompt: "a landing page"}, ok: true},
		{name: "design2code_design", typ: models.TypeDesign2Code, input: models.Input{Design: design}, ok: true},
		{name: "design2code_two_sources", typ: models.TypeDesign2Code, input: models.Input{Prompt: "x", Design: design}},
		{name: "design2code_nothing", typ: models.TypeDesign2Code},
		{name: "design2code_code", typ: models.TypeDesign2Code, input: models.Input{Prompt: "x", Code: code}},
		{name: "refine_code", typ: models.TypeRefine, input: models.Input{Code: code}, ok: true},
		{name: "refine_code_prompt", typ: models.TypeRefine, input: models.Input{Code: code, Prompt: "bigger"}, ok: true},
		{name: "refine_without_code", typ: models.TypeRefine, input: models.Input{Prompt: "bigger"}},
		{name: "refine_empty_code", typ: models.TypeRefine, input: models.Input{Code: &models.CodeBundle{}}},
		{name: "refine_with_design", typ: models.TypeRefine, input: models.Input{Code: code, Design: design}},
		{name: "animation_code", typ: models.TypeAnimation, input: models.Input{Code: code, Prompt: "fade"}, ok: true},
		{name: "animation_design", typ: models.TypeAnimation, input: models.Input{Design: design}, ok: true},
		{name: "animation_both", typ: models.TypeAnimation, input: models.Input{Code: code, Design: design}},
		{name: "animation_source", typ: models.TypeAnimation, input: models.Input{Code: code, SourceAssetID: "a"}},
		{name: "generate_prompt", typ: models.TypeGenerate, input: models.Input{Prompt: "x"}, ok: true},
		{name: "generate_blank_prompt", typ: models.TypeGenerate, input: models.Input{Prompt: "   "}},
		{name: "generate_with_code", typ: models.TypeGenerate, input: models.Input{Prompt: "x", Code: code}},
		{name: "unknown_type", typ: "video", input: models.Input{Prompt: "x"}},
		{name: "design_not_object", typ: models.TypeDesign2Code, input: models.Input{Design: json.RawMessage(`[1,2]`)}},
		{name: "design_null_counts_as_absent", typ: models.TypeDesign2Code, input: models.Input{Prompt: "x", Design: json.RawMessage(`null`)}, ok: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validateSubmit(SubmitRequest{Type: tc.typ, OwnerID: "u1", Input: tc.input})
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateSubmitStructTags(t *testing.T) {
	base := SubmitRequest{Type: models.TypeGenerate, OwnerID: "u1", Input: models.Input{Prompt: "x"}}

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
		field  string
	}{
		{name: "missing_owner", mutate: func(r *SubmitRequest) { r.OwnerID = "" }, field: "OwnerID"},
		{name: "priority_high", mutate: func(r *SubmitRequest) { r.Priority = MaxPriority + 1 }, field: "Priority"},
		{name: "priority_low", mutate: func(r *SubmitRequest) { r.Priority = MinPriority - 1 }, field: "Priority"},
		{name: "prompt_too_long", mutate: func(r *SubmitRequest) { r.Input.Prompt = strings.Repeat("a", 16001) }, field: "Prompt"},
		{name: "empty_project", mutate: func(r *SubmitRequest) { empty := ""; r.ProjectID = &empty }, field: "ProjectID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			err := validateSubmit(req)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name %s", err, tc.field)
			}
		})
	}

	for _, p := range []int{MinPriority, 0, MaxPriority} {
		req := base
		req.Priority = p
		if err := validateSubmit(req); err != nil {
			t.Fatalf("priority %d should be valid: %v", p, err)
		}
	}
}

func TestNormalizeFilter(t *testing.T) {
	f, err := normalizeFilter(ListFilter{})
	if err != nil || f.Limit != defaultListLimit {
		t.Fatalf("default limit: %+v %v", f, err)
	}
	f, _ = normalizeFilter(ListFilter{Limit: 5000})
	if f.Limit != maxListLimit {
		t.Fatalf("limit not capped: %d", f.Limit)
	}
	if _, err := normalizeFilter(ListFilter{Type: "video"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown type, got %v", err)
	}
}

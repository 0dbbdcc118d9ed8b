package handler

import (
	"fmt"
	"strings"

	"github.com/dmorgan81/imagegen/internal/codec"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/dmorgan81/imagegen/internal/pipeline"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

const (
	DefaultNegativePrompt = "blurry, low quality, distorted, ugly, bad anatomy, extra limbs"
	DefaultWidth          = 1024
	DefaultHeight         = 1024
	DefaultSteps          = 30
	DefaultGuidanceScale  = 7.5
)

// Input is the body of a generation request. Pointer fields distinguish an
// absent value, which takes the default, from an explicit invalid one.
type Input struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Steps          *int     `json:"num_inference_steps,omitempty"`
	GuidanceScale  *float64 `json:"guidance_scale,omitempty"`
	Model          string   `json:"model,omitempty"`
	ReferenceImage string   `json:"reference_image,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
}

type Output struct {
	Image *string `json:"image"`

	ID               string `json:"-"`
	Mode             string `json:"-"`
	Seed             string `json:"-"`
	ReferenceIgnored bool   `json:"-"`
}

// ValidationError lists every problem found in an Input.
type ValidationError struct {
	*multierror.Error
}

func (e *ValidationError) Problems() []string {
	return lo.Map(e.Errors, func(err error, _ int) string { return err.Error() })
}

type limits struct {
	maxDimension int
	maxSteps     int
}

func (l limits) pixelBudget() int {
	return codec.PixelBudget(l.maxDimension)
}

func (in Input) toPipelineParams(l limits) (pipeline.Params, error) {
	var problems *multierror.Error

	if strings.TrimSpace(in.Prompt) == "" {
		problems = multierror.Append(problems, fmt.Errorf("prompt must not be empty"))
	}

	checkpoint, err := model.Lookup(lo.Ternary(in.Model != "", in.Model, model.Default))
	if err != nil {
		problems = multierror.Append(problems, err)
	}

	width := lo.FromPtrOr(in.Width, DefaultWidth)
	height := lo.FromPtrOr(in.Height, DefaultHeight)
	for _, dim := range []struct {
		name string
		v    int
	}{{"width", width}, {"height", height}} {
		name, v := dim.name, dim.v
		switch {
		case v <= 0:
			problems = multierror.Append(problems, fmt.Errorf("%s must be positive, got %d", name, v))
		case v > l.maxDimension:
			problems = multierror.Append(problems, fmt.Errorf("%s must be at most %d, got %d", name, l.maxDimension, v))
		case checkpoint.Alignment > 0 && !checkpoint.Aligned(v):
			problems = multierror.Append(problems, fmt.Errorf("%s must be a multiple of %d, got %d", name, checkpoint.Alignment, v))
		}
	}

	steps := lo.FromPtrOr(in.Steps, DefaultSteps)
	if steps <= 0 || steps > l.maxSteps {
		problems = multierror.Append(problems, fmt.Errorf("num_inference_steps must be in 1..%d, got %d", l.maxSteps, steps))
	}

	guidance := lo.FromPtrOr(in.GuidanceScale, DefaultGuidanceScale)
	if guidance < 0 {
		problems = multierror.Append(problems, fmt.Errorf("guidance_scale must not be negative, got %v", guidance))
	}

	if in.Seed < 0 {
		problems = multierror.Append(problems, fmt.Errorf("seed must not be negative, got %d", in.Seed))
	}

	if problems.ErrorOrNil() != nil {
		problems.ErrorFormat = formatProblems
		return pipeline.Params{}, &ValidationError{problems}
	}

	return pipeline.Params{
		Checkpoint:     checkpoint,
		Prompt:         in.Prompt,
		NegativePrompt: lo.FromPtrOr(in.NegativePrompt, DefaultNegativePrompt),
		Width:          width,
		Height:         height,
		Steps:          steps,
		GuidanceScale:  guidance,
		Seed:           in.Seed,
	}, nil
}

func formatProblems(errs []error) string {
	return "invalid request: " + strings.Join(lo.Map(errs, func(err error, _ int) string {
		return err.Error()
	}), "; ")
}

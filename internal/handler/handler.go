package handler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dmorgan81/imagegen/internal/codec"
	"github.com/dmorgan81/imagegen/internal/config"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/pipeline"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/google/uuid"
	"github.com/samber/do"
)

type Handler struct {
	pipeline    pipeline.Pipeline
	uploader    store.Uploader
	invalidator store.Invalidator

	limits   limits
	timeout  time.Duration
	strength float64
	strict   bool
	archive  bool
}

func NewHandler(i *do.Injector) (*Handler, error) {
	cfg := do.MustInvoke[config.Config](i)
	return &Handler{
		pipeline:    do.MustInvoke[pipeline.Pipeline](i),
		uploader:    do.MustInvoke[store.Uploader](i),
		invalidator: do.MustInvoke[store.Invalidator](i),
		limits:      limits{maxDimension: cfg.MaxDimension, maxSteps: cfg.MaxSteps},
		timeout:     cfg.GenerationTimeout,
		strength:    cfg.ReferenceStrength,
		strict:      cfg.StrictReference,
		archive:     cfg.ArchiveEnabled(),
	}, nil
}

// Handle produces exactly one image for input. An unusable reference image
// downgrades the request to text-to-image unless the handler is strict, in
// which case the *codec.ReferenceError is returned.
func (h *Handler) Handle(ctx context.Context, input Input) (Output, error) {
	logger := log.FromContextOrDiscard(ctx).WithGroup("Handler")
	logger.Info("handling generation request", "model", input.Model, "reference", input.ReferenceImage != "")

	params, err := input.toPipelineParams(h.limits)
	if err != nil {
		return Output{}, err
	}
	logger = logger.With("model", params.Checkpoint.Name, "width", params.Width, "height", params.Height)
	logger.Info("loading model", "checkpoint", params.Checkpoint.Repo)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ignored := false
	if input.ReferenceImage != "" {
		ref, err := codec.DecodeReference(input.ReferenceImage, params.Width, params.Height, h.limits.pixelBudget())
		switch {
		case err == nil:
			params.Init, params.Strength = ref, h.strength
		case h.strict:
			return Output{}, err
		default:
			ignored = true
			logger.Warn("reference image unusable, falling back to text-to-image", log.Err(err))
		}
	}
	logger.Info("using " + params.Mode() + " mode")

	res, err := h.pipeline.Generate(ctx, params)
	if err != nil {
		return Output{}, fmt.Errorf("generating image: %w", err)
	}
	png, err := codec.Conform(res.Image, params.Width, params.Height, h.limits.pixelBudget())
	if err != nil {
		return Output{}, err
	}
	logger.Info("generated image", "bytes", len(png), "seed", res.Seed)

	out := Output{
		ID:               uuid.NewString(),
		Mode:             params.Mode(),
		Seed:             res.Seed,
		ReferenceIgnored: ignored,
	}
	if h.archive {
		if err := h.archiveImage(ctx, out, params, png); err != nil {
			logger.Error("archiving image", log.Err(err), "id", out.ID)
		}
	}

	image := codec.Encode(png)
	out.Image = &image
	return out, nil
}

// HandleFast backs the lightweight endpoint, which has no generator behind it.
func (h *Handler) HandleFast(ctx context.Context, _ Input) (Output, error) {
	log.FromContextOrDiscard(ctx).WithGroup("Handler").Info("fast endpoint has no generator, returning empty image")
	return Output{}, nil
}

func (h *Handler) archiveImage(ctx context.Context, out Output, params pipeline.Params, png []byte) error {
	metadata := store.EscapeMetadata(map[string]string{
		"id":      out.ID,
		"model":   params.Checkpoint.Name,
		"prompt":  params.Prompt,
		"mode":    out.Mode,
		"seed":    out.Seed,
		"width":   strconv.Itoa(params.Width),
		"height":  strconv.Itoa(params.Height),
		"created": time.Now().UTC().Format(time.RFC3339),
	})
	for _, name := range []string{out.ID + ".png", "latest.png"} {
		err := h.uploader.Upload(ctx, store.UploadParams{
			Name:        name,
			Data:        png,
			ContentType: "image/png",
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
	}
	return h.invalidator.Invalidate(ctx, []string{"/latest.png"})
}

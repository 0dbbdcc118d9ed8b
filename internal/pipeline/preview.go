package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math/rand"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/dmorgan81/imagegen/internal/log"
)

// PreviewPipeline renders a cheap deterministic image in-process. The output
// depends only on the request parameters, so it serves local runs and tests
// without a GPU backend.
type PreviewPipeline struct{}

func (*PreviewPipeline) Generate(ctx context.Context, params Params) (Result, error) {
	logger := log.FromContextOrDiscard(ctx).WithGroup("preview").With("mode", params.Mode())
	logger.Info("rendering preview", "width", params.Width, "height", params.Height)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	seed := params.Seed
	if seed == 0 {
		seed = previewSeed(params)
	}
	var img image.Image = render(params.Width, params.Height, params.Steps, seed)

	if params.ImageToImage() {
		base, err := imaging.Decode(bytes.NewReader(params.Init))
		if err != nil {
			return Result{}, fmt.Errorf("decoding init image: %w", err)
		}
		if b := base.Bounds(); b.Dx() != params.Width || b.Dy() != params.Height {
			base = imaging.Resize(base, params.Width, params.Height, imaging.Lanczos)
		}
		img = imaging.Overlay(base, img, image.Pt(0, 0), params.Strength)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Result{}, err
	}
	return Result{Image: buf.Bytes(), Seed: strconv.FormatInt(seed, 10)}, nil
}

func previewSeed(params Params) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%g", params.Checkpoint.Name, params.Prompt, params.NegativePrompt,
		params.Steps, params.GuidanceScale)
	return int64(h.Sum64() >> 1)
}

// render draws a two-colour diagonal gradient with noise that shrinks as the
// step count grows.
func render(width, height, steps int, seed int64) *image.NRGBA {
	rnd := rand.New(rand.NewSource(seed))
	from := color.NRGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255}
	to := color.NRGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255}
	noise := 64 / max(steps, 1)

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	span := max(width+height-2, 1)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			t := float64(x+y) / float64(span)
			jitter := 0
			if noise > 0 {
				jitter = rnd.Intn(2*noise+1) - noise
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: lerp(from.R, to.R, t, jitter),
				G: lerp(from.G, to.G, t, jitter),
				B: lerp(from.B, to.B, t, jitter),
				A: 255,
			})
		}
	}
	return img
}

func lerp(a, b uint8, t float64, jitter int) uint8 {
	v := int(float64(a)+(float64(b)-float64(a))*t) + jitter
	return uint8(min(max(v, 0), 255))
}

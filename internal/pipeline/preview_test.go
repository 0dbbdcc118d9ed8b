package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func previewParams() Params {
	return Params{
		Checkpoint:    model.SD15,
		Prompt:        "a lighthouse at dusk",
		Width:         64,
		Height:        48,
		Steps:         10,
		GuidanceScale: 7.5,
	}
}

func TestPreviewDimensions(t *testing.T) {
	res, err := (&PreviewPipeline{}).Generate(context.Background(), previewParams())
	require.NoError(t, err)

	cfg, err := png.DecodeConfig(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
	assert.NotEmpty(t, res.Seed)
}

func TestPreviewDeterministic(t *testing.T) {
	p := &PreviewPipeline{}
	a, err := p.Generate(context.Background(), previewParams())
	require.NoError(t, err)
	b, err := p.Generate(context.Background(), previewParams())
	require.NoError(t, err)
	assert.Equal(t, a.Image, b.Image)

	other := previewParams()
	other.Prompt = "a lighthouse at dawn"
	c, err := p.Generate(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, a.Seed, c.Seed)
}

func TestPreviewImageToImage(t *testing.T) {
	var ref bytes.Buffer
	require.NoError(t, png.Encode(&ref, image.NewNRGBA(image.Rect(0, 0, 64, 48))))

	params := previewParams()
	params.Init = ref.Bytes()
	params.Strength = 0.7

	res, err := (&PreviewPipeline{}).Generate(context.Background(), params)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
}

func TestPreviewCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&PreviewPipeline{}).Generate(ctx, previewParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParamsMode(t *testing.T) {
	assert.Equal(t, "text2image", Params{}.Mode())
	assert.Equal(t, "image2image", Params{Init: []byte{1}}.Mode())
}

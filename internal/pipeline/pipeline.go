package pipeline

import (
	"context"

	"github.com/dmorgan81/imagegen/internal/model"
)

type Params struct {
	Checkpoint     model.Checkpoint
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Seed           int64

	// Init is a PNG already resized to Width x Height. When set the pipeline
	// runs image-to-image with Strength.
	Init     []byte
	Strength float64
}

func (p Params) ImageToImage() bool {
	return len(p.Init) > 0
}

func (p Params) Mode() string {
	if p.ImageToImage() {
		return "image2image"
	}
	return "text2image"
}

type Result struct {
	Image []byte
	Seed  string
}

type Pipeline interface {
	Generate(context.Context, Params) (Result, error)
}

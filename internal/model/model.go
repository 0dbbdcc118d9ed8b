package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownModel = errors.New("unknown model")

const Default = "stable-diffusion-xl"

type Checkpoint struct {
	Name      string
	Repo      string
	Alignment int
	Native    int
	XL        bool
}

var (
	SDXL = Checkpoint{
		Name:      "stable-diffusion-xl",
		Repo:      "stabilityai/stable-diffusion-xl-base-1.0",
		Alignment: 8,
		Native:    1024,
		XL:        true,
	}
	SD15 = Checkpoint{
		Name:      "stable-diffusion-1.5",
		Repo:      "runwayml/stable-diffusion-v1-5",
		Alignment: 8,
		Native:    512,
	}
)

var catalogue = map[string]Checkpoint{
	"stable-diffusion-xl":   SDXL,
	"sdxl":                  SDXL,
	"stable-diffusion-1.5":  SD15,
	"stable-diffusion-v1-5": SD15,
	"sd15":                  SD15,
}

// Lookup resolves a model identifier. Identifiers mentioning sdxl always map to
// the XL checkpoint.
func Lookup(id string) (Checkpoint, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if c, ok := catalogue[key]; ok {
		return c, nil
	}
	if strings.Contains(key, "sdxl") {
		return SDXL, nil
	}
	return Checkpoint{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
}

func (c Checkpoint) Aligned(n int) bool {
	return n%c.Alignment == 0
}

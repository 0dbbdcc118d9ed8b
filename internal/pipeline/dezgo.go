package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/samber/do"
)

var dezgoModels = map[string]string{
	"stable-diffusion-xl":  "sdxl_1024px",
	"stable-diffusion-1.5": "stablediffusion_1_5",
}

type DezgoPipeline struct {
	Client  *http.Client
	BaseURL string
	Key     string
}

func NewDezgoPipeline(i *do.Injector) (*DezgoPipeline, error) {
	return &DezgoPipeline{
		Client:  do.MustInvoke[*http.Client](i),
		BaseURL: do.MustInvokeNamed[string](i, "dezgo_url"),
		Key:     do.MustInvokeNamed[string](i, "dezgo_key"),
	}, nil
}

func (g *DezgoPipeline) Generate(ctx context.Context, params Params) (Result, error) {
	endpoint := g.endpoint(params)
	logger := log.FromContextOrDiscard(ctx).WithGroup("dezgo").With("endpoint", endpoint, "mode", params.Mode())
	logger.Info("generating image via dezgo")

	body, contentType, err := dezgoForm(params)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+endpoint, body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Dezgo-Key", g.Key)

	resp, err := g.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("calling dezgo: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading dezgo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("dezgo returned status %d: %s", resp.StatusCode, data)
	}

	seed := resp.Header.Get("X-Input-Seed")
	logger.Info("received image via dezgo", "seed", seed, "bytes", len(data))
	return Result{Image: data, Seed: seed}, nil
}

func (g *DezgoPipeline) endpoint(params Params) string {
	switch {
	case params.ImageToImage():
		return "/image2image"
	case params.Checkpoint.XL:
		return "/text2image_sdxl"
	default:
		return "/text2image"
	}
}

func dezgoForm(params Params) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"prompt":          params.Prompt,
		"negative_prompt": params.NegativePrompt,
		"model":           dezgoModels[params.Checkpoint.Name],
		"steps":           strconv.Itoa(params.Steps),
		"guidance":        strconv.FormatFloat(params.GuidanceScale, 'f', -1, 64),
		"width":           strconv.Itoa(params.Width),
		"height":          strconv.Itoa(params.Height),
		"format":          "png",
	}
	if params.Seed != 0 {
		fields["seed"] = strconv.FormatInt(params.Seed, 10)
	}
	if params.ImageToImage() {
		fields["strength"] = strconv.FormatFloat(params.Strength, 'f', -1, 64)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("writing %s: %w", k, err)
		}
	}

	if params.ImageToImage() {
		part, err := writer.CreateFormFile("init_image", "init.png")
		if err != nil {
			return nil, "", fmt.Errorf("creating init_image part: %w", err)
		}
		if _, err := part.Write(params.Init); err != nil {
			return nil, "", fmt.Errorf("writing init_image: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

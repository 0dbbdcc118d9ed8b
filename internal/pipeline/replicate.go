package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dmorgan81/imagegen/internal/codec"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const (
	predictionSucceeded = "succeeded"
	predictionFailed    = "failed"
	predictionCanceled  = "canceled"

	defaultPollTimeout  = 100 * time.Second
	defaultPollInterval = time.Second
)

var replicateModels = map[string]string{
	"stable-diffusion-xl":  "stability-ai/sdxl",
	"stable-diffusion-1.5": "stability-ai/stable-diffusion",
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Error  any             `json:"error"`
	Output json.RawMessage `json:"output"`
}

// outputURL accepts both a single URL and a list of URLs.
func (p prediction) outputURL() (string, error) {
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil && len(many) > 0 {
		return many[0], nil
	}
	return "", errors.New("prediction returned no output")
}

type ReplicatePipeline struct {
	Client       *http.Client
	BaseURL      string
	Token        string
	PollTimeout  time.Duration
	PollInterval time.Duration
}

func NewReplicatePipeline(i *do.Injector) (*ReplicatePipeline, error) {
	return &ReplicatePipeline{
		Client:       do.MustInvoke[*http.Client](i),
		BaseURL:      do.MustInvokeNamed[string](i, "replicate_url"),
		Token:        do.MustInvokeNamed[string](i, "replicate_token"),
		PollTimeout:  defaultPollTimeout,
		PollInterval: defaultPollInterval,
	}, nil
}

func (r *ReplicatePipeline) Generate(ctx context.Context, params Params) (Result, error) {
	name, ok := replicateModels[params.Checkpoint.Name]
	if !ok {
		return Result{}, fmt.Errorf("no replicate model for %s", params.Checkpoint.Name)
	}
	logger := log.FromContextOrDiscard(ctx).WithGroup("replicate").With("model", name, "mode", params.Mode())
	logger.Info("creating prediction")

	body, err := json.Marshal(map[string]any{"input": replicateInput(params)})
	if err != nil {
		return Result{}, fmt.Errorf("marshalling prediction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/models/%s/predictions", r.BaseURL, name), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "wait")

	var pred prediction
	if err := r.doJSON(req, &pred); err != nil {
		return Result{}, fmt.Errorf("creating prediction: %w", err)
	}

	if !terminal(pred.Status) {
		logger.Info("polling prediction", "id", pred.ID, "status", pred.Status)
		if pred, err = r.poll(ctx, pred.ID); err != nil {
			return Result{}, fmt.Errorf("polling prediction: %w", err)
		}
	}
	if pred.Status != predictionSucceeded {
		return Result{}, fmt.Errorf("prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
	}

	url, err := pred.outputURL()
	if err != nil {
		return Result{}, err
	}
	data, err := r.download(ctx, url)
	if err != nil {
		return Result{}, fmt.Errorf("downloading output: %w", err)
	}
	logger.Info("received image via replicate", "id", pred.ID, "bytes", len(data))
	return Result{Image: data, Seed: lo.Ternary(params.Seed != 0, strconv.FormatInt(params.Seed, 10), "")}, nil
}

func replicateInput(params Params) map[string]any {
	input := map[string]any{
		"prompt":              params.Prompt,
		"negative_prompt":     params.NegativePrompt,
		"width":               params.Width,
		"height":              params.Height,
		"num_inference_steps": params.Steps,
		"guidance_scale":      params.GuidanceScale,
		"num_outputs":         1,
	}
	if params.Seed != 0 {
		input["seed"] = params.Seed
	}
	if params.ImageToImage() {
		input["image"] = codec.Encode(params.Init)
		input["prompt_strength"] = params.Strength
	}
	return input
}

func terminal(status string) bool {
	return status == predictionSucceeded || status == predictionFailed || status == predictionCanceled
}

func (r *ReplicatePipeline) poll(ctx context.Context, id string) (prediction, error) {
	var pred prediction

	ctx, cancel := context.WithTimeout(ctx, r.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return pred, ctx.Err()
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/predictions/"+id, nil)
			if err != nil {
				return pred, err
			}
			if err := r.doJSON(req, &pred); err != nil {
				return pred, err
			}
			if terminal(pred.Status) {
				return pred, nil
			}
		}
	}
}

func (r *ReplicatePipeline) doJSON(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d, response: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *ReplicatePipeline) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReplicate(srv *httptest.Server) *ReplicatePipeline {
	return &ReplicatePipeline{
		Client:       srv.Client(),
		BaseURL:      srv.URL,
		Token:        "tok",
		PollTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestReplicatePollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/stability-ai/sdxl/predictions":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "wait", r.Header.Get("Prefer"))

			var body struct {
				Input map[string]any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a cat", body.Input["prompt"])
			assert.EqualValues(t, 768, body.Input["width"])
			assert.NotContains(t, body.Input, "image")

			_, _ = w.Write([]byte(`{"id":"p1","status":"starting"}`))
		case r.URL.Path == "/predictions/p1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"id":"p1","status":"processing"}`))
				return
			}
			fmt.Fprintf(w, `{"id":"p1","status":"succeeded","output":["%s/out.png"]}`, srv.URL)
		case r.URL.Path == "/out.png":
			_, _ = w.Write([]byte("image"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	res, err := newReplicate(srv).Generate(context.Background(), Params{
		Checkpoint: model.SDXL,
		Prompt:     "a cat",
		Width:      768,
		Height:     768,
		Steps:      30,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("image"), res.Image)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestReplicateImmediateSingleOutput(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/out.png" {
			_, _ = w.Write([]byte("image"))
			return
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, strings.HasPrefix(body.Input["image"].(string), "data:image/png;base64,"))
		assert.InDelta(t, 0.7, body.Input["prompt_strength"], 1e-9)

		fmt.Fprintf(w, `{"id":"p2","status":"succeeded","output":"%s/out.png"}`, srv.URL)
	}))
	defer srv.Close()

	res, err := newReplicate(srv).Generate(context.Background(), Params{
		Checkpoint: model.SD15,
		Prompt:     "a dog",
		Init:       []byte("init"),
		Strength:   0.7,
		Seed:       9,
	})
	require.NoError(t, err)
	assert.Equal(t, "9", res.Seed)
}

func TestReplicateFailedPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p3","status":"failed","error":"CUDA out of memory"}`))
	}))
	defer srv.Close()

	_, err := newReplicate(srv).Generate(context.Background(), Params{Checkpoint: model.SDXL, Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestReplicatePollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p4","status":"processing"}`))
	}))
	defer srv.Close()

	r := newReplicate(srv)
	r.PollTimeout = 30 * time.Millisecond
	_, err := r.Generate(context.Background(), Params{Checkpoint: model.SDXL, Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplicateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newReplicate(srv).Generate(context.Background(), Params{Checkpoint: model.SDXL, Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestPredictionOutputURL(t *testing.T) {
	_, err := prediction{Output: json.RawMessage(`null`)}.outputURL()
	assert.Error(t, err)

	_, err = prediction{Output: json.RawMessage(`[]`)}.outputURL()
	assert.Error(t, err)

	u, err := prediction{Output: json.RawMessage(`["a","b"]`)}.outputURL()
	require.NoError(t, err)
	assert.Equal(t, "a", u)
}

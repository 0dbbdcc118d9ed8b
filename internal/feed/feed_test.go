package feed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	keys []string
}

func (f *fakeLister) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{Name: in.Bucket}
	for _, key := range f.keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

type fakeInspector struct {
	objects map[string]store.Object
}

func (f *fakeInspector) Inspect(_ context.Context, key string) (store.Object, error) {
	o, ok := f.objects[key]
	if !ok {
		return store.Object{}, store.ErrNotFound
	}
	return o, nil
}

func object(key, id, prompt string, modified time.Time) store.Object {
	return store.Object{
		Key:          key,
		Metadata:     store.EscapeMetadata(map[string]string{"id": id, "prompt": prompt, "model": "stable-diffusion-xl", "seed": "7"}),
		LastModified: modified,
	}
}

func TestGenerate(t *testing.T) {
	older := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)

	g := &Generator{
		lister: &fakeLister{keys: []string{"a.png", "latest.png", "notes.txt", "b.png"}},
		inspector: &fakeInspector{objects: map[string]store.Object{
			"a.png": object("a.png", "a", "first prompt", older),
			"b.png": object("b.png", "b", "second prompt", newer),
		}},
		bucket:    "images",
		publicURL: "https://images.example",
	}

	rss, err := g.Generate(context.Background())
	require.NoError(t, err)

	body := string(rss)
	assert.Contains(t, body, "<rss")
	assert.Contains(t, body, "https://images.example/g/a")
	assert.Contains(t, body, "https://images.example/b.png")
	assert.NotContains(t, body, "latest")
	assert.Less(t, strings.Index(body, "second prompt"), strings.Index(body, "first prompt"))
}

func TestGeneratePropagatesInspectErrors(t *testing.T) {
	g := &Generator{
		lister:    &fakeLister{keys: []string{"gone.png"}},
		inspector: &fakeInspector{},
		bucket:    "images",
	}
	_, err := g.Generate(context.Background())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

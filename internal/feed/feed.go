package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const headConcurrency = 8

type Generator struct {
	lister    s3.ListObjectsV2APIClient
	inspector store.Inspector
	bucket    string
	publicURL string
}

func NewS3Generator(i *do.Injector) (*Generator, error) {
	return &Generator{
		lister:    do.MustInvoke[*s3.Client](i),
		inspector: do.MustInvoke[store.Inspector](i),
		bucket:    do.MustInvokeNamed[string](i, "bucket"),
		publicURL: do.MustInvokeNamed[string](i, "public_url"),
	}, nil
}

func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed", "bucket", g.bucket)

	feed := feeds.Feed{
		Title:       "imagegen",
		Description: "Generated images",
		Link:        &feeds.Link{Href: g.publicURL},
		Updated:     time.Now(),
	}

	pager := s3.NewListObjectsV2Paginator(g.lister, &s3.ListObjectsV2Input{
		Bucket: &g.bucket,
	})

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(headConcurrency)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		objs := lo.Filter(page.Contents, func(o s3types.Object, _ int) bool {
			return strings.HasSuffix(*o.Key, ".png") && !strings.HasPrefix(*o.Key, "latest")
		})

		for _, obj := range objs {
			key := *obj.Key
			group.Go(func() error {
				o, err := g.inspector.Inspect(ctx, key)
				if err != nil {
					return err
				}
				item := g.item(o)
				mu.Lock()
				feed.Add(item)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	log.Info("collected feed items", "count", len(feed.Items))

	feed.Sort(func(a, b *feeds.Item) bool {
		return a.Updated.After(b.Updated)
	})
	rss, err := feed.ToRss()
	return []byte(rss), err
}

func (g *Generator) item(o store.Object) *feeds.Item {
	id := lo.Ternary(o.Get("id") != "", o.Get("id"), strings.TrimSuffix(o.Key, ".png"))
	return &feeds.Item{
		Id:          id,
		Title:       fmt.Sprintf("%s:%s:%s", o.Get("prompt"), o.Get("model"), o.Get("seed")),
		Description: o.Get("prompt"),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/g/%s", g.publicURL, id)},
		Enclosure:   &feeds.Enclosure{Url: fmt.Sprintf("%s/%s", g.publicURL, o.Key), Type: "image/png", Length: "0"},
		Updated:     o.LastModified,
	}
}

package inject

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/imagegen/internal/config"
	"github.com/dmorgan81/imagegen/internal/feed"
	"github.com/dmorgan81/imagegen/internal/handler"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/page"
	"github.com/dmorgan81/imagegen/internal/param"
	"github.com/dmorgan81/imagegen/internal/pipeline"
	"github.com/dmorgan81/imagegen/internal/server"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/samber/do"
)

func Setup(ctx context.Context, cfg config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, log)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, &http.Client{Timeout: cfg.GenerationTimeout})

	do.Provide[param.Fetcher](injector, func(i *do.Injector) (param.Fetcher, error) {
		return param.NewCachedFetcher(ctx, do.MustInvoke[*param.ParameterStoreFetcher](i), cfg.ParamTTL)
	})
	do.Provide(injector, param.NewParameterStoreFetcher)

	do.ProvideNamed(injector, "dezgo_key", secret(ctx, cfg.DezgoKey, cfg.DezgoKeyParam))
	do.ProvideNamed(injector, "replicate_token", secret(ctx, cfg.ReplicateToken, cfg.ReplicateTokenParam))
	do.ProvideNamedValue(injector, "dezgo_url", cfg.DezgoURL)
	do.ProvideNamedValue(injector, "replicate_url", cfg.ReplicateURL)
	do.ProvideNamedValue(injector, "bucket", cfg.Bucket)
	do.ProvideNamedValue(injector, "distribution", cfg.Distribution)
	do.ProvideNamedValue(injector, "public_url", cfg.PublicURL)

	do.Provide[pipeline.Pipeline](injector, func(i *do.Injector) (pipeline.Pipeline, error) {
		switch cfg.Pipeline {
		case "dezgo":
			return pipeline.NewDezgoPipeline(i)
		case "replicate":
			return pipeline.NewReplicatePipeline(i)
		default:
			return &pipeline.PreviewPipeline{}, nil
		}
	})
	do.Provide[store.Uploader](injector, func(i *do.Injector) (store.Uploader, error) {
		switch {
		case cfg.Bucket != "":
			return store.NewS3Uploader(i)
		case cfg.ArchiveDir != "":
			return &store.FileUploader{Dir: cfg.ArchiveDir}, nil
		default:
			return store.NopUploader{}, nil
		}
	})
	do.Provide[store.Invalidator](injector, func(i *do.Injector) (store.Invalidator, error) {
		if cfg.Distribution == "" {
			return store.NopInvalidator{}, nil
		}
		return store.NewCloudFrontInvalidator(i)
	})
	do.Provide[store.Inspector](injector, func(i *do.Injector) (store.Inspector, error) {
		return store.NewS3Inspector(i)
	})

	do.ProvideValue(injector, &page.Templator{})
	do.Provide(injector, feed.NewS3Generator)
	do.Provide(injector, handler.NewHandler)
	do.Provide(injector, server.NewServer)

	return injector
}

// secret returns value when set, otherwise the parameter stored at path.
func secret(ctx context.Context, value, path string) do.Provider[string] {
	return func(i *do.Injector) (string, error) {
		if value != "" || path == "" {
			return value, nil
		}
		return do.MustInvoke[param.Fetcher](i).Fetch(ctx, path)
	}
}

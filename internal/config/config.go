package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Addr     string `env:"ADDR" envDefault:":8080"`

	// Pipeline selects the diffusion backend: dezgo, replicate or preview.
	Pipeline            string `env:"PIPELINE" envDefault:"preview"`
	DezgoKey            string `env:"DEZGO_KEY"`
	DezgoKeyParam       string `env:"DEZGO_KEY_PARAM"`
	DezgoURL            string `env:"DEZGO_URL" envDefault:"https://api.dezgo.com"`
	ReplicateToken      string `env:"REPLICATE_TOKEN"`
	ReplicateTokenParam string `env:"REPLICATE_TOKEN_PARAM"`
	ReplicateURL        string `env:"REPLICATE_URL" envDefault:"https://api.replicate.com/v1"`

	ParamTTL          time.Duration `env:"PARAM_TTL" envDefault:"15m"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"120s"`
	ReferenceStrength float64       `env:"REFERENCE_STRENGTH" envDefault:"0.7"`
	StrictReference   bool          `env:"STRICT_REFERENCE" envDefault:"false"`
	MaxDimension      int           `env:"MAX_DIMENSION" envDefault:"2048"`
	MaxSteps          int           `env:"MAX_STEPS" envDefault:"150"`

	// Archive is disabled unless a bucket or a directory is set.
	Bucket       string   `env:"BUCKET"`
	ArchiveDir   string   `env:"ARCHIVE_DIR"`
	Distribution string   `env:"DISTRIBUTION"`
	PublicURL    string   `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	CorsOrigins  []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

func Load() (Config, error) {
	return load(env.Options{})
}

func LoadFrom(environment map[string]string) (Config, error) {
	return load(env.Options{Environment: environment})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parsing env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Pipeline {
	case "preview":
	case "dezgo":
		if c.DezgoKey == "" && c.DezgoKeyParam == "" {
			return errors.New("dezgo pipeline needs DEZGO_KEY or DEZGO_KEY_PARAM")
		}
	case "replicate":
		if c.ReplicateToken == "" && c.ReplicateTokenParam == "" {
			return errors.New("replicate pipeline needs REPLICATE_TOKEN or REPLICATE_TOKEN_PARAM")
		}
	default:
		return fmt.Errorf("unknown pipeline %q", c.Pipeline)
	}
	if c.ReferenceStrength <= 0 || c.ReferenceStrength > 1 {
		return fmt.Errorf("REFERENCE_STRENGTH must be in (0, 1], got %v", c.ReferenceStrength)
	}
	if c.MaxDimension <= 0 || c.MaxSteps <= 0 {
		return errors.New("MAX_DIMENSION and MAX_STEPS must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return errors.New("GENERATION_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) ArchiveEnabled() bool {
	return c.Bucket != "" || c.ArchiveDir != ""
}

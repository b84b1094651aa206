package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "FORMIMAGE_"

// Load returns Default() overridden by FORMIMAGE_* environment variables.
// When envFile is non-empty and exists it is loaded first; variables already
// set in the process environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	cfg := Default()
	if err := apply(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func apply(c *Config, lookup lookupFunc) error {
	p := parser{lookup: lookup}
	p.int("WORKER_COUNT", &c.WorkerCount)
	p.int("QUEUE_SIZE", &c.QueueSize)
	p.duration("JOB_TIMEOUT", &c.JobTimeout)
	p.int64("MAX_UPLOAD_BYTES", &c.MaxUploadBytes)
	p.int("CHUNK_SIZE", &c.ChunkSize)
	p.int("DEFAULT_QUALITY", &c.DefaultQuality)
	p.str("OUTPUT_FORMAT", &c.OutputFormat)
	p.int("RESIZE_MAX_WIDTH", &c.ResizeBounds.MaxWidth)
	p.int("RESIZE_MAX_HEIGHT", &c.ResizeBounds.MaxHeight)
	p.float("RESIZE_QUALITY", &c.ResizeBounds.Quality)
	p.int("CROP_MAX_WIDTH", &c.CropBounds.MaxWidth)
	p.int("CROP_MAX_HEIGHT", &c.CropBounds.MaxHeight)
	p.float("CROP_QUALITY", &c.CropBounds.Quality)
	p.float("SECOND_PASS_QUALITY", &c.SecondPassQuality)
	p.float("CROP_ASPECT_RATIO", &c.CropAspectRatio)
	p.bool("ADAPTIVE_ENABLED", &c.AdaptiveCompression.Enabled)
	p.int64("ADAPTIVE_TARGET_BYTES", &c.AdaptiveCompression.TargetSizeBytes)
	p.int("ADAPTIVE_MIN_QUALITY", &c.AdaptiveCompression.MinQuality)
	p.int("ADAPTIVE_MAX_QUALITY", &c.AdaptiveCompression.MaxQuality)
	p.int("ADAPTIVE_STEP", &c.AdaptiveCompression.StepSize)
	p.str("API_URL", &c.API.BaseURL)
	p.str("API_TOKEN", &c.API.Token)
	p.str("API_TOKEN_FILE", &c.API.TokenFile)
	p.duration("API_TIMEOUT", &c.API.Timeout)
	p.str("SENTRY_DSN", &c.Sentry.DSN)
	p.str("SENTRY_ENVIRONMENT", &c.Sentry.Environment)
	p.str("LOG_LEVEL", &c.LogLevel)
	return p.err
}

// parser records the first malformed variable and ignores the rest.
type parser struct {
	lookup lookupFunc
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(EnvPrefix + key)
	return v, ok && v != ""
}

func (p *parser) fail(key string, err error) {
	p.err = fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) bool(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = b
	}
}

func (p *parser) int(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *parser) int64(key string, dst *int64) {
	if v, ok := p.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *parser) float(key string, dst *float64) {
	if v, ok := p.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = f
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = d
	}
}

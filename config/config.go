package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Bounds is a bounding-box ceiling with the quality factor used after fitting.
// It mirrors core.Bounds so config stays free of the core package.
type Bounds struct {
	MaxWidth  int     `validate:"gte=0"`
	MaxHeight int     `validate:"gte=0"`
	Quality   float64 `validate:"gte=0,lte=1"`
}

// Config is the top-level configuration struct. All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls.
	WorkerCount int `validate:"gte=0"` // default: runtime.NumCPU()
	QueueSize   int `validate:"gte=0"` // max queued jobs; default: 256
	JobTimeout  time.Duration

	// Upload ceiling checked before any decode. 0 = no limit.
	MaxUploadBytes int64 `validate:"gte=0"`
	ChunkSize      int   `validate:"gt=0"` // read chunk size in bytes; default 32 KiB

	// Default encode quality on the 1-100 scale, used when a step sets none.
	DefaultQuality int    `validate:"gte=1,lte=100"`
	OutputFormat   string `validate:"oneof=jpeg png webp"`

	// Image pipeline stages.
	ResizeBounds      Bounds
	CropBounds        Bounds
	SecondPassQuality float64 `validate:"gte=0,lte=1"` // 0 disables the second pass
	CropAspectRatio   float64 `validate:"gt=0"`        // width / height

	AdaptiveCompression AdaptiveConfig

	API    APIConfig
	Sentry SentryConfig

	LogLevel string // "debug", "info", "warn", "error"
}

// AdaptiveConfig caps the size of the attached crop. When Enabled, the second
// compression pass is followed by a quality search that stops at the first
// encoding under TargetSizeBytes.
type AdaptiveConfig struct {
	Enabled         bool
	TargetSizeBytes int64 `validate:"gte=0"`         // desired maximum output size
	MinQuality      int   `validate:"gte=0,lte=100"` // floor to prevent over-compression; default 30
	MaxQuality      int   `validate:"gte=0,lte=100"` // ceiling; default 95
	StepSize        int   `validate:"gte=0"`         // quality decrement per iteration; default 5
}

// APIConfig configures the REST backend client.
type APIConfig struct {
	BaseURL   string
	Token     string
	TokenFile string // read when Token is empty
	Timeout   time.Duration
}

// SentryConfig enables error reporting from the CLI. An empty DSN disables it.
type SentryConfig struct {
	DSN         string
	Environment string
}

// Default returns a Config populated with the form defaults.
func Default() Config {
	return Config{
		WorkerCount:    0, // resolved at runtime to NumCPU
		QueueSize:      256,
		JobTimeout:     30 * time.Second,
		MaxUploadBytes: 10 << 20,
		ChunkSize:      32 * 1024,
		DefaultQuality: 85,
		OutputFormat:   "jpeg",
		ResizeBounds: Bounds{
			MaxWidth:  1920,
			MaxHeight: 1080,
			Quality:   0.8,
		},
		CropBounds: Bounds{
			MaxWidth:  800,
			MaxHeight: 450,
			Quality:   0.7,
		},
		SecondPassQuality: 0.6,
		CropAspectRatio:   16.0 / 9.0,
		AdaptiveCompression: AdaptiveConfig{
			MinQuality: 30,
			MaxQuality: 95,
			StepSize:   5,
		},
		API: APIConfig{
			Timeout: 15 * time.Second,
		},
		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", e.Namespace(), e.ActualTag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.AdaptiveCompression.Enabled {
		if c.AdaptiveCompression.TargetSizeBytes <= 0 {
			return errors.New("config: AdaptiveCompression.TargetSizeBytes must be positive when enabled")
		}
		if c.AdaptiveCompression.MinQuality >= c.AdaptiveCompression.MaxQuality {
			return errors.New("config: AdaptiveCompression.MinQuality must be less than MaxQuality")
		}
	}
	return nil
}

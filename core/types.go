package core

import (
	"context"
	"image"
	"io"
	"math"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// MediaType returns the MIME type for f, or "" for FormatUnknown.
func (f Format) MediaType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	}
	return ""
}

// FormatFromMediaType maps MIME types to Format values.
func FormatFromMediaType(ct string) Format {
	switch ct {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWebP
	}
	return FormatUnknown
}

// ColorSpace represents the image colour model.
type ColorSpace string

const (
	ColorSpaceRGB  ColorSpace = "rgb"
	ColorSpaceRGBA ColorSpace = "rgba"
	ColorSpaceCMYK ColorSpace = "cmyk"
	ColorSpaceGray ColorSpace = "gray"
)

// Metadata holds extracted image information.
type Metadata struct {
	Width      int
	Height     int
	Format     Format
	ColorSpace ColorSpace
	HasAlpha   bool
	SizeBytes  int64
}

// ImageData is the in-memory representation passed through a pipeline.
// Data holds encoded bytes; Image holds the decoded bitmap once a decode step
// has run.
type ImageData struct {
	Data   []byte
	Format Format

	// Image is an image.Image for the Go codecs, or a backend-specific handle
	// (see adapters/vips).
	Image interface{}

	Meta Metadata

	// Quality is the factor in [0,1] the next encode step uses; 0 means the
	// encoder default.
	Quality float64

	OriginalSize int64
}

// Bitmap returns the decoded image.Image, if any.
func (d *ImageData) Bitmap() (image.Image, bool) {
	if d == nil {
		return nil, false
	}
	img, ok := d.Image.(image.Image)
	return img, ok && img != nil
}

// Bounds is a bounding box ceiling plus the encode quality to use once an
// image has been fitted into it. A zero axis is unbounded.
type Bounds struct {
	MaxWidth  int
	MaxHeight int
	Quality   float64 // [0,1]
}

// Region is a rectangle in source-bitmap pixel space.
type Region struct {
	X, Y          int
	Width, Height int
}

// Rect returns r as an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Empty reports whether r has no area.
func (r Region) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// EncodeQuality converts a [0,1] quality factor to the 1-100 scale codecs use.
// Zero (unset) maps to 0 so the encoder default applies.
func EncodeQuality(q float64) int {
	if q <= 0 {
		return 0
	}
	if q >= 1 {
		return 100
	}
	v := int(math.Round(q * 100))
	if v < 1 {
		v = 1
	}
	return v
}

// ProcessingResult is returned to the caller after the full pipeline completes.
type ProcessingResult struct {
	Primary  *ImageData
	Variants map[string]*ImageData // keyed by variant name

	ProcessingTime time.Duration
	StepTimings    map[string]time.Duration
}

// Source abstracts where raw bytes come from: a file picker blob, an upload
// body, a decoded data URL.
type Source struct {
	Reader      io.Reader
	ContentType string // declared media type, optional
	Name        string // optional file name
	Size        int64  // -1 if unknown
}

// Job encapsulates a single unit of work for the worker pool.
type Job struct {
	ID     string
	Ctx    context.Context //nolint:containedctx // intentional for async jobs
	Source Source
	Steps  []Step
	// Result channel; nil for fire-and-forget.
	ResultCh chan<- JobResult
}

// VariantDefinition instructs the pipeline to produce a named output variant.
type VariantDefinition struct {
	Name  string
	Steps []Step
}

// JobResult wraps the outcome of an async job.
type JobResult struct {
	JobID  string
	Result *ProcessingResult
	Err    error
}

// Step is the fundamental pipeline building block. Each Step transforms an
// *ImageData value and must be safe for concurrent use across goroutines.
type Step interface {
	Name() string
	Execute(ctx context.Context, img *ImageData) (*ImageData, error)
}

// Hook is an optional observer invoked around pipeline steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, img *ImageData)
	AfterStep(ctx context.Context, stepName string, img *ImageData, d time.Duration, err error)
}

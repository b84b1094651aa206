// Package formimage is the image capture pipeline behind the donation
// platform's forms: cap an upload to a bounding box, extract the region a
// user picked in the crop widget, compress it, and hand back a data URL ready
// to ride in a JSON form payload.
package formimage

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Skryldev/formimage/adapters/decoder"
	"github.com/Skryldev/formimage/adapters/encoder"
	"github.com/Skryldev/formimage/config"
	"github.com/Skryldev/formimage/core"
	"github.com/Skryldev/formimage/dataurl"
	"github.com/Skryldev/formimage/pipeline"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
)

// DefaultConfig returns the form defaults.
func DefaultConfig() config.Config { return config.Default() }

// Processor is the primary entry point.
type Processor struct {
	inner    *core.Processor
	reg      *core.DefaultRegistry
	format   core.Format
	geometry Geometry
	adaptive config.AdaptiveConfig
}

// Geometry builds the fit and extract steps for the bitmap type the
// registered decoders produce.
type Geometry interface {
	Fit(maxWidth, maxHeight int) core.Step
	Extract(region core.Region, maxWidth, maxHeight int) core.Step
}

// imagingGeometry works on image.Image bitmaps.
type imagingGeometry struct{}

func (imagingGeometry) Fit(w, h int) core.Step { return Fit(w, h) }

func (imagingGeometry) Extract(r core.Region, w, h int) core.Step { return Extract(r, w, h) }

// Result is the output of one pipeline stage: the image (bitmap and encoded
// bytes) plus its data URL.
type Result struct {
	Image   *core.ImageData
	DataURL string
	Timings map[string]time.Duration
}

// Width returns the pixel width of the result.
func (r *Result) Width() int { return r.Image.Meta.Width }

// Height returns the pixel height of the result.
func (r *Result) Height() int { return r.Image.Meta.Height }

// New creates a fully wired Processor with JPEG, PNG and WebP codecs
// registered.
func New(cfg config.Config) *Processor {
	reg := core.NewRegistry()
	reg.RegisterDecoder(core.FormatJPEG, decoder.NewJPEG())
	reg.RegisterDecoder(core.FormatPNG, decoder.NewPNG())
	reg.RegisterDecoder(core.FormatWebP, decoder.NewWebP())
	reg.RegisterEncoder(core.FormatJPEG, encoder.NewJPEG(cfg.DefaultQuality))
	reg.RegisterEncoder(core.FormatPNG, encoder.NewPNG())
	reg.RegisterEncoder(core.FormatWebP, encoder.NewWebP(cfg.DefaultQuality))

	format := core.Format(cfg.OutputFormat)
	if format.MediaType() == "" {
		format = core.FormatJPEG
	}
	return &Processor{
		inner:    core.New(cfg, reg),
		reg:      reg,
		format:   format,
		geometry: imagingGeometry{},
		adaptive: cfg.AdaptiveCompression,
	}
}

// Inner exposes the underlying core.Processor.
func (p *Processor) Inner() *core.Processor { return p.inner }

// Registry returns the codec registry.
func (p *Processor) Registry() core.Registry { return p.reg }

// SetGeometry replaces the fit and extract steps used by Resize and Extract.
// Call it after registering codecs that decode to a different bitmap type.
func (p *Processor) SetGeometry(g Geometry) { p.geometry = g }

// SetLogger attaches a structured logger.
func (p *Processor) SetLogger(l core.Logger) { p.inner.SetLogger(l) }

// SetMetrics attaches a metrics collector.
func (p *Processor) SetMetrics(m core.MetricsCollector) { p.inner.SetMetrics(m) }

// SetTracer enables OpenTelemetry spans per run and per step.
func (p *Processor) SetTracer(t trace.Tracer) { p.inner.SetTracer(t) }

// AddHook registers an observer for pipeline step events.
func (p *Processor) AddHook(h core.Hook) { p.inner.AddHook(h) }

// RegisterDecoder registers a custom decoder for the given format.
func (p *Processor) RegisterDecoder(f core.Format, d core.Decoder) { p.reg.RegisterDecoder(f, d) }

// RegisterEncoder registers a custom encoder for the given format.
func (p *Processor) RegisterEncoder(f core.Format, e core.Encoder) { p.reg.RegisterEncoder(f, e) }

// Start starts the background worker pool.
func (p *Processor) Start() { p.inner.Start() }

// Stop shuts down the worker pool.
func (p *Processor) Stop() { p.inner.Stop() }

// ── pipeline stages ───────────────────────────────────────────────────────────

// Resize caps an upload to b, preserving aspect ratio and never upscaling,
// and re-encodes it in the output format at b.Quality. Uploads over the size
// ceiling are rejected before anything is decoded.
func (p *Processor) Resize(ctx context.Context, src core.Source, b core.Bounds) (*Result, error) {
	res, err := p.inner.Process(ctx, src,
		DecodeWith(p.reg),
		p.geometry.Fit(b.MaxWidth, b.MaxHeight),
		ConvertFormat(p.format),
		Quality(b.Quality),
		EncodeWith(p.reg, core.EncodeOptions{}),
	)
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Extract draws region of img onto a new bitmap scaled down to fit b and
// encodes it at b.Quality. img must carry a decoded bitmap, as a Resize
// result does.
func (p *Processor) Extract(ctx context.Context, img *core.ImageData, region core.Region, b core.Bounds) (*Result, error) {
	res, err := p.inner.Run(ctx, img,
		p.geometry.Extract(region, b.MaxWidth, b.MaxHeight),
		ConvertFormat(p.format),
		Quality(b.Quality),
		EncodeWith(p.reg, core.EncodeOptions{}),
	)
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Compress re-encodes img at quality and keeps the smaller encoding. With
// adaptive compression enabled it then searches for a quality that brings the
// output under the configured target.
func (p *Processor) Compress(ctx context.Context, img *core.ImageData, quality float64) (*Result, error) {
	steps := []core.Step{Compress(p.reg, quality)}
	if a := p.adaptive; a.Enabled {
		steps = append(steps, AdaptiveCompress(p.reg, a.TargetSizeBytes, a.MinQuality, a.MaxQuality, a.StepSize))
	}
	res, err := p.inner.Run(ctx, img, steps...)
	if err != nil {
		return nil, err
	}
	return toResult(res)
}

// Process executes the provided steps synchronously and returns the result.
func (p *Processor) Process(ctx context.Context, src core.Source, steps ...core.Step) (*core.ProcessingResult, error) {
	return p.inner.Process(ctx, src, steps...)
}

// Run executes steps on an image already in memory.
func (p *Processor) Run(ctx context.Context, img *core.ImageData, steps ...core.Step) (*core.ProcessingResult, error) {
	return p.inner.Run(ctx, img, steps...)
}

// Batch runs the same steps on multiple sources concurrently.
func (p *Processor) Batch(ctx context.Context, sources []core.Source, steps ...core.Step) ([]*core.ProcessingResult, []error) {
	return p.inner.Batch(ctx, sources, steps...)
}

// ProcessVariants runs base steps and then produces named variants in parallel.
func (p *Processor) ProcessVariants(
	ctx context.Context,
	src core.Source,
	baseSteps []core.Step,
	variants []core.VariantDefinition,
) (*core.ProcessingResult, error) {
	return p.inner.ProcessVariants(ctx, src, baseSteps, variants)
}

// Submit enqueues an async job for the worker pool and returns its ID.
func (p *Processor) Submit(job core.Job) (string, error) { return p.inner.Submit(job) }

// NewPipeline creates a reusable, standalone pipeline.
func (p *Processor) NewPipeline(steps ...core.Step) *pipeline.Pipeline {
	return pipeline.New().Use(steps...)
}

// Stats returns lightweight processing statistics.
func (p *Processor) Stats() (processed, errors int64) {
	return p.inner.ProcessedCount(), p.inner.ErrorCount()
}

func toResult(res *core.ProcessingResult) (*Result, error) {
	s, err := dataurl.Encode(res.Primary)
	if err != nil {
		return nil, err
	}
	return &Result{Image: res.Primary, DataURL: s, Timings: res.StepTimings}, nil
}

// ── Source constructors ────────────────────────────────────────────────────────

// FromReader creates a Source from an io.Reader.
func FromReader(r io.Reader) core.Source { return core.Source{Reader: r, Size: -1} }

// FromReaderWithMeta creates a Source with known size and content-type hints,
// as a file picker reports them.
func FromReaderWithMeta(r io.Reader, size int64, contentType, name string) core.Source {
	return core.Source{Reader: r, Size: size, ContentType: contentType, Name: name}
}

// FromDataURL turns a serialized image back into a Source.
func FromDataURL(s string) (core.Source, error) { return dataurl.Decode(s) }

// Bounds converts configured bounds to core.Bounds.
func Bounds(b config.Bounds) core.Bounds {
	return core.Bounds{MaxWidth: b.MaxWidth, MaxHeight: b.MaxHeight, Quality: b.Quality}
}

// ── Step constructors ─────────────────────────────────────────────────────────

// DecodeWith returns a decode step bound to the given registry.
func DecodeWith(reg core.Registry) core.Step { return &pipeline.DecodeStep{Registry: reg} }

// Fit returns a step that scales the bitmap down into a bounding box.
func Fit(maxWidth, maxHeight int) core.Step {
	return &pipeline.FitStep{MaxWidth: maxWidth, MaxHeight: maxHeight}
}

// Extract returns a step that crops region and fits it into the ceiling.
func Extract(region core.Region, maxWidth, maxHeight int) core.Step {
	return &pipeline.ExtractStep{Region: region, MaxWidth: maxWidth, MaxHeight: maxHeight}
}

// Quality stores the quality factor in [0,1] for the next encode step.
func Quality(q float64) core.Step { return &pipeline.QualityStep{Quality: q} }

// ConvertFormat instructs subsequent steps to use the given output format.
func ConvertFormat(f core.Format) core.Step { return &pipeline.FormatStep{Format: f} }

// EncodeWith returns an encode step bound to the given registry and options.
func EncodeWith(reg core.Registry, opts core.EncodeOptions) core.Step {
	return &pipeline.EncodeStep{Registry: reg, BaseOptions: opts}
}

// Compress returns the second-pass compression step.
func Compress(reg core.Registry, quality float64) core.Step {
	return &pipeline.CompressStep{Registry: reg, Quality: quality}
}

// AdaptiveCompress returns a step that lowers quality from maxQ by step
// until the output fits targetBytes or minQ is reached. step <= 0 means 5.
func AdaptiveCompress(reg core.Registry, targetBytes int64, minQ, maxQ, step int) core.Step {
	return &pipeline.AdaptiveCompressStep{
		Registry:        reg,
		TargetSizeBytes: targetBytes,
		MinQuality:      minQ,
		MaxQuality:      maxQ,
		StepSize:        step,
	}
}

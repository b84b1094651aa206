// Package pipeline provides built-in pipeline steps and the extensible Step API.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
	"github.com/Skryldev/formimage/utils"
)

// ── Decode ────────────────────────────────────────────────────────────────────

// DecodeStep decodes raw bytes in img.Data into an image.Image.
type DecodeStep struct {
	Registry core.Registry
}

func (s *DecodeStep) Name() string { return "decode" }

func (s *DecodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if img.Image != nil {
		return img, nil // already decoded
	}
	if len(img.Data) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(), apperrors.ErrEmptyInput)
	}
	dec, ok := s.Registry.DecoderFor(img.Format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryDecode, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, img.Format))
	}

	decoded, err := dec.Decode(ctx, bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}

	decoded.Data = img.Data
	decoded.Meta.SizeBytes = int64(len(img.Data))
	decoded.Quality = img.Quality
	decoded.OriginalSize = img.OriginalSize
	return decoded, nil
}

// ── Fit ───────────────────────────────────────────────────────────────────────

// FitStep scales the bitmap down to fit a bounding box, preserving aspect
// ratio. Images that already fit pass through untouched; nothing is scaled up.
type FitStep struct {
	MaxWidth, MaxHeight int
	// Filter controls quality vs speed.  Defaults to imaging.Lanczos.
	Filter imaging.ResampleFilter
}

func (s *FitStep) Name() string { return "fit" }

func (s *FitStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	src, ok := img.Bitmap()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrNoBitmap)
	}

	b := src.Bounds()
	dstW, dstH := utils.FitDimensions(b.Dx(), b.Dy(), s.MaxWidth, s.MaxHeight)
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrInvalidDimensions)
	}
	if dstW == b.Dx() && dstH == b.Dy() {
		return img, nil
	}
	return withBitmap(img, imaging.Resize(src, dstW, dstH, filterOrDefault(s.Filter))), nil
}

// ── Extract ───────────────────────────────────────────────────────────────────

// ExtractStep copies Region out of the bitmap onto a fresh canvas and scales
// it down to fit MaxWidth x MaxHeight. The region must lie inside the bitmap.
type ExtractStep struct {
	Region              core.Region
	MaxWidth, MaxHeight int
	Filter              imaging.ResampleFilter
}

func (s *ExtractStep) Name() string { return "extract" }

func (s *ExtractStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	src, ok := img.Bitmap()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrNoBitmap)
	}

	b := src.Bounds()
	rect := s.Region.Rect().Add(b.Min)
	if s.Region.Empty() || !rect.In(b) {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("%w: %v not in %v", apperrors.ErrInvalidRegion, s.Region.Rect(), image.Rect(0, 0, b.Dx(), b.Dy())))
	}

	var dst image.Image = imaging.Crop(src, rect)
	w, h := utils.FitDimensions(s.Region.Width, s.Region.Height, s.MaxWidth, s.MaxHeight)
	if w != s.Region.Width || h != s.Region.Height {
		dst = imaging.Resize(dst, w, h, filterOrDefault(s.Filter))
	}
	return withBitmap(img, dst), nil
}

// ── Format conversion ─────────────────────────────────────────────────────────

// FormatStep sets the output format for the subsequent encode step.
type FormatStep struct {
	Format core.Format
}

func (s *FormatStep) Name() string { return "format" }

func (s *FormatStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Format.MediaType() == "" {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, s.Format))
	}
	out := *img
	out.Format = s.Format
	out.Meta.Format = s.Format
	if img.Format != s.Format {
		out.Data = nil
		out.Meta.SizeBytes = 0
	}
	return &out, nil
}

// ── Quality ───────────────────────────────────────────────────────────────────

// QualityStep records the quality factor in [0,1] consumed by EncodeStep.
type QualityStep struct {
	Quality float64
}

func (s *QualityStep) Name() string { return "quality" }

func (s *QualityStep) Execute(_ context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Quality < 0 || s.Quality > 1 {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("quality %v outside [0,1]", s.Quality))
	}
	out := *img
	out.Quality = s.Quality
	return &out, nil
}

// ── Encode ────────────────────────────────────────────────────────────────────

// EncodeStep serialises the bitmap into encoded bytes using the registry.
// An encoder that yields no bytes is an error.
type EncodeStep struct {
	Registry    core.Registry
	BaseOptions core.EncodeOptions
}

func (s *EncodeStep) Name() string { return "encode" }

func (s *EncodeStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	opts := s.BaseOptions
	if img.Quality > 0 {
		opts.Quality = core.EncodeQuality(img.Quality)
	}
	data, err := encode(ctx, s.Registry, img, opts, s.Name())
	if err != nil {
		return nil, err
	}
	return withData(img, data), nil
}

// ── Compress ──────────────────────────────────────────────────────────────────

// CompressStep is the second, lower-quality encode pass. It re-encodes from
// the bitmap at Quality and keeps whichever encoding is smaller, so running it
// never grows the output.
type CompressStep struct {
	Registry core.Registry
	Quality  float64 // [0,1]
}

func (s *CompressStep) Name() string { return "compress" }

func (s *CompressStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.Quality <= 0 {
		return img, nil
	}
	data, err := encode(ctx, s.Registry, img, core.EncodeOptions{Quality: core.EncodeQuality(s.Quality)}, s.Name())
	if err != nil {
		return nil, err
	}
	if len(img.Data) > 0 && len(data) >= len(img.Data) {
		return img, nil
	}
	out := withData(img, data)
	out.Quality = s.Quality
	return out, nil
}

// ── AdaptiveCompress ──────────────────────────────────────────────────────────

// AdaptiveCompressStep iteratively lowers JPEG/WebP quality until the output
// fits TargetSizeBytes or MinQuality is reached.
type AdaptiveCompressStep struct {
	Registry        core.Registry
	TargetSizeBytes int64
	MinQuality      int
	MaxQuality      int
	StepSize        int
}

func (s *AdaptiveCompressStep) Name() string { return "adaptive_compress" }

func (s *AdaptiveCompressStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if s.TargetSizeBytes <= 0 || img.Format == core.FormatPNG {
		return img, nil
	}
	if int64(len(img.Data)) > 0 && int64(len(img.Data)) <= s.TargetSizeBytes {
		return img, nil
	}

	quality := s.MaxQuality
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	minQ := s.MinQuality
	if minQ <= 0 {
		minQ = 1
	}
	step := s.StepSize
	if step <= 0 {
		step = 5
	}

	var best []byte
	for ; quality >= minQ; quality -= step {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
		}
		data, err := encode(ctx, s.Registry, img, core.EncodeOptions{Quality: quality}, s.Name())
		if err != nil {
			return nil, err
		}
		if best == nil || len(data) < len(best) {
			best = data
		}
		if int64(len(data)) <= s.TargetSizeBytes {
			break
		}
	}
	if len(img.Data) > 0 && len(best) >= len(img.Data) {
		return img, nil
	}
	return withData(img, best), nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func encode(ctx context.Context, reg core.Registry, img *core.ImageData, opts core.EncodeOptions, op string) ([]byte, error) {
	if reg == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, op, fmt.Errorf("no registry"))
	}
	enc, ok := reg.EncoderFor(img.Format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, img.Format))
	}
	data, err := enc.Encode(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CategoryEncode, op, apperrors.ErrEmptyResult)
	}
	return data, nil
}

// withBitmap returns a copy of img holding dst; stale encoded bytes are dropped.
func withBitmap(img *core.ImageData, dst image.Image) *core.ImageData {
	out := *img
	out.Image = dst
	out.Data = nil
	out.Meta.Width = dst.Bounds().Dx()
	out.Meta.Height = dst.Bounds().Dy()
	out.Meta.SizeBytes = 0
	return &out
}

func withData(img *core.ImageData, data []byte) *core.ImageData {
	out := *img
	out.Data = data
	out.Meta.SizeBytes = int64(len(data))
	return &out
}

func filterOrDefault(f imaging.ResampleFilter) imaging.ResampleFilter {
	if f.Kernel == nil {
		return imaging.Lanczos
	}
	return f
}

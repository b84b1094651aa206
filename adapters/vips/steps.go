package vips

import (
	"context"
	"fmt"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
	"github.com/Skryldev/formimage/utils"
)

// FitStep scales a libvips image down into MaxWidth x MaxHeight with the
// Lanczos3 kernel. Images that already fit pass through.
type FitStep struct {
	MaxWidth, MaxHeight int
}

func (s *FitStep) Name() string { return "vips.fit" }

func (s *FitStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	vi, err := vipsImage(img, s.Name())
	if err != nil {
		return nil, err
	}
	w, h := vi.Width(), vi.Height()
	dstW, dstH := utils.FitDimensions(w, h, s.MaxWidth, s.MaxHeight)
	if dstW == w && dstH == h {
		return img, nil
	}
	ref, err := vi.ref.Copy()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := scaleTo(ref, dstW, dstH); err != nil {
		ref.Close()
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	return withRef(img, ref), nil
}

// ExtractStep crops Region out of a libvips image and scales the result down
// into MaxWidth x MaxHeight.
type ExtractStep struct {
	Region              core.Region
	MaxWidth, MaxHeight int
}

func (s *ExtractStep) Name() string { return "vips.extract" }

func (s *ExtractStep) Execute(ctx context.Context, img *core.ImageData) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	vi, err := vipsImage(img, s.Name())
	if err != nil {
		return nil, err
	}
	r := s.Region
	if r.Empty() || r.X < 0 || r.Y < 0 || r.X+r.Width > vi.Width() || r.Y+r.Height > vi.Height() {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("%w: %v not in %dx%d", apperrors.ErrInvalidRegion, r.Rect(), vi.Width(), vi.Height()))
	}

	ref, err := vi.ref.Copy()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := ref.ExtractArea(r.X, r.Y, r.Width, r.Height); err != nil {
		ref.Close()
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	dstW, dstH := utils.FitDimensions(r.Width, r.Height, s.MaxWidth, s.MaxHeight)
	if dstW != r.Width || dstH != r.Height {
		if err := scaleTo(ref, dstW, dstH); err != nil {
			ref.Close()
			return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
		}
	}
	return withRef(img, ref), nil
}

func vipsImage(img *core.ImageData, op string) (*VipsImage, error) {
	vi, ok := img.Image.(*VipsImage)
	if !ok || vi == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrNoBitmap)
	}
	return vi, nil
}

func scaleTo(ref *govips.ImageRef, w, h int) error {
	hs := float64(w) / float64(ref.Width())
	vs := float64(h) / float64(ref.Height())
	return ref.ResizeWithVScale(hs, vs, govips.KernelLanczos3)
}

func withRef(img *core.ImageData, ref *govips.ImageRef) *core.ImageData {
	out := *img
	out.Image = wrap(ref)
	out.Data = nil
	out.Meta.Width = ref.Width()
	out.Meta.Height = ref.Height()
	out.Meta.SizeBytes = 0
	return &out
}

var (
	_ core.Step = (*FitStep)(nil)
	_ core.Step = (*ExtractStep)(nil)
)

// Geometry supplies FitStep and ExtractStep to a formimage.Processor whose
// registry decodes with the libvips backend.
type Geometry struct{}

func (Geometry) Fit(maxWidth, maxHeight int) core.Step {
	return &FitStep{MaxWidth: maxWidth, MaxHeight: maxHeight}
}

func (Geometry) Extract(region core.Region, maxWidth, maxHeight int) core.Step {
	return &ExtractStep{Region: region, MaxWidth: maxWidth, MaxHeight: maxHeight}
}

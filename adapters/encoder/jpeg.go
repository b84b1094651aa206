// Package encoder provides format-specific image encoders.
package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
)

// JPEG encodes images to JPEG. Transparent pixels are flattened onto Matte
// because JPEG has no alpha channel.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
	Matte          color.Color
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &JPEG{DefaultQuality: defaultQuality, Matte: color.White}
}

func (j *JPEG) CanEncode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}

	src, ok := img.Bitmap()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, "jpeg.encode", apperrors.ErrNoBitmap)
	}

	quality := opts.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, j.flatten(src), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "jpeg.encode", err)
	}
	return buf.Bytes(), nil
}

func (j *JPEG) flatten(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); !ok || o.Opaque() {
		return src
	}
	matte := j.Matte
	if matte == nil {
		matte = color.White
	}
	b := src.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), matte)
	return imaging.Overlay(bg, src, image.Pt(0, 0), 1.0)
}

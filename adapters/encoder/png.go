package encoder

import (
	"bytes"
	"context"
	"image/png"

	"github.com/disintegration/imaging"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
)

// PNG encodes images to PNG. Quality is ignored; Lossless selects the best
// compression level.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}

	src, ok := img.Bitmap()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryEncode, "png.encode", apperrors.ErrNoBitmap)
	}

	level := png.DefaultCompression
	if opts.Lossless {
		level = png.BestCompression
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG, imaging.PNGCompressionLevel(level)); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	return buf.Bytes(), nil
}

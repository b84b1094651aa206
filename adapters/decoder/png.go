package decoder

import (
	"context"
	"io"

	"github.com/Skryldev/formimage/core"
)

// PNG decodes PNG images.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanDecode(format core.Format) bool {
	return format == core.FormatPNG
}

func (p *PNG) Decode(ctx context.Context, r io.Reader) (*core.ImageData, error) {
	return decodeWithImaging(ctx, r, core.FormatPNG, "png.decode")
}

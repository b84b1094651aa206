package utils

import (
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	formatJPEG    = "jpeg"
	formatPNG     = "png"
	formatWebP    = "webp"
	formatUnknown = "unknown"
)

// DetectFormat sniffs the leading bytes of data and returns the image format.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return formatUnknown
	}
	return formatFromMIME(mimetype.Detect(data).String())
}

// DetectMediaType returns the sniffed MIME type of data without parameters.
func DetectMediaType(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// IsImageMediaType reports whether ct is an image/* media type.
func IsImageMediaType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
}

func formatFromMIME(mt string) string {
	switch {
	case strings.HasPrefix(mt, "image/jpeg"):
		return formatJPEG
	case strings.HasPrefix(mt, "image/png"):
		return formatPNG
	case strings.HasPrefix(mt, "image/webp"):
		return formatWebP
	}
	return formatUnknown
}

// FitDimensions returns the largest (w, h) with the aspect ratio of
// srcW x srcH that fits inside maxW x maxH. Images that already fit are
// returned unchanged; nothing is ever scaled up. A max of 0 leaves that axis
// unbounded.
func FitDimensions(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0
	}
	ratio := 1.0
	if maxW > 0 && srcW > maxW {
		ratio = float64(maxW) / float64(srcW)
	}
	if maxH > 0 && srcH > maxH {
		if r := float64(maxH) / float64(srcH); r < ratio {
			ratio = r
		}
	}
	if ratio >= 1 {
		return srcW, srcH
	}
	w := clampDim(int(math.Round(float64(srcW)*ratio)), maxW)
	h := clampDim(int(math.Round(float64(srcH)*ratio)), maxH)
	return w, h
}

func clampDim(v, max int) int {
	if v < 1 {
		v = 1
	}
	if max > 0 && v > max {
		v = max
	}
	return v
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

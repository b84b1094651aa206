// Package dataurl turns encoded images into RFC 2397 data URLs and back, the
// self-describing text form that rides inside JSON form payloads.
package dataurl

import (
	"bytes"
	"fmt"
	"strings"

	rfc2397 "github.com/vincent-petithory/dataurl"

	"github.com/Skryldev/formimage/core"
	apperrors "github.com/Skryldev/formimage/errors"
	"github.com/Skryldev/formimage/utils"
)

// Encode returns img.Data as a base64 data URL labelled with img.Format's
// media type. The whole image is held in memory.
func Encode(img *core.ImageData) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", apperrors.New(apperrors.CategoryEncode, "dataurl.encode", apperrors.ErrEmptyResult)
	}
	mt := img.Format.MediaType()
	if mt == "" {
		mt = utils.DetectMediaType(img.Data)
	}
	if !utils.IsImageMediaType(mt) {
		return "", apperrors.New(apperrors.CategoryEncode, "dataurl.encode",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, mt))
	}
	return rfc2397.New(img.Data, mt).String(), nil
}

// Decode parses a data URL into a Source so a previously serialized image can
// re-enter the pipeline.
func Decode(s string) (core.Source, error) {
	if !strings.HasPrefix(s, "data:") {
		return core.Source{}, apperrors.New(apperrors.CategoryInput, "dataurl.decode",
			fmt.Errorf("not a data URL"))
	}
	du, err := rfc2397.DecodeString(s)
	if err != nil {
		return core.Source{}, apperrors.Wrap(apperrors.CategoryInput, "dataurl.decode", err)
	}
	return core.Source{
		Reader:      bytes.NewReader(du.Data),
		ContentType: du.ContentType(),
		Size:        int64(len(du.Data)),
	}, nil
}

// PayloadSize returns the length of the base64 payload in s, excluding the
// "data:...;base64," header.
func PayloadSize(s string) int {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return len(s) - i - 1
	}
	return len(s)
}

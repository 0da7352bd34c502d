package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// Image represents an image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// DetectFormat sniffs the format of encoded image bytes.
func DetectFormat(data []byte) (ImageFormat, error) {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return FormatJPEG, nil
	case "image/png":
		return FormatPNG, nil
	case "image/webp":
		return FormatWebP, nil
	default:
		return "", errors.New("unsupported image format")
	}
}

// Decode decodes JPEG, PNG or WebP bytes.
//
// Arguments:
//   - data: The encoded image.
//
// Returns:
//   - *Image: The image header (format and dimensions) holding data.
//   - image.Image: The decoded pixels.
//   - error: An error if the format is unknown or decoding fails.
func Decode(data []byte) (*Image, image.Image, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return nil, nil, err
	}

	var img image.Image
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(data))
	case FormatWebP:
		img, err = webp.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to decode %s image", format)
	}

	b := img.Bounds()
	return &Image{
		Format: format,
		Data:   data,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, img, nil
}

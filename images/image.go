// Package images - Image definition for processing utilities.
package images

import (
	"bytes"
	"image"
	// Registered decoders for image.Decode.
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
)

// ErrEmptyImage is returned when an image carries no pixel data.
var ErrEmptyImage = errors.New("image data is empty")

// Image represents an encoded image with a format, data, width, and height.
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
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// Decode decodes the encoded bytes into an image.Image and fills in the format and
// dimensions of img.
//
// Arguments:
//   - img: The encoded image. Width, Height and Format are overwritten.
//
// Returns:
//   - image.Image: The decoded image.
//   - error: ErrEmptyImage, or the wrapped decoder error.
func Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}

	decoded, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}

	img.Format = ImageFormat(format)
	img.Width = decoded.Bounds().Dx()
	img.Height = decoded.Bounds().Dy()

	return decoded, nil
}

// SizeOf returns the (height, width) of an image from its bounds.
func SizeOf(img image.Image) Size {
	b := img.Bounds()
	return Size{Height: b.Dy(), Width: b.Dx()}
}

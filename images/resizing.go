package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageNet channel statistics in [0, 1] pixel scale.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// TensorOptions controls how an image is turned into a model input.
type TensorOptions struct {
	// Size is the square model input resolution.
	Size int `json:"size" yaml:"size"`
	// Mean is subtracted per channel after scaling pixels to [0, 1].
	Mean [3]float32 `json:"mean" yaml:"mean"`
	// Std divides each channel after mean subtraction.
	Std [3]float32 `json:"std" yaml:"std"`
}

// DefaultTensorOptions returns ImageNet normalization at the given square size.
func DefaultTensorOptions(size int) TensorOptions {
	return TensorOptions{
		Size: size,
		Mean: ImageNetMean,
		Std:  ImageNetStd,
	}
}

// ToTensor resizes img to opts.Size x opts.Size and returns its normalized pixels in
// CHW order (RGB).
//
// Arguments:
//   - img: The image to convert.
//   - opts: The target size and normalization.
//
// Returns:
//   - []float32: 3 * Size * Size values.
//   - error: If the options are unusable.
func ToTensor(img image.Image, opts TensorOptions) ([]float32, error) {
	if opts.Size <= 0 {
		return nil, errors.Errorf("invalid tensor size %d", opts.Size)
	}
	for c := 0; c < 3; c++ {
		if opts.Std[c] == 0 {
			return nil, errors.Errorf("std for channel %d is zero", c)
		}
	}

	size := opts.Size
	if img.Bounds().Dx() != size || img.Bounds().Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	}

	channelSize := size * size
	data := make([]float32, channelSize*3)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	bounds := img.Bounds()
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			red[i] = (float32(r>>8)/255.0 - opts.Mean[0]) / opts.Std[0]
			green[i] = (float32(g>>8)/255.0 - opts.Mean[1]) / opts.Std[1]
			blue[i] = (float32(b>>8)/255.0 - opts.Mean[2]) / opts.Std[2]
			i++
		}
	}

	return data, nil
}

// BatchToTensor converts and stacks images into a [N, 3, Size, Size] tensor.
//
// Arguments:
//   - imgs: The images to convert.
//   - opts: The target size and normalization.
//
// Returns:
//   - *tensor.Dense: The stacked batch.
//   - error: If imgs is empty or any conversion fails.
func BatchToTensor(imgs []image.Image, opts TensorOptions) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, errors.New("no images to convert")
	}

	per := 3 * opts.Size * opts.Size
	backing := make([]float32, 0, per*len(imgs))
	for i, img := range imgs {
		data, err := ToTensor(img, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to convert image %d", i)
		}
		backing = append(backing, data...)
	}

	return tensor.New(
		tensor.WithShape(len(imgs), 3, opts.Size, opts.Size),
		tensor.WithBacking(backing),
	), nil
}

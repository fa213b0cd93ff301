package postprocess

import (
	"github.com/nvr-ai/go-effdet/images"
	"github.com/pkg/errors"
)

var (
	// ErrBatchMismatch is returned when per-image inputs of a batch differ in length.
	ErrBatchMismatch = errors.New("batch lengths do not match")
	// ErrInvalidModelSize is returned for a non-positive model input size.
	ErrInvalidModelSize = errors.New("model size must be positive")
)

// RescaleBoxes maps boxes from the square model space back to original image pixels.
// The x coordinates are scaled by width/modelSize and the y coordinates by
// height/modelSize.
//
// Arguments:
//   - boxes: Model-space boxes, one slice per image.
//   - sizes: The original size of each image, aligned with boxes.
//   - modelSize: The side length of the model input.
//
// Returns:
//   - [][]images.Rect: Rescaled boxes. Images without boxes get their input slice back.
//   - error: ErrBatchMismatch or ErrInvalidModelSize.
//
// Example:
//
// ```go
//
//	out, err := postprocess.RescaleBoxes(
//	    [][]images.Rect{{{X1: 100, Y1: 100, X2: 200, Y2: 200}}},
//	    []images.Size{{Height: 1024, Width: 768}},
//	    512,
//	)
//	// out[0][0] == images.Rect{X1: 150, Y1: 200, X2: 300, Y2: 400}
//
// ```
func RescaleBoxes(boxes [][]images.Rect, sizes []images.Size, modelSize int) ([][]images.Rect, error) {
	if len(boxes) != len(sizes) {
		return nil, errors.Wrapf(ErrBatchMismatch, "%d box sets for %d image sizes", len(boxes), len(sizes))
	}
	if modelSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidModelSize, "got %d", modelSize)
	}

	out := make([][]images.Rect, len(boxes))
	for i, b := range boxes {
		out[i] = rescaleImage(b, sizes[i], modelSize)
	}

	return out, nil
}

// Rescale maps the boxes of a single prediction back to the original image size.
func Rescale(p Prediction, size images.Size, modelSize int) (Prediction, error) {
	if modelSize <= 0 {
		return Prediction{}, errors.Wrapf(ErrInvalidModelSize, "got %d", modelSize)
	}

	return Prediction{
		Boxes:   rescaleImage(p.Boxes, size, modelSize),
		Scores:  p.Scores,
		Classes: p.Classes,
	}, nil
}

func rescaleImage(boxes []images.Rect, size images.Size, modelSize int) []images.Rect {
	if len(boxes) == 0 {
		return boxes
	}

	sx := float32(size.Width) / float32(modelSize)
	sy := float32(size.Height) / float32(modelSize)

	out := make([]images.Rect, len(boxes))
	for i, b := range boxes {
		out[i] = b.Scale(sx, sy)
	}
	return out
}

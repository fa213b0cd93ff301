package effdet

import (
	"context"
	"image"
	"time"

	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/nvr-ai/go-effdet/models/postprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrInputShape is returned when an input tensor is not [N, C, S, S] or [C, S, S]
// with S equal to the model image size.
var ErrInputShape = errors.New("input tensor has the wrong shape")

// PredictImages runs the detector on decoded images of any size.
//
// Each image is resized to the model input size and normalized with the configured
// mean and std. Boxes are returned in the pixel space of the original image.
//
// Arguments:
//   - ctx: Cancels the call between stages.
//   - imgs: The images to detect objects in.
//
// Returns:
//   - *Predictions: Boxes, labels and confidences per image, in input order.
//   - error: If preprocessing, the forward pass or post-processing fails.
//
// Example:
//
// ```go
//
//	preds, err := detector.PredictImages(ctx, []image.Image{img})
//	if err != nil {
//	    return err
//	}
//	for i, box := range preds.Boxes[0] {
//	    fmt.Printf("%v %d %.2f\n", box, preds.Labels[0][i], preds.Confidences[0][i])
//	}
//
// ```
func (m *EfficientDet) PredictImages(ctx context.Context, imgs []image.Image) (*Predictions, error) {
	if len(imgs) == 0 {
		return newPredictions(0), nil
	}

	start := time.Now()
	done := m.profiler.StartOperation("preprocess")
	sizes := make([]images.Size, len(imgs))
	for i, img := range imgs {
		sizes[i] = images.SizeOf(img)
	}

	batch, err := images.BatchToTensor(imgs, images.TensorOptions{
		Size: m.options.ImageSize,
		Mean: m.options.Mean,
		Std:  m.options.Std,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to preprocess images")
	}
	done()
	m.log.Debugf("Preprocessed %v images in %v", len(imgs), time.Since(start))

	return m.runInference(ctx, batch, sizes)
}

// PredictTensor runs the detector on an already transformed [N, C, S, S] or [C, S, S]
// tensor. Boxes are returned in model space.
func (m *EfficientDet) PredictTensor(ctx context.Context, t *tensor.Dense) (*Predictions, error) {
	if t == nil {
		return nil, errors.Wrap(ErrInputShape, "nil tensor")
	}

	shape := t.Shape()
	if shape.Dims() == 3 {
		promoted, ok := t.Clone().(*tensor.Dense)
		if !ok {
			return nil, errors.Wrap(ErrInputShape, "cannot promote tensor")
		}
		if err := promoted.Reshape(1, shape[0], shape[1], shape[2]); err != nil {
			return nil, errors.Wrap(err, "failed to add batch dimension")
		}
		t = promoted
		shape = t.Shape()
	}

	size := m.options.ImageSize
	if shape.Dims() != 4 || shape[2] != size || shape[3] != size {
		return nil, errors.Wrapf(ErrInputShape, "input tensors must be of shape (N, 3, %d, %d), got %v",
			size, size, shape)
	}

	sizes := make([]images.Size, shape[0])
	for i := range sizes {
		sizes[i] = images.Size{Height: size, Width: size}
	}

	return m.runInference(ctx, t, sizes)
}

func (m *EfficientDet) runInference(ctx context.Context, batch *tensor.Dense, sizes []images.Size) (*Predictions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	done := m.profiler.StartOperation("forward")
	targets := model.NewDummyTargets(len(sizes), m.options.ImageSize)
	out, err := m.network.Forward(ctx, batch, targets)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}
	done()
	if out == nil || out.Detections == nil {
		return nil, errors.New("network returned no detections")
	}
	m.log.Debugf("Forward pass on %v images took %v", len(sizes), time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	done = m.profiler.StartOperation("postprocess")
	fused, err := m.PostProcessDetections(out.Detections)
	if err != nil {
		return nil, err
	}
	if len(fused) != len(sizes) {
		return nil, errors.Wrapf(postprocess.ErrBatchMismatch, "network returned %d detection sets for %d images",
			len(fused), len(sizes))
	}

	boxes := make([][]images.Rect, len(fused))
	for i, p := range fused {
		boxes[i] = p.Boxes
	}
	scaled, err := postprocess.RescaleBoxes(boxes, sizes, m.options.ImageSize)
	if err != nil {
		return nil, err
	}

	preds := newPredictions(len(fused))
	for i, p := range fused {
		preds.Boxes[i] = scaled[i]
		preds.Labels[i] = p.Classes
		preds.Confidences[i] = p.Scores
		m.profiler.RecordMetric("detections_per_image", float64(len(p.Boxes)))
	}
	done()
	m.log.Debugf("Post-processed %v images in %v", len(sizes), time.Since(start))

	return preds, nil
}

// PostProcessDetections decodes a [N, K, 6] detection tensor, drops rows at or below
// the confidence threshold and fuses each image's boxes in model space.
func (m *EfficientDet) PostProcessDetections(detections *tensor.Dense) ([]postprocess.Prediction, error) {
	decoded, err := postprocess.DecodeBatch(detections, m.options.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	return m.ensembler.RunWBF(decoded, m.options.ImageSize)
}

func newPredictions(n int) *Predictions {
	return &Predictions{
		Boxes:       make([][]images.Rect, n),
		Labels:      make([][]int, n),
		Confidences: make([][]float32, n),
	}
}

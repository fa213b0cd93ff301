package effdet

import (
	"context"

	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrNoOutputs is returned when there is nothing to aggregate.
var ErrNoOutputs = errors.New("no validation outputs")

// Target is the ground truth of one validation image. Boxes are stored y1, x1, y2, x2.
type Target struct {
	ImageID int          `json:"image_id"`
	Boxes   [][4]float32 `json:"bboxes"`
	Labels  []int        `json:"labels"`
}

// Batch is one validation batch.
type Batch struct {
	// Images is a [N, 3, S, S] tensor.
	Images *tensor.Dense
	// Annotations are passed to the network for loss computation.
	Annotations model.Targets
	// Targets are kept for evaluation.
	Targets  []Target
	ImageIDs []int
}

// ValidationOutput holds the losses and raw detections of one validation batch.
type ValidationOutput struct {
	Loss       float32
	ClassLoss  float32
	BoxLoss    float32
	Detections *tensor.Dense
	Targets    []Target
	ImageIDs   []int
}

// Aggregate holds the fused predictions of a validation epoch next to its ground truth.
type Aggregate struct {
	Labels      [][]int
	ImageIDs    []int
	Boxes       [][]images.Rect
	Confidences [][]float32
	Targets     []Target
}

// EpochResult is the outcome of a validation epoch.
type EpochResult struct {
	// ValLoss is the mean loss over all batches.
	ValLoss float32
	// Predictions are the fused predictions in model space.
	Predictions *Aggregate
	// TruthImageIDs, TruthBoxes and TruthLabels are the ground truth with boxes in
	// x1, y1, x2, y2 order.
	TruthImageIDs []int
	TruthBoxes    [][]images.Rect
	TruthLabels   [][]int
}

// ValidationStep runs the network on a batch with its real annotations.
func (m *EfficientDet) ValidationStep(ctx context.Context, batch Batch) (*ValidationOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := m.network.Forward(ctx, batch.Images, batch.Annotations)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass failed")
	}
	if out == nil || out.Detections == nil {
		return nil, errors.New("network returned no detections")
	}

	m.log.Debugf("valid_loss %.4f valid_class_loss %.4f valid_box_loss %.4f", out.Loss, out.ClassLoss, out.BoxLoss)

	return &ValidationOutput{
		Loss:       out.Loss,
		ClassLoss:  out.ClassLoss,
		BoxLoss:    out.BoxLoss,
		Detections: out.Detections,
		Targets:    batch.Targets,
		ImageIDs:   batch.ImageIDs,
	}, nil
}

// AggregatePredictionOutputs concatenates the detections, image ids and targets of
// all batches and post-processes the detections.
func (m *EfficientDet) AggregatePredictionOutputs(outputs []*ValidationOutput) (*Aggregate, error) {
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}

	rest := make([]*tensor.Dense, 0, len(outputs)-1)
	agg := &Aggregate{}
	for i, o := range outputs {
		if o == nil || o.Detections == nil {
			return nil, errors.Errorf("output %d has no detections", i)
		}
		if i > 0 {
			rest = append(rest, o.Detections)
		}
		agg.ImageIDs = append(agg.ImageIDs, o.ImageIDs...)
		agg.Targets = append(agg.Targets, o.Targets...)
	}

	detections := outputs[0].Detections
	if len(rest) > 0 {
		var err error
		detections, err = detections.Concat(0, rest...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to concatenate detections")
		}
	}

	fused, err := m.PostProcessDetections(detections)
	if err != nil {
		return nil, err
	}

	agg.Boxes = make([][]images.Rect, len(fused))
	agg.Confidences = make([][]float32, len(fused))
	agg.Labels = make([][]int, len(fused))
	for i, p := range fused {
		agg.Boxes[i] = p.Boxes
		agg.Confidences[i] = p.Scores
		agg.Labels[i] = p.Classes
	}

	return agg, nil
}

// ValidationEpochEnd aggregates an epoch of validation outputs, averages the loss and
// converts the ground truth boxes to x1, y1, x2, y2.
func (m *EfficientDet) ValidationEpochEnd(outputs []*ValidationOutput) (*EpochResult, error) {
	agg, err := m.AggregatePredictionOutputs(outputs)
	if err != nil {
		return nil, err
	}

	var loss float32
	for _, o := range outputs {
		loss += o.Loss
	}

	res := &EpochResult{
		ValLoss:       loss / float32(len(outputs)),
		Predictions:   agg,
		TruthImageIDs: make([]int, len(agg.Targets)),
		TruthBoxes:    make([][]images.Rect, len(agg.Targets)),
		TruthLabels:   make([][]int, len(agg.Targets)),
	}
	for i, t := range agg.Targets {
		res.TruthImageIDs[i] = t.ImageID
		res.TruthBoxes[i] = make([]images.Rect, len(t.Boxes))
		for j, b := range t.Boxes {
			res.TruthBoxes[i][j] = images.Rect{X1: b[1], Y1: b[0], X2: b[3], Y2: b[2]}
		}
		res.TruthLabels[i] = t.Labels
	}

	m.log.Infof("Validation epoch: %v images, val_loss %.4f", len(agg.ImageIDs), res.ValLoss)

	return res, nil
}

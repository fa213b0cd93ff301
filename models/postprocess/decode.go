package postprocess

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DetectionColumns is the minimum row width of a raw detection: x1, y1, x2, y2, score, class.
const DetectionColumns = 6

// ErrMalformedDetections is returned when a detection tensor has the wrong rank,
// too few columns or an unsupported dtype.
var ErrMalformedDetections = errors.New("malformed detection tensor")

// Decode filters the detection rows of a single image by confidence.
//
// Arguments:
//   - detections: A [K, C] tensor with C >= 6; columns are x1, y1, x2, y2, score, class.
//   - threshold: Rows with score strictly greater than threshold are kept.
//
// Returns:
//   - Prediction: The surviving rows in their original order.
//   - error: ErrMalformedDetections if the tensor shape or dtype is wrong.
func Decode(detections *tensor.Dense, threshold float32) (Prediction, error) {
	if detections == nil {
		return Prediction{}, errors.Wrap(ErrMalformedDetections, "nil tensor")
	}

	shape := detections.Shape()
	if shape.Dims() != 2 {
		return Prediction{}, errors.Wrapf(ErrMalformedDetections, "expected rank 2, got shape %v", shape)
	}

	data, err := float32Data(detections)
	if err != nil {
		return Prediction{}, err
	}

	return DecodeRows(data, shape[1], threshold)
}

// DecodeBatch decodes a [N, K, C] tensor into one Prediction per image.
func DecodeBatch(detections *tensor.Dense, threshold float32) ([]Prediction, error) {
	if detections == nil {
		return nil, errors.Wrap(ErrMalformedDetections, "nil tensor")
	}

	shape := detections.Shape()
	if shape.Dims() != 3 {
		return nil, errors.Wrapf(ErrMalformedDetections, "expected rank 3, got shape %v", shape)
	}
	if shape[2] < DetectionColumns {
		return nil, errors.Wrapf(ErrMalformedDetections, "expected at least %d columns, got shape %v",
			DetectionColumns, shape)
	}

	data, err := float32Data(detections)
	if err != nil {
		return nil, err
	}

	n, stride := shape[0], shape[1]*shape[2]
	out := make([]Prediction, n)
	for i := 0; i < n; i++ {
		p, err := DecodeRows(data[i*stride:(i+1)*stride], shape[2], threshold)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		out[i] = p
	}

	return out, nil
}

// DecodeRows decodes a flat row-major buffer of detections with cols values per row.
func DecodeRows(data []float32, cols int, threshold float32) (Prediction, error) {
	if cols < DetectionColumns {
		return Prediction{}, errors.Wrapf(ErrMalformedDetections, "expected at least %d columns, got %d",
			DetectionColumns, cols)
	}
	if len(data)%cols != 0 {
		return Prediction{}, errors.Wrapf(ErrMalformedDetections, "%d values do not divide into rows of %d",
			len(data), cols)
	}

	rows := len(data) / cols
	p := NewPrediction(0)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		// NaN scores fail the comparison and are dropped.
		if !(row[4] > threshold) {
			continue
		}
		if math32.IsNaN(row[5]) || math32.IsInf(row[5], 0) {
			continue
		}
		p.Append(Result{
			Box:   images.Rect{X1: row[0], Y1: row[1], X2: row[2], Y2: row[3]},
			Score: row[4],
			Class: int(row[5]),
		})
	}

	return p, nil
}

// float32Data returns the backing data of t as float32, converting float64 tensors.
func float32Data(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrMalformedDetections, "unsupported dtype %v", t.Dtype())
	}
}

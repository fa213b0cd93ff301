// Package postprocess - Decoding, fusion and rescaling of detection outputs.
package postprocess

import (
	"github.com/nvr-ai/go-effdet/images"
	"github.com/pkg/errors"
)

// ErrMisalignedPrediction is returned when the parallel slices of a Prediction differ in length.
var ErrMisalignedPrediction = errors.New("prediction boxes, scores and classes differ in length")

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result.
	Box images.Rect `json:"box"`
	// The confidence score of the result.
	Score float32 `json:"score"`
	// The predicted class index of the result.
	Class int `json:"class"`
}

// Prediction holds the detections of one image as three index-aligned slices.
type Prediction struct {
	Boxes   []images.Rect `json:"boxes"`
	Scores  []float32     `json:"scores"`
	Classes []int         `json:"classes"`
}

// NewPrediction returns an empty prediction with room for n detections.
func NewPrediction(n int) Prediction {
	return Prediction{
		Boxes:   make([]images.Rect, 0, n),
		Scores:  make([]float32, 0, n),
		Classes: make([]int, 0, n),
	}
}

// Len returns the number of detections.
func (p Prediction) Len() int {
	return len(p.Boxes)
}

// Validate checks that boxes, scores and classes are index-aligned.
func (p Prediction) Validate() error {
	if len(p.Scores) != len(p.Boxes) || len(p.Classes) != len(p.Boxes) {
		return errors.Wrapf(ErrMisalignedPrediction, "%d boxes, %d scores, %d classes",
			len(p.Boxes), len(p.Scores), len(p.Classes))
	}
	return nil
}

// Append adds one detection.
func (p *Prediction) Append(r Result) {
	p.Boxes = append(p.Boxes, r.Box)
	p.Scores = append(p.Scores, r.Score)
	p.Classes = append(p.Classes, r.Class)
}

// Results returns the detections as a slice of Result, in prediction order.
func (p Prediction) Results() []Result {
	out := make([]Result, len(p.Boxes))
	for i := range p.Boxes {
		out[i] = Result{Box: p.Boxes[i], Score: p.Scores[i], Class: p.Classes[i]}
	}
	return out
}

// FromResults builds a Prediction from a slice of Result.
func FromResults(results []Result) Prediction {
	p := NewPrediction(len(results))
	for _, r := range results {
		p.Append(r)
	}
	return p
}

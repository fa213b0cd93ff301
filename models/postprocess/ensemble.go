package postprocess

import (
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/models/postprocess/fusion"
	"github.com/pkg/errors"
)

// EnsembleMethod selects how overlapping detections of one image are merged.
type EnsembleMethod string

const (
	// MethodWBF fuses overlapping boxes with Weighted Box Fusion.
	MethodWBF EnsembleMethod = "wbf"
	// MethodNMS keeps the best box of each overlapping group with greedy class-aware NMS.
	MethodNMS EnsembleMethod = "nms"
)

// ErrUnknownMethod is returned for an unsupported EnsembleMethod.
var ErrUnknownMethod = errors.New("unknown ensemble method")

// EnsembleConfig configures an Ensembler.
type EnsembleConfig struct {
	Method           EnsembleMethod  `json:"method" yaml:"method"`
	IoUThreshold     float32         `json:"iou_threshold" yaml:"iou_threshold"`
	SkipBoxThreshold float32         `json:"skip_box_threshold" yaml:"skip_box_threshold"`
	Weights          []float32       `json:"weights" yaml:"weights"`
	ConfType         fusion.ConfType `json:"conf_type" yaml:"conf_type"`
	AllowsOverflow   bool            `json:"allows_overflow" yaml:"allows_overflow"`
	// Workers bounds the number of images fused concurrently. Values below 1 mean 1.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultEnsembleConfig returns WBF with IoU 0.44, skip threshold 0.43 and avg scores.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Method:           MethodWBF,
		IoUThreshold:     0.44,
		SkipBoxThreshold: 0.43,
		ConfType:         fusion.ConfAvg,
		Workers:          1,
	}
}

// Validate checks the method and thresholds.
func (c EnsembleConfig) Validate() error {
	switch c.Method {
	case MethodWBF, MethodNMS:
	default:
		return errors.Wrapf(ErrUnknownMethod, "%q", c.Method)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return errors.Errorf("iou threshold must be in [0, 1], got %v", c.IoUThreshold)
	}
	if c.SkipBoxThreshold < 0 {
		return errors.Errorf("skip box threshold must not be negative, got %v", c.SkipBoxThreshold)
	}
	return nil
}

// Ensembler merges detection sets per image.
type Ensembler struct {
	log    logs.Log
	config EnsembleConfig
}

// NewEnsembler creates an Ensembler.
//
// Arguments:
//   - log: Receives warnings about repaired input boxes.
//   - config: The merge method, thresholds and worker count.
//
// Returns:
//   - *Ensembler: The ensembler.
//   - error: If the config is invalid.
func NewEnsembler(log logs.Log, config EnsembleConfig) (*Ensembler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Ensembler{log: log, config: config}, nil
}

// Config returns the configuration in use.
func (e *Ensembler) Config() EnsembleConfig {
	return e.config
}

// RunWBF fuses the detections of every image on its own, one set per image.
func (e *Ensembler) RunWBF(predictions []Prediction, imageSize int) ([]Prediction, error) {
	return e.Ensemble([][]Prediction{predictions}, imageSize)
}

// Ensemble fuses, per image, the sets produced by several models or augmentations.
//
// Arguments:
//   - batches: batches[m][i] holds the detections of model m for image i.
//   - imageSize: The side length of the square model space the boxes live in.
//
// Returns:
//   - []Prediction: One fused prediction per image, in input order.
//   - error: ErrBatchMismatch if the batches differ in length, or the first error by
//     image index.
func (e *Ensembler) Ensemble(batches [][]Prediction, imageSize int) ([]Prediction, error) {
	if len(batches) == 0 {
		return []Prediction{}, nil
	}

	n := len(batches[0])
	for m, b := range batches {
		if len(b) != n {
			return nil, errors.Wrapf(ErrBatchMismatch, "batch %d has %d images, batch 0 has %d", m, len(b), n)
		}
	}

	out := make([]Prediction, n)
	errs := make([]error, n)

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	workers := min(e.config.Workers, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				sets := make([]Prediction, len(batches))
				for m := range batches {
					sets[m] = batches[m][i]
				}
				out[i], errs[i] = e.FuseImage(sets, imageSize)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// FuseImage merges the detection sets of a single image.
//
// With MethodWBF boxes are divided by imageSize, fused, and multiplied by
// imageSize - 1. Errors from the fusion algorithm are returned unchanged.
func (e *Ensembler) FuseImage(sets []Prediction, imageSize int) (Prediction, error) {
	if imageSize <= 0 {
		return Prediction{}, errors.Wrapf(ErrInvalidModelSize, "got %d", imageSize)
	}
	for _, s := range sets {
		if err := s.Validate(); err != nil {
			return Prediction{}, err
		}
	}

	if e.config.Method == MethodNMS {
		return e.suppress(sets), nil
	}

	boxes := make([][]images.Rect, len(sets))
	scores := make([][]float32, len(sets))
	labels := make([][]int, len(sets))
	for m, s := range sets {
		boxes[m] = Normalize(s.Boxes, float32(imageSize))
		scores[m] = s.Scores
		labels[m] = s.Classes
	}

	res, err := fusion.WeightedBoxesFusion(boxes, scores, labels, fusion.Options{
		Weights:          e.config.Weights,
		IoUThreshold:     e.config.IoUThreshold,
		SkipBoxThreshold: e.config.SkipBoxThreshold,
		ConfType:         e.config.ConfType,
		AllowsOverflow:   e.config.AllowsOverflow,
	})
	if err != nil {
		return Prediction{}, err
	}

	if r := res.Report; r.Corrected() {
		e.log.Warnf("Repaired fusion input: %v swapped, %v clipped, %v zero-area boxes dropped",
			r.Swapped, r.Clipped, r.ZeroArea)
	}

	return Prediction{
		Boxes:   Denormalize(res.Boxes, float32(imageSize-1)),
		Scores:  res.Scores,
		Classes: res.Labels,
	}, nil
}

// suppress concatenates the sets and runs class-aware greedy NMS in model space.
func (e *Ensembler) suppress(sets []Prediction) Prediction {
	var all []Result
	for _, s := range sets {
		for _, r := range s.Results() {
			if r.Score < e.config.SkipBoxThreshold {
				continue
			}
			all = append(all, r)
		}
	}

	return FromResults(ApplyGreedyNMS(all, &NMSConfig{
		IoUThreshold: e.config.IoUThreshold,
		ClassAware:   true,
	}))
}

// Normalize divides every coordinate by size.
func Normalize(boxes []images.Rect, size float32) []images.Rect {
	out := make([]images.Rect, len(boxes))
	for i, b := range boxes {
		out[i] = images.Rect{X1: b.X1 / size, Y1: b.Y1 / size, X2: b.X2 / size, Y2: b.Y2 / size}
	}
	return out
}

// Denormalize multiplies every coordinate by scale.
func Denormalize(boxes []images.Rect, scale float32) []images.Rect {
	out := make([]images.Rect, len(boxes))
	for i, b := range boxes {
		out[i] = b.Scale(scale, scale)
	}
	return out
}

// Package effdet - EfficientDet inference entry points and validation aggregation.
package effdet

import (
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/nvr-ai/go-effdet/models/postprocess"
	"github.com/nvr-ai/go-effdet/profiler"
	"github.com/pkg/errors"
)

// Options is the options for the EfficientDet model.
type Options struct {
	// ImageSize is the side length of the square model input.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// NumClasses is the number of classes the detector was trained on.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ConfidenceThreshold drops raw detections scoring at or below it.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// Architecture names the backbone, e.g. tf_efficientnetv2_l.
	Architecture string `json:"architecture" yaml:"architecture"`
	// Mean and Std normalize input pixels per channel.
	Mean [3]float32 `json:"mean" yaml:"mean"`
	Std  [3]float32 `json:"std" yaml:"std"`
	// Ensemble configures how raw detections are fused.
	Ensemble postprocess.EnsembleConfig `json:"ensemble" yaml:"ensemble"`
}

// DefaultOptions returns a 512 pixel single-class tf_efficientnetv2_l detector with a
// confidence threshold of 0.2 and WBF at IoU 0.44.
func DefaultOptions() Options {
	return Options{
		ImageSize:           512,
		NumClasses:          1,
		ConfidenceThreshold: 0.2,
		Architecture:        "tf_efficientnetv2_l",
		Mean:                images.ImageNetMean,
		Std:                 images.ImageNetStd,
		Ensemble:            postprocess.DefaultEnsembleConfig(),
	}
}

// OptionsFromArgs applies the generic model arguments on top of DefaultOptions.
func OptionsFromArgs(args model.NewModelArgs) Options {
	opts := DefaultOptions()
	if args.ImageSize > 0 {
		opts.ImageSize = args.ImageSize
	}
	if args.NumClasses > 0 {
		opts.NumClasses = args.NumClasses
	}
	if args.ConfidenceThreshold != nil {
		opts.ConfidenceThreshold = *args.ConfidenceThreshold
	}
	switch {
	case args.Architecture != "":
		opts.Architecture = args.Architecture
	case args.Family.DefaultArchitecture() != "":
		opts.Architecture = args.Family.DefaultArchitecture()
	}
	return opts
}

// Predictions holds three index-aligned per-image sequences.
type Predictions struct {
	Boxes       [][]images.Rect `json:"boxes"`
	Labels      [][]int         `json:"labels"`
	Confidences [][]float32     `json:"confidences"`
}

// Len returns the number of images.
func (p *Predictions) Len() int {
	return len(p.Boxes)
}

// Image returns the detections of image i.
func (p *Predictions) Image(i int) postprocess.Prediction {
	return postprocess.Prediction{Boxes: p.Boxes[i], Scores: p.Confidences[i], Classes: p.Labels[i]}
}

// EfficientDet is the instance of the EfficientDet model.
type EfficientDet struct {
	log       logs.Log
	network   model.Network
	options   Options
	ensembler *postprocess.Ensembler
	profiler  *profiler.Profiler
}

// NewModel creates a new model.
//
// Arguments:
//   - log: Receives stage timings and fusion warnings.
//   - network: Runs the forward pass.
//   - options: Input size, thresholds and fusion settings.
//
// Returns:
//   - *EfficientDet: The model.
//   - error: If the options are invalid.
func NewModel(log logs.Log, network model.Network, options Options) (*EfficientDet, error) {
	if network == nil {
		return nil, errors.New("network is required")
	}
	if options.ImageSize <= 0 {
		return nil, errors.Wrapf(postprocess.ErrInvalidModelSize, "got %d", options.ImageSize)
	}

	ensembler, err := postprocess.NewEnsembler(log, options.Ensemble)
	if err != nil {
		return nil, errors.Wrap(err, "invalid ensemble config")
	}

	return &EfficientDet{
		log:       log,
		network:   network,
		options:   options,
		ensembler: ensembler,
	}, nil
}

// Options returns the options for the EfficientDet model.
func (m *EfficientDet) Options() Options {
	return m.options
}

// SetProfiler makes the model record stage durations and per-image detection counts
// into p. Pass nil to stop recording.
func (m *EfficientDet) SetProfiler(p *profiler.Profiler) {
	m.profiler = p
}

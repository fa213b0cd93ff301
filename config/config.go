// Package config - Configuration of the detector, fusion, runtime and training runs.
//
// A Config is loaded once and then treated as read-only; consumers receive copies of
// the sections they need.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/inference"
	"github.com/nvr-ai/go-effdet/models/effdet"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/nvr-ai/go-effdet/models/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelConfig describes the detector.
type ModelConfig struct {
	Name                model.Name `json:"name" yaml:"name"`
	ImageSize           int        `json:"image_size" yaml:"image_size"`
	NumClasses          int        `json:"num_classes" yaml:"num_classes"`
	ConfidenceThreshold float32    `json:"confidence_threshold" yaml:"confidence_threshold"`
	Architecture        string     `json:"architecture" yaml:"architecture"`
	LearningRate        float32    `json:"learning_rate" yaml:"learning_rate"`
	Mean                [3]float32 `json:"mean" yaml:"mean"`
	Std                 [3]float32 `json:"std" yaml:"std"`
	// ClassNames labels class indices in output and annotations.
	ClassNames []string `json:"class_names" yaml:"class_names"`
}

// TrainingConfig holds the hyperparameters of a training run. Training happens
// outside this module; the section is carried so one file configures both the
// external trainer and inference. Only BatchSize is read here, to batch CLI input.
type TrainingConfig struct {
	BatchSize    int         `json:"batch_size" yaml:"batch_size"`
	Owner        string      `json:"owner" yaml:"owner"`
	SaveDir      string      `json:"save_dir" yaml:"save_dir"`
	LogModel     bool        `json:"log_model" yaml:"log_model"`
	GPU          int         `json:"gpu" yaml:"gpu"`
	LearningRate float32     `json:"lr" yaml:"lr"`
	Precision    int         `json:"precision" yaml:"precision"`
	Classes      int         `json:"classes" yaml:"classes"`
	Seed         int64       `json:"seed" yaml:"seed"`
	Project      string      `json:"project" yaml:"project"`
	Experiment   string      `json:"experiment" yaml:"experiment"`
	MaxEpochs    int         `json:"max_epochs" yaml:"max_epochs"`
	Patience     int         `json:"patience" yaml:"patience"`
	Backbone     string      `json:"backbone" yaml:"backbone"`
	FPN          bool        `json:"fpn" yaml:"fpn"`
	AnchorSizes  [][]int     `json:"anchor_sizes" yaml:"anchor_sizes"`
	AspectRatios [][]float32 `json:"aspect_ratios" yaml:"aspect_ratios"`
	MinSize      int         `json:"min_size" yaml:"min_size"`
	MaxSize      int         `json:"max_size" yaml:"max_size"`
	ImgMean      [3]float32  `json:"img_mean" yaml:"img_mean"`
	ImgStd       [3]float32  `json:"img_std" yaml:"img_std"`
	IoUThreshold float32     `json:"iou_threshold" yaml:"iou_threshold"`
}

// Config is the full configuration.
type Config struct {
	Model    ModelConfig                `json:"model" yaml:"model"`
	Ensemble postprocess.EnsembleConfig `json:"ensemble" yaml:"ensemble"`
	Runtime  inference.Config           `json:"runtime" yaml:"runtime"`
	Training TrainingConfig             `json:"training" yaml:"training"`
}

// Default returns the configuration of a 512 pixel tf_efficientnetv2_l wheat-head
// style detector together with the face-detector training hyperparameters.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Name:                model.ModelNameEfficientDet,
			ImageSize:           512,
			NumClasses:          1,
			ConfidenceThreshold: 0.2,
			Architecture:        "tf_efficientnetv2_l",
			LearningRate:        0.0002,
			Mean:                images.ImageNetMean,
			Std:                 images.ImageNetStd,
		},
		Ensemble: postprocess.DefaultEnsembleConfig(),
		Runtime:  inference.DefaultConfig(),
		Training: TrainingConfig{
			BatchSize:    8,
			GPU:          0,
			LearningRate: 0.001,
			Precision:    32,
			Classes:      2,
			Seed:         42,
			Project:      "Heads",
			Experiment:   "heads",
			MaxEpochs:    500,
			Patience:     50,
			Backbone:     "resnet34",
			FPN:          false,
			AnchorSizes:  [][]int{{32, 64, 128, 256, 512}},
			AspectRatios: [][]float32{{0.5, 1.0, 2.0}},
			MinSize:      1024,
			MaxSize:      1024,
			ImgMean:      images.ImageNetMean,
			ImgStd:       images.ImageNetStd,
			IoUThreshold: 0.5,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &c, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	m := c.Model
	if m.ImageSize <= 0 {
		return errors.Errorf("model.image_size must be positive, got %d", m.ImageSize)
	}
	if m.NumClasses <= 0 {
		return errors.Errorf("model.num_classes must be positive, got %d", m.NumClasses)
	}
	if m.ConfidenceThreshold < 0 || m.ConfidenceThreshold >= 1 {
		return errors.Errorf("model.confidence_threshold must be in [0, 1), got %v", m.ConfidenceThreshold)
	}
	for i, s := range m.Std {
		if s == 0 {
			return errors.Errorf("model.std[%d] must not be zero", i)
		}
	}
	if err := c.Ensemble.Validate(); err != nil {
		return errors.Wrap(err, "ensemble")
	}
	if c.Training.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if len(c.Training.AnchorSizes) != len(c.Training.AspectRatios) {
		return errors.Errorf("training.anchor_sizes has %d levels, aspect_ratios has %d",
			len(c.Training.AnchorSizes), len(c.Training.AspectRatios))
	}
	return nil
}

// DetectorOptions returns the options for effdet.NewModel.
func (c Config) DetectorOptions() effdet.Options {
	return effdet.Options{
		ImageSize:           c.Model.ImageSize,
		NumClasses:          c.Model.NumClasses,
		ConfidenceThreshold: c.Model.ConfidenceThreshold,
		Architecture:        c.Model.Architecture,
		Mean:                c.Model.Mean,
		Std:                 c.Model.Std,
		Ensemble:            c.Ensemble,
	}
}

// SessionConfig returns the runtime config with the model image size applied.
func (c Config) SessionConfig() inference.Config {
	r := c.Runtime
	r.ImageSize = c.Model.ImageSize
	return r
}

// ClassName returns the configured name of class, or its index as text.
func (c Config) ClassName(class int) string {
	if class >= 0 && class < len(c.Model.ClassNames) {
		return c.Model.ClassNames[class]
	}
	return fmt.Sprintf("class %d", class)
}

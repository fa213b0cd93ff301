// Package model - Contracts between the detection pipeline and the network that feeds it.
package model

import (
	"context"

	"github.com/nvr-ai/go-effdet/images"
	"gorgonia.org/tensor"
)

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameEfficientDet is the name of the EfficientDet detector.
	ModelNameEfficientDet Name = "efficientdet"
)

// Family is the backbone family a detector was built from.
type Family string

const (
	// FamilyEfficientNetV2 covers the tf_efficientnetv2_* backbones.
	FamilyEfficientNetV2 Family = "efficientnetv2"
	// FamilyEfficientNet covers the tf_efficientdet_d* backbones.
	FamilyEfficientNet Family = "efficientnet"
)

// DefaultArchitecture returns the backbone used when only the family is known, or ""
// for an unknown family.
func (f Family) DefaultArchitecture() string {
	switch f {
	case FamilyEfficientNetV2:
		return "tf_efficientnetv2_l"
	case FamilyEfficientNet:
		return "tf_efficientdet_d0"
	}
	return ""
}

// Targets carries the per-image annotations a detection network takes next to its
// images. Inference passes placeholder targets built by NewDummyTargets.
type Targets struct {
	// Boxes holds the annotated boxes of each image.
	Boxes [][]images.Rect `json:"bbox" yaml:"bbox"`
	// Classes holds the class of each annotated box.
	Classes [][]float32 `json:"cls" yaml:"cls"`
	// ImageSize is the (height, width) of each image as fed to the network.
	ImageSize []images.Size `json:"img_size" yaml:"img_size"`
	// ImageScale is the resize factor applied to each image.
	ImageScale []float32 `json:"img_scale" yaml:"img_scale"`
}

// Len returns the number of images the targets describe.
func (t Targets) Len() int {
	return len(t.ImageSize)
}

// NewDummyTargets builds placeholder targets for n images of size x size pixels:
// one zero box of class 1, the model input size and a scale of 1 per image.
func NewDummyTargets(n, size int) Targets {
	t := Targets{
		Boxes:      make([][]images.Rect, n),
		Classes:    make([][]float32, n),
		ImageSize:  make([]images.Size, n),
		ImageScale: make([]float32, n),
	}
	for i := 0; i < n; i++ {
		t.Boxes[i] = []images.Rect{{}}
		t.Classes[i] = []float32{1}
		t.ImageSize[i] = images.Size{Height: size, Width: size}
		t.ImageScale[i] = 1
	}
	return t
}

// Output is the result of one forward pass.
type Output struct {
	// Detections is a [N, K, 6] tensor of x1, y1, x2, y2, score, class rows.
	Detections *tensor.Dense
	// Loss is the total loss; zero when the network does not compute it.
	Loss float32
	// ClassLoss is the classification part of Loss.
	ClassLoss float32
	// BoxLoss is the box regression part of Loss.
	BoxLoss float32
}

// Network runs a detection model forward.
type Network interface {
	// Forward runs the network on a [N, 3, S, S] batch.
	Forward(ctx context.Context, images *tensor.Dense, targets Targets) (*Output, error)
}

// NewModelArgs is the arguments for creating a new model. Zero values keep the
// model defaults. Architecture wins over Family when both are set.
type NewModelArgs struct {
	Name         Name   `json:"name" yaml:"name"`
	Family       Family `json:"family" yaml:"family"`
	Architecture string `json:"architecture" yaml:"architecture"`
	NumClasses   int    `json:"num_classes" yaml:"num_classes"`
	ImageSize    int    `json:"image_size" yaml:"image_size"`
	// ConfidenceThreshold is a pointer so that an explicit 0 keeps every row.
	ConfidenceThreshold *float32 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
}

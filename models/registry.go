// Package models - registry for models.
package models

import (
	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/models/effdet"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/pkg/errors"
)

// ErrUnsupportedModel is returned for a model name with no constructor.
var ErrUnsupportedModel = errors.New("unsupported model name")

// NewModel creates a detection model from the generic model arguments.
//
// Arguments:
//   - log: Passed to the model for timing and fusion messages.
//   - network: Runs the forward pass, e.g. an *inference.Session.
//   - args: The model name and the parameters that override its defaults.
//
// Returns:
//   - *effdet.EfficientDet: The configured model.
//   - error: ErrUnsupportedModel, or an error from the model constructor.
//
// Example:
//
// ```go
//
//	session, err := inference.NewSession(log, inference.Config{ModelPath: "/models/effdet.onnx"})
//	if err != nil {
//	    log.Errorf("Failed to create session: %v", err)
//	}
//
//	detector, err := NewModel(log, session, model.NewModelArgs{
//	    Name:      model.ModelNameEfficientDet,
//	    ImageSize: 512,
//	})
//
// ```
func NewModel(log logs.Log, network model.Network, args model.NewModelArgs) (*effdet.EfficientDet, error) {
	return NewDetector(log, network, args.Name, effdet.OptionsFromArgs(args))
}

// NewDetector creates the named model with fully specified options.
func NewDetector(log logs.Log, network model.Network, name model.Name, options effdet.Options) (*effdet.EfficientDet, error) {
	switch name {
	case model.ModelNameEfficientDet:
		return effdet.NewModel(log, network, options)
	default:
		return nil, errors.Wrapf(ErrUnsupportedModel, "%q", name)
	}
}

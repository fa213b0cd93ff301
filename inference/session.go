// Package inference - Runs exported EfficientDet models with onnxruntime.
package inference

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

var (
	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("model file not found")
	// ErrLibraryNotFound is returned when the onnxruntime shared library does not exist.
	ErrLibraryNotFound = errors.New("onnxruntime library not found")
	// ErrInputShape is returned when the input batch is not [N, 3, S, S].
	ErrInputShape = errors.New("input batch has the wrong shape")
)

// Config describes an exported detector and how to run it.
type Config struct {
	// ModelPath is the path of the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath is the onnxruntime shared library. Empty means GetSharedLibPath("third_party").
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// Provider selects the execution provider.
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	// IntraOpThreads and InterOpThreads size the onnxruntime thread pools; 0 lets it decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// ImageSize is the side length of the square input.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// MaxDetections is the number of detection rows the model emits per image.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
	// InputName is the image input, fed [N, 3, S, S].
	InputName string `json:"input_name" yaml:"input_name"`
	// SizeInputName, when set, is fed the [N, 2] (height, width) of each image.
	SizeInputName string `json:"size_input_name" yaml:"size_input_name"`
	// ScaleInputName, when set, is fed the [N] image scales.
	ScaleInputName string `json:"scale_input_name" yaml:"scale_input_name"`
	// OutputName is the [N, MaxDetections, 6] detection output.
	OutputName string `json:"output_name" yaml:"output_name"`
}

// DefaultConfig returns a CPU config for a 512 pixel model emitting 100 detections.
func DefaultConfig() Config {
	return Config{
		Provider:      ProviderConfig{Backend: ProviderCPU},
		ImageSize:     512,
		MaxDetections: 100,
		InputName:     "images",
		OutputName:    "detections",
	}
}

// Validate checks that the config describes a runnable model.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("model path is required")
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image size must be positive, got %d", c.ImageSize)
	}
	if c.MaxDetections <= 0 {
		return errors.Errorf("max detections must be positive, got %d", c.MaxDetections)
	}
	if c.InputName == "" || c.OutputName == "" {
		return errors.New("input and output names are required")
	}
	return c.Provider.Validate()
}

func (c Config) inputNames() []string {
	names := []string{c.InputName}
	if c.SizeInputName != "" {
		names = append(names, c.SizeInputName)
	}
	if c.ScaleInputName != "" {
		names = append(names, c.ScaleInputName)
	}
	return names
}

// boundSession is an onnxruntime session with tensors preallocated for one batch size.
type boundSession struct {
	session *ort.AdvancedSession
	images  *ort.Tensor[float32]
	sizes   *ort.Tensor[float32]
	scales  *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (b *boundSession) destroy() {
	if b.session != nil {
		b.session.Destroy()
	}
	for _, t := range []*ort.Tensor[float32]{b.images, b.sizes, b.scales, b.output} {
		if t != nil {
			t.Destroy()
		}
	}
}

// Session runs an exported detector. It implements model.Network; runs are
// serialized.
type Session struct {
	log    logs.Log
	config Config

	mu       sync.Mutex
	sessions map[int]*boundSession
}

var envMu sync.Mutex

// initEnvironment loads the onnxruntime library once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	return nil
}

// NewSession checks the model and library paths and initializes onnxruntime.
// Sessions for each batch size are created on first use.
//
// Arguments:
//   - log: Receives session lifecycle and timing messages.
//   - config: The model, library and provider configuration.
//
// Returns:
//   - *Session: The session. Close it to release native resources.
//   - error: ErrModelNotFound, ErrLibraryNotFound or an initialization error.
func NewSession(log logs.Log, config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelNotFound, "%s: %v", config.ModelPath, err)
	}

	libPath := config.LibraryPath
	if libPath == "" {
		var err error
		libPath, err = GetSharedLibPath("third_party")
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(libPath); err != nil {
		return nil, errors.Wrapf(ErrLibraryNotFound, "%s: %v", libPath, err)
	}

	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}
	log.Infof("Loaded onnxruntime from %v, model %v on %v", libPath, config.ModelPath, config.Provider.Backend)

	return &Session{
		log:      log,
		config:   config,
		sessions: map[int]*boundSession{},
	}, nil
}

// Forward runs the detector on a [N, 3, S, S] batch. Losses are always zero.
func (s *Session) Forward(ctx context.Context, images *tensor.Dense, targets model.Targets) (*model.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := images.Shape()
	size := s.config.ImageSize
	if shape.Dims() != 4 || shape[1] != 3 || shape[2] != size || shape[3] != size {
		return nil, errors.Wrapf(ErrInputShape, "expected (N, 3, %d, %d), got %v", size, size, shape)
	}
	n := shape[0]
	if targets.Len() != n {
		return nil, errors.Errorf("got targets for %d images, batch has %d", targets.Len(), n)
	}

	data, ok := images.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrInputShape, "expected float32 input, got %v", images.Dtype())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bound, err := s.bind(n)
	if err != nil {
		return nil, err
	}

	copy(bound.images.GetData(), data)
	if bound.sizes != nil {
		sizes := bound.sizes.GetData()
		for i, sz := range targets.ImageSize {
			sizes[2*i] = float32(sz.Height)
			sizes[2*i+1] = float32(sz.Width)
		}
	}
	if bound.scales != nil {
		copy(bound.scales.GetData(), targets.ImageScale)
	}

	start := time.Now()
	if err := bound.session.Run(); err != nil {
		return nil, errors.Wrap(err, "error running ORT session")
	}
	s.log.Debugf("ORT run on %v images took %v", n, time.Since(start))

	out := make([]float32, n*s.config.MaxDetections*6)
	copy(out, bound.output.GetData())

	return &model.Output{
		Detections: tensor.New(tensor.WithShape(n, s.config.MaxDetections, 6), tensor.WithBacking(out)),
	}, nil
}

// bind returns the session for batch size n, creating it on first use.
func (s *Session) bind(n int) (*boundSession, error) {
	if b, ok := s.sessions[n]; ok {
		return b, nil
	}

	c := s.config
	b := &boundSession{}
	var err error

	b.images, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(n), 3, int64(c.ImageSize), int64(c.ImageSize)))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	inputs := []ort.ArbitraryTensor{b.images}

	if c.SizeInputName != "" {
		if b.sizes, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(n), 2)); err != nil {
			b.destroy()
			return nil, errors.Wrap(err, "error creating image size tensor")
		}
		inputs = append(inputs, b.sizes)
	}
	if c.ScaleInputName != "" {
		if b.scales, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(n))); err != nil {
			b.destroy()
			return nil, errors.Wrap(err, "error creating image scale tensor")
		}
		inputs = append(inputs, b.scales)
	}

	b.output, err = ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(c.MaxDetections), 6))
	if err != nil {
		b.destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := newSessionOptions(c)
	if err != nil {
		b.destroy()
		return nil, err
	}
	defer options.Destroy()

	b.session, err = ort.NewAdvancedSession(
		c.ModelPath,
		c.inputNames(),
		[]string{c.OutputName},
		inputs,
		[]ort.ArbitraryTensor{b.output},
		options,
	)
	if err != nil {
		b.destroy()
		return nil, errors.Wrap(err, "error creating ORT session")
	}

	s.log.Infof("Created ORT session for batch size %v", n)
	s.sessions[n] = b
	return b, nil
}

// Close releases every native session and tensor.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n, b := range s.sessions {
		b.destroy()
		delete(s.sessions, n)
	}
}

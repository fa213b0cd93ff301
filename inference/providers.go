package inference

import (
	"fmt"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Provider names an onnxruntime execution provider.
type Provider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU Provider = "cpu"
	// ProviderCoreML uses Apple CoreML.
	ProviderCoreML Provider = "coreml"
	// ProviderOpenVINO uses Intel OpenVINO.
	ProviderOpenVINO Provider = "openvino"
	// ProviderCUDA uses NVIDIA CUDA.
	ProviderCUDA Provider = "cuda"
)

// ErrUnknownProvider is returned for an unsupported Provider.
var ErrUnknownProvider = errors.New("unknown execution provider")

// ProviderConfig selects and tunes the execution provider.
type ProviderConfig struct {
	Backend Provider `json:"backend" yaml:"backend"`
	// DeviceID selects the accelerator for CUDA, CoreML and OpenVINO.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// DeviceType overrides the OpenVINO hardware type, e.g. CPU, GPU or NPU.
	DeviceType string `json:"device_type" yaml:"device_type"`
	// Precision is passed to OpenVINO.
	Precision Precision `json:"precision" yaml:"precision"`
	// NumThreads overrides the OpenVINO thread count when positive.
	NumThreads int `json:"num_threads" yaml:"num_threads"`
}

// Validate checks the backend and precision.
func (c ProviderConfig) Validate() error {
	switch c.Backend {
	case "", ProviderCPU, ProviderCoreML, ProviderOpenVINO, ProviderCUDA:
	default:
		return errors.Wrapf(ErrUnknownProvider, "%q", c.Backend)
	}
	if !c.Precision.Valid() {
		return errors.Errorf("unknown precision %q", c.Precision)
	}
	return nil
}

// openVINOOptions maps the config onto OpenVINO provider options.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
func (c ProviderConfig) openVINOOptions() map[string]string {
	opts := map[string]string{
		"device_id": fmt.Sprintf("%d", c.DeviceID),
	}
	if c.DeviceType != "" {
		opts["device_type"] = c.DeviceType
	}
	if c.Precision != "" {
		opts["precision"] = string(c.Precision)
	}
	if c.NumThreads > 0 {
		opts["num_of_threads"] = fmt.Sprintf("%d", c.NumThreads)
	}
	return opts
}

// newSessionOptions builds session options with threading, graph optimization and the
// configured execution provider.
func newSessionOptions(config Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(config.InterOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}

	if err := appendProvider(options, config.Provider); err != nil {
		options.Destroy()
		return nil, err
	}

	return options, nil
}

func appendProvider(options *ort.SessionOptions, config ProviderConfig) error {
	switch config.Backend {
	case "", ProviderCPU:
		return nil
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(uint32(config.DeviceID)); err != nil {
			return errors.Wrap(err, "error enabling CoreML")
		}
	case ProviderOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(config.openVINOOptions()); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO")
		}
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprintf("%d", config.DeviceID)}); err != nil {
			return errors.Wrap(err, "error converting CUDA options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA")
		}
	default:
		return errors.Wrapf(ErrUnknownProvider, "%q", config.Backend)
	}
	return nil
}

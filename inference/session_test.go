package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestConfigValidate(t *testing.T) {
	c := DefaultConfig()
	assert.Error(t, c.Validate(), "model path is required")

	c.ModelPath = "model.onnx"
	require.NoError(t, c.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "image size", mutate: func(c *Config) { c.ImageSize = 0 }},
		{name: "max detections", mutate: func(c *Config) { c.MaxDetections = -1 }},
		{name: "input name", mutate: func(c *Config) { c.InputName = "" }},
		{name: "provider", mutate: func(c *Config) { c.Provider.Backend = "tpu" }},
		{name: "precision", mutate: func(c *Config) { c.Provider.Precision = "FP4" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := c
			tt.mutate(&bad)
			assert.Error(t, bad.Validate())
		})
	}
}

func TestInputNames(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, []string{"images"}, c.inputNames())

	c.SizeInputName = "img_size"
	c.ScaleInputName = "img_scale"
	assert.Equal(t, []string{"images", "img_size", "img_scale"}, c.inputNames())
}

func TestOpenVINOOptions(t *testing.T) {
	c := ProviderConfig{Backend: ProviderOpenVINO, DeviceID: 1, DeviceType: "GPU", Precision: PrecisionFP16, NumThreads: 4}
	assert.Equal(t, map[string]string{
		"device_id":      "1",
		"device_type":    "GPU",
		"precision":      "FP16",
		"num_of_threads": "4",
	}, c.openVINOOptions())

	assert.Equal(t, map[string]string{"device_id": "0"}, ProviderConfig{}.openVINOOptions())
}

func TestSharedLibName(t *testing.T) {
	name, err := sharedLibName("linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "onnxruntime.so", name)

	name, err = sharedLibName("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "onnxruntime_arm64.so", name)

	_, err = sharedLibName("plan9", "386")
	assert.True(t, errors.Is(err, ErrUnsupportedPlatform))
}

func TestNewSessionMissingFiles(t *testing.T) {
	dir := t.TempDir()
	log := logs.NewTestingLog(t)

	c := DefaultConfig()
	c.ModelPath = filepath.Join(dir, "missing.onnx")
	_, err := NewSession(log, c)
	assert.True(t, errors.Is(err, ErrModelNotFound))

	c.ModelPath = filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(c.ModelPath, []byte("onnx"), 0644))
	c.LibraryPath = filepath.Join(dir, "libonnxruntime.so")
	_, err = NewSession(log, c)
	assert.True(t, errors.Is(err, ErrLibraryNotFound))
}

func TestForwardRejectsBadInput(t *testing.T) {
	s := &Session{log: logs.NewTestingLog(t), config: DefaultConfig(), sessions: map[int]*boundSession{}}
	s.config.ImageSize = 8

	wrongSize := tensor.New(tensor.WithShape(1, 3, 4, 4), tensor.WithBacking(make([]float32, 48)))
	_, err := s.Forward(context.Background(), wrongSize, model.NewDummyTargets(1, 8))
	assert.True(t, errors.Is(err, ErrInputShape))

	wrongType := tensor.New(tensor.WithShape(1, 3, 8, 8), tensor.WithBacking(make([]float64, 192)))
	_, err = s.Forward(context.Background(), wrongType, model.NewDummyTargets(1, 8))
	assert.True(t, errors.Is(err, ErrInputShape))

	ok := tensor.New(tensor.WithShape(2, 3, 8, 8), tensor.WithBacking(make([]float32, 384)))
	_, err = s.Forward(context.Background(), ok, model.NewDummyTargets(1, 8))
	assert.Error(t, err, "targets must match the batch")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Forward(ctx, ok, model.NewDummyTargets(2, 8))
	assert.True(t, errors.Is(err, context.Canceled))
}

package effdet

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-effdet/images"
	"github.com/nvr-ai/go-effdet/models/model"
	"github.com/nvr-ai/go-effdet/models/postprocess"
	"github.com/nvr-ai/go-effdet/profiler"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var errNetworkDown = errors.New("network down")

// fakeNetwork returns canned detections and records what it was called with.
type fakeNetwork struct {
	detections *tensor.Dense
	loss       float32
	err        error

	calls   int
	shape   tensor.Shape
	targets model.Targets
}

func (f *fakeNetwork) Forward(ctx context.Context, images *tensor.Dense, targets model.Targets) (*model.Output, error) {
	f.calls++
	f.shape = images.Shape().Clone()
	f.targets = targets
	if f.err != nil {
		return nil, f.err
	}
	return &model.Output{Detections: f.detections, Loss: f.loss, ClassLoss: f.loss / 2, BoxLoss: f.loss / 2}, nil
}

func detectionsTensor(images, rows int, data ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(images, rows, 6), tensor.WithBacking(data))
}

func exampleDetections() *tensor.Dense {
	return detectionsTensor(1, 3,
		10, 10, 50, 50, 0.9, 1,
		12, 12, 48, 48, 0.85, 1,
		200, 200, 210, 210, 0.1, 1,
	)
}

func newTestModel(t *testing.T, network model.Network, mutate func(*Options)) *EfficientDet {
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewModel(logs.NewTestingLog(t), network, opts)
	require.NoError(t, err)
	return m
}

func zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, tensor.Shape(shape).TotalSize())))
}

func TestPredictTensor(t *testing.T) {
	network := &fakeNetwork{detections: exampleDetections()}
	m := newTestModel(t, network, nil)

	preds, err := m.PredictTensor(context.Background(), zeros(1, 3, 512, 512))
	require.NoError(t, err)
	require.Equal(t, 1, preds.Len())
	require.Len(t, preds.Boxes[0], 1)

	assert.InDelta(t, 10.95, preds.Boxes[0][0].X1, 0.01)
	assert.InDelta(t, 10.95, preds.Boxes[0][0].Y1, 0.01)
	assert.InDelta(t, 48.93, preds.Boxes[0][0].X2, 0.01)
	assert.Equal(t, []int{1}, preds.Labels[0])
	assert.InDelta(t, 0.875, preds.Confidences[0][0], 1e-5)

	assert.Equal(t, model.NewDummyTargets(1, 512), network.targets)
}

func TestPredictTensorPromotesRank3(t *testing.T) {
	network := &fakeNetwork{detections: exampleDetections()}
	m := newTestModel(t, network, nil)

	input := zeros(3, 512, 512)
	_, err := m.PredictTensor(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 512, 512}, network.shape)
	assert.Equal(t, tensor.Shape{3, 512, 512}, input.Shape(), "the caller's tensor is left untouched")
}

func TestPredictTensorRejectsWrongShape(t *testing.T) {
	network := &fakeNetwork{detections: exampleDetections()}
	m := newTestModel(t, network, nil)

	for _, input := range []*tensor.Dense{nil, zeros(1, 3, 256, 256), zeros(1, 3, 512, 256), zeros(512, 512)} {
		_, err := m.PredictTensor(context.Background(), input)
		assert.True(t, errors.Is(err, ErrInputShape), "got %v", err)
	}
	assert.Equal(t, 0, network.calls)
}

func TestPredictImagesRescalesToOriginalSize(t *testing.T) {
	network := &fakeNetwork{detections: detectionsTensor(2, 1,
		10, 10, 20, 20, 0.9, 3,
		10, 10, 20, 20, 0.1, 3,
	)}
	m := newTestModel(t, network, func(o *Options) { o.ImageSize = 64 })

	imgs := []image.Image{solidImage(768, 1024), solidImage(100, 50)}
	preds, err := m.PredictImages(context.Background(), imgs)
	require.NoError(t, err)
	require.Equal(t, 2, preds.Len())

	assert.Equal(t, tensor.Shape{2, 3, 64, 64}, network.shape)

	// Fused in model space (x / 64 * 63), then scaled by 768/64 and 1024/64.
	require.Len(t, preds.Boxes[0], 1)
	assert.InDelta(t, 10.0/64*63*768/64, preds.Boxes[0][0].X1, 1e-3)
	assert.InDelta(t, 10.0/64*63*1024/64, preds.Boxes[0][0].Y1, 1e-3)
	assert.InDelta(t, 20.0/64*63*768/64, preds.Boxes[0][0].X2, 1e-3)
	assert.InDelta(t, 20.0/64*63*1024/64, preds.Boxes[0][0].Y2, 1e-3)
	assert.Equal(t, []int{3}, preds.Labels[0])

	// No detection survives the threshold for the second image.
	assert.Empty(t, preds.Boxes[1])
	assert.Empty(t, preds.Labels[1])
	assert.Empty(t, preds.Confidences[1])
}

func TestPredictImagesRecordsProfile(t *testing.T) {
	network := &fakeNetwork{detections: detectionsTensor(2, 1,
		10, 10, 20, 20, 0.9, 3,
		10, 10, 20, 20, 0.1, 3,
	)}
	m := newTestModel(t, network, func(o *Options) { o.ImageSize = 64 })
	p := profiler.New(0)
	m.SetProfiler(p)

	_, err := m.PredictImages(context.Background(), []image.Image{solidImage(64, 64), solidImage(32, 32)})
	require.NoError(t, err)

	var names []string
	for _, op := range p.Operations() {
		names = append(names, op.Name)
		assert.Equal(t, int64(1), op.Count)
	}
	assert.Equal(t, []string{"forward", "postprocess", "preprocess"}, names)

	metrics := p.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(2), metrics[0].Count)
	assert.Equal(t, 0.5, metrics[0].Avg)
}

func TestPredictImagesEmpty(t *testing.T) {
	network := &fakeNetwork{}
	m := newTestModel(t, network, nil)

	preds, err := m.PredictImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, preds.Len())
	assert.Equal(t, 0, network.calls)
}

func TestPredictErrors(t *testing.T) {
	t.Run("network error", func(t *testing.T) {
		m := newTestModel(t, &fakeNetwork{err: errNetworkDown}, nil)
		_, err := m.PredictTensor(context.Background(), zeros(1, 3, 512, 512))
		assert.True(t, errors.Is(err, errNetworkDown))
	})

	t.Run("canceled", func(t *testing.T) {
		network := &fakeNetwork{detections: exampleDetections()}
		m := newTestModel(t, network, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.PredictTensor(ctx, zeros(1, 3, 512, 512))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 0, network.calls)
	})

	t.Run("detection count mismatch", func(t *testing.T) {
		m := newTestModel(t, &fakeNetwork{detections: detectionsTensor(2, 1, make([]float32, 12)...)}, nil)
		_, err := m.PredictTensor(context.Background(), zeros(1, 3, 512, 512))
		assert.True(t, errors.Is(err, postprocess.ErrBatchMismatch))
	})

	t.Run("malformed detections", func(t *testing.T) {
		bad := tensor.New(tensor.WithShape(1, 2, 5), tensor.WithBacking(make([]float32, 10)))
		m := newTestModel(t, &fakeNetwork{detections: bad}, nil)
		_, err := m.PredictTensor(context.Background(), zeros(1, 3, 512, 512))
		assert.True(t, errors.Is(err, postprocess.ErrMalformedDetections))
	})
}

func TestNewModelValidation(t *testing.T) {
	_, err := NewModel(logs.NewTestingLog(t), nil, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.ImageSize = 0
	_, err = NewModel(logs.NewTestingLog(t), &fakeNetwork{}, opts)
	assert.True(t, errors.Is(err, postprocess.ErrInvalidModelSize))

	opts = DefaultOptions()
	opts.Ensemble.Method = "vote"
	_, err = NewModel(logs.NewTestingLog(t), &fakeNetwork{}, opts)
	assert.True(t, errors.Is(err, postprocess.ErrUnknownMethod))
}

func TestOptionsFromArgs(t *testing.T) {
	opts := OptionsFromArgs(model.NewModelArgs{ImageSize: 768, NumClasses: 2})
	assert.Equal(t, 768, opts.ImageSize)
	assert.Equal(t, 2, opts.NumClasses)
	assert.Equal(t, float32(0.2), opts.ConfidenceThreshold)
	assert.Equal(t, "tf_efficientnetv2_l", opts.Architecture)
	assert.Equal(t, images.ImageNetMean, opts.Mean)

	zero := float32(0)
	opts = OptionsFromArgs(model.NewModelArgs{ConfidenceThreshold: &zero})
	assert.Equal(t, float32(0), opts.ConfidenceThreshold)
}

func TestOptionsFromArgsFamily(t *testing.T) {
	opts := OptionsFromArgs(model.NewModelArgs{Family: model.FamilyEfficientNet})
	assert.Equal(t, "tf_efficientdet_d0", opts.Architecture)

	opts = OptionsFromArgs(model.NewModelArgs{Family: model.FamilyEfficientNetV2})
	assert.Equal(t, "tf_efficientnetv2_l", opts.Architecture)

	opts = OptionsFromArgs(model.NewModelArgs{Family: model.FamilyEfficientNet, Architecture: "tf_efficientdet_d4"})
	assert.Equal(t, "tf_efficientdet_d4", opts.Architecture)

	opts = OptionsFromArgs(model.NewModelArgs{Family: "resnet"})
	assert.Equal(t, "tf_efficientnetv2_l", opts.Architecture)
}

func solidImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 80, B: 40, A: 255})
		}
	}
	return img
}

package postprocess

import (
	"testing"

	"github.com/nvr-ai/go-effdet/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescaleBoxes(t *testing.T) {
	boxes := [][]images.Rect{
		{{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{},
		{{X1: 0, Y1: 0, X2: 512, Y2: 512}, {X1: 256, Y1: 128, X2: 384, Y2: 256}},
	}
	sizes := []images.Size{
		{Height: 1024, Width: 768},
		{Height: 480, Width: 640},
		{Height: 256, Width: 1024},
	}

	out, err := RescaleBoxes(boxes, sizes, 512)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, images.Rect{X1: 150, Y1: 200, X2: 300, Y2: 400}, out[0][0])
	assert.Empty(t, out[1])
	assert.Equal(t, images.Rect{X1: 0, Y1: 0, X2: 1024, Y2: 256}, out[2][0])
	assert.Equal(t, images.Rect{X1: 512, Y1: 64, X2: 768, Y2: 128}, out[2][1])

	// Inputs are not modified.
	assert.Equal(t, images.Rect{X1: 100, Y1: 100, X2: 200, Y2: 200}, boxes[0][0])
}

func TestRescaleBoxesEmptyPassesThrough(t *testing.T) {
	empty := []images.Rect{}
	out, err := RescaleBoxes([][]images.Rect{empty, nil}, []images.Size{{Height: 10, Width: 10}, {}}, 512)
	require.NoError(t, err)
	assert.NotNil(t, out[0])
	assert.Empty(t, out[0])
	assert.Nil(t, out[1])

	out, err = RescaleBoxes(nil, nil, 512)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRescaleIsSeparable(t *testing.T) {
	box := []images.Rect{{X1: 10, Y1: 20, X2: 30, Y2: 40}}

	a, err := RescaleBoxes([][]images.Rect{box}, []images.Size{{Height: 100, Width: 300}}, 100)
	require.NoError(t, err)
	b, err := RescaleBoxes([][]images.Rect{box}, []images.Size{{Height: 700, Width: 300}}, 100)
	require.NoError(t, err)

	assert.Equal(t, a[0][0].X1, b[0][0].X1)
	assert.Equal(t, a[0][0].X2, b[0][0].X2)
	assert.InDelta(t, 7*a[0][0].Y1, b[0][0].Y1, 1e-4)
}

func TestRescaleErrors(t *testing.T) {
	_, err := RescaleBoxes([][]images.Rect{{}}, nil, 512)
	assert.True(t, errors.Is(err, ErrBatchMismatch))

	_, err = RescaleBoxes([][]images.Rect{{}}, []images.Size{{}}, 0)
	assert.True(t, errors.Is(err, ErrInvalidModelSize))

	_, err = Rescale(Prediction{}, images.Size{}, -1)
	assert.True(t, errors.Is(err, ErrInvalidModelSize))
}

func TestRescalePrediction(t *testing.T) {
	p := Prediction{
		Boxes:   []images.Rect{{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		Scores:  []float32{0.5},
		Classes: []int{3},
	}

	out, err := Rescale(p, images.Size{Height: 1024, Width: 768}, 512)
	require.NoError(t, err)
	assert.Equal(t, images.Rect{X1: 150, Y1: 200, X2: 300, Y2: 400}, out.Boxes[0])
	assert.Equal(t, p.Scores, out.Scores)
	assert.Equal(t, p.Classes, out.Classes)
}

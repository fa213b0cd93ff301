package postprocess

import (
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-effdet/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyGreedyNMS(t *testing.T) {
	detections := []Result{
		{Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, Score: 0.6, Class: 0},
		{Box: images.Rect{X1: 5, Y1: 5, X2: 105, Y2: 105}, Score: 0.9, Class: 0},
		{Box: images.Rect{X1: 5, Y1: 5, X2: 105, Y2: 105}, Score: 0.8, Class: 1},
		{Box: images.Rect{X1: 500, Y1: 500, X2: 600, Y2: 600}, Score: 0.4, Class: 0},
	}

	tests := []struct {
		name       string
		classAware bool
		expected   []float32
	}{
		{name: "class aware", classAware: true, expected: []float32{0.9, 0.8, 0.4}},
		{name: "class agnostic", classAware: false, expected: []float32{0.9, 0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := ApplyGreedyNMS(detections, &NMSConfig{IoUThreshold: 0.5, ClassAware: tt.classAware})
			scores := make([]float32, len(kept))
			for i, k := range kept {
				scores[i] = k.Score
			}
			assert.Equal(t, tt.expected, scores)
		})
	}

	// The input order is left untouched.
	assert.Equal(t, float32(0.6), detections[0].Score)
}

func TestApplyGreedyNMSEmpty(t *testing.T) {
	assert.Nil(t, ApplyGreedyNMS(nil, &NMSConfig{IoUThreshold: 0.5}))
}

func TestApplyGreedyNMSMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	detections := make([]Result, 300)
	for i := range detections {
		x, y := rng.Float32()*0.9, rng.Float32()*0.9
		w, h := rng.Float32()*0.1+0.01, rng.Float32()*0.1+0.01
		detections[i] = Result{
			Box:   images.Rect{X1: x, Y1: y, X2: x + w, Y2: y + h},
			Score: rng.Float32(),
			Class: rng.Intn(3),
		}
	}

	config := &NMSConfig{IoUThreshold: 0.3, ClassAware: true}
	kept := ApplyGreedyNMS(detections, config)
	require.NotEmpty(t, kept)
	assert.Equal(t, bruteForceNMS(detections, config), kept)
}

func bruteForceNMS(detections []Result, config *NMSConfig) []Result {
	sorted := append([]Result{}, detections...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Score > sorted[j-1].Score; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var kept []Result
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if (!config.ClassAware || k.Class == d.Class) && images.CalculateIoU(k.Box, d.Box) > config.IoUThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

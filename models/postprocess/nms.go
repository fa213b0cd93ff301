package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-effdet/images"
)

// nmsGrid is the resolution of the integer grid boxes are indexed on.
const nmsGrid = 1 << 16

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within same class.
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Detections are visited by descending score; each kept detection suppresses every
// later detection whose IoU with it exceeds the threshold. Candidate pairs come from a
// spatial index so only boxes that touch are compared.
//
// Arguments:
//   - detections: Slice of detections in any order.
//   - config: IoU threshold and whether suppression is limited to the same class.
//
// Returns:
//   - Filtered slice of detections sorted by descending score. Empty input returns nil.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	sorted := make([]Result, n)
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	index := newBoxIndex(sorted)
	filtered := make([]Result, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		for _, j := range index.search(anchor.Box) {
			if j <= i || used[j] {
				continue
			}
			if config.ClassAware && sorted[j].Class != anchor.Class {
				continue
			}
			if images.CalculateIoU(anchor.Box, sorted[j].Box) > config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}

// boxIndex maps float boxes onto an integer grid for flatbush.
type boxIndex struct {
	fb         *flatbush.Flatbush[int32]
	minX, minY float32
	sx, sy     float32
}

func newBoxIndex(detections []Result) *boxIndex {
	minX, minY := float32(math32.MaxFloat32), float32(math32.MaxFloat32)
	maxX, maxY := float32(-math32.MaxFloat32), float32(-math32.MaxFloat32)
	for _, d := range detections {
		b := canonical(d.Box)
		minX, minY = math32.Min(minX, b.X1), math32.Min(minY, b.Y1)
		maxX, maxY = math32.Max(maxX, b.X2), math32.Max(maxY, b.Y2)
	}

	idx := &boxIndex{minX: minX, minY: minY, sx: 1, sy: 1}
	if maxX > minX {
		idx.sx = nmsGrid / (maxX - minX)
	}
	if maxY > minY {
		idx.sy = nmsGrid / (maxY - minY)
	}

	idx.fb = flatbush.NewFlatbush[int32]()
	idx.fb.Reserve(len(detections))
	for _, d := range detections {
		x1, y1, x2, y2 := idx.quantize(d.Box)
		idx.fb.Add(x1, y1, x2, y2)
	}
	idx.fb.Finish()

	return idx
}

// quantize rounds outward so the grid box always contains the float box.
func (idx *boxIndex) quantize(r images.Rect) (int32, int32, int32, int32) {
	b := canonical(r)
	return int32(math32.Floor((b.X1 - idx.minX) * idx.sx)),
		int32(math32.Floor((b.Y1 - idx.minY) * idx.sy)),
		int32(math32.Ceil((b.X2 - idx.minX) * idx.sx)),
		int32(math32.Ceil((b.Y2 - idx.minY) * idx.sy))
}

func (idx *boxIndex) search(r images.Rect) []int {
	x1, y1, x2, y2 := idx.quantize(r)
	return idx.fb.Search(x1, y1, x2, y2)
}

func canonical(r images.Rect) images.Rect {
	return images.Rect{
		X1: math32.Min(r.X1, r.X2),
		Y1: math32.Min(r.Y1, r.Y2),
		X2: math32.Max(r.X1, r.X2),
		Y2: math32.Max(r.Y1, r.Y2),
	}
}

// Package images - Image geometry and conversion utilities.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Rect is an axis-aligned bounding box in (x1, y1, x2, y2) corner form.
//
// The same type carries model-space pixels, normalized [0, 1] coordinates and
// original-image pixels; which space a Rect lives in is a property of the stage
// that produced it.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Size is the native pixel size of an image.
type Size struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float32 {
	return r.X2 - r.X1
}

// Height returns the vertical extent of the box.
func (r Rect) Height() float32 {
	return r.Y2 - r.Y1
}

// Area returns the area of the box, or 0 for degenerate boxes.
func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Scale multiplies x coordinates by sx and y coordinates by sy.
//
// Arguments:
//   - sx: The horizontal scaling factor.
//   - sy: The vertical scaling factor.
//
// Returns:
//   - The scaled box.
//
// Example:
//
// ```go
//
//	r := Rect{X1: 100, Y1: 100, X2: 200, Y2: 200}
//	r.Scale(1.5, 2) // Rect{150, 200, 300, 400}
//
// ```
func (r Rect) Scale(sx, sy float32) Rect {
	return Rect{
		X1: r.X1 * sx,
		Y1: r.Y1 * sy,
		X2: r.X2 * sx,
		Y2: r.Y2 * sy,
	}
}

// String formats the box for logs.
func (r Rect) String() string {
	return fmt.Sprintf("(%.2f, %.2f)-(%.2f, %.2f)", r.X1, r.Y1, r.X2, r.Y2)
}

// CalculateIoU returns the Intersection over Union of two boxes, a value in [0, 1]
// answering "how much do these two boxes overlap?".
//
//	IoU = Area of Intersection / Area of Union
//
// The intersection starts at the larger of the two top-left corners and ends at the
// smaller of the two bottom-right corners. When its width or height is zero or
// negative the boxes do not overlap and 0 is returned before any division. The
// union follows inclusion-exclusion:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// Arguments:
//   - r: The first box.
//   - o: The box to compare against.
//
// Returns:
//   - float32: The IoU score.
//
// Example Usage:
//
// ```go
//
//	rect1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	rect2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(rect1, rect2) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}

	return interArea / unionArea
}

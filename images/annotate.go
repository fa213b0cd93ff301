package images

import (
	"fmt"
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Annotation is one box to draw onto an image.
type Annotation struct {
	Box   Rect
	Label string
	Score float32
}

// AnnotateFile reads the image at src, draws each annotation and writes the result
// to dst. The output format follows the extension of dst.
//
// Arguments:
//   - src: The path of the source image.
//   - dst: The path to write the annotated image to.
//   - annotations: Boxes in the pixel space of the source image.
//
// Returns:
//   - error: If the image cannot be read or written.
func AnnotateFile(src, dst string, annotations []Annotation) error {
	img := gocv.IMRead(src, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return errors.Errorf("error reading image: %s", src)
	}

	Annotate(&img, annotations)

	if !gocv.IMWrite(dst, img) {
		return errors.Errorf("failed to write annotated image: %s", dst)
	}
	return nil
}

// Annotate draws boxes and "label score" captions onto mat in place.
func Annotate(mat *gocv.Mat, annotations []Annotation) {
	green := color.RGBA{0, 255, 0, 0}
	for _, a := range annotations {
		rect := image.Rect(int(a.Box.X1), int(a.Box.Y1), int(a.Box.X2), int(a.Box.Y2)).Canon()
		gocv.Rectangle(mat, rect, green, 2)
		label := fmt.Sprintf("%s %.2f", a.Label, a.Score)
		gocv.PutText(mat, label, rect.Min, gocv.FontHersheyPlain, 0.8, green, 2)
	}
}

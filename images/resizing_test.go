package images

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestImage(width, height int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}

	return img
}

func TestToTensorShapeAndNormalization(t *testing.T) {
	red := color.RGBA{R: 255, G: 0, B: 0, A: 255}
	opts := DefaultTensorOptions(32)

	data, err := ToTensor(getTestImage(100, 60, red), opts)
	require.NoError(t, err)
	require.Len(t, data, 3*32*32)

	channelSize := 32 * 32
	wantR := (1.0 - ImageNetMean[0]) / ImageNetStd[0]
	wantG := (0.0 - ImageNetMean[1]) / ImageNetStd[1]
	wantB := (0.0 - ImageNetMean[2]) / ImageNetStd[2]

	// A uniform image stays uniform through resizing.
	for _, i := range []int{0, channelSize / 2, channelSize - 1} {
		assert.InDelta(t, wantR, data[i], 0.02)
		assert.InDelta(t, wantG, data[channelSize+i], 0.02)
		assert.InDelta(t, wantB, data[2*channelSize+i], 0.02)
	}
}

func TestToTensorRejectsBadOptions(t *testing.T) {
	img := getTestImage(8, 8, color.RGBA{A: 255})

	_, err := ToTensor(img, TensorOptions{Size: 0, Std: ImageNetStd})
	assert.Error(t, err)

	_, err = ToTensor(img, TensorOptions{Size: 8})
	assert.Error(t, err, "zero std must be rejected")
}

func TestBatchToTensor(t *testing.T) {
	imgs := []image.Image{
		getTestImage(64, 48, color.RGBA{R: 10, A: 255}),
		getTestImage(20, 90, color.RGBA{G: 200, A: 255}),
	}

	batch, err := BatchToTensor(imgs, DefaultTensorOptions(16))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 16, 16}, []int(batch.Shape()))

	_, err = BatchToTensor(nil, DefaultTensorOptions(16))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, getTestImage(40, 30, color.RGBA{B: 255, A: 255}), nil))

	img := &Image{Data: buf.Bytes()}
	decoded, err := Decode(img)
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, img.Format)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 30, img.Height)
	assert.Equal(t, Size{Height: 30, Width: 40}, SizeOf(decoded))

	buf.Reset()
	require.NoError(t, png.Encode(&buf, getTestImage(5, 7, color.RGBA{A: 255})))
	img = &Image{Data: buf.Bytes()}
	_, err = Decode(img)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, img.Format)

	_, err = Decode(&Image{})
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = Decode(&Image{Data: []byte("not an image")})
	assert.Error(t, err)
}

package images

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestImage() image.Image {
	// Create a simple 100x80 red image.
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	return img
}

func TestDecode(t *testing.T) {
	src := getTestImage()

	var jpegBuf, pngBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, src, nil))
	require.NoError(t, png.Encode(&pngBuf, src))
	webpBytes, err := webp.EncodeRGBA(src, 90)
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		format ImageFormat
	}{
		{name: "jpeg", data: jpegBuf.Bytes(), format: FormatJPEG},
		{name: "png", data: pngBuf.Bytes(), format: FormatPNG},
		{name: "webp", data: webpBytes, format: FormatWebP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, img, err := Decode(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.format, header.Format)
			assert.Equal(t, 100, header.Width)
			assert.Equal(t, 80, header.Height)
			assert.Equal(t, 100, img.Bounds().Dx())
		})
	}
}

func TestDecodeRejectsUnknownData(t *testing.T) {
	_, _, err := Decode([]byte("not an image"))
	assert.Error(t, err)

	_, _, err = Decode(nil)
	assert.Error(t, err)
}

func TestToTensor(t *testing.T) {
	src := getTestImage()

	t.Run("native size", func(t *testing.T) {
		out := ToTensor(src, TensorOptions{})
		require.NotNil(t, out)
		assert.Equal(t, []int{80, 100, 3}, []int(out.Shape()))

		data := out.Data().([]float32)
		assert.Equal(t, float32(255), data[0])
		assert.Equal(t, float32(0), data[1])
		assert.Equal(t, float32(0), data[2])
	})

	t.Run("resized and normalized", func(t *testing.T) {
		out := ToTensor(src, TensorOptions{Width: 32, Height: 16, Normalize: true})
		require.NotNil(t, out)
		assert.Equal(t, []int{16, 32, 3}, []int(out.Shape()))
		data := out.Data().([]float32)
		assert.InDelta(t, 1.0, data[0], 0.01)
		assert.InDelta(t, 0.0, data[1], 0.01)
	})

	t.Run("non rgba image", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, 4, 2))
		gray.SetGray(1, 0, color.Gray{Y: 200})
		out := ToTensor(gray, TensorOptions{})
		require.NotNil(t, out)
		data := out.Data().([]float32)
		assert.Equal(t, []float32{200, 200, 200}, data[3:6])
	})

	t.Run("nil and empty", func(t *testing.T) {
		assert.Nil(t, ToTensor(nil, TensorOptions{}))
		assert.Nil(t, ToTensor(image.NewRGBA(image.Rectangle{}), TensorOptions{}))
	})
}

func TestDimensions(t *testing.T) {
	h, w, ok := Dimensions(ToTensor(getTestImage(), TensorOptions{}))
	assert.True(t, ok)
	assert.Equal(t, 80, h)
	assert.Equal(t, 100, w)

	_, _, ok = Dimensions(nil)
	assert.False(t, ok)
}

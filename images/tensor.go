package images

import (
	"image"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// TensorOptions controls ToTensor.
type TensorOptions struct {
	// Width and Height resize the image first when both are positive.
	Width  int `json:"width,omitempty" yaml:"width,omitempty"`
	Height int `json:"height,omitempty" yaml:"height,omitempty"`
	// Normalize scales channel values to [0, 1] instead of [0, 255].
	Normalize bool `json:"normalize,omitempty" yaml:"normalize,omitempty"`
}

// ToTensor converts an image into a float32 tensor shaped [H, W, 3] in RGB
// order. Alpha is dropped.
//
// Arguments:
//   - img: The image to convert.
//   - opts: Optional resize and normalisation.
//
// Returns:
//   - *tensor.Dense: The pixel tensor, or nil if img is nil or empty.
func ToTensor(img image.Image, opts TensorOptions) *tensor.Dense {
	if img == nil || img.Bounds().Empty() {
		return nil
	}
	if opts.Width > 0 && opts.Height > 0 {
		b := img.Bounds()
		if b.Dx() != opts.Width || b.Dy() != opts.Height {
			img = resize.Resize(uint(opts.Width), uint(opts.Height), img, resize.Bilinear)
		}
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, h*w*3)

	scale := float32(1)
	if opts.Normalize {
		scale = 1.0 / 255.0
	}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
			for x := 0; x < w; x++ {
				i := (y*w + x) * 3
				data[i] = float32(row[x*4]) * scale
				data[i+1] = float32(row[x*4+1]) * scale
				data[i+2] = float32(row[x*4+2]) * scale
			}
		}
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := (y*w + x) * 3
				data[i] = float32(r>>8) * scale
				data[i+1] = float32(g>>8) * scale
				data[i+2] = float32(bl>>8) * scale
			}
		}
	}

	return tensor.New(tensor.WithShape(h, w, 3), tensor.WithBacking(data))
}

// Dimensions returns the height and width of an [H, W, C] or [1, H, W, C]
// image tensor.
func Dimensions(t *tensor.Dense) (height, width int, ok bool) {
	if t == nil {
		return 0, 0, false
	}
	shape := t.Shape()
	switch {
	case len(shape) == 3:
		return shape[0], shape[1], true
	case len(shape) == 4 && shape[0] == 1:
		return shape[1], shape[2], true
	default:
		return 0, 0, false
	}
}

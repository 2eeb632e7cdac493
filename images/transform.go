package images

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Augmentation describes the geometric transforms applied to one training
// image. Rotation is in degrees counter-clockwise and must be 0, 90, 180 or
// 270.
type Augmentation struct {
	FlipH    bool
	FlipV    bool
	Rotation int
}

// Identity reports whether the augmentation leaves the image untouched.
func (a Augmentation) Identity() bool {
	return !a.FlipH && !a.FlipV && a.Rotation == 0
}

// Augment applies a to img and moves boxes along with the pixels.
//
// Flips are applied before the rotation. The returned boxes are new values;
// the input slice is not modified.
//
// Arguments:
//   - img: The decoded source image.
//   - boxes: Ground-truth boxes in img pixel coordinates.
//   - a: The transforms to apply.
//
// Returns:
//   - image.Image: The transformed image.
//   - []Rect: The transformed boxes, same order as the input.
//   - error: When the rotation angle is unsupported.
func Augment(img image.Image, boxes []Rect, a Augmentation) (image.Image, []Rect, error) {
	if img == nil {
		return nil, nil, errors.New("augment: nil image")
	}

	out := make([]Rect, len(boxes))
	copy(out, boxes)

	if a.Identity() {
		return img, out, nil
	}

	w := float32(img.Bounds().Dx())
	h := float32(img.Bounds().Dy())

	if a.FlipH {
		img = imaging.FlipH(img)
		for i, b := range out {
			out[i] = Rect{X1: w - b.X2, Y1: b.Y1, X2: w - b.X1, Y2: b.Y2}
		}
	}

	if a.FlipV {
		img = imaging.FlipV(img)
		for i, b := range out {
			out[i] = Rect{X1: b.X1, Y1: h - b.Y2, X2: b.X2, Y2: h - b.Y1}
		}
	}

	switch a.Rotation {
	case 0:
	case 90:
		img = imaging.Rotate90(img)
		for i, b := range out {
			out[i] = Rect{X1: b.Y1, Y1: w - b.X2, X2: b.Y2, Y2: w - b.X1}
		}
	case 180:
		img = imaging.Rotate180(img)
		for i, b := range out {
			out[i] = Rect{X1: w - b.X2, Y1: h - b.Y2, X2: w - b.X1, Y2: h - b.Y1}
		}
	case 270:
		img = imaging.Rotate270(img)
		for i, b := range out {
			out[i] = Rect{X1: h - b.Y2, Y1: b.X1, X2: h - b.Y1, Y2: b.X2}
		}
	default:
		return nil, nil, errors.Errorf("augment: unsupported rotation %d", a.Rotation)
	}

	return img, out, nil
}

// ShortestSideSize returns the size of a width x height image after scaling
// its shorter side to target while keeping the aspect ratio. The longer side
// is truncated to an integer.
func ShortestSideSize(width, height, target int) (int, int) {
	if width <= height {
		f := float64(target) / float64(width)
		return target, int(f * float64(height))
	}
	f := float64(target) / float64(height)
	return int(f * float64(width)), target
}

// ResizeShortestSide resizes img so its shorter side equals target.
//
// Returns the resized image and the x/y factors needed to move boxes from the
// source frame into the resized frame.
func ResizeShortestSide(img image.Image, target int) (image.Image, float32, float32, error) {
	if target <= 0 {
		return nil, 0, 0, errors.Errorf("resize: invalid target size %d", target)
	}
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	if w <= 0 || h <= 0 {
		return nil, 0, 0, errors.Errorf("resize: empty image %dx%d", w, h)
	}

	rw, rh := ShortestSideSize(w, h, target)
	if rw <= 0 || rh <= 0 {
		return nil, 0, 0, errors.Errorf("resize: %dx%d collapses to %dx%d", w, h, rw, rh)
	}

	resized := resize.Resize(uint(rw), uint(rh), img, resize.Bicubic)

	return resized, float32(rw) / float32(w), float32(rh) / float32(h), nil
}

// ToCHW converts img into a (3, H, W) float32 tensor in RGB channel order,
// subtracting mean per channel and dividing by scale.
func ToCHW(img image.Image, mean []float32, scale float32) (*tensor.Dense, error) {
	if len(mean) != 3 {
		return nil, errors.Errorf("normalise: expected 3 channel means, got %d", len(mean))
	}
	if scale == 0 {
		return nil, errors.New("normalise: scaling factor must be non-zero")
	}

	src := imaging.Clone(img)
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	plane := w * h

	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := y*w + x
			data[i] = (float32(p[0]) - mean[0]) / scale
			data[plane+i] = (float32(p[1]) - mean[1]) / scale
			data[2*plane+i] = (float32(p[2]) - mean[2]) / scale
		}
	}

	return tensor.New(
		tensor.WithShape(3, h, w),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	), nil
}

// ScaleBoxes multiplies every box by the resize factors.
func ScaleBoxes(boxes []Rect, fx, fy float32) []Rect {
	out := make([]Rect, len(boxes))
	for i, b := range boxes {
		out[i] = b.Scale(fx, fy)
	}
	return out
}

package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// markerImage returns a w x h black image with a single red pixel at (x, y).
func markerImage(w, h, x, y int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
	return img
}

func findMarker(t *testing.T, img image.Image) (int, int) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r > 0x8000 {
				return x - b.Min.X, y - b.Min.Y
			}
		}
	}
	t.Fatal("marker pixel not found")
	return -1, -1
}

func TestAugment_BoxesFollowPixels(t *testing.T) {
	const w, h = 5, 3
	src := markerImage(w, h, 1, 0)
	box := Rect{X1: 1, Y1: 0, X2: 2, Y2: 1}

	tests := []struct {
		name string
		aug  Augmentation
	}{
		{"identity", Augmentation{}},
		{"flip horizontal", Augmentation{FlipH: true}},
		{"flip vertical", Augmentation{FlipV: true}},
		{"rotate 90", Augmentation{Rotation: 90}},
		{"rotate 180", Augmentation{Rotation: 180}},
		{"rotate 270", Augmentation{Rotation: 270}},
		{"flip both and rotate 90", Augmentation{FlipH: true, FlipV: true, Rotation: 90}},
		{"flip horizontal and rotate 270", Augmentation{FlipH: true, Rotation: 270}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, boxes, err := Augment(src, []Rect{box}, tt.aug)
			require.NoError(t, err)
			require.Len(t, boxes, 1)

			x, y := findMarker(t, out)
			want := Rect{X1: float32(x), Y1: float32(y), X2: float32(x + 1), Y2: float32(y + 1)}
			assert.Equal(t, want, boxes[0])
		})
	}

	t.Run("rotation swaps dimensions", func(t *testing.T) {
		out, _, err := Augment(src, nil, Augmentation{Rotation: 90})
		require.NoError(t, err)
		assert.Equal(t, h, out.Bounds().Dx())
		assert.Equal(t, w, out.Bounds().Dy())
	})

	t.Run("input boxes untouched", func(t *testing.T) {
		in := []Rect{box}
		_, _, err := Augment(src, in, Augmentation{FlipH: true})
		require.NoError(t, err)
		assert.Equal(t, box, in[0])
	})

	t.Run("unsupported rotation", func(t *testing.T) {
		_, _, err := Augment(src, []Rect{box}, Augmentation{Rotation: 45})
		assert.Error(t, err)
	})
}

func TestShortestSideSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, target int
		ew, eh       int
	}{
		{"landscape", 600, 400, 300, 450, 300},
		{"portrait", 400, 600, 300, 300, 450},
		{"square", 100, 100, 300, 300, 300},
		{"truncates", 100, 333, 300, 300, 999},
		{"downscale odd", 1000, 750, 300, 400, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ShortestSideSize(tt.w, tt.h, tt.target)
			assert.Equal(t, tt.ew, w)
			assert.Equal(t, tt.eh, h)
		})
	}
}

func TestResizeShortestSide(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 200, 100))

	out, fx, fy, err := ResizeShortestSide(src, 50)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 50, out.Bounds().Dy())
	assert.InDelta(t, 0.5, fx, 1e-6)
	assert.InDelta(t, 0.5, fy, 1e-6)

	_, _, _, err = ResizeShortestSide(src, 0)
	assert.Error(t, err)

	boxes := ScaleBoxes([]Rect{{X1: 10, Y1: 10, X2: 50, Y2: 90}}, fx, fy)
	assert.Equal(t, Rect{X1: 5, Y1: 5, X2: 25, Y2: 45}, boxes[0])
}

func TestToCHW(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 110, G: 120, B: 130, A: 255})

	out, err := ToCHW(img, []float32{10, 20, 30}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, []int(out.Shape()))

	data := out.Data().([]float32)
	assert.Equal(t, []float32{0, 50, 0, 50, 0, 50}, data)

	_, err = ToCHW(img, []float32{1, 2}, 1)
	assert.Error(t, err)
	_, err = ToCHW(img, []float32{1, 2, 3}, 0)
	assert.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want ImageFormat
		ok   bool
	}{
		{"a/b/cat.jpg", FormatJPEG, true},
		{"cat.JPEG", FormatJPEG, true},
		{"cat.webp", FormatWebP, true},
		{"cat.png", FormatPNG, true},
		{"cat.gif", "", false},
		{"cat", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := FormatFromPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

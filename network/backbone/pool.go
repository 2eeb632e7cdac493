// Package backbone provides the frozen feature extractors the detector heads
// are trained on.
package backbone

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"

	"github.com/nvr-ai/go-rcnn/rpn"
)

// PoolChannels is the feature depth of Pool: the three channel means of the
// cell followed by the three channel means of each of its four quadrants.
const PoolChannels = 15

// Pool is a parameter-free backbone that average-pools every stride x stride
// cell of the image. It needs no pretrained weights, which makes it the
// default for smoke runs and tests.
type Pool struct{}

// NewPool returns a pooling backbone.
func NewPool() *Pool { return &Pool{} }

// Channels implements network.Backbone.
func (*Pool) Channels() int { return PoolChannels }

// Features implements network.Backbone.
func (*Pool) Features(img *tensor.Dense, grid *rpn.Grid) (*tensor.Dense, error) {
	shape := img.Shape()
	if len(shape) != 3 || shape[0] != 3 {
		return nil, errors.Errorf("pool: expected a (3,H,W) image, got %v", shape)
	}
	h, w := shape[1], shape[2]
	s := grid.Stride
	if grid.Rows*s > h || grid.Cols*s > w {
		return nil, errors.Errorf("pool: %dx%d grid with stride %d exceeds %dx%d image", grid.Rows, grid.Cols, s, h, w)
	}

	pix, err := native.Tensor3F32(img)
	if err != nil {
		return nil, errors.Wrap(err, "pool: image view")
	}

	q := max(1, s/2)
	out := make([]float32, grid.Rows*grid.Cols*PoolChannels)
	for row := 0; row < grid.Rows; row++ {
		for col := 0; col < grid.Cols; col++ {
			y0, x0 := row*s, col*s
			f := out[(row*grid.Cols+col)*PoolChannels:]
			for c := 0; c < 3; c++ {
				f[c] = mean(pix[c], y0, y0+s, x0, x0+s)
				f[3+c] = mean(pix[c], y0, y0+q, x0, x0+q)
				f[6+c] = mean(pix[c], y0, y0+q, x0+q, x0+s)
				f[9+c] = mean(pix[c], y0+q, y0+s, x0, x0+q)
				f[12+c] = mean(pix[c], y0+q, y0+s, x0+q, x0+s)
			}
		}
	}

	return tensor.New(
		tensor.WithShape(grid.Rows, grid.Cols, PoolChannels),
		tensor.WithBacking(out),
	), nil
}

func mean(plane [][]float32, y0, y1, x0, x1 int) float32 {
	var sum float32
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += plane[y][x]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float32(n)
}

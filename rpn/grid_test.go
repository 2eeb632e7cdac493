package rpn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
)

func TestNewGrid(t *testing.T) {
	cfg := config.Default()

	g, err := NewGrid(cfg, 450, 300)
	require.NoError(t, err)

	assert.Equal(t, 18, g.Rows)
	assert.Equal(t, 28, g.Cols)
	assert.Equal(t, 9, g.NumAnchors())
	assert.Equal(t, 18*28*9, g.Len())

	// scale-major: ratio varies fastest
	assert.Equal(t, AnchorShape{W: 64, H: 64}, g.Shapes[ShapeIndex(0, 0, 3)])
	assert.Equal(t, AnchorShape{W: 128, H: 128}, g.Shapes[ShapeIndex(1, 0, 3)])
	assert.InDelta(t, 256*0.7071, g.Shapes[ShapeIndex(2, 1, 3)].W, 0.01)
	assert.InDelta(t, 256*1.4142, g.Shapes[ShapeIndex(2, 1, 3)].H, 0.01)

	_, err = NewGrid(cfg, 10, 300)
	assert.Error(t, err)
}

func TestGrid_IndexRoundTrip(t *testing.T) {
	cfg := config.Default()
	g, err := NewGrid(cfg, 300, 200)
	require.NoError(t, err)

	seen := make(map[int]bool, g.Len())
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			for a := 0; a < g.NumAnchors(); a++ {
				idx := g.Index(row, col, a)
				require.False(t, seen[idx], "index %d produced twice", idx)
				seen[idx] = true

				r, c, an := g.Position(idx)
				require.Equal(t, []int{row, col, a}, []int{r, c, an})
			}
		}
	}
	assert.Len(t, seen, g.Len())
	assert.Equal(t, g.Len()-1, g.Index(g.Rows-1, g.Cols-1, g.NumAnchors()-1))
}

func TestGrid_Anchor(t *testing.T) {
	cfg := config.Default()
	g, err := NewGrid(cfg, 300, 300)
	require.NoError(t, err)

	assert.Equal(t, images.Rect{X1: -24, Y1: -24, X2: 40, Y2: 40}, g.Anchor(0, 0, 0))
	assert.Equal(t, images.Rect{X1: 8, Y1: -8, X2: 72, Y2: 56}, g.Anchor(1, 2, 0))
	assert.Equal(t, g.Anchor(1, 2, 0), g.AnchorAt(g.Index(1, 2, 0)))

	assert.False(t, g.Inside(g.Index(0, 0, 0)))
	assert.True(t, g.Inside(g.Index(5, 5, 0)))
}
